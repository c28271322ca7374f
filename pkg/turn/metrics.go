package turn

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/chriscow/livekit-silence-go/pkg/turn"

// Metrics holds the controller's OpenTelemetry instruments. All fields are
// safe for concurrent use.
type Metrics struct {
	// Decisions counts non-trivial decisions. Attributes: kind, language,
	// reason.
	Decisions metric.Int64Counter

	// ResponseDelay records the silence before each permitted response.
	ResponseDelay metric.Float64Histogram

	// DroppedInputs counts events and frames discarded before reaching the
	// controller. Attributes: source, reason.
	DroppedInputs metric.Int64Counter

	// ActiveCalls tracks running controllers.
	ActiveCalls metric.Int64UpDownCounter
}

var delayBuckets = []float64{
	0.05, 0.1, 0.15, 0.2, 0.3, 0.5, 0.75, 1, 1.5, 2, 3, 5,
}

// NewMetrics creates the instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.Decisions, err = m.Int64Counter("silence.turn.decisions",
		metric.WithDescription("Turn decisions emitted by kind, language and reason."),
	); err != nil {
		return nil, err
	}
	if met.ResponseDelay, err = m.Float64Histogram("silence.turn.response_delay",
		metric.WithDescription("Silence before a response was permitted."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(delayBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DroppedInputs, err = m.Int64Counter("silence.input.dropped",
		metric.WithDescription("Inputs dropped before classification by source and reason."),
	); err != nil {
		return nil, err
	}
	if met.ActiveCalls, err = m.Int64UpDownCounter("silence.active_calls",
		metric.WithDescription("Number of running turn-taking controllers."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns instruments on the global meter provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("turn: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

func (m *Metrics) recordDecision(ctx context.Context, d Decision, language string) {
	m.Decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", d.Kind.String()),
		attribute.String("language", language),
		attribute.String("reason", d.Reason),
	))
	if d.Kind == PermitResponse {
		m.ResponseDelay.Record(ctx, d.Silence.Seconds(),
			metric.WithAttributes(attribute.String("language", language)))
	}
}

// RecordDropped counts one discarded input.
func (m *Metrics) RecordDropped(ctx context.Context, source, reason string) {
	m.DroppedInputs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("reason", reason),
	))
}
