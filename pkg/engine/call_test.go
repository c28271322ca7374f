package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/chriscow/livekit-silence-go/pkg/rtc"
	"github.com/chriscow/livekit-silence-go/pkg/timing"
	"github.com/chriscow/livekit-silence-go/pkg/turn"
	"github.com/matryer/is"
	"go.opentelemetry.io/otel/metric/noop"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func frame(at time.Time, amplitude int16) rtc.AudioFrame {
	data := make([]byte, 320)
	for i := 0; i < 160; i++ {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(amplitude))
	}
	return rtc.AudioFrame{Data: data, SampleRate: 16000, NumChannels: 1, CapturedAt: at}
}

func newTestCall(t *testing.T, p *timing.Profile, now *time.Time) *Call {
	t.Helper()
	metrics, err := turn.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	c, err := NewCall(Config{
		CallID:          "call-1",
		Profile:         p,
		BackchannelSeed: 1,
		Now:             func() time.Time { return *now },
		Metrics:         metrics,
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestNewCallValidation(t *testing.T) {
	is := is.New(t)
	_, err := NewCall(Config{Profile: timing.English()})
	is.True(errors.Is(err, ErrNoCallID))
	_, err = NewCall(Config{CallID: "x"})
	is.True(errors.Is(err, turn.ErrNoProfile))
}

// TestCallReplaysJapaneseTurn feeds half a second of speech followed by
// silence and checks the decisions the energy path produces.
func TestCallReplaysJapaneseTurn(t *testing.T) {
	is := is.New(t)
	now := t0
	c := newTestCall(t, timing.Japanese(), &now)

	var decisions []turn.Decision
	at := t0
	for step := 1; step <= 60; step++ {
		end := t0.Add(time.Duration(step) * 100 * time.Millisecond)
		for ; at.Before(end); at = at.Add(10 * time.Millisecond) {
			amp := int16(0)
			if at.Before(t0.Add(500 * time.Millisecond)) {
				amp = 8000
			}
			c.IngestAudio(frame(at, amp))
		}
		now = end
		if d := c.Evaluate(now); d.Kind != turn.ContinueWaiting {
			decisions = append(decisions, d)
		}
	}

	var got []turn.DecisionKind
	for _, d := range decisions {
		got = append(got, d.Kind)
	}
	is.Equal(got, []turn.DecisionKind{turn.EmitBackchannel, turn.PermitResponse}) // the permitted turn never disengages

	is.True(contains(timing.DefaultBackchannels("ja"), decisions[0].Text))
	permit := decisions[1]
	is.True(permit.Silence >= 1200*time.Millisecond)
	is.True(permit.Silence <= 1500*time.Millisecond)

	stats := c.Stats()
	is.Equal(stats.CallID, "call-1")
	is.Equal(stats.Responses, 1)
	is.Equal(stats.AudioDropped, uint64(0))
}

// TestCallPermitsOverNoiseFloor replays speech that falls to a steady
// background hum rather than digital silence.
func TestCallPermitsOverNoiseFloor(t *testing.T) {
	is := is.New(t)
	now := t0
	c := newTestCall(t, timing.Japanese(), &now)

	var permits []turn.Decision
	at := t0
	for step := 1; step <= 40; step++ {
		end := t0.Add(time.Duration(step) * 100 * time.Millisecond)
		for ; at.Before(end); at = at.Add(10 * time.Millisecond) {
			amp := int16(200) // about 0.006 RMS
			if at.Before(t0.Add(500 * time.Millisecond)) {
				amp = 3000
			}
			c.IngestAudio(frame(at, amp))
		}
		now = end
		if d := c.Evaluate(now); d.Kind == turn.PermitResponse {
			permits = append(permits, d)
		}
	}

	is.Equal(len(permits), 1)
	is.True(permits[0].Silence <= 1500*time.Millisecond)
	stats := c.Stats()
	is.Equal(stats.Responses, 1)
	is.Equal(stats.MissedWindows, 0)
}

func TestCallTranscriptTurnText(t *testing.T) {
	is := is.New(t)
	now := t0
	c := newTestCall(t, timing.English(), &now)

	c.OnTranscript("book a", false, t0)
	c.OnTranscript("book a table", true, t0.Add(400*time.Millisecond))
	c.OnTranscript("for two", true, t0.Add(800*time.Millisecond))
	c.OnTranscript("  ", true, t0.Add(900*time.Millisecond))

	now = t0.Add(850 * time.Millisecond)
	c.Evaluate(now)
	is.Equal(c.Phase(), turn.PhaseSpeaking)
	is.Equal(c.TurnWordCount(), 5)
	is.Equal(c.TakeTurnText(), "book a table for two")
	is.Equal(c.TurnText(), "")
}

func TestCallRunStopsOnCancel(t *testing.T) {
	is := is.New(t)
	metrics, err := turn.NewMetrics(noop.NewMeterProvider())
	is.NoErr(err)
	c, err := NewCall(Config{CallID: "run", Profile: timing.English(), Metrics: metrics})
	is.NoErr(err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		is.NoErr(err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func contains(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
