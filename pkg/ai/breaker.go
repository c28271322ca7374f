package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Protect while a provider's breaker is open.
var ErrCircuitOpen = errors.New("ai: provider circuit open")

// BreakerState is the position of a Breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a Breaker. Zero values select the defaults.
type BreakerConfig struct {
	// MaxFailures is how many failed calls in a row open the breaker.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before letting a
	// trial call through.
	ResetTimeout time.Duration

	// HalfOpenMax bounds the trial calls in flight while half-open.
	HalfOpenMax int

	Now    func() time.Time
	Logger *slog.Logger
}

// DefaultBreakerConfig gives up on a provider after three failed replies
// and tries it again ten seconds later.
var DefaultBreakerConfig = BreakerConfig{
	MaxFailures:  3,
	ResetTimeout: 10 * time.Second,
	HalfOpenMax:  1,
}

// Breaker stops calling a provider that keeps failing, so a dead backend
// costs one fast error per turn instead of a full retry budget. It is safe
// for concurrent use.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	trials   int
}

// NewBreaker creates a Breaker for the provider operation name.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultBreakerConfig.MaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultBreakerConfig.ResetTimeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = DefaultBreakerConfig.HalfOpenMax
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Breaker{name: name, cfg: cfg}
}

// State returns the breaker's position. An open breaker whose reset
// timeout has passed reports half-open.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.cfg.Now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return BreakerHalfOpen
	}
	return b.state
}

// allow reserves a call. trial is true for a half-open trial call.
func (b *Breaker) allow() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		if b.cfg.Now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return false, fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
		}
		b.state = BreakerHalfOpen
		b.trials = 0
		b.cfg.Logger.Info("Provider breaker half-open", slog.String("op", b.name))
	}
	if b.state == BreakerHalfOpen {
		if b.trials >= b.cfg.HalfOpenMax {
			return false, fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
		}
		b.trials++
		return true, nil
	}
	return false, nil
}

// record settles a call reserved by allow. Cancellation says nothing about
// the provider and only releases the trial slot.
func (b *Breaker) record(trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if trial {
		b.trials--
	}

	switch {
	case err == nil:
		if b.state != BreakerClosed {
			b.cfg.Logger.Info("Provider breaker closed", slog.String("op", b.name))
		}
		b.state = BreakerClosed
		b.failures = 0
	case errors.Is(err, context.Canceled):
	case trial:
		b.trip()
	default:
		b.failures++
		if b.state == BreakerClosed && b.failures >= b.cfg.MaxFailures {
			b.trip()
		}
	}
}

// trip opens the breaker. Caller holds b.mu.
func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.cfg.Now()
	b.cfg.Logger.Warn("Provider breaker opened",
		slog.String("op", b.name),
		slog.Int("consecutive_failures", b.failures),
		slog.Duration("reset_timeout", b.cfg.ResetTimeout))
}

// Protect runs fn through b. While b is open it fails fast with an error
// wrapping ErrCircuitOpen and fn is not called.
func Protect[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	trial, err := b.allow()
	if err != nil {
		var zero T
		return zero, err
	}
	v, err := fn(ctx)
	b.record(trial, err)
	return v, err
}
