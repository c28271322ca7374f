// Package ai holds the error classification and retry policy shared by the
// speech and language providers the agent session talks to.
package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

var (
	// ErrRecoverable marks a failure worth retrying: timeouts, rate limits,
	// a provider that is briefly unavailable.
	ErrRecoverable = errors.New("recoverable AI provider error")

	// ErrFatal marks a failure that retrying cannot fix: bad credentials,
	// an unsupported model or voice, a rejected request.
	ErrFatal = errors.New("fatal AI provider error")
)

// RetryConfig configures Retry.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterPercent float64 // 0..1
}

// DefaultRetryConfig keeps retries short enough to fit inside a
// conversational turn.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:    2,
	InitialDelay:  100 * time.Millisecond,
	MaxDelay:      time.Second,
	BackoffFactor: 2.0,
	JitterPercent: 0.1,
}

// IsRecoverable reports whether err is classified as recoverable.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrRecoverable)
}

// IsFatal reports whether err is classified as fatal.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// ProviderError carries a provider failure and its classification.
type ProviderError struct {
	Provider  string
	Op        string
	Err       error
	Retryable bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

// Is matches ErrRecoverable or ErrFatal according to the classification.
func (e *ProviderError) Is(target error) bool {
	if e.Retryable {
		return target == ErrRecoverable
	}
	return target == ErrFatal
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Recoverable wraps err as a retryable provider failure.
func Recoverable(provider, op string, err error) error {
	return &ProviderError{Provider: provider, Op: op, Err: err, Retryable: true}
}

// Fatal wraps err as a permanent provider failure.
func Fatal(provider, op string, err error) error {
	return &ProviderError{Provider: provider, Op: op, Err: err}
}

// Retry calls fn until it succeeds, returns a fatal error, or the retry
// budget is spent. Unclassified errors are retried. It waits between
// attempts with exponential backoff and jitter, and gives up early when ctx
// is done.
func Retry[T any](ctx context.Context, cfg RetryConfig, logger *slog.Logger, op string, fn func(context.Context) (T, error)) (T, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var (
		zero    T
		lastErr error
	)
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoff(cfg, attempt)
			logger.Info("Retrying provider call",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("last_error", lastErr.Error()))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if IsFatal(err) || ctx.Err() != nil {
			return zero, err
		}
		logger.Warn("Provider call failed",
			slog.String("op", op),
			slog.String("error", err.Error()),
			slog.Int("attempt", attempt+1),
			slog.Int("max_retries", cfg.MaxRetries))
	}
	return zero, fmt.Errorf("%s: exhausted %d retries: %w", op, cfg.MaxRetries, lastErr)
}

func backoff(cfg RetryConfig, attempt int) time.Duration {
	factor := cfg.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	delay := float64(cfg.InitialDelay) * math.Pow(factor, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.JitterPercent > 0 {
		jitter := delay * cfg.JitterPercent
		delay += (rand.Float64()*2 - 1) * jitter
	}
	if delay < 0 {
		delay = float64(cfg.InitialDelay)
	}
	return time.Duration(delay)
}
