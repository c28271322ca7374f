package ai

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matryer/is"
)

var fastRetry = RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, BackoffFactor: 2}

func TestRetryRecoversAfterTransientFailures(t *testing.T) {
	is := is.New(t)
	calls := 0
	v, err := Retry(context.Background(), fastRetry, nil, "chat", func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", Recoverable("fake", "chat", errors.New("timeout"))
		}
		return "ok", nil
	})
	is.NoErr(err)
	is.Equal(v, "ok")
	is.Equal(calls, 3)
}

func TestRetryStopsOnFatal(t *testing.T) {
	is := is.New(t)
	calls := 0
	_, err := Retry(context.Background(), fastRetry, nil, "chat", func(context.Context) (int, error) {
		calls++
		return 0, Fatal("fake", "chat", errors.New("bad key"))
	})
	is.True(IsFatal(err))
	is.True(!IsRecoverable(err))
	is.Equal(calls, 1)
}

func TestRetryExhausts(t *testing.T) {
	is := is.New(t)
	calls := 0
	boom := errors.New("boom")
	_, err := Retry(context.Background(), fastRetry, nil, "tts", func(context.Context) (int, error) {
		calls++
		return 0, boom
	})
	is.True(errors.Is(err, boom))
	is.Equal(calls, fastRetry.MaxRetries+1)
}

func TestRetryHonoursContext(t *testing.T) {
	is := is.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastRetry
	cfg.InitialDelay = time.Hour
	cfg.MaxDelay = time.Hour
	_, err := Retry(ctx, cfg, nil, "stt", func(context.Context) (int, error) {
		cancel()
		return 0, Recoverable("fake", "stt", errors.New("later"))
	})
	is.True(errors.Is(err, context.Canceled) || IsRecoverable(err))
}

func TestBackoffIsCapped(t *testing.T) {
	is := is.New(t)
	cfg := RetryConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, BackoffFactor: 2}
	is.Equal(backoff(cfg, 1), 100*time.Millisecond)
	is.Equal(backoff(cfg, 2), 200*time.Millisecond)
	is.Equal(backoff(cfg, 5), 300*time.Millisecond)
}
