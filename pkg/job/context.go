package job

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// ShutdownHookTimeout bounds how long Shutdown waits for hooks, which end
// the room's calls and disconnect from LiveKit.
const ShutdownHookTimeout = 5 * time.Second

// ErrJobShutdown is the cancellation cause of a job ended by Shutdown.
var ErrJobShutdown = errors.New("job: shut down")

// lateHookReason is passed to hooks registered after the job has ended.
const lateHookReason = "job already shut down"

// NewJobContext returns a JobContext derived from parent. Its Ctx ends when
// parent does or when Shutdown is called.
func NewJobContext(parent context.Context) *JobContext {
	ctx, cancel := context.WithCancelCause(parent)
	return &JobContext{Ctx: ctx, cancel: cancel, now: time.Now}
}

// Shutdown runs every hook registered with OnShutdown and then cancels Ctx.
// Only the first call has any effect; later calls return immediately.
func (jc *JobContext) Shutdown(reason string) {
	jc.shutdownMu.Lock()
	defer jc.shutdownMu.Unlock()
	if jc.info != nil {
		return
	}

	info := &ShutdownInfo{Reason: reason, Timestamp: jc.now()}
	jc.info = info
	slog.Info("Job shutdown initiated",
		slog.String("reason", reason),
		slog.Int("hooks", len(jc.shutdownHooks)))

	info.Graceful = runHooks(jc.shutdownHooks, reason, ShutdownHookTimeout)
	jc.shutdownHooks = nil
	jc.cancel(fmt.Errorf("%w: %s", ErrJobShutdown, reason))
}

// runHooks calls every hook concurrently and reports whether all of them
// returned within timeout.
func runHooks(hooks []func(string), reason string, timeout time.Duration) bool {
	var g errgroup.Group
	for _, h := range hooks {
		g.Go(func() error {
			callHook(h, reason)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		slog.Warn("Shutdown hooks timed out", slog.Duration("timeout", timeout))
		return false
	}
}

func callHook(h func(string), reason string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Shutdown hook panicked", slog.Any("panic", r))
		}
	}()
	h(reason)
}

// OnShutdown registers hook to run when the job shuts down. Hooks run
// concurrently. A hook registered after shutdown runs at once on its own
// goroutine.
func (jc *JobContext) OnShutdown(hook func(reason string)) {
	jc.shutdownMu.Lock()
	defer jc.shutdownMu.Unlock()
	if jc.info != nil {
		go callHook(hook, lateHookReason)
		return
	}
	jc.shutdownHooks = append(jc.shutdownHooks, hook)
}

// ShutdownInfo reports how the job ended. ok is false until Shutdown has
// been called; a job ended only by its parent context has no info.
func (jc *JobContext) ShutdownInfo() (info ShutdownInfo, ok bool) {
	jc.shutdownMu.Lock()
	defer jc.shutdownMu.Unlock()
	if jc.info == nil {
		return ShutdownInfo{}, false
	}
	return *jc.info, true
}

func (jc *JobContext) IsShutdown() bool {
	return jc.Ctx.Err() != nil
}

func (jc *JobContext) Done() <-chan struct{} {
	return jc.Ctx.Done()
}

// Err is context.Canceled after Shutdown and context.DeadlineExceeded when
// the job timed out.
func (jc *JobContext) Err() error {
	return jc.Ctx.Err()
}

// Cause is the reason Ctx ended: an error wrapping ErrJobShutdown after
// Shutdown, otherwise the parent's cause.
func (jc *JobContext) Cause() error {
	return context.Cause(jc.Ctx)
}

func generateJobID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("job_%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("job_%x", b)
}
