// Package worker bridges a host agent to the silence engine over a
// WebSocket. The host streams call signals in; the worker answers with the
// engine's turn-taking decisions.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chriscow/livekit-silence-go/internal/callmgr"
	"github.com/chriscow/livekit-silence-go/pkg/engine"
	"github.com/chriscow/livekit-silence-go/pkg/timing"
	"github.com/chriscow/livekit-silence-go/pkg/turn"
	"github.com/chriscow/livekit-silence-go/pkg/wire"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxBackoff = 10 * time.Second
	DefaultKeepAlive  = 30 * time.Second

	queueSize = 100
)

type Config struct {
	URL   string
	Token string

	Profiles *timing.Registry
	Engine   engine.Config
	MaxCalls int

	MaxBackoff time.Duration
	KeepAlive  time.Duration
}

type Worker struct {
	url      string
	token    string
	wsClient *WebSocketClient
	logger   *slog.Logger
	calls    *callmgr.Manager

	in  chan *wire.Message
	out chan *wire.Message

	mu             sync.RWMutex
	connected      bool
	backoffAttempt int
	maxBackoff     time.Duration
	keepAlive      time.Duration

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	dropped      atomic.Int64
}

func New(config Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = DefaultMaxBackoff
	}
	if config.KeepAlive <= 0 {
		config.KeepAlive = DefaultKeepAlive
	}
	w := &Worker{
		url:        config.URL,
		token:      config.Token,
		logger:     logger,
		in:         make(chan *wire.Message, queueSize),
		out:        make(chan *wire.Message, queueSize),
		wsClient:   NewWebSocketClient(config.URL, config.Token, logger),
		maxBackoff: config.MaxBackoff,
		keepAlive:  config.KeepAlive,
		shutdownCh: make(chan struct{}),
	}
	w.calls = callmgr.New(callmgr.Config{
		Profiles: config.Profiles,
		Engine:   config.Engine,
		Sink:     w,
		MaxCalls: config.MaxCalls,
		Logger:   logger,
	})
	return w
}

// Calls returns the worker's call manager.
func (w *Worker) Calls() *callmgr.Manager { return w.calls }

// Decision queues a controller decision for the host.
func (w *Worker) Decision(callID string, d turn.Decision) {
	msg, err := wire.FromDecision(callID, d)
	if err != nil {
		w.logger.Debug("Skipping decision", slog.String("call_id", callID), slog.String("error", err.Error()))
		return
	}
	w.send(msg)
}

// Dropped returns how many outbound commands were discarded because the
// queue was full.
func (w *Worker) Dropped() int64 { return w.dropped.Load() }

func (w *Worker) send(cmd *wire.Message) {
	select {
	case w.out <- cmd:
	default:
		w.dropped.Add(1)
		w.logger.Warn("Command queue full, dropping command",
			slog.String("type", cmd.Type),
			slog.String("call_id", cmd.CallID))
	}
}

// Run connects to the host and keeps reconnecting until ctx is done or the
// host sends a shutdown signal.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.calls.Run(gctx)
	})
	g.Go(func() error {
		defer cancel()
		return w.loop(gctx)
	})
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context) error {
	w.logger.Info("Starting worker", slog.String("url", w.url))

	select {
	case <-w.calls.Ready():
	case <-ctx.Done():
		return w.shutdown()
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Worker shutting down")
			return w.shutdown()
		case <-w.shutdownCh:
			w.logger.Info("Worker shutting down on request")
			return w.shutdown()
		default:
			if err := w.connectAndRun(ctx); err != nil {
				w.logger.Error("Worker connection failed", slog.String("error", err.Error()))

				if err := w.backoffDelay(ctx); err != nil {
					return w.shutdown()
				}
				continue
			}
		}
	}
}

func (w *Worker) connectAndRun(ctx context.Context) error {
	w.logger.Info("Connecting to host agent")

	if err := w.wsClient.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	w.setConnected(true)
	defer w.setConnected(false)

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 3)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := w.readSignals(runCtx); err != nil {
			errCh <- fmt.Errorf("read signals: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := w.writeCommands(runCtx); err != nil {
			errCh <- fmt.Errorf("write commands: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := w.keepAliveLoop(runCtx); err != nil {
			errCh <- fmt.Errorf("keep alive: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.processSignals(runCtx)
	}()

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
	case <-w.shutdownCh:
	}
	runCancel()
	if cerr := w.wsClient.Close(); cerr != nil {
		w.logger.Debug("Error closing WebSocket", slog.String("error", cerr.Error()))
	}
	wg.Wait()
	if ctx.Err() != nil || w.isShuttingDown() {
		return nil
	}
	return err
}

func (w *Worker) readSignals(ctx context.Context) error {
	for {
		signal, err := w.wsClient.ReadSignal()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, errMalformed) {
				w.logger.Warn("Ignoring malformed signal", slog.String("error", err.Error()))
				continue
			}
			return err
		}

		select {
		case w.in <- signal:
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Worker) writeCommands(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-w.out:
			if err := w.wsClient.WriteCommand(cmd); err != nil {
				return err
			}
		}
	}
}

func (w *Worker) keepAliveLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.wsClient.Ping(); err != nil {
				return err
			}
		}
	}
}

func (w *Worker) processSignals(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case signal := <-w.in:
			w.handleSignal(ctx, signal)
		}
	}
}

func (w *Worker) handleSignal(ctx context.Context, signal *wire.Message) {
	w.logger.Debug("Processing signal", slog.String("type", signal.Type))

	reply, err := wire.Dispatch(ctx, w.calls, signal, time.Now)
	switch {
	case errors.Is(err, wire.ErrShutdown):
		w.logger.Info("Received shutdown signal")
		w.shutdownOnce.Do(func() { close(w.shutdownCh) })
		return
	case err != nil:
		w.logger.Warn("Signal failed",
			slog.String("type", signal.Type),
			slog.String("call_id", signal.CallID),
			slog.String("error", err.Error()))
		w.send(wire.ErrorMessage(signal.CallID, err))
		return
	}

	switch signal.Type {
	case wire.TypeStartCall:
		w.logger.Info("Call started", slog.String("call_id", signal.CallID))
	case wire.TypeEndCall:
		w.logger.Info("Call ended", slog.String("call_id", signal.CallID))
	}
	if reply != nil {
		w.send(reply)
	}
}

func (w *Worker) isShuttingDown() bool {
	select {
	case <-w.shutdownCh:
		return true
	default:
		return false
	}
}

// backoffFor is 1s, 2s, 4s, ... capped at max.
func backoffFor(attempt int, max time.Duration) time.Duration {
	delay := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
	if delay <= 0 || delay > max {
		return max
	}
	return delay
}

func (w *Worker) backoffDelay(ctx context.Context) error {
	w.mu.Lock()
	w.backoffAttempt++
	attempt := w.backoffAttempt
	w.mu.Unlock()

	delay := backoffFor(attempt, w.maxBackoff)

	w.logger.Info("Reconnecting with backoff",
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay))

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-w.shutdownCh:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) setConnected(connected bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if connected && !w.connected {
		// Reset backoff on successful connection
		w.backoffAttempt = 0
		w.logger.Info("Worker connected successfully")
	}

	w.connected = connected
}

func (w *Worker) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connected
}

func (w *Worker) shutdown() error {
	w.logger.Info("Shutting down worker")

	if err := w.wsClient.Close(); err != nil {
		w.logger.Error("Error closing WebSocket", slog.String("error", err.Error()))
		return err
	}

	w.logger.Info("Worker shutdown complete", slog.Int64("dropped_commands", w.Dropped()))
	return nil
}
