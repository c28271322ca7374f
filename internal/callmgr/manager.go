// Package callmgr runs many engine calls side by side, keyed by call ID.
package callmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/chriscow/livekit-silence-go/pkg/engine"
	"github.com/chriscow/livekit-silence-go/pkg/rtc"
	"github.com/chriscow/livekit-silence-go/pkg/timing"
	"github.com/chriscow/livekit-silence-go/pkg/turn"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotRunning     = errors.New("callmgr: manager is not running")
	ErrAlreadyRunning = errors.New("callmgr: manager already running")
	ErrClosed         = errors.New("callmgr: manager closed")
	ErrCallExists     = errors.New("callmgr: call already exists")
	ErrUnknownCall    = errors.New("callmgr: unknown call")
	ErrTooManyCalls   = errors.New("callmgr: too many calls")
)

// Sink receives the decisions of every managed call. Decision is called
// from the call's forwarding goroutine and should not block for long; the
// controller holds the next decision until it returns.
type Sink interface {
	Decision(callID string, d turn.Decision)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(callID string, d turn.Decision)

func (f SinkFunc) Decision(callID string, d turn.Decision) { f(callID, d) }

// Config configures a Manager.
type Config struct {
	// Profiles selects a profile by language. Nil uses the built-in presets.
	Profiles *timing.Registry

	// Engine is the template for every call. CallID and Profile are filled
	// in per call.
	Engine engine.Config

	Sink     Sink
	MaxCalls int
	Logger   *slog.Logger
}

type entry struct {
	call   *engine.Call
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns the lifecycle of concurrent calls.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	calls   map[string]*entry
	group   *errgroup.Group
	ctx     context.Context
	closed  bool
	started int
	ready   chan struct{}
}

// New creates a Manager. Calls can be started once Run is active.
func New(cfg Config) *Manager {
	if cfg.Profiles == nil {
		cfg.Profiles = timing.DefaultRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger,
		calls:  make(map[string]*entry),
		ready:  make(chan struct{}),
	}
}

// Ready is closed once Run is accepting calls.
func (m *Manager) Ready() <-chan struct{} { return m.ready }

// Run blocks until ctx is done, then stops every call and waits for them.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.group != nil {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	g, gctx := errgroup.WithContext(ctx)
	m.group, m.ctx = g, gctx
	m.mu.Unlock()
	close(m.ready)

	m.logger.Info("Call manager started", slog.Int("max_calls", m.cfg.MaxCalls))
	<-gctx.Done()

	m.mu.Lock()
	m.closed = true
	active := len(m.calls)
	m.mu.Unlock()
	m.logger.Info("Call manager stopping", slog.Int("active_calls", active))

	return g.Wait()
}

// Start creates and runs a call for callID using the profile registered
// for language.
func (m *Manager) Start(callID, language string) (*engine.Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.group == nil:
		return nil, ErrNotRunning
	case m.closed:
		return nil, ErrClosed
	}
	if _, ok := m.calls[callID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrCallExists, callID)
	}
	if m.cfg.MaxCalls > 0 && len(m.calls) >= m.cfg.MaxCalls {
		return nil, fmt.Errorf("%w: limit %d", ErrTooManyCalls, m.cfg.MaxCalls)
	}

	ecfg := m.cfg.Engine
	ecfg.CallID = callID
	ecfg.Profile = m.cfg.Profiles.Resolve(language)
	if ecfg.Logger == nil {
		ecfg.Logger = m.logger
	}
	call, err := engine.NewCall(ecfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(m.ctx)
	e := &entry{call: call, cancel: cancel, done: make(chan struct{})}
	m.calls[callID] = e
	m.started++

	m.group.Go(func() error {
		defer close(e.done)
		defer m.remove(callID, e)
		defer cancel()
		if err := call.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("Call failed",
				slog.String("call_id", callID),
				slog.String("error", err.Error()))
		}
		return nil
	})
	m.group.Go(func() error {
		m.forward(callID, call)
		return nil
	})

	m.logger.Info("Call registered",
		slog.String("call_id", callID),
		slog.String("language", ecfg.Profile.Language()))
	return call, nil
}

func (m *Manager) forward(callID string, call *engine.Call) {
	for d := range call.Decisions() {
		if m.cfg.Sink == nil {
			m.logger.Debug("Decision without sink",
				slog.String("call_id", callID),
				slog.String("decision", d.String()))
			continue
		}
		m.cfg.Sink.Decision(callID, d)
	}
}

func (m *Manager) remove(callID string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls[callID] == e {
		delete(m.calls, callID)
	}
}

func (m *Manager) lookup(callID string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.calls[callID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCall, callID)
	}
	return e, nil
}

// End stops a call and waits for it to finish or for ctx to be done.
func (m *Manager) End(ctx context.Context, callID string) (engine.Stats, error) {
	e, err := m.lookup(callID)
	if err != nil {
		return engine.Stats{}, err
	}
	e.cancel()
	select {
	case <-e.done:
	case <-ctx.Done():
		return engine.Stats{}, ctx.Err()
	}
	return e.call.Stats(), nil
}

// Call returns the engine call for callID.
func (m *Manager) Call(callID string) (*engine.Call, bool) {
	e, err := m.lookup(callID)
	if err != nil {
		return nil, false
	}
	return e.call, true
}

// Calls returns the IDs of active calls in sorted order.
func (m *Manager) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.calls))
	for id := range m.calls {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Started returns how many calls have been started over the manager's life.
func (m *Manager) Started() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

func (m *Manager) IngestAudio(callID string, frame rtc.AudioFrame) error {
	e, err := m.lookup(callID)
	if err != nil {
		return err
	}
	e.call.IngestAudio(frame)
	return nil
}

func (m *Manager) OnTranscript(callID, text string, isFinal bool, at time.Time) error {
	e, err := m.lookup(callID)
	if err != nil {
		return err
	}
	e.call.OnTranscript(text, isFinal, at)
	return nil
}

func (m *Manager) AgentTurnFinished(callID string, at time.Time) error {
	e, err := m.lookup(callID)
	if err != nil {
		return err
	}
	e.call.AgentTurnFinished(at)
	return nil
}
