// Package turn decides when a voice agent may take its turn.
//
// A Controller runs one goroutine per call. Every tick it reads the latest
// energy and transcript snapshots, classifies the user's silence against the
// call's timing profile and produces a Decision: keep waiting, say a short
// backchannel, permit a full response, or treat the user as disengaged.
//
// Inputs arrive through NotifyActivity and AgentTurnFinished, which never
// block. Decisions are delivered on an unbuffered channel; a decision that
// has not been taken yet is discarded as soon as the user speaks again.
package turn

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/chriscow/livekit-silence-go/pkg/backchannel"
	"github.com/chriscow/livekit-silence-go/pkg/energy"
	"github.com/chriscow/livekit-silence-go/pkg/silence"
	"github.com/chriscow/livekit-silence-go/pkg/timing"
	"github.com/chriscow/livekit-silence-go/pkg/transcript"
)

const (
	DefaultTickInterval = 100 * time.Millisecond
	DefaultStallCeiling = 10 * time.Second
	DefaultQueueSize    = 64

	// minTimer keeps boundary-aligned wakeups from spinning.
	minTimer = 5 * time.Millisecond
)

var (
	ErrNoProfile      = errors.New("turn: timing profile is required")
	ErrAlreadyRunning = errors.New("turn: controller is already running")
)

// Source identifies where a speech activity observation came from.
type Source int

const (
	SourceAudio Source = iota
	SourceTranscript
)

func (s Source) String() string {
	if s == SourceTranscript {
		return "transcript"
	}
	return "audio"
}

// EnergySource provides the latest audio energy state.
type EnergySource interface {
	Snapshot() energy.Snapshot
}

// TranscriptSource provides the latest transcript state.
type TranscriptSource interface {
	Snapshot() transcript.Snapshot
}

// Backchanneler picks an acknowledgement utterance.
type Backchanneler interface {
	Select(language string, now time.Time) (string, error)
}

// Config configures a Controller.
type Config struct {
	Profile *timing.Profile

	// Energy and Transcript are polled every tick. Either may be nil, in
	// which case only NotifyActivity feeds the controller.
	Energy     EnergySource
	Transcript TranscriptSource

	// Backchannels defaults to a backchannel.Selector for Profile.
	Backchannels Backchanneler

	TickInterval time.Duration
	StallCeiling time.Duration
	QueueSize    int

	CallID  string
	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *Metrics
}

type eventKind int

const (
	eventActivity eventKind = iota
	eventAgentTurnFinished
)

type event struct {
	kind   eventKind
	source Source
	at     time.Time
}

// Controller is the turn-taking state machine for one call.
type Controller struct {
	cfg     Config
	profile *timing.Profile
	logger  *slog.Logger
	metrics *Metrics

	events    chan event
	rearmSlot atomic.Pointer[time.Time]
	decisions chan Decision
	running   atomic.Bool

	// Owned by the goroutine calling Run or Evaluate.
	st      state
	pending []Decision

	phase   atomic.Int32
	turnNum atomic.Uint64
	stats   statsRecorder
	dropped atomic.Uint64
}

// New creates a Controller. The call's silence clock does not start until
// the first speech activity or AgentTurnFinished.
func New(cfg Config) (*Controller, error) {
	if cfg.Profile == nil {
		return nil, ErrNoProfile
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.StallCeiling <= 0 {
		cfg.StallCeiling = DefaultStallCeiling
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = DefaultMetrics()
	}
	if cfg.Backchannels == nil {
		cfg.Backchannels = backchannel.New(backchannel.Config{Profile: cfg.Profile, Logger: cfg.Logger})
	}

	c := &Controller{
		cfg:     cfg,
		profile: cfg.Profile,
		logger: cfg.Logger.With(
			slog.String("call_id", cfg.CallID),
			slog.String("language", cfg.Profile.Language())),
		metrics:   cfg.Metrics,
		events:    make(chan event, cfg.QueueSize),
		decisions: make(chan Decision),
	}

	start := cfg.Now()
	c.st.phase = PhaseNormalPause
	c.st.enteredAt = start
	c.st.lastInputAt = start
	c.phase.Store(int32(PhaseNormalPause))
	return c, nil
}

// NotifyActivity reports user speech activity observed at at. It never
// blocks; when the queue is full the event is dropped and counted, and the
// next tick still sees the activity through the snapshots.
func (c *Controller) NotifyActivity(source Source, at time.Time) {
	select {
	case c.events <- event{kind: eventActivity, source: source, at: at}:
	default:
		c.drop(source.String(), "queue full")
	}
}

// AgentTurnFinished re-arms the controller for a new user turn starting at
// at. It never blocks and is never lost.
func (c *Controller) AgentTurnFinished(at time.Time) {
	select {
	case c.events <- event{kind: eventAgentTurnFinished, at: at}:
	default:
		c.rearmSlot.Store(&at)
	}
}

// Decisions returns the channel decisions are delivered on. It is closed
// when Run returns.
func (c *Controller) Decisions() <-chan Decision {
	return c.decisions
}

// Phase returns the current phase. Safe to call from any goroutine.
func (c *Controller) Phase() Phase {
	return Phase(c.phase.Load())
}

// Stats returns a summary of the controller's activity so far.
func (c *Controller) Stats() Stats {
	s := c.stats.snapshot()
	s.Language = c.profile.Language()
	s.Phase = c.Phase()
	s.Turn = c.turnNum.Load()
	s.DroppedEvents = c.dropped.Load()
	return s
}

// Profile returns the timing profile the controller was built with.
func (c *Controller) Profile() *timing.Profile {
	return c.profile
}

// Run drives the controller until ctx is done. It evaluates on every input
// event and on a timer aligned to the next classification boundary, never
// more than TickInterval apart.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(c.decisions)

	c.metrics.ActiveCalls.Add(ctx, 1)
	defer c.metrics.ActiveCalls.Add(context.Background(), -1)

	c.logger.Info("Turn controller started",
		slog.Duration("tick", c.cfg.TickInterval),
		slog.Duration("stall_ceiling", c.cfg.StallCeiling))

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		var (
			out  chan<- Decision
			head Decision
		)
		if len(c.pending) > 0 {
			out = c.decisions
			head = c.pending[0]
		}

		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case ev := <-c.events:
			c.apply(ev)
			timer.Reset(c.step())
		case <-timer.C:
			timer.Reset(c.step())
		case out <- head:
			c.pending = c.pending[1:]
		}
	}
}

func (c *Controller) step() time.Duration {
	c.drainEvents()
	d, next := c.tick(c.cfg.Now())
	if d.Kind != ContinueWaiting {
		if len(c.pending) >= c.cfg.QueueSize {
			c.pending = c.pending[1:]
			c.drop("decision", "consumer not keeping up")
		}
		c.pending = append(c.pending, d)
	}
	return next
}

func (c *Controller) shutdown() {
	for {
		select {
		case <-c.events:
		default:
			if n := len(c.pending); n > 0 {
				c.logger.Debug("Discarding undelivered decisions", slog.Int("count", n))
			}
			c.pending = nil
			c.logger.Info("Turn controller stopped")
			return
		}
	}
}

// Evaluate processes queued events and runs one tick at now. It is the
// body of Run's loop and must not be called while Run is active.
func (c *Controller) Evaluate(now time.Time) Decision {
	c.drainEvents()
	d, _ := c.tick(now)
	return d
}

func (c *Controller) drainEvents() {
	for {
		select {
		case ev := <-c.events:
			c.apply(ev)
		default:
			if at := c.rearmSlot.Swap(nil); at != nil {
				c.agentTurnFinished(*at)
			}
			return
		}
	}
}

func (c *Controller) apply(ev event) {
	switch ev.kind {
	case eventActivity:
		c.activity(ev.source, ev.at)
	case eventAgentTurnFinished:
		c.agentTurnFinished(ev.at)
	}
}

func (c *Controller) observeInput(at time.Time) {
	if at.After(c.st.lastInputAt) {
		c.st.lastInputAt = at
		c.st.stalled = false
	}
}

// activity handles one speech activity observation. Any accepted activity
// returns the controller to Speaking and discards undelivered decisions.
func (c *Controller) activity(source Source, at time.Time) {
	st := &c.st
	if at.IsZero() || !at.After(st.seenActivityAt) {
		return
	}
	st.seenActivityAt = at
	c.observeInput(at)

	if at.Before(st.enteredAt) {
		c.stats.add(&c.stats.stale, 1)
		c.logger.Debug("Ignoring stale activity",
			slog.String("source", source.String()),
			slog.Time("at", at),
			slog.Time("state_entered_at", st.enteredAt))
		return
	}

	if st.phase.Terminal() {
		st.rearm()
		c.turnNum.Store(st.turn)
	}
	if n := len(c.pending); n > 0 {
		c.stats.add(&c.stats.suppressed, n)
		c.logger.Debug("Suppressing undelivered decisions", slog.Int("count", n))
		c.pending = nil
	}

	st.lastSpeechAt = at
	st.userSpoke = true
	if st.phase != PhaseSpeaking {
		c.setPhase(PhaseSpeaking, at)
	}
}

func (c *Controller) agentTurnFinished(at time.Time) {
	st := &c.st
	if at.Before(st.enteredAt) {
		c.stats.add(&c.stats.stale, 1)
		c.logger.Debug("Ignoring stale agent turn finish", slog.Time("at", at))
		return
	}
	if n := len(c.pending); n > 0 {
		c.stats.add(&c.stats.suppressed, n)
		c.pending = nil
	}
	st.rearm()
	st.turnStartAt = at
	c.turnNum.Store(st.turn)
	c.setPhase(PhaseNormalPause, at)
	c.logger.Debug("Agent turn finished", slog.Uint64("turn", st.turn))
}

func (c *Controller) setPhase(p Phase, enteredAt time.Time) {
	if c.st.phase == p {
		return
	}
	c.logger.Debug("Phase change",
		slog.String("from", c.st.phase.String()),
		slog.String("to", p.String()))
	c.st.phase = p
	c.st.enteredAt = enteredAt
	c.phase.Store(int32(p))
}

// tick gathers an observation, classifies it and decides. It returns the
// decision and how long to wait before the next tick.
func (c *Controller) tick(now time.Time) (Decision, time.Duration) {
	st := &c.st
	wait := Decision{Kind: ContinueWaiting, At: now, Turn: st.turn}
	next := c.cfg.TickInterval

	var (
		en energy.Snapshot
		tr transcript.Snapshot
	)
	if c.cfg.Energy != nil {
		en = c.cfg.Energy.Snapshot()
		c.observeInput(en.LastFrameAt)
		c.activity(SourceAudio, en.LastActivityAt)
	}
	if c.cfg.Transcript != nil {
		tr = c.cfg.Transcript.Snapshot()
		c.activity(SourceTranscript, tr.LastActivityAt)
	}
	wait.Turn = st.turn

	if !st.stalled && now.Sub(st.lastInputAt) > c.cfg.StallCeiling {
		st.stalled = true
		if st.phase != PhaseDisengaged {
			c.logger.Warn("Input stalled; treating user as disengaged",
				slog.Time("last_input_at", st.lastInputAt),
				slog.Duration("stall_ceiling", c.cfg.StallCeiling))
			c.setPhase(PhaseDisengaged, now)
			return c.emit(Decision{
				Kind:    TreatAsDisengaged,
				At:      now,
				Turn:    st.turn,
				Silence: now.Sub(st.lastInputAt),
				Reason:  ReasonStall,
			}), next
		}
	}

	if st.phase == PhaseDisengaged {
		return wait, next
	}

	anchor := st.anchor()
	if anchor.IsZero() && !en.Speaking {
		return wait, next
	}
	var dur time.Duration
	if !anchor.IsZero() {
		dur = now.Sub(anchor)
	}
	wait.Silence = dur

	// Activity within the last tick still counts as speech, so a transcript
	// segment holds Speaking until the next evaluation.
	speaking := en.Speaking || (st.phase == PhaseSpeaking && dur < c.cfg.TickInterval)

	cls := silence.Classify(silence.Observation{
		At:                   now,
		SilenceDuration:      dur,
		Energy:               en.Energy,
		Speaking:             speaking,
		TrailingEnergy:       en.Trailing,
		HasPartialTranscript: tr.Partial != "",
		LastInputAt:          st.lastInputAt,
	}, c.profile)
	c.recordCategory(cls.Category, now, dur)

	if cls.NextBoundary > 0 && cls.NextBoundary < next {
		next = max(cls.NextBoundary, minTimer)
	}

	th := c.profile.Thresholds()

	// A permitted response ends the turn. Only new speech, AgentTurnFinished
	// or a stall leave it.
	if st.phase == PhaseResponsePermitted && cls.Category != silence.Speaking {
		return wait, next
	}

	switch cls.Category {
	case silence.Speaking:
		if st.phase.Terminal() {
			st.rearm()
			c.turnNum.Store(st.turn)
		}
		if st.phase != PhaseSpeaking {
			c.setPhase(PhaseSpeaking, now)
		}
		if !en.Speaking && dur < next {
			next = max(next-dur, minTimer)
		}
		return wait, next

	case silence.NormalPause:
		c.setPhase(PhaseNormalPause, anchor)
		return wait, next

	case silence.Thinking:
		entering := st.phase != PhaseThinking
		c.setPhase(PhaseThinking, anchor.Add(th.NormalPause))
		if text, ok := c.maybeBackchannel(now, entering); ok {
			return c.emit(Decision{
				Kind:    EmitBackchannel,
				Text:    text,
				At:      now,
				Turn:    st.turn,
				Silence: dur,
				Reason:  ReasonPause,
			}), next
		}
		return wait, next

	case silence.EndOfSpeech:
		c.setPhase(PhaseEndOfSpeech, anchor.Add(th.Thinking))
		if !st.userSpoke {
			return wait, next
		}
		switch cls.Window {
		case silence.WindowOpen:
			if !c.profile.AllowOverlap() && en.Trailing {
				c.logger.Debug("Holding response while user audio decays",
					slog.Float64("energy", en.Energy))
				return wait, next
			}
			c.setPhase(PhaseResponsePermitted, now)
			return c.emit(Decision{
				Kind:    PermitResponse,
				At:      now,
				Turn:    st.turn,
				Silence: dur,
				Reason:  ReasonWindow,
			}), next
		case silence.WindowClosed:
			if !st.windowMissed {
				st.windowMissed = true
				c.stats.add(&c.stats.missedWindows, 1)
				c.logger.Info("Response window passed without a response",
					slog.Duration("silence", dur),
					slog.Duration("window_end", th.Thinking+c.profile.MaxResponseDelay()))
			}
		}
		return wait, next

	case silence.Disengagement:
		c.setPhase(PhaseDisengaged, anchor.Add(th.Disengagement))
		return c.emit(Decision{
			Kind:    TreatAsDisengaged,
			At:      now,
			Turn:    st.turn,
			Silence: dur,
			Reason:  ReasonSilence,
		}), next
	}
	return wait, next
}

// maybeBackchannel applies the profile's backchannel frequency. Low never
// backchannels; medium backchannels once per turn on entering Thinking; high
// backchannels on entering Thinking and again every minimum interval while
// the pause lasts.
func (c *Controller) maybeBackchannel(now time.Time, entering bool) (string, bool) {
	st := &c.st
	if !st.userSpoke {
		return "", false
	}
	switch c.profile.BackchannelFrequency() {
	case timing.FrequencyLow:
		return "", false
	case timing.FrequencyMedium:
		if !entering || st.backchannels > 0 {
			return "", false
		}
	case timing.FrequencyHigh:
	}

	if !st.lastBackchannelAt.IsZero() && now.Sub(st.lastBackchannelAt) < c.profile.BackchannelMinInterval() {
		return "", false
	}

	text, err := c.cfg.Backchannels.Select(c.profile.Language(), now)
	if err != nil {
		c.logger.Debug("No backchannel", slog.String("error", err.Error()))
		return "", false
	}
	st.lastBackchannelAt = now
	st.backchannels++
	return text, true
}

func (c *Controller) recordCategory(cat silence.Category, now time.Time, dur time.Duration) {
	st := &c.st
	if st.lastCategorySeen && st.lastCategory == cat {
		return
	}
	st.lastCategory = cat
	st.lastCategorySeen = true
	if cat == silence.Speaking {
		return
	}
	c.stats.silence(SilenceEvent{At: now, Category: cat, Duration: dur})
	c.logger.Debug("Silence classified",
		slog.String("category", cat.String()),
		slog.Duration("silence", dur))
}

func (c *Controller) emit(d Decision) Decision {
	c.stats.decision(d)
	c.metrics.recordDecision(context.Background(), d, c.profile.Language())

	attrs := []any{
		slog.String("decision", d.Kind.String()),
		slog.Uint64("turn", d.Turn),
		slog.Duration("silence", d.Silence),
		slog.String("reason", d.Reason),
	}
	if d.Text != "" {
		attrs = append(attrs, slog.String("text", d.Text))
	}
	c.logger.Info("Turn decision", attrs...)
	return d
}

func (c *Controller) drop(source, reason string) {
	n := c.dropped.Add(1)
	c.metrics.RecordDropped(context.Background(), source, reason)
	c.logger.Warn("Dropped controller input",
		slog.String("source", source),
		slog.String("reason", reason),
		slog.Uint64("dropped_total", n))
}
