// Package engine assembles the silence modeling components for one call:
// an energy monitor, a transcript tracker, a backchannel selector and the
// turn-taking controller that reads them.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/chriscow/livekit-silence-go/pkg/backchannel"
	"github.com/chriscow/livekit-silence-go/pkg/energy"
	"github.com/chriscow/livekit-silence-go/pkg/rtc"
	"github.com/chriscow/livekit-silence-go/pkg/timing"
	"github.com/chriscow/livekit-silence-go/pkg/transcript"
	"github.com/chriscow/livekit-silence-go/pkg/turn"
)

// ErrNoCallID is returned by NewCall when the call has no identifier.
var ErrNoCallID = errors.New("engine: call id is required")

// Config configures a Call.
type Config struct {
	CallID  string
	Profile *timing.Profile

	TickInterval time.Duration
	StallCeiling time.Duration
	QueueSize    int

	Energy     energy.Config
	Transcript transcript.Config

	// BackchannelSeed makes backchannel choice reproducible. Zero is random.
	BackchannelSeed int64

	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *turn.Metrics
}

// Stats combines the controller's statistics with input drop counters.
type Stats struct {
	turn.Stats

	CallID            string
	AudioDropped      uint64
	TranscriptDropped uint64
}

// Call is the engine instance for a single call. Audio and transcript
// ingestion may happen on their own goroutines; neither blocks on the
// controller.
type Call struct {
	id       string
	profile  *timing.Profile
	logger   *slog.Logger
	monitor  *energy.Monitor
	tracker  *transcript.Tracker
	selector *backchannel.Selector
	ctrl     *turn.Controller

	lastAudioActivity atomic.Int64
}

// NewCall builds the components for a call. The profile is validated at
// construction, so a bad profile fails here before any audio flows.
func NewCall(cfg Config) (*Call, error) {
	if cfg.CallID == "" {
		return nil, ErrNoCallID
	}
	if cfg.Profile == nil {
		return nil, turn.ErrNoProfile
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger.With(slog.String("call_id", cfg.CallID))

	ecfg := cfg.Energy
	if ecfg.Now == nil {
		ecfg.Now = cfg.Now
	}
	if ecfg.Logger == nil {
		ecfg.Logger = logger
	}
	tcfg := cfg.Transcript
	if tcfg.Now == nil {
		tcfg.Now = cfg.Now
	}
	if tcfg.Logger == nil {
		tcfg.Logger = logger
	}

	c := &Call{
		id:      cfg.CallID,
		profile: cfg.Profile,
		logger:  logger,
		monitor: energy.NewMonitor(ecfg),
		tracker: transcript.NewTracker(tcfg),
		selector: backchannel.New(backchannel.Config{
			Profile: cfg.Profile,
			Seed:    cfg.BackchannelSeed,
			Logger:  logger,
		}),
	}

	ctrl, err := turn.New(turn.Config{
		Profile:      cfg.Profile,
		Energy:       c.monitor,
		Transcript:   c.tracker,
		Backchannels: c.selector,
		TickInterval: cfg.TickInterval,
		StallCeiling: cfg.StallCeiling,
		QueueSize:    cfg.QueueSize,
		CallID:       cfg.CallID,
		Now:          cfg.Now,
		Logger:       cfg.Logger,
		Metrics:      cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	c.ctrl = ctrl
	return c, nil
}

// ID returns the call identifier.
func (c *Call) ID() string { return c.id }

// Profile returns the call's timing profile.
func (c *Call) Profile() *timing.Profile { return c.profile }

// IngestAudio feeds one microphone frame. When the frame extends user
// speech the controller is woken.
func (c *Call) IngestAudio(frame rtc.AudioFrame) {
	c.monitor.Ingest(frame)

	snap := c.monitor.Snapshot()
	if !snap.Speaking || snap.LastActivityAt.IsZero() {
		return
	}
	at := snap.LastActivityAt.UnixNano()
	if prev := c.lastAudioActivity.Load(); at > prev && c.lastAudioActivity.CompareAndSwap(prev, at) {
		c.ctrl.NotifyActivity(turn.SourceAudio, snap.LastActivityAt)
	}
}

// OnTranscript feeds one speech-to-text segment. at may be zero for live
// segments.
func (c *Call) OnTranscript(text string, isFinal bool, at time.Time) {
	if !c.tracker.OnSegment(text, isFinal, at) {
		return
	}
	c.ctrl.NotifyActivity(turn.SourceTranscript, c.tracker.LastActivityAt())
}

// AgentTurnFinished tells the engine the agent's own audio finished at at.
func (c *Call) AgentTurnFinished(at time.Time) {
	c.ctrl.AgentTurnFinished(at)
}

// Decisions returns the channel of turn decisions. It is closed when Run
// returns.
func (c *Call) Decisions() <-chan turn.Decision {
	return c.ctrl.Decisions()
}

// Run drives the call's controller until ctx is done.
func (c *Call) Run(ctx context.Context) error {
	c.logger.Info("Call started",
		slog.String("language", c.profile.Language()))
	err := c.ctrl.Run(ctx)

	s := c.Stats()
	c.logger.Info("Call ended",
		slog.Int("responses", s.Responses),
		slog.Int("backchannels", s.Backchannels),
		slog.Int("disengagements", s.Disengagements),
		slog.Duration("avg_response_delay", s.AvgResponseDelay),
		slog.Uint64("audio_dropped", s.AudioDropped))
	return err
}

// Evaluate runs one controller tick synchronously. It is for offline
// replay and must not be mixed with Run.
func (c *Call) Evaluate(now time.Time) turn.Decision {
	return c.ctrl.Evaluate(now)
}

// Phase returns the controller's current phase.
func (c *Call) Phase() turn.Phase {
	return c.ctrl.Phase()
}

// TurnText returns the user's transcript for the current turn.
func (c *Call) TurnText() string {
	return c.tracker.TurnText()
}

// TurnWordCount returns the word count of TurnText.
func (c *Call) TurnWordCount() int {
	return c.tracker.WordCount()
}

// TakeTurnText returns the user's transcript for the current turn and
// starts a new one.
func (c *Call) TakeTurnText() string {
	text := c.tracker.TurnText()
	c.tracker.ResetTurn()
	return text
}

// Energy returns the smoothed microphone energy.
func (c *Call) Energy() energy.Snapshot {
	return c.monitor.Snapshot()
}

// Stats returns the call's statistics.
func (c *Call) Stats() Stats {
	return Stats{
		Stats:             c.ctrl.Stats(),
		CallID:            c.id,
		AudioDropped:      c.monitor.Dropped(),
		TranscriptDropped: c.tracker.Dropped(),
	}
}
