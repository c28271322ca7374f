// Package energy turns raw microphone frames into a smoothed speech/silence
// signal.
//
// A Monitor keeps a bounded rolling window of per-frame RMS levels and an
// exponentially smoothed energy with start/release hysteresis. Ingest is
// called from the audio receive path at frame rate; it never waits on the
// turn-taking controller, which reads only the latest published Snapshot.
package energy

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chriscow/livekit-silence-go/pkg/rtc"
)

const (
	// DefaultWindow is how much energy history is retained.
	DefaultWindow = 2 * time.Second

	// DefaultSpeechThreshold is the smoothed RMS level (0..1) that starts speech.
	DefaultSpeechThreshold = 0.015

	// DefaultReleaseThreshold is the smoothed RMS level below which speech ends.
	DefaultReleaseThreshold = 0.008

	// DefaultSmoothing is the EMA weight given to each new frame.
	DefaultSmoothing = 0.3

	// DefaultStartFrames is the number of consecutive loud frames required to
	// enter speech.
	DefaultStartFrames = 3

	// DefaultTrailHold bounds how long after speech ends the energy can
	// still count as trailing.
	DefaultTrailHold = 300 * time.Millisecond

	// trailMargin is how far above the window's noise floor the smoothed
	// energy must sit to count as trailing.
	trailMargin = 1.25

	// DefaultMaxSkew is how far behind the newest accepted frame a frame may
	// be stamped before it is dropped as out of order.
	DefaultMaxSkew = 200 * time.Millisecond
)

// Config tunes a Monitor. Zero values select the defaults.
type Config struct {
	Window           time.Duration
	SpeechThreshold  float64
	ReleaseThreshold float64
	Smoothing        float64
	StartFrames      int
	TrailHold        time.Duration
	MaxSkew          time.Duration

	// Now stamps live frames that carry no capture time.
	Now func() time.Time

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.SpeechThreshold <= 0 {
		c.SpeechThreshold = DefaultSpeechThreshold
	}
	if c.ReleaseThreshold <= 0 || c.ReleaseThreshold > c.SpeechThreshold {
		c.ReleaseThreshold = DefaultReleaseThreshold
		if c.ReleaseThreshold > c.SpeechThreshold {
			c.ReleaseThreshold = c.SpeechThreshold
		}
	}
	if c.Smoothing <= 0 || c.Smoothing > 1 {
		c.Smoothing = DefaultSmoothing
	}
	if c.StartFrames <= 0 {
		c.StartFrames = DefaultStartFrames
	}
	if c.TrailHold <= 0 {
		c.TrailHold = DefaultTrailHold
	}
	if c.MaxSkew <= 0 {
		c.MaxSkew = DefaultMaxSkew
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Snapshot is the latest-value view of a Monitor.
type Snapshot struct {
	// Energy is the smoothed RMS level in [0, 1].
	Energy float64

	// Speaking is true while the smoothed energy is above the hysteresis band.
	Speaking bool

	// Trailing is true shortly after speech ends while the smoothed energy
	// is still falling toward the noise floor. A steady background level is
	// never trailing.
	Trailing bool

	// LastActivityAt is the capture time of the most recent speech frame.
	LastActivityAt time.Time

	// LastFrameAt is the capture time of the most recent accepted frame,
	// speech or not. It is used for stall detection.
	LastFrameAt time.Time
}

type sample struct {
	at  time.Time
	rms float64
}

// Monitor tracks audio energy for one call.
type Monitor struct {
	cfg Config

	mu          sync.Mutex
	window      []sample
	smoothed    float64
	primed      bool
	speaking    bool
	releasedAt  time.Time
	loudFrames  int
	lastFrameAt time.Time
	lastSpeech  time.Time

	snapshot atomic.Pointer[Snapshot]
	dropped  atomic.Uint64
}

// NewMonitor creates a Monitor with cfg.
func NewMonitor(cfg Config) *Monitor {
	cfg.applyDefaults()
	m := &Monitor{cfg: cfg}
	m.snapshot.Store(&Snapshot{})
	return m
}

// Ingest adds one frame. Malformed and badly out-of-order frames are
// dropped and counted.
func (m *Monitor) Ingest(frame rtc.AudioFrame) {
	if err := frame.Validate(); err != nil {
		m.drop("malformed frame", err)
		return
	}

	at := frame.CapturedAt
	if at.IsZero() {
		at = m.cfg.Now()
	}
	rms := frame.RMS()

	m.mu.Lock()
	if !m.lastFrameAt.IsZero() && at.Before(m.lastFrameAt.Add(-m.cfg.MaxSkew)) {
		m.mu.Unlock()
		m.drop("out-of-order frame", nil)
		return
	}

	m.window = append(m.window, sample{at: at, rms: rms})
	m.evict(at)

	prev := m.smoothed
	if !m.primed {
		m.smoothed = rms
		m.primed = true
	} else {
		m.smoothed = m.cfg.Smoothing*rms + (1-m.cfg.Smoothing)*m.smoothed
	}

	if m.speaking {
		if m.smoothed < m.cfg.ReleaseThreshold {
			m.speaking = false
			m.releasedAt = at
		}
	} else if m.smoothed >= m.cfg.SpeechThreshold {
		m.loudFrames++
		if m.loudFrames >= m.cfg.StartFrames {
			m.speaking = true
			m.loudFrames = 0
		}
	} else {
		m.loudFrames = 0
	}

	if at.After(m.lastFrameAt) {
		m.lastFrameAt = at
	}
	if m.speaking && at.After(m.lastSpeech) {
		m.lastSpeech = at
	}

	snap := &Snapshot{
		Energy:         m.smoothed,
		Speaking:       m.speaking,
		Trailing:       m.trailing(at, prev),
		LastActivityAt: m.lastSpeech,
		LastFrameAt:    m.lastFrameAt,
	}
	m.mu.Unlock()

	m.snapshot.Store(snap)
}

// trailing reports whether the energy at is still decaying from speech.
// Caller holds m.mu.
func (m *Monitor) trailing(at time.Time, prev float64) bool {
	if m.speaking || m.releasedAt.IsZero() || at.Sub(m.releasedAt) >= m.cfg.TrailHold {
		return false
	}
	if m.smoothed < m.cfg.ReleaseThreshold/2 || m.smoothed >= prev {
		return false
	}
	return m.smoothed > m.noiseFloor()*trailMargin
}

// noiseFloor is the quietest frame in the window. Caller holds m.mu.
func (m *Monitor) noiseFloor() float64 {
	if len(m.window) == 0 {
		return 0
	}
	floor := m.window[0].rms
	for _, s := range m.window[1:] {
		floor = min(floor, s.rms)
	}
	return floor
}

// evict drops samples older than the window. Caller holds m.mu.
func (m *Monitor) evict(now time.Time) {
	cutoff := now.Add(-m.cfg.Window)
	i := 0
	for i < len(m.window) && m.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.window = append(m.window[:0], m.window[i:]...)
	}
}

func (m *Monitor) drop(reason string, err error) {
	n := m.dropped.Add(1)
	attrs := []any{slog.String("reason", reason), slog.Uint64("dropped_total", n)}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	m.cfg.Logger.Debug("Dropped audio frame", attrs...)
}

// CurrentEnergy returns the smoothed RMS level in [0, 1].
func (m *Monitor) CurrentEnergy() float64 {
	return m.snapshot.Load().Energy
}

// IsSilent reports whether the smoothed energy is below threshold.
func (m *Monitor) IsSilent(threshold float64) bool {
	return m.CurrentEnergy() < threshold
}

// Snapshot returns the latest published state.
func (m *Monitor) Snapshot() Snapshot {
	return *m.snapshot.Load()
}

// LastActivityAt returns the capture time of the most recent speech frame.
func (m *Monitor) LastActivityAt() time.Time {
	return m.snapshot.Load().LastActivityAt
}

// PeakEnergy returns the highest per-frame RMS level inside the window. It
// is reported for diagnostics.
func (m *Monitor) PeakEnergy() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var peak float64
	for _, s := range m.window {
		if s.rms > peak {
			peak = s.rms
		}
	}
	return peak
}

// WindowLen returns the number of samples currently retained.
func (m *Monitor) WindowLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.window)
}

// Dropped returns the number of frames rejected so far.
func (m *Monitor) Dropped() uint64 {
	return m.dropped.Load()
}
