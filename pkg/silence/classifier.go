// Package silence classifies a stretch of user silence against a cultural
// timing profile.
//
// Classify is a pure function: the same observation and profile always give
// the same Classification. Category intervals are half-open and a boundary
// belongs to the higher category, so a silence of exactly
// Thresholds.NormalPause is Thinking, not NormalPause.
package silence

import (
	"time"

	"github.com/chriscow/livekit-silence-go/pkg/timing"
)

// Category is the kind of silence the user is in.
type Category int

const (
	Speaking Category = iota
	NormalPause
	Thinking
	EndOfSpeech
	Disengagement
)

func (c Category) String() string {
	switch c {
	case Speaking:
		return "speaking"
	case NormalPause:
		return "normal_pause"
	case Thinking:
		return "thinking"
	case EndOfSpeech:
		return "end_of_speech"
	case Disengagement:
		return "disengagement"
	default:
		return "unknown"
	}
}

// Window is the position of an EndOfSpeech silence relative to the
// profile's response window.
type Window int

const (
	// WindowNone is reported outside EndOfSpeech.
	WindowNone Window = iota
	WindowBefore
	WindowOpen
	WindowClosed
)

func (w Window) String() string {
	switch w {
	case WindowBefore:
		return "before"
	case WindowOpen:
		return "open"
	case WindowClosed:
		return "closed"
	default:
		return "none"
	}
}

// Observation is the input to one classification tick.
type Observation struct {
	At time.Time

	// SilenceDuration is the time since the latest speech activity seen by
	// either the energy monitor or the transcript tracker.
	SilenceDuration time.Duration

	Energy               float64
	Speaking             bool
	TrailingEnergy       bool
	HasPartialTranscript bool

	// LastInputAt is the newest audio frame or transcript segment of any
	// kind, speech or not.
	LastInputAt time.Time
}

// Classification is the result of Classify.
type Classification struct {
	Category Category

	// Window and SinceEndOfSpeech are set only for EndOfSpeech. The window
	// [MinResponseDelay, MaxResponseDelay] is measured from the moment the
	// silence entered EndOfSpeech, and is closed on both ends.
	Window           Window
	SinceEndOfSpeech time.Duration

	// LongSilence reports a silence at or past LongSilenceThreshold.
	LongSilence bool

	// PastEndOfSpeech reports a silence at or past Thresholds.EndOfSpeech.
	PastEndOfSpeech bool

	// NextBoundary is how much more silence changes the classification.
	// It is zero when no further change is possible.
	NextBoundary time.Duration
}

// Classify maps an observation onto a silence category for profile p.
func Classify(obs Observation, p *timing.Profile) Classification {
	if obs.Speaking {
		return Classification{Category: Speaking}
	}

	d := obs.SilenceDuration
	if d < 0 {
		d = 0
	}
	t := p.Thresholds()
	c := Classification{
		LongSilence:     d >= p.LongSilenceThreshold(),
		PastEndOfSpeech: d >= t.EndOfSpeech,
	}

	switch {
	case d < t.NormalPause:
		c.Category = NormalPause
		c.NextBoundary = t.NormalPause - d
	case d < t.Thinking:
		c.Category = Thinking
		c.NextBoundary = t.Thinking - d
	case d < t.Disengagement:
		c.Category = EndOfSpeech
		c.SinceEndOfSpeech = d - t.Thinking
		toDisengage := t.Disengagement - d

		switch since := c.SinceEndOfSpeech; {
		case since < p.MinResponseDelay():
			c.Window = WindowBefore
			c.NextBoundary = min(p.MinResponseDelay()-since, toDisengage)
		case since <= p.MaxResponseDelay():
			c.Window = WindowOpen
			// The window stays open through MaxResponseDelay inclusive.
			c.NextBoundary = min(p.MaxResponseDelay()-since+time.Millisecond, toDisengage)
		default:
			c.Window = WindowClosed
			c.NextBoundary = toDisengage
		}
	default:
		c.Category = Disengagement
	}
	return c
}
