package turn

import (
	"time"

	"github.com/chriscow/livekit-silence-go/pkg/silence"
)

// Phase is the controller's position in the turn-taking cycle.
type Phase int

const (
	PhaseSpeaking Phase = iota
	PhaseNormalPause
	PhaseThinking
	PhaseEndOfSpeech
	PhaseResponsePermitted
	PhaseDisengaged
)

func (p Phase) String() string {
	switch p {
	case PhaseSpeaking:
		return "speaking"
	case PhaseNormalPause:
		return "normal_pause"
	case PhaseThinking:
		return "thinking"
	case PhaseEndOfSpeech:
		return "end_of_speech"
	case PhaseResponsePermitted:
		return "response_permitted"
	case PhaseDisengaged:
		return "disengaged"
	default:
		return "unknown"
	}
}

// Terminal reports whether the phase ends the current turn.
func (p Phase) Terminal() bool {
	return p == PhaseResponsePermitted || p == PhaseDisengaged
}

// state is the per-call silence state. It is touched only by the goroutine
// that runs the controller.
type state struct {
	phase     Phase
	enteredAt time.Time
	turn      uint64

	// lastSpeechAt is the newest accepted speech activity. turnStartAt is
	// when the agent last finished speaking. Silence is measured from the
	// later of the two.
	lastSpeechAt time.Time
	turnStartAt  time.Time

	// seenActivityAt is the newest activity timestamp looked at, accepted
	// or stale, so snapshot polling does not count a stale event twice.
	seenActivityAt time.Time

	lastBackchannelAt time.Time

	userSpoke        bool
	backchannels     int
	windowMissed     bool
	stalled          bool
	lastInputAt      time.Time
	lastCategory     silence.Category
	lastCategorySeen bool
}

func (s *state) anchor() time.Time {
	if s.turnStartAt.After(s.lastSpeechAt) {
		return s.turnStartAt
	}
	return s.lastSpeechAt
}

// rearm starts a new turn.
func (s *state) rearm() {
	s.turn++
	s.userSpoke = false
	s.backchannels = 0
	s.windowMissed = false
	s.lastCategorySeen = false
}
