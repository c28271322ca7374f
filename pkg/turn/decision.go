package turn

import (
	"fmt"
	"time"
)

// DecisionKind is what the response pipeline should do next.
type DecisionKind int

const (
	ContinueWaiting DecisionKind = iota
	EmitBackchannel
	PermitResponse
	TreatAsDisengaged
)

func (k DecisionKind) String() string {
	switch k {
	case ContinueWaiting:
		return "continue_waiting"
	case EmitBackchannel:
		return "emit_backchannel"
	case PermitResponse:
		return "permit_response"
	case TreatAsDisengaged:
		return "treat_as_disengaged"
	default:
		return fmt.Sprintf("DecisionKind(%d)", int(k))
	}
}

// Reasons attached to decisions.
const (
	ReasonSilence = "silence"
	ReasonStall   = "stall"
	ReasonWindow  = "response_window"
	ReasonPause   = "thinking_pause"
)

// Decision is the outcome of one controller tick.
type Decision struct {
	Kind DecisionKind

	// Text is the utterance for EmitBackchannel.
	Text string

	// At is the evaluation time that produced the decision.
	At time.Time

	// Turn identifies the turn the decision belongs to. It increments every
	// time the controller re-arms after a terminal phase.
	Turn uint64

	// Silence is the silence duration that led to the decision.
	Silence time.Duration

	Reason string
}

func (d Decision) String() string {
	if d.Kind == EmitBackchannel {
		return fmt.Sprintf("%s(%q) turn=%d silence=%v", d.Kind, d.Text, d.Turn, d.Silence)
	}
	return fmt.Sprintf("%s turn=%d silence=%v reason=%s", d.Kind, d.Turn, d.Silence, d.Reason)
}
