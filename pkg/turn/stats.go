package turn

import (
	"sync"
	"time"

	"github.com/chriscow/livekit-silence-go/pkg/silence"
)

const (
	maxSilenceEvents    = 100
	recentSilenceEvents = 10
)

// SilenceEvent records the silence entering a new category.
type SilenceEvent struct {
	At       time.Time
	Category silence.Category
	Duration time.Duration
}

// Stats summarises a controller's activity.
type Stats struct {
	Language string
	Turn     uint64
	Phase    Phase

	TotalSilenceEvents  int
	RecentSilenceEvents []SilenceEvent

	Backchannels      int
	Responses         int
	AvgResponseDelay  time.Duration
	Disengagements    int
	Stalls            int
	MissedWindows     int
	StaleEvents       int
	SuppressedPending int
	DroppedEvents     uint64
}

type statsRecorder struct {
	mu sync.Mutex

	events         []SilenceEvent
	backchannels   int
	responses      int
	totalDelay     time.Duration
	disengagements int
	stalls         int
	missedWindows  int
	stale          int
	suppressed     int
}

func (r *statsRecorder) silence(ev SilenceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	if len(r.events) > maxSilenceEvents {
		r.events = append(r.events[:0], r.events[len(r.events)-maxSilenceEvents:]...)
	}
}

func (r *statsRecorder) decision(d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch d.Kind {
	case EmitBackchannel:
		r.backchannels++
	case PermitResponse:
		r.responses++
		r.totalDelay += d.Silence
	case TreatAsDisengaged:
		r.disengagements++
		if d.Reason == ReasonStall {
			r.stalls++
		}
	}
}

func (r *statsRecorder) add(field *int, n int) {
	r.mu.Lock()
	*field += n
	r.mu.Unlock()
}

func (r *statsRecorder) snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{
		TotalSilenceEvents: len(r.events),
		Backchannels:       r.backchannels,
		Responses:          r.responses,
		Disengagements:     r.disengagements,
		Stalls:             r.stalls,
		MissedWindows:      r.missedWindows,
		StaleEvents:        r.stale,
		SuppressedPending:  r.suppressed,
	}
	if r.responses > 0 {
		s.AvgResponseDelay = r.totalDelay / time.Duration(r.responses)
	}
	start := max(0, len(r.events)-recentSilenceEvents)
	s.RecentSilenceEvents = append([]SilenceEvent(nil), r.events[start:]...)
	return s
}
