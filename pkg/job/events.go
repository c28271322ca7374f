package job

import (
	"time"

	"github.com/chriscow/livekit-silence-go/pkg/turn"
	"github.com/livekit/protocol/livekit"
)

// EventType represents the type of room event.
type EventType string

const (
	EventParticipantConnected    EventType = "participant_connected"
	EventParticipantDisconnected EventType = "participant_disconnected"
	EventTrackSubscribed         EventType = "track_subscribed"
	EventTrackUnsubscribed       EventType = "track_unsubscribed"
	EventDataReceived            EventType = "data_received"
	EventRoomMetadataChanged     EventType = "room_metadata_changed"

	// EventCallStarted and EventCallEnded follow participants in and out.
	EventCallStarted EventType = "call_started"
	EventCallEnded   EventType = "call_ended"

	// EventDecision carries a turn decision published to the room.
	EventDecision EventType = "decision"
)

// Event represents a room event with associated data.
type Event struct {
	Type      EventType
	Timestamp time.Time

	Participant *livekit.ParticipantInfo
	Track       *livekit.TrackInfo
	Data        []byte
	Metadata    string

	CallID   string
	Decision *turn.Decision
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType EventType) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now(),
	}
}

func (e *Event) WithParticipant(participant *livekit.ParticipantInfo) *Event {
	e.Participant = participant
	return e
}

func (e *Event) WithTrack(track *livekit.TrackInfo) *Event {
	e.Track = track
	return e
}

func (e *Event) WithData(data []byte) *Event {
	e.Data = data
	return e
}

func (e *Event) WithMetadata(metadata string) *Event {
	e.Metadata = metadata
	return e
}

func (e *Event) WithCall(callID string) *Event {
	e.CallID = callID
	return e
}

func (e *Event) WithDecision(d turn.Decision) *Event {
	e.Decision = &d
	return e
}
