package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chriscow/livekit-silence-go/pkg/turn"
	"github.com/chriscow/livekit-silence-go/pkg/wire"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go"
	"github.com/pion/webrtc/v3"
)

var (
	ErrInvalidRoomConfig = errors.New("job: invalid room config")
	ErrNotConnected      = errors.New("job: room not connected")
)

// Room wraps the LiveKit room connection. Each remote participant gets an
// engine call; data packets from the participant drive it and decisions
// are published back as data packets.
type Room struct {
	// Events carries room and call events. It is closed by Disconnect.
	Events chan *Event

	room   *lksdk.Room
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	roomName string
	language string
	calls    wire.Calls

	mu           sync.RWMutex
	connected    bool
	eventsClosed bool
	publish      func(data []byte) error
	participants map[string]*livekit.ParticipantInfo
}

// RoomConfig contains configuration for connecting to a room.
type RoomConfig struct {
	URL      string
	Token    string
	RoomName string

	// Language selects the timing profile for participants' calls.
	Language string

	// Calls receives participant calls. Nil disables call handling and the
	// room only reports events.
	Calls wire.Calls

	EventBufferSize int
	Logger          *slog.Logger
}

// NewRoom creates a new Room wrapper with the given configuration.
func NewRoom(ctx context.Context, config RoomConfig) (*Room, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("%w: URL is required", ErrInvalidRoomConfig)
	}
	if config.Token == "" {
		return nil, fmt.Errorf("%w: token is required", ErrInvalidRoomConfig)
	}
	if config.RoomName == "" {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRoomConfig, ErrNoRoomName)
	}

	bufferSize := config.EventBufferSize
	if bufferSize == 0 {
		bufferSize = 100
	}
	language := config.Language
	if language == "" {
		language = DefaultLanguage
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	roomCtx, cancel := context.WithCancel(ctx)

	return &Room{
		Events:       make(chan *Event, bufferSize),
		ctx:          roomCtx,
		cancel:       cancel,
		logger:       logger.With(slog.String("room_name", config.RoomName)),
		roomName:     config.RoomName,
		language:     language,
		calls:        config.Calls,
		participants: make(map[string]*livekit.ParticipantInfo),
	}, nil
}

// Connect establishes connection to the LiveKit room.
func (r *Room) Connect(config RoomConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.connected {
		return fmt.Errorf("room is already connected")
	}

	callback := &lksdk.RoomCallback{
		OnParticipantConnected:    r.onParticipantConnected,
		OnParticipantDisconnected: r.onParticipantDisconnected,
		OnRoomMetadataChanged:     r.onRoomMetadataChanged,
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed:   r.onTrackSubscribed,
			OnTrackUnsubscribed: r.onTrackUnsubscribed,
			OnDataReceived:      r.onDataReceived,
		},
	}

	room, err := lksdk.ConnectToRoomWithToken(config.URL, config.Token, callback)
	if err != nil {
		return fmt.Errorf("failed to connect to room: %w", err)
	}

	r.room = room
	r.connected = true
	r.publish = publishReliable(room.LocalParticipant)

	r.logger.Info("Connected to LiveKit room",
		slog.String("url", config.URL),
		slog.String("language", r.language))

	return nil
}

// dataPublisher is the part of the local participant that sends data
// packets.
type dataPublisher interface {
	PublishData(data []byte, kind livekit.DataPacket_Kind, destinationSids []string) error
}

var _ dataPublisher = (*lksdk.LocalParticipant)(nil)

// publishReliable sends every packet reliably to the whole room.
func publishReliable(p dataPublisher) func([]byte) error {
	return func(data []byte) error {
		return p.PublishData(data, livekit.DataPacket_RELIABLE, nil)
	}
}

// Disconnect ends every participant call, closes the room connection and
// closes Events.
func (r *Room) Disconnect() error {
	r.mu.RLock()
	identities := make([]string, 0, len(r.participants))
	for identity := range r.participants {
		identities = append(identities, identity)
	}
	r.mu.RUnlock()

	for _, identity := range identities {
		r.endCall(identity)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.cancel()

	if r.connected {
		r.connected = false
		r.publish = nil

		if r.room != nil {
			r.room.Disconnect()
		}

		r.logger.Info("Disconnected from LiveKit room")
	}

	if !r.eventsClosed {
		close(r.Events)
		r.eventsClosed = true
	}

	return nil
}

// IsConnected returns true if the room is currently connected.
func (r *Room) IsConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

// LocalParticipant returns the local participant.
func (r *Room) LocalParticipant() *lksdk.LocalParticipant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.room == nil {
		return nil
	}

	return r.room.LocalParticipant
}

// GetParticipants returns a copy of all participants in the room, keyed by
// identity.
func (r *Room) GetParticipants() map[string]*livekit.ParticipantInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*livekit.ParticipantInfo, len(r.participants))
	for k, v := range r.participants {
		result[k] = v
	}
	return result
}

// Decision publishes a turn decision for one of the room's calls. It
// satisfies the call manager's sink.
func (r *Room) Decision(callID string, d turn.Decision) {
	msg, err := wire.FromDecision(callID, d)
	if err != nil {
		return
	}
	r.sendEvent(NewEvent(EventDecision).WithCall(callID).WithDecision(d))
	if err := r.publishMessage(msg); err != nil {
		r.logger.Warn("Failed to publish decision",
			slog.String("call_id", callID),
			slog.String("decision", d.Kind.String()),
			slog.String("error", err.Error()))
	}
}

func (r *Room) publishMessage(msg *wire.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	r.mu.RLock()
	publish := r.publish
	r.mu.RUnlock()
	if publish == nil {
		return ErrNotConnected
	}
	return publish(data)
}

func participantInfo(sid, identity string, state livekit.ParticipantInfo_State) *livekit.ParticipantInfo {
	return &livekit.ParticipantInfo{
		Sid:      sid,
		Identity: identity,
		State:    state,
	}
}

// Event handlers

func (r *Room) onParticipantConnected(participant *lksdk.RemoteParticipant) {
	r.participantJoined(participant.SID(), participant.Identity())
}

func (r *Room) onParticipantDisconnected(participant *lksdk.RemoteParticipant) {
	r.participantLeft(participant.SID(), participant.Identity())
}

func (r *Room) onTrackSubscribed(track *webrtc.TrackRemote, publication *lksdk.RemoteTrackPublication, participant *lksdk.RemoteParticipant) {
	trackInfo := &livekit.TrackInfo{
		Sid:  publication.SID(),
		Name: publication.Name(),
		Type: publication.Kind().ProtoType(),
	}

	event := NewEvent(EventTrackSubscribed).
		WithParticipant(participantInfo(participant.SID(), participant.Identity(), livekit.ParticipantInfo_ACTIVE)).
		WithTrack(trackInfo).
		WithCall(CallID(r.roomName, participant.Identity()))
	r.sendEvent(event)

	r.logger.Info("Track subscribed",
		slog.String("participant", participant.Identity()),
		slog.String("track_sid", publication.SID()),
		slog.String("track_type", publication.Kind().String()),
		slog.String("codec", track.Codec().MimeType))
}

func (r *Room) onTrackUnsubscribed(track *webrtc.TrackRemote, publication *lksdk.RemoteTrackPublication, participant *lksdk.RemoteParticipant) {
	trackInfo := &livekit.TrackInfo{
		Sid:  publication.SID(),
		Name: publication.Name(),
		Type: publication.Kind().ProtoType(),
	}

	event := NewEvent(EventTrackUnsubscribed).
		WithParticipant(participantInfo(participant.SID(), participant.Identity(), livekit.ParticipantInfo_ACTIVE)).
		WithTrack(trackInfo)
	r.sendEvent(event)
}

func (r *Room) onDataReceived(data []byte, participant *lksdk.RemoteParticipant) {
	r.dataReceived(participant.SID(), participant.Identity(), data)
}

func (r *Room) onRoomMetadataChanged(metadata string) {
	r.sendEvent(NewEvent(EventRoomMetadataChanged).WithMetadata(metadata))
}

func (r *Room) participantJoined(sid, identity string) {
	info := participantInfo(sid, identity, livekit.ParticipantInfo_ACTIVE)

	r.mu.Lock()
	r.participants[identity] = info
	r.mu.Unlock()

	r.sendEvent(NewEvent(EventParticipantConnected).WithParticipant(info))
	r.logger.Info("Participant connected",
		slog.String("identity", identity),
		slog.String("sid", sid))

	if r.calls == nil {
		return
	}
	callID := CallID(r.roomName, identity)
	start, err := wire.New(wire.TypeStartCall, callID, wire.StartCall{Language: r.language})
	if err != nil {
		return
	}
	if r.apply(start) {
		r.sendEvent(NewEvent(EventCallStarted).WithParticipant(info).WithCall(callID))
	}
}

func (r *Room) participantLeft(sid, identity string) {
	info := participantInfo(sid, identity, livekit.ParticipantInfo_DISCONNECTED)

	r.mu.Lock()
	delete(r.participants, identity)
	r.mu.Unlock()

	r.sendEvent(NewEvent(EventParticipantDisconnected).WithParticipant(info))
	r.logger.Info("Participant disconnected",
		slog.String("identity", identity),
		slog.String("sid", sid))

	if r.endCall(identity) {
		r.sendEvent(NewEvent(EventCallEnded).WithParticipant(info).WithCall(CallID(r.roomName, identity)))
	}
}

func (r *Room) endCall(identity string) bool {
	if r.calls == nil {
		return false
	}
	return r.apply(&wire.Message{Type: wire.TypeEndCall, CallID: CallID(r.roomName, identity)})
}

// dataReceived applies a signal sent by a participant. Messages without a
// call ID address the sender's own call. Payloads that are not signals are
// reported as events only.
func (r *Room) dataReceived(sid, identity string, data []byte) {
	info := participantInfo(sid, identity, livekit.ParticipantInfo_ACTIVE)
	r.sendEvent(NewEvent(EventDataReceived).WithParticipant(info).WithData(data))

	if r.calls == nil {
		return
	}
	msg, err := wire.Parse(data)
	if err != nil {
		r.logger.Debug("Ignoring non-signal data packet",
			slog.String("identity", identity),
			slog.Int("bytes", len(data)))
		return
	}
	if msg.Type == wire.TypeShutdown {
		r.logger.Warn("Ignoring shutdown signal from participant", slog.String("identity", identity))
		return
	}
	if msg.CallID == "" {
		msg.CallID = CallID(r.roomName, identity)
	}
	r.apply(msg)
}

// apply dispatches one signal and publishes its reply or error.
func (r *Room) apply(msg *wire.Message) bool {
	ctx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
	defer cancel()

	reply, err := wire.Dispatch(ctx, r.calls, msg, time.Now)
	if err != nil {
		r.logger.Warn("Signal failed",
			slog.String("type", msg.Type),
			slog.String("call_id", msg.CallID),
			slog.String("error", err.Error()))
		reply = wire.ErrorMessage(msg.CallID, err)
	}
	if reply != nil {
		if perr := r.publishMessage(reply); perr != nil && !errors.Is(perr, ErrNotConnected) {
			r.logger.Warn("Failed to publish reply",
				slog.String("type", reply.Type),
				slog.String("error", perr.Error()))
		}
	}
	return err == nil
}

// sendEvent sends an event to the Events channel if the room is still connected.
func (r *Room) sendEvent(event *Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.eventsClosed {
		return
	}

	select {
	case r.Events <- event:
	case <-r.ctx.Done():
	default:
		r.logger.Warn("Events channel is full, dropping event",
			slog.String("event_type", string(event.Type)))
	}
}
