package job

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chriscow/livekit-silence-go/pkg/engine"
	"github.com/chriscow/livekit-silence-go/pkg/rtc"
	"github.com/chriscow/livekit-silence-go/pkg/timing"
	"github.com/chriscow/livekit-silence-go/pkg/turn"
	"github.com/chriscow/livekit-silence-go/pkg/wire"
	"github.com/livekit/protocol/livekit"
	"github.com/matryer/is"
)

type fakeCalls struct {
	mu          sync.Mutex
	started     map[string]string
	ended       []string
	transcripts []string
}

func (f *fakeCalls) Start(callID, language string) (*engine.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started == nil {
		f.started = map[string]string{}
	}
	f.started[callID] = language
	return engine.NewCall(engine.Config{CallID: callID, Profile: timing.ForLanguage(language)})
}

func (f *fakeCalls) End(_ context.Context, callID string) (engine.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.started[callID]; !ok {
		return engine.Stats{}, errors.New("unknown call")
	}
	f.ended = append(f.ended, callID)
	return engine.Stats{CallID: callID}, nil
}

func (f *fakeCalls) IngestAudio(string, rtc.AudioFrame) error { return nil }

func (f *fakeCalls) OnTranscript(callID, text string, _ bool, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcripts = append(f.transcripts, callID+": "+text)
	return nil
}

func (f *fakeCalls) AgentTurnFinished(string, time.Time) error { return nil }

type published struct {
	mu   sync.Mutex
	msgs []wire.Message
}

func (p *published) publish(data []byte) error {
	var m wire.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, m)
	return nil
}

func (p *published) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, m := range p.msgs {
		out = append(out, m.Type)
	}
	return out
}

func newTestRoom(t *testing.T, calls wire.Calls) (*Room, *published) {
	t.Helper()
	room, err := NewRoom(context.Background(), RoomConfig{
		URL:             "wss://test.livekit.io",
		Token:           "test-token",
		RoomName:        "lobby",
		Language:        "ja-JP",
		Calls:           calls,
		EventBufferSize: 32,
	})
	if err != nil {
		t.Fatal(err)
	}
	pub := &published{}
	room.publish = pub.publish
	t.Cleanup(func() { room.Disconnect() })
	return room, pub
}

func drain(room *Room) []EventType {
	var out []EventType
	for {
		select {
		case ev := <-room.Events:
			out = append(out, ev.Type)
		default:
			return out
		}
	}
}

func TestNewRoom(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		config  RoomConfig
		wantErr bool
	}{
		{"valid config", RoomConfig{URL: "wss://test.livekit.io", Token: "test-token", RoomName: "test-room"}, false},
		{"missing URL", RoomConfig{Token: "test-token", RoomName: "test-room"}, true},
		{"missing token", RoomConfig{URL: "wss://test.livekit.io", RoomName: "test-room"}, true},
		{"missing room name", RoomConfig{URL: "wss://test.livekit.io", Token: "test-token"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)
			room, err := NewRoom(ctx, tt.config)
			if tt.wantErr {
				is.True(errors.Is(err, ErrInvalidRoomConfig))
				return
			}
			is.NoErr(err)
			is.True(room.Events != nil)
			is.True(!room.IsConnected())
			is.Equal(room.language, DefaultLanguage)
			is.NoErr(room.Disconnect())
		})
	}
}

func TestEvent_Builders(t *testing.T) {
	is := is.New(t)
	event := NewEvent(EventDecision)
	is.True(!event.Timestamp.IsZero())

	participant := &livekit.ParticipantInfo{Sid: "test-sid", Identity: "test-identity"}
	track := &livekit.TrackInfo{Sid: "track-sid", Type: livekit.TrackType_AUDIO}

	event = event.
		WithParticipant(participant).
		WithTrack(track).
		WithData([]byte("test data")).
		WithMetadata("test metadata").
		WithCall("lobby/test-identity").
		WithDecision(turn.Decision{Kind: turn.PermitResponse, Turn: 4})

	is.Equal(event.Participant, participant)
	is.Equal(event.Track, track)
	is.Equal(string(event.Data), "test data")
	is.Equal(event.Metadata, "test metadata")
	is.Equal(event.CallID, "lobby/test-identity")
	is.Equal(event.Decision.Turn, uint64(4))
}

func TestRoom_ParticipantLifecycleDrivesCalls(t *testing.T) {
	is := is.New(t)
	calls := &fakeCalls{}
	room, pub := newTestRoom(t, calls)

	room.participantJoined("PA_1", "caller")
	is.Equal(calls.started["lobby/caller"], "ja-JP")
	is.Equal(len(room.GetParticipants()), 1)

	room.participantLeft("PA_1", "caller")
	is.Equal(calls.ended, []string{"lobby/caller"})
	is.Equal(len(room.GetParticipants()), 0)

	is.Equal(pub.types(), []string{wire.TypeCallStarted, wire.TypeCallEnded})
	is.Equal(drain(room), []EventType{
		EventParticipantConnected, EventCallStarted,
		EventParticipantDisconnected, EventCallEnded,
	})
}

func TestRoom_DataPacketsAddressSendersCall(t *testing.T) {
	is := is.New(t)
	calls := &fakeCalls{}
	room, pub := newTestRoom(t, calls)
	room.participantJoined("PA_1", "caller")

	msg, err := wire.New(wire.TypeTranscript, "", wire.Transcript{Text: "もしもし", Final: true})
	is.NoErr(err)
	data, err := json.Marshal(msg)
	is.NoErr(err)
	room.dataReceived("PA_1", "caller", data)
	is.Equal(calls.transcripts, []string{"lobby/caller: もしもし"})

	// Chat text and shutdown requests are not applied.
	room.dataReceived("PA_1", "caller", []byte("hello everyone"))
	room.dataReceived("PA_1", "caller", []byte(`{"type":"shutdown"}`))

	room.dataReceived("PA_1", "caller", []byte(`{"type":"bogus","callId":"lobby/caller"}`))
	is.Equal(pub.types(), []string{wire.TypeCallStarted, wire.TypeError})
}

func TestRoom_DecisionPublished(t *testing.T) {
	is := is.New(t)
	room, pub := newTestRoom(t, &fakeCalls{})

	room.Decision("lobby/caller", turn.Decision{Kind: turn.EmitBackchannel, Text: "はい", Turn: 1})
	room.Decision("lobby/caller", turn.Decision{Kind: turn.ContinueWaiting})

	is.Equal(pub.types(), []string{wire.TypeBackchannel})
	var d wire.Decision
	is.NoErr(pub.msgs[0].Decode(&d))
	is.Equal(d.Text, "はい")
	is.Equal(drain(room), []EventType{EventDecision})
}

type recordingPublisher struct {
	data []byte
	kind livekit.DataPacket_Kind
	to   []string
}

func (p *recordingPublisher) PublishData(data []byte, kind livekit.DataPacket_Kind, to []string) error {
	p.data, p.kind, p.to = data, kind, to
	return nil
}

func TestPublishReliable(t *testing.T) {
	is := is.New(t)
	p := &recordingPublisher{}
	is.NoErr(publishReliable(p)([]byte(`{"type":"pong"}`)))
	is.Equal(string(p.data), `{"type":"pong"}`)
	is.Equal(p.kind, livekit.DataPacket_RELIABLE)
	is.Equal(len(p.to), 0) // whole room
}

func TestRoom_PublishWithoutConnection(t *testing.T) {
	is := is.New(t)
	room, _ := newTestRoom(t, nil)
	room.publish = nil
	is.True(errors.Is(room.publishMessage(&wire.Message{Type: wire.TypePong}), ErrNotConnected))
}

func TestRoom_EventChannelFull(t *testing.T) {
	is := is.New(t)
	room, err := NewRoom(context.Background(), RoomConfig{
		URL:             "wss://test.livekit.io",
		Token:           "test-token",
		RoomName:        "test-room",
		EventBufferSize: 2,
	})
	is.NoErr(err)
	defer room.Disconnect()

	for i := 0; i < 3; i++ {
		room.sendEvent(NewEvent(EventParticipantConnected))
	}
	is.Equal(len(drain(room)), 2) // third event dropped
}

func TestRoom_DisconnectClosesChannel(t *testing.T) {
	is := is.New(t)
	room, err := NewRoom(context.Background(), RoomConfig{
		URL:      "wss://test.livekit.io",
		Token:    "test-token",
		RoomName: "test-room",
	})
	is.NoErr(err)

	is.NoErr(room.Disconnect())
	_, ok := <-room.Events
	is.True(!ok)

	// Events after disconnect are discarded rather than panicking.
	room.sendEvent(NewEvent(EventRoomMetadataChanged))
	is.NoErr(room.Disconnect())
}
