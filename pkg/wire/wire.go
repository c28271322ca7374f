// Package wire defines the JSON envelope exchanged with a host agent over
// the worker WebSocket and LiveKit data packets, and applies inbound
// signals to a set of calls.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chriscow/livekit-silence-go/pkg/rtc"
	"github.com/chriscow/livekit-silence-go/pkg/turn"
)

// Inbound signal types.
const (
	TypePing              = "ping"
	TypeStartCall         = "startCall"
	TypeAudio             = "audio"
	TypeTranscript        = "transcript"
	TypeAgentTurnFinished = "agentTurnFinished"
	TypeEndCall           = "endCall"
	TypeShutdown          = "shutdown"
)

// Outbound command types.
const (
	TypePong           = "pong"
	TypePermitResponse = "permitResponse"
	TypeBackchannel    = "backchannel"
	TypeDisengaged     = "disengaged"
	TypeCallStarted    = "callStarted"
	TypeCallEnded      = "callEnded"
	TypeError          = "error"
)

var (
	ErrNoData      = errors.New("wire: message has no data")
	ErrNoCallID    = errors.New("wire: message has no call id")
	ErrUnknownType = errors.New("wire: unknown message type")
)

// Message is the envelope for every signal and command.
type Message struct {
	Type   string          `json:"type"`
	CallID string          `json:"callId,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// New builds a message with data marshalled as its payload. data may be nil.
func New(typ, callID string, data any) (*Message, error) {
	m := &Message{Type: typ, CallID: callID}
	if data == nil {
		return m, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s data: %w", typ, err)
	}
	m.Data = raw
	return m, nil
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%w: %s", ErrNoData, m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s data: %w", m.Type, err)
	}
	return nil
}

// Parse decodes one envelope.
func Parse(b []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	if m.Type == "" {
		return nil, fmt.Errorf("%w: empty", ErrUnknownType)
	}
	return &m, nil
}

type StartCall struct {
	Language string `json:"language"`
}

// Audio carries 16-bit little-endian PCM. PCM is base64 in JSON.
type Audio struct {
	PCM         []byte    `json:"pcm"`
	SampleRate  int       `json:"sampleRate"`
	NumChannels int       `json:"numChannels"`
	CapturedAt  time.Time `json:"capturedAt"`
}

// Frame converts the payload into a validated audio frame.
func (a Audio) Frame() (rtc.AudioFrame, error) {
	channels := a.NumChannels
	if channels == 0 {
		channels = 1
	}
	f, err := rtc.NewAudioFrame(a.PCM, a.SampleRate, channels, a.CapturedAt)
	if err != nil {
		return rtc.AudioFrame{}, err
	}
	return *f, nil
}

type Transcript struct {
	Text  string    `json:"text"`
	Final bool      `json:"final"`
	At    time.Time `json:"at"`
}

type AgentTurnFinished struct {
	At time.Time `json:"at"`
}

// Decision is the payload of permitResponse, backchannel and disengaged.
type Decision struct {
	Turn      uint64    `json:"turn"`
	Text      string    `json:"text,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	SilenceMs int64     `json:"silenceMs"`
	At        time.Time `json:"at"`
}

// CallStats is the payload of callEnded.
type CallStats struct {
	Responses          int    `json:"responses"`
	Backchannels       int    `json:"backchannels"`
	Disengagements     int    `json:"disengagements"`
	AvgResponseDelayMs int64  `json:"avgResponseDelayMs"`
	AudioDropped       uint64 `json:"audioDropped"`
}

type Error struct {
	Message string `json:"message"`
}

// CommandType returns the outbound type for a decision kind, or "" for
// kinds that are not sent.
func CommandType(k turn.DecisionKind) string {
	switch k {
	case turn.PermitResponse:
		return TypePermitResponse
	case turn.EmitBackchannel:
		return TypeBackchannel
	case turn.TreatAsDisengaged:
		return TypeDisengaged
	default:
		return ""
	}
}

// FromDecision renders a controller decision as an outbound command.
func FromDecision(callID string, d turn.Decision) (*Message, error) {
	typ := CommandType(d.Kind)
	if typ == "" {
		return nil, fmt.Errorf("%w: decision %s", ErrUnknownType, d.Kind)
	}
	return New(typ, callID, Decision{
		Turn:      d.Turn,
		Text:      d.Text,
		Reason:    d.Reason,
		SilenceMs: d.Silence.Milliseconds(),
		At:        d.At,
	})
}

// ErrorMessage builds an error command.
func ErrorMessage(callID string, err error) *Message {
	m, _ := New(TypeError, callID, Error{Message: err.Error()})
	return m
}
