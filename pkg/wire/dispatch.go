package wire

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chriscow/livekit-silence-go/pkg/engine"
	"github.com/chriscow/livekit-silence-go/pkg/rtc"
)

// ErrShutdown is returned by Dispatch for a shutdown signal.
var ErrShutdown = errors.New("wire: shutdown requested")

// Calls is the call registry a signal is applied to.
type Calls interface {
	Start(callID, language string) (*engine.Call, error)
	End(ctx context.Context, callID string) (engine.Stats, error)
	IngestAudio(callID string, frame rtc.AudioFrame) error
	OnTranscript(callID, text string, isFinal bool, at time.Time) error
	AgentTurnFinished(callID string, at time.Time) error
}

// Dispatch applies one inbound signal to calls and returns the reply to
// send back, if any. now stamps agent turn ends that carry no time.
func Dispatch(ctx context.Context, calls Calls, msg *Message, now func() time.Time) (*Message, error) {
	if msg.Type == TypePing {
		return &Message{Type: TypePong, CallID: msg.CallID, Data: msg.Data}, nil
	}
	if msg.Type == TypeShutdown {
		return nil, ErrShutdown
	}
	if msg.CallID == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoCallID, msg.Type)
	}

	switch msg.Type {
	case TypeStartCall:
		var sc StartCall
		if len(msg.Data) > 0 {
			if err := msg.Decode(&sc); err != nil {
				return nil, err
			}
		}
		call, err := calls.Start(msg.CallID, sc.Language)
		if err != nil {
			return nil, err
		}
		return New(TypeCallStarted, msg.CallID, StartCall{Language: call.Profile().Language()})

	case TypeAudio:
		var a Audio
		if err := msg.Decode(&a); err != nil {
			return nil, err
		}
		frame, err := a.Frame()
		if err != nil {
			return nil, err
		}
		return nil, calls.IngestAudio(msg.CallID, frame)

	case TypeTranscript:
		var tr Transcript
		if err := msg.Decode(&tr); err != nil {
			return nil, err
		}
		return nil, calls.OnTranscript(msg.CallID, tr.Text, tr.Final, tr.At)

	case TypeAgentTurnFinished:
		var af AgentTurnFinished
		if len(msg.Data) > 0 {
			if err := msg.Decode(&af); err != nil {
				return nil, err
			}
		}
		if af.At.IsZero() {
			af.At = now()
		}
		return nil, calls.AgentTurnFinished(msg.CallID, af.At)

	case TypeEndCall:
		st, err := calls.End(ctx, msg.CallID)
		if err != nil {
			return nil, err
		}
		return New(TypeCallEnded, msg.CallID, CallStats{
			Responses:          st.Responses,
			Backchannels:       st.Backchannels,
			Disengagements:     st.Disengagements,
			AvgResponseDelayMs: st.AvgResponseDelay.Milliseconds(),
			AudioDropped:       st.AudioDropped,
		})

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, msg.Type)
	}
}
