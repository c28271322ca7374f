// Package stt defines the streaming speech-to-text interface the agent
// session feeds microphone audio into. Recognized segments are handed to the
// silence engine as transcript activity.
package stt

import (
	"context"
	"time"

	"github.com/chriscow/livekit-silence-go/pkg/rtc"
)

// StreamConfig contains configuration for STT streams.
type StreamConfig struct {
	SampleRate  int
	NumChannels int
	Language    string // BCP-47 tag, e.g. "ja-JP"
}

// SpeechEventType represents the type of speech recognition event.
type SpeechEventType int

const (
	// SpeechEventInterim is a partial result that may still change.
	SpeechEventInterim SpeechEventType = iota
	// SpeechEventFinal is a result that won't change.
	SpeechEventFinal
	// SpeechEventError carries a recognition failure.
	SpeechEventError
)

func (t SpeechEventType) String() string {
	switch t {
	case SpeechEventInterim:
		return "interim"
	case SpeechEventFinal:
		return "final"
	case SpeechEventError:
		return "error"
	default:
		return "unknown"
	}
}

// SpeechEvent is one recognition result.
type SpeechEvent struct {
	Type     SpeechEventType
	Text     string
	Language string

	// At is when the recognized speech was heard. Zero means the recognizer
	// does not know; consumers stamp it on arrival.
	At time.Time

	Err error // only for SpeechEventError
}

// IsFinal reports whether the event is a final result.
func (e SpeechEvent) IsFinal() bool { return e.Type == SpeechEventFinal }

// Capabilities describes an STT provider.
type Capabilities struct {
	Streaming          bool
	InterimResults     bool
	SupportedLanguages []string
	SampleRates        []int
}

// STT creates recognition streams.
type STT interface {
	NewStream(ctx context.Context, cfg StreamConfig) (Stream, error)
	Capabilities() Capabilities
}

// Stream is an active recognition session.
type Stream interface {
	// Push sends an audio frame for recognition.
	Push(frame rtc.AudioFrame) error

	// Events returns recognition results. The channel is closed after
	// CloseSend has flushed or Close was called.
	Events() <-chan SpeechEvent

	// CloseSend flushes pending audio; Events keeps delivering until done.
	CloseSend() error

	// Close stops the stream immediately.
	Close() error
}
