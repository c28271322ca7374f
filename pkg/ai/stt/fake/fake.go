// Package fake provides a scriptable STT for tests and offline runs.
package fake

import (
	"context"
	"errors"
	"sync"

	"github.com/chriscow/livekit-silence-go/pkg/ai/stt"
	"github.com/chriscow/livekit-silence-go/pkg/rtc"
)

// ErrClosed is returned by Push after the stream was closed.
var ErrClosed = errors.New("fake stt: stream closed")

// STT hands out Streams whose events are driven by the test through Emit.
type STT struct {
	mu      sync.Mutex
	streams []*Stream
	created chan *Stream
}

// New returns a fake STT.
func New() *STT {
	return &STT{created: make(chan *Stream, 16)}
}

// NewStream implements stt.STT.
func (f *STT) NewStream(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	s := &Stream{
		cfg:    cfg,
		events: make(chan stt.SpeechEvent, 64),
	}
	f.mu.Lock()
	f.streams = append(f.streams, s)
	f.mu.Unlock()
	select {
	case f.created <- s:
	default:
	}
	return s, nil
}

// Capabilities implements stt.STT.
func (f *STT) Capabilities() stt.Capabilities {
	return stt.Capabilities{
		Streaming:          true,
		InterimResults:     true,
		SupportedLanguages: []string{"*"},
		SampleRates:        []int{8000, 16000, 48000},
	}
}

// Created delivers each stream as it is opened.
func (f *STT) Created() <-chan *Stream { return f.created }

// Streams returns every stream opened so far.
func (f *STT) Streams() []*Stream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Stream(nil), f.streams...)
}

// Stream is a fake recognition session.
type Stream struct {
	cfg    stt.StreamConfig
	events chan stt.SpeechEvent

	mu     sync.Mutex
	pushed int
	closed bool
}

// Config returns the configuration the stream was opened with.
func (s *Stream) Config() stt.StreamConfig { return s.cfg }

// Push implements stt.Stream.
func (s *Stream) Push(rtc.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.pushed++
	return nil
}

// Pushed returns the number of frames received.
func (s *Stream) Pushed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushed
}

// Emit delivers ev to the consumer. It is a no-op after Close.
func (s *Stream) Emit(ev stt.SpeechEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

// Events implements stt.Stream.
func (s *Stream) Events() <-chan stt.SpeechEvent { return s.events }

// CloseSend implements stt.Stream.
func (s *Stream) CloseSend() error { return s.Close() }

// Close implements stt.Stream.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}
