package openai

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/chriscow/livekit-silence-go/pkg/ai/stt"
	"github.com/chriscow/livekit-silence-go/pkg/audio/wav"
	"github.com/chriscow/livekit-silence-go/pkg/rtc"
	openai "github.com/sashabaranov/go-openai"
)

const (
	// whisperFlush is how often buffered audio is sent for transcription.
	whisperFlush = 3 * time.Second
	// whisperMinAudio is the shortest clip the API accepts.
	whisperMinAudio = 100 * time.Millisecond
	// voicedRMS separates speech from background in a buffered frame.
	voicedRMS = 0.01
)

var errStreamClosed = errors.New("whisper stream closed")

// WhisperSTT implements stt.STT on top of the batch transcription API.
// Audio is buffered and sent every few seconds; each batch yields one
// final event stamped at its last voiced frame.
type WhisperSTT struct {
	client   *openai.Client
	model    string
	language string
	logger   *slog.Logger
	flush    time.Duration
}

// NewWhisperSTT creates a Whisper STT provider.
func NewWhisperSTT(cfg Config) (*WhisperSTT, error) {
	client, err := cfg.client()
	if err != nil {
		return nil, err
	}
	model := cfg.Model
	if model == "" {
		model = openai.Whisper1
	}
	return &WhisperSTT{
		client:   client,
		model:    model,
		language: cfg.Language,
		logger:   cfg.logger(),
		flush:    whisperFlush,
	}, nil
}

// NewStream implements stt.STT.
func (w *WhisperSTT) NewStream(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &whisperStream{
		stt:      w,
		ctx:      ctx,
		cancel:   cancel,
		language: w.language,
		events:   make(chan stt.SpeechEvent, 10),
		done:     make(chan struct{}),
	}
	if s.language == "" && len(cfg.Language) >= 2 {
		s.language = cfg.Language[:2]
	}
	go s.loop()
	return s, nil
}

// Capabilities implements stt.STT.
func (w *WhisperSTT) Capabilities() stt.Capabilities {
	return stt.Capabilities{
		Streaming:      true, // batched
		InterimResults: false,
		SupportedLanguages: []string{
			"en", "zh", "de", "es", "ru", "ko", "fr", "ja", "pt", "tr", "pl", "ca", "nl",
			"ar", "sv", "it", "id", "hi", "fi", "vi", "he", "uk", "el", "ms", "cs", "ro",
			"da", "hu", "ta", "no", "th", "ur", "hr", "bg", "lt",
		},
		SampleRates: []int{8000, 16000, 24000, 48000},
	}
}

type whisperStream struct {
	stt      *WhisperSTT
	ctx      context.Context
	cancel   context.CancelFunc
	language string
	events   chan stt.SpeechEvent
	done     chan struct{}

	mu       sync.Mutex
	buffer   []rtc.AudioFrame
	voicedAt time.Time
	closed   bool
}

func (s *whisperStream) Push(frame rtc.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStreamClosed
	}
	if frame.CapturedAt.IsZero() {
		frame.CapturedAt = time.Now()
	}
	if frame.RMS() >= voicedRMS {
		s.voicedAt = frame.CapturedAt
	}
	s.buffer = append(s.buffer, frame)
	return nil
}

func (s *whisperStream) Events() <-chan stt.SpeechEvent { return s.events }

func (s *whisperStream) CloseSend() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errStreamClosed
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	return nil
}

func (s *whisperStream) Close() error {
	s.mu.Lock()
	wasClosed := s.closed
	s.closed = true
	s.mu.Unlock()
	if !wasClosed {
		close(s.done)
	}
	s.cancel()
	return nil
}

func (s *whisperStream) loop() {
	defer close(s.events)

	ticker := time.NewTicker(s.stt.flush)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.transcribeBuffered()
		case <-s.done:
			s.transcribeBuffered()
			return
		}
	}
}

// take removes the buffered audio. It reports false when the buffer holds
// no speech or too little audio for the API.
func (s *whisperStream) take() ([]rtc.AudioFrame, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	frames, voicedAt := s.buffer, s.voicedAt
	s.buffer, s.voicedAt = nil, time.Time{}

	var total time.Duration
	for i := range frames {
		total += frames[i].Duration()
	}
	if voicedAt.IsZero() || total < whisperMinAudio {
		return nil, time.Time{}, false
	}
	return frames, voicedAt, true
}

func (s *whisperStream) transcribeBuffered() {
	frames, voicedAt, ok := s.take()
	if !ok {
		return
	}

	var clip bytes.Buffer
	if err := wav.Encode(&clip, frames); err != nil {
		s.send(stt.SpeechEvent{Type: stt.SpeechEventError, Err: err, At: voicedAt})
		return
	}

	resp, err := s.stt.client.CreateTranscription(s.ctx, openai.AudioRequest{
		Model:    s.stt.model,
		Language: s.language,
		Format:   openai.AudioResponseFormatJSON,
		Reader:   &clip,
		FilePath: "audio.wav",
	})
	if err != nil {
		s.stt.logger.Warn("Whisper transcription failed", slog.String("error", err.Error()))
		s.send(stt.SpeechEvent{Type: stt.SpeechEventError, Err: classify("transcribe", err), At: voicedAt})
		return
	}
	s.stt.logger.Debug("Whisper transcription", slog.String("text", resp.Text))
	if resp.Text == "" {
		return
	}
	s.send(stt.SpeechEvent{
		Type:     stt.SpeechEventFinal,
		Text:     resp.Text,
		Language: resp.Language,
		At:       voicedAt,
	})
}

func (s *whisperStream) send(ev stt.SpeechEvent) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}
