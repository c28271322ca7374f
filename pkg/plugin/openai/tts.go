package openai

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/chriscow/livekit-silence-go/pkg/ai/tts"
	"github.com/chriscow/livekit-silence-go/pkg/rtc"
	openai "github.com/sashabaranov/go-openai"
)

const (
	ttsSampleRate = 24000
	ttsFrameBytes = ttsSampleRate / 50 * 2 // 20 ms of mono 16-bit PCM
)

// TTS implements tts.TTS with OpenAI speech synthesis. Audio is requested
// as raw PCM so frames can be published without decoding.
type TTS struct {
	client *openai.Client
	model  string
	voice  string
	logger *slog.Logger
}

// NewTTS creates an OpenAI speech provider.
func NewTTS(cfg Config) (*TTS, error) {
	client, err := cfg.client()
	if err != nil {
		return nil, err
	}
	t := &TTS{client: client, model: cfg.Model, voice: cfg.Voice, logger: cfg.logger()}
	if t.model == "" {
		t.model = string(openai.TTSModel1)
	}
	if t.voice == "" {
		t.voice = string(openai.VoiceAlloy)
	}
	return t, nil
}

// Synthesize implements tts.TTS. The request is made before returning so
// that API errors surface to the caller; streaming the body happens in the
// background.
func (o *TTS) Synthesize(ctx context.Context, req tts.SynthesizeRequest) (<-chan rtc.AudioFrame, error) {
	voice := req.Voice
	if voice == "" {
		voice = o.voice
	}
	speechReq := openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(o.model),
		Input:          req.Text,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: openai.SpeechResponseFormatPcm,
	}
	if req.Speed > 0 {
		speechReq.Speed = float64(req.Speed)
	}

	start := time.Now()
	body, err := o.client.CreateSpeech(ctx, speechReq)
	if err != nil {
		o.logger.Warn("Speech synthesis failed", slog.String("error", err.Error()))
		return nil, classify("synthesize", err)
	}

	out := make(chan rtc.AudioFrame, 10)
	go func() {
		defer close(out)
		defer body.Close()
		n, err := framePCM(ctx, body, out)
		if err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Warn("Reading speech audio failed", slog.String("error", err.Error()))
		}
		o.logger.Debug("Speech synthesized",
			slog.Int("frames", n),
			slog.Duration("duration", time.Since(start)))
	}()
	return out, nil
}

// framePCM splits a raw 24 kHz PCM stream into 20 ms frames.
func framePCM(ctx context.Context, r io.Reader, out chan<- rtc.AudioFrame) (int, error) {
	n := 0
	for {
		buf := make([]byte, ttsFrameBytes)
		read, err := io.ReadFull(r, buf)
		read -= read % 2
		if read > 0 {
			frame := rtc.AudioFrame{
				Data:              buf[:read],
				SampleRate:        ttsSampleRate,
				SamplesPerChannel: read / 2,
				NumChannels:       1,
			}
			select {
			case out <- frame:
				n++
			case <-ctx.Done():
				return n, ctx.Err()
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return n, nil
		default:
			return n, err
		}
	}
}

// Capabilities implements tts.TTS.
func (o *TTS) Capabilities() tts.Capabilities {
	return tts.Capabilities{
		SupportedLanguages: []string{"en", "es", "fr", "de", "it", "pt", "ru", "ja", "ko", "zh"},
		SupportedVoices:    []string{"alloy", "echo", "fable", "onyx", "nova", "shimmer"},
		SampleRates:        []int{ttsSampleRate},
	}
}
