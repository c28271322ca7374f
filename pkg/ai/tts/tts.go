// Package tts defines the text-to-speech interface used to voice both full
// agent responses and short backchannel acknowledgements.
package tts

import (
	"context"

	"github.com/chriscow/livekit-silence-go/pkg/rtc"
)

// SynthesizeRequest contains parameters for text-to-speech synthesis.
type SynthesizeRequest struct {
	Text     string
	Voice    string
	Language string
	Speed    float32 // 1.0 is normal
}

// Capabilities describes a TTS provider.
type Capabilities struct {
	Streaming          bool
	SupportedLanguages []string
	SupportedVoices    []string
	SampleRates        []int
}

// TTS converts text to audio.
type TTS interface {
	// Synthesize returns a channel of audio frames that is closed when
	// synthesis completes or ctx is cancelled.
	Synthesize(ctx context.Context, req SynthesizeRequest) (<-chan rtc.AudioFrame, error)

	Capabilities() Capabilities
}
