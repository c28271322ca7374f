// Package fake provides a TTS that renders text as a quiet tone whose length
// follows the text.
package fake

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/chriscow/livekit-silence-go/pkg/ai/tts"
	"github.com/chriscow/livekit-silence-go/pkg/rtc"
)

const (
	sampleRate = 16000
	frameLen   = 10 * time.Millisecond
)

// TTS is a fake synthesizer. Each rune of text yields PerRune of audio.
type TTS struct {
	PerRune time.Duration

	mu       sync.Mutex
	requests []tts.SynthesizeRequest
}

// New returns a fake TTS producing perRune of audio per character.
func New(perRune time.Duration) *TTS {
	if perRune <= 0 {
		perRune = frameLen
	}
	return &TTS{PerRune: perRune}
}

// Synthesize implements tts.TTS.
func (f *TTS) Synthesize(ctx context.Context, req tts.SynthesizeRequest) (<-chan rtc.AudioFrame, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	total := time.Duration(utf8.RuneCountInString(req.Text)) * f.PerRune
	n := int((total + frameLen - 1) / frameLen)
	out := make(chan rtc.AudioFrame, n)
	go func() {
		defer close(out)
		for i := 0; i < n; i++ {
			select {
			case out <- tone(i):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Capabilities implements tts.TTS.
func (f *TTS) Capabilities() tts.Capabilities {
	return tts.Capabilities{
		SupportedLanguages: []string{"*"},
		SupportedVoices:    []string{"fake"},
		SampleRates:        []int{sampleRate},
	}
}

// Requests returns every synthesis request received.
func (f *TTS) Requests() []tts.SynthesizeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tts.SynthesizeRequest(nil), f.requests...)
}

// Texts returns the text of every synthesis request.
func (f *TTS) Texts() []string {
	reqs := f.Requests()
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = r.Text
	}
	return out
}

func tone(i int) rtc.AudioFrame {
	samples := sampleRate * int(frameLen) / int(time.Second)
	data := make([]byte, samples*2)
	for s := 0; s < samples; s++ {
		t := float64(i*samples+s) / sampleRate
		v := int16(0.1 * 32767 * math.Sin(2*math.Pi*440*t))
		binary.LittleEndian.PutUint16(data[s*2:], uint16(v))
	}
	return rtc.AudioFrame{
		Data:              data,
		SampleRate:        sampleRate,
		SamplesPerChannel: samples,
		NumChannels:       1,
	}
}
