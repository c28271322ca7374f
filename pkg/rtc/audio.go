package rtc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrMalformedFrame is returned by Validate for frames that cannot carry
// 16-bit PCM in the layout they declare.
var ErrMalformedFrame = errors.New("malformed audio frame")

// AudioFrame is a short slice of interleaved 16-bit little-endian PCM,
// typically 10 or 20 ms long.
//
// CapturedAt is the wall-clock time the frame was captured. A zero
// CapturedAt means "live": consumers stamp it on arrival.
type AudioFrame struct {
	Data              []byte    // 16-bit PCM, little-endian
	SampleRate        int       // 48 000, 16 000 or 8 000
	SamplesPerChannel int       // len(Data) / (NumChannels * 2)
	NumChannels       int       // 1 or 2
	CapturedAt        time.Time // optional
}

// NewAudioFrame creates an AudioFrame and derives SamplesPerChannel from the
// data length. It returns an error if the data does not hold a whole number
// of samples for every channel.
func NewAudioFrame(data []byte, sampleRate, numChannels int, capturedAt time.Time) (*AudioFrame, error) {
	if sampleRate <= 0 || numChannels <= 0 {
		return nil, fmt.Errorf("%w: sample rate %d, channels %d", ErrMalformedFrame, sampleRate, numChannels)
	}
	stride := numChannels * 2
	if len(data) == 0 || len(data)%stride != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d-channel 16-bit samples",
			ErrMalformedFrame, len(data), numChannels)
	}

	return &AudioFrame{
		Data:              data,
		SampleRate:        sampleRate,
		SamplesPerChannel: len(data) / stride,
		NumChannels:       numChannels,
		CapturedAt:        capturedAt,
	}, nil
}

// Validate reports whether the frame is usable for energy analysis.
func (f *AudioFrame) Validate() error {
	switch {
	case f.SampleRate <= 0:
		return fmt.Errorf("%w: sample rate %d", ErrMalformedFrame, f.SampleRate)
	case f.NumChannels <= 0:
		return fmt.Errorf("%w: channels %d", ErrMalformedFrame, f.NumChannels)
	case len(f.Data) == 0:
		return fmt.Errorf("%w: empty payload", ErrMalformedFrame)
	case len(f.Data)%(f.NumChannels*2) != 0:
		return fmt.Errorf("%w: %d bytes for %d channels", ErrMalformedFrame, len(f.Data), f.NumChannels)
	case f.SamplesPerChannel != 0 && f.SamplesPerChannel*f.NumChannels*2 != len(f.Data):
		return fmt.Errorf("%w: declared %d samples per channel, payload holds %d",
			ErrMalformedFrame, f.SamplesPerChannel, len(f.Data)/(f.NumChannels*2))
	}
	return nil
}

// Clone creates a deep copy of the AudioFrame.
func (f *AudioFrame) Clone() *AudioFrame {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)

	return &AudioFrame{
		Data:              data,
		SampleRate:        f.SampleRate,
		SamplesPerChannel: f.SamplesPerChannel,
		NumChannels:       f.NumChannels,
		CapturedAt:        f.CapturedAt,
	}
}

// Duration returns the playback duration of the frame. Frames without a
// sample rate are assumed to be the conventional 10 ms.
func (f *AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.NumChannels <= 0 {
		return 10 * time.Millisecond
	}
	samples := len(f.Data) / (f.NumChannels * 2)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Samples decodes the payload into signed 16-bit samples (interleaved).
func (f *AudioFrame) Samples() []int16 {
	out := make([]int16, len(f.Data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(f.Data[i*2:]))
	}
	return out
}

// RMS returns the root-mean-square level of the frame normalised to [0, 1]
// against full-scale 16-bit audio.
func (f *AudioFrame) RMS() float64 {
	n := len(f.Data) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(f.Data[i*2:]))) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
