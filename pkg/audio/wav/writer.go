package wav

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/chriscow/livekit-silence-go/pkg/rtc"
)

// ErrMixedFormat is returned by Encode when frames disagree on sample rate
// or channel count.
var ErrMixedFormat = errors.New("wav: frames have mixed formats")

// Encode writes frames as one 16-bit PCM WAV stream.
func Encode(w io.Writer, frames []rtc.AudioFrame) error {
	if len(frames) == 0 {
		return errors.New("wav: no frames to encode")
	}
	rate, channels := frames[0].SampleRate, frames[0].NumChannels
	size := 0
	for _, f := range frames {
		if f.SampleRate != rate || f.NumChannels != channels {
			return fmt.Errorf("%w: %d Hz/%d ch after %d Hz/%d ch",
				ErrMixedFormat, f.SampleRate, f.NumChannels, rate, channels)
		}
		size += len(f.Data)
	}

	var buf bytes.Buffer
	buf.Grow(44)
	writeHeader(&buf, uint32(rate), uint16(channels), uint32(size))
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write wav header: %w", err)
	}
	for _, f := range frames {
		if _, err := w.Write(f.Data); err != nil {
			return fmt.Errorf("write wav data: %w", err)
		}
	}
	return nil
}

// WriteFile encodes frames to the file at path.
func WriteFile(path string, frames []rtc.AudioFrame) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	if err := Encode(f, frames); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Tone returns d of mono audio at sampleRate split into 10 ms frames. A
// zero frequency produces silence.
func Tone(sampleRate int, frequency, amplitude float64, d time.Duration) []rtc.AudioFrame {
	per := sampleRate / 100
	n := int(d / FrameDuration)
	frames := make([]rtc.AudioFrame, n)
	for i := range frames {
		data := make([]byte, per*2)
		for s := 0; s < per; s++ {
			t := float64(i*per+s) / float64(sampleRate)
			v := int16(amplitude * 32767 * math.Sin(2*math.Pi*frequency*t))
			binary.LittleEndian.PutUint16(data[s*2:], uint16(v))
		}
		frames[i] = rtc.AudioFrame{Data: data, SampleRate: sampleRate, SamplesPerChannel: per, NumChannels: 1}
	}
	return frames
}

func writeHeader(buf *bytes.Buffer, sampleRate uint32, channels uint16, dataSize uint32) {
	const bits = 16
	le := binary.LittleEndian
	buf.WriteString("RIFF")
	_ = binary.Write(buf, le, 36+dataSize)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(buf, le, uint32(16))
	_ = binary.Write(buf, le, uint16(1)) // PCM
	_ = binary.Write(buf, le, channels)
	_ = binary.Write(buf, le, sampleRate)
	_ = binary.Write(buf, le, sampleRate*uint32(channels)*bits/8)
	_ = binary.Write(buf, le, channels*bits/8)
	_ = binary.Write(buf, le, uint16(bits))
	buf.WriteString("data")
	_ = binary.Write(buf, le, dataSize)
}
