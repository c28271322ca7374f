// Package wav reads and writes 16-bit PCM WAV files as 10 ms audio frames.
// It is used to replay recorded calls through the silence engine and to
// package buffered audio for batch transcription.
package wav

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/chriscow/livekit-silence-go/pkg/rtc"
)

// FrameDuration is the length of every frame Decode produces.
const FrameDuration = 10 * time.Millisecond

// ErrUnsupported is returned for WAV files that are not 16-bit PCM at a
// supported sample rate and channel count.
var ErrUnsupported = errors.New("wav: unsupported format")

// Header describes the PCM stream in a WAV file.
type Header struct {
	SampleRate    uint32
	NumChannels   uint16
	BitsPerSample uint16
	DataSize      uint32
}

// Duration returns the playback length of the data chunk.
func (h Header) Duration() time.Duration {
	bytesPerSec := int64(h.SampleRate) * int64(h.NumChannels) * int64(h.BitsPerSample/8)
	if bytesPerSec == 0 {
		return 0
	}
	return time.Duration(int64(h.DataSize) * int64(time.Second) / bytesPerSec)
}

// ReadFile decodes the WAV file at path. Frames are stamped from start.
func ReadFile(path string, start time.Time) ([]rtc.AudioFrame, Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Header{}, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()
	return Decode(bufio.NewReader(f), start)
}

// Decode reads a WAV stream and splits it into 10 ms frames. The final
// partial frame is zero padded. Frame i is stamped start + i*10ms; a zero
// start leaves frames unstamped.
func Decode(r io.Reader, start time.Time) ([]rtc.AudioFrame, Header, error) {
	h, err := readHeader(r)
	if err != nil {
		return nil, Header{}, err
	}

	samplesPerFrame := int(h.SampleRate) / 100
	bytesPerFrame := samplesPerFrame * int(h.NumChannels) * 2

	data := io.LimitReader(r, int64(h.DataSize))
	var frames []rtc.AudioFrame
	for i := 0; ; i++ {
		buf := make([]byte, bytesPerFrame)
		n, err := io.ReadFull(data, buf)
		if n == 0 {
			break
		}
		frame := rtc.AudioFrame{
			Data:              buf,
			SampleRate:        int(h.SampleRate),
			SamplesPerChannel: samplesPerFrame,
			NumChannels:       int(h.NumChannels),
		}
		if !start.IsZero() {
			frame.CapturedAt = start.Add(time.Duration(i) * FrameDuration)
		}
		frames = append(frames, frame)
		if err != nil { // short final frame
			break
		}
	}
	return frames, h, nil
}

func readHeader(r io.Reader) (Header, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return Header{}, fmt.Errorf("read RIFF header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return Header{}, fmt.Errorf("%w: not a RIFF/WAVE stream", ErrUnsupported)
	}

	var (
		h      Header
		gotFmt bool
	)
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			return Header{}, fmt.Errorf("read chunk header: %w", err)
		}
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])

		switch id {
		case "fmt ":
			if size < 16 {
				return Header{}, fmt.Errorf("%w: fmt chunk of %d bytes", ErrUnsupported, size)
			}
			var fmtData [16]byte
			if _, err := io.ReadFull(r, fmtData[:]); err != nil {
				return Header{}, fmt.Errorf("read fmt chunk: %w", err)
			}
			if format := binary.LittleEndian.Uint16(fmtData[0:2]); format != 1 {
				return Header{}, fmt.Errorf("%w: audio format %d, want PCM", ErrUnsupported, format)
			}
			h.NumChannels = binary.LittleEndian.Uint16(fmtData[2:4])
			h.SampleRate = binary.LittleEndian.Uint32(fmtData[4:8])
			h.BitsPerSample = binary.LittleEndian.Uint16(fmtData[14:16])
			if err := skip(r, int64(size)-16+int64(size%2)); err != nil {
				return Header{}, err
			}
			gotFmt = true

		case "data":
			if !gotFmt {
				return Header{}, fmt.Errorf("%w: data chunk before fmt", ErrUnsupported)
			}
			h.DataSize = size
			return h, validate(h)

		default:
			if err := skip(r, int64(size)+int64(size%2)); err != nil {
				return Header{}, err
			}
		}
	}
}

func validate(h Header) error {
	switch {
	case h.BitsPerSample != 16:
		return fmt.Errorf("%w: %d-bit samples", ErrUnsupported, h.BitsPerSample)
	case h.NumChannels != 1 && h.NumChannels != 2:
		return fmt.Errorf("%w: %d channels", ErrUnsupported, h.NumChannels)
	case h.SampleRate != 8000 && h.SampleRate != 16000 && h.SampleRate != 24000 && h.SampleRate != 48000:
		return fmt.Errorf("%w: %d Hz", ErrUnsupported, h.SampleRate)
	}
	return nil
}

func skip(r io.Reader, n int64) error {
	if n <= 0 {
		return nil
	}
	if _, err := io.CopyN(io.Discard, r, n); err != nil {
		return fmt.Errorf("skip chunk: %w", err)
	}
	return nil
}
