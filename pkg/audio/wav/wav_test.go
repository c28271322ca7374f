package wav

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestEncodeDecode(t *testing.T) {
	is := is.New(t)
	frames := Tone(16000, 440, 0.5, 250*time.Millisecond)
	is.Equal(len(frames), 25)

	var buf bytes.Buffer
	is.NoErr(Encode(&buf, frames))
	is.Equal(buf.Len(), 44+25*320)

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	got, h, err := Decode(&buf, start)
	is.NoErr(err)
	is.Equal(h.SampleRate, uint32(16000))
	is.Equal(h.NumChannels, uint16(1))
	is.Equal(h.Duration(), 250*time.Millisecond)
	is.Equal(len(got), 25)
	is.Equal(got[3].CapturedAt, start.Add(30*time.Millisecond))
	is.Equal(got[7].Data, frames[7].Data)
}

func TestDecodePadsShortFrame(t *testing.T) {
	is := is.New(t)
	frames := Tone(16000, 0, 0, 20*time.Millisecond)
	frames[1].Data = frames[1].Data[:100]

	var buf bytes.Buffer
	is.NoErr(Encode(&buf, frames))
	got, _, err := Decode(&buf, time.Time{})
	is.NoErr(err)
	is.Equal(len(got), 2)
	is.Equal(len(got[1].Data), 320)
	is.True(got[1].CapturedAt.IsZero())
}

func TestDecodeRejectsNonWAV(t *testing.T) {
	is := is.New(t)
	_, _, err := Decode(bytes.NewReader([]byte("RIFF\x00\x00\x00\x00AVI LIST")), time.Time{})
	is.True(errors.Is(err, ErrUnsupported))
}

func TestEncodeRejectsMixedFormats(t *testing.T) {
	is := is.New(t)
	frames := append(Tone(16000, 0, 0, 10*time.Millisecond), Tone(48000, 0, 0, 10*time.Millisecond)...)
	err := Encode(&bytes.Buffer{}, frames)
	is.True(errors.Is(err, ErrMixedFormat))
}

func TestWriteReadFile(t *testing.T) {
	is := is.New(t)
	path := filepath.Join(t.TempDir(), "tone.wav")
	is.NoErr(WriteFile(path, Tone(8000, 300, 0.2, 100*time.Millisecond)))

	got, h, err := ReadFile(path, time.Time{})
	is.NoErr(err)
	is.Equal(h.SampleRate, uint32(8000))
	is.Equal(len(got), 10)
}
