package agent

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/chriscow/livekit-silence-go/pkg/audio/wav"
	"github.com/chriscow/livekit-silence-go/pkg/rtc"
)

// Filler is a short looping clip played while a reply is being generated,
// so that a slow model does not leave dead air after the user's turn.
type Filler struct {
	frames []rtc.AudioFrame
}

// NewFiller scales frames by volume (0..1) and returns a Filler that loops
// them.
func NewFiller(frames []rtc.AudioFrame, volume float64) *Filler {
	volume = min(max(volume, 0), 1)
	scaled := make([]rtc.AudioFrame, len(frames))
	for i, f := range frames {
		scaled[i] = scaleVolume(f, volume)
	}
	return &Filler{frames: scaled}
}

// LoadFiller reads a WAV clip for use as a Filler.
func LoadFiller(path string, volume float64) (*Filler, error) {
	frames, _, err := wav.ReadFile(path, time.Time{})
	if err != nil {
		return nil, err
	}
	return NewFiller(frames, volume), nil
}

// Len returns the number of frames in one loop.
func (f *Filler) Len() int { return len(f.frames) }

// loop feeds the clip repeatedly into a channel until ctx is done.
func (f *Filler) loop(ctx context.Context) <-chan rtc.AudioFrame {
	out := make(chan rtc.AudioFrame)
	go func() {
		defer close(out)
		if len(f.frames) == 0 {
			return
		}
		for i := 0; ; i = (i + 1) % len(f.frames) {
			select {
			case out <- *f.frames[i].Clone():
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func scaleVolume(frame rtc.AudioFrame, volume float64) rtc.AudioFrame {
	out := *frame.Clone()
	if volume == 1 {
		return out
	}
	gain := int32(volume * 32768)
	for i := 0; i+1 < len(out.Data); i += 2 {
		s := int32(int16(binary.LittleEndian.Uint16(out.Data[i:])))
		v := min(max(s*gain/32768, -32768), 32767)
		binary.LittleEndian.PutUint16(out.Data[i:], uint16(int16(v)))
	}
	return out
}
