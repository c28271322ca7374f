package agent

import (
	"context"
	"sync"
	"time"

	"github.com/chriscow/livekit-silence-go/pkg/rtc"
)

type playbackKind int

const (
	playResponse playbackKind = iota
	playBackchannel
	playFiller
)

func (k playbackKind) String() string {
	switch k {
	case playResponse:
		return "response"
	case playBackchannel:
		return "backchannel"
	case playFiller:
		return "filler"
	default:
		return "unknown"
	}
}

// playbackResult reports how a playback ended.
type playbackResult struct {
	id          uint64
	kind        playbackKind
	text        string
	frames      int
	interrupted bool
	err         error
}

// playback streams one utterance to the agent's audio output. It can be
// paused while a possible interruption is confirmed and resumed from the
// same frame if the interruption turns out to be false.
type playback struct {
	id   uint64
	kind playbackKind
	text string

	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	paused   bool
	resumed  chan struct{}
	pausedAt time.Time
}

func newPlayback(id uint64, kind playbackKind, text string, cancel context.CancelFunc) *playback {
	return &playback{
		id:     id,
		kind:   kind,
		text:   text,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// pause holds output after the frame in flight.
func (p *playback) pause(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		return false
	}
	p.paused = true
	p.pausedAt = now
	p.resumed = make(chan struct{})
	return true
}

// resume releases a paused playback and reports how long it was held.
func (p *playback) resume(now time.Time) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		return 0, false
	}
	p.paused = false
	close(p.resumed)
	return now.Sub(p.pausedAt), true
}

func (p *playback) isPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// wait blocks while paused.
func (p *playback) wait(ctx context.Context) error {
	p.mu.Lock()
	paused, ch := p.paused, p.resumed
	p.mu.Unlock()
	if !paused {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *playback) stop() {
	p.cancel()
}

// stream copies frames to out until frames is exhausted or ctx is done.
// When pace is set, frames are released no faster than real time so that
// pausing takes effect promptly.
func (p *playback) stream(ctx context.Context, frames <-chan rtc.AudioFrame, out chan<- rtc.AudioFrame, pace bool) (int, error) {
	n := 0
	var next time.Time
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return n, ctx.Err()
			}
			if err := p.wait(ctx); err != nil {
				return n, err
			}
			if pace {
				if d := time.Until(next); d > 0 {
					select {
					case <-time.After(d):
					case <-ctx.Done():
						return n, ctx.Err()
					}
				}
				next = time.Now().Add(frame.Duration())
			}
			select {
			case out <- frame:
				n++
			case <-ctx.Done():
				return n, ctx.Err()
			}
		case <-ctx.Done():
			return n, ctx.Err()
		}
	}
}
