// Package transcript tracks speech-to-text segments for one call.
//
// Every segment, partial or final, counts as user speech activity. Final
// segments are appended to the current turn's text and clear the partial
// buffer. Readers see a latest-value Snapshot.
package transcript

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultRetention is how long recent segments are kept.
	DefaultRetention = 5 * time.Second

	// DefaultMaxSkew is how far behind the newest segment a segment may be
	// stamped before it is dropped.
	DefaultMaxSkew = 500 * time.Millisecond
)

// Segment is one speech-to-text result.
type Segment struct {
	Text    string
	IsFinal bool
	At      time.Time
}

// Snapshot is the latest-value view of a Tracker.
type Snapshot struct {
	LastActivityAt time.Time
	Partial        string
}

// Config tunes a Tracker. Zero values select the defaults.
type Config struct {
	Retention time.Duration
	MaxSkew   time.Duration
	Now       func() time.Time
	Logger    *slog.Logger
}

// Tracker follows the transcript of the current user turn.
type Tracker struct {
	cfg Config

	mu       sync.Mutex
	recent   []Segment
	partial  string
	finals   []string
	lastAt   time.Time
	snapshot atomic.Pointer[Snapshot]
	dropped  atomic.Uint64
}

// NewTracker creates a Tracker.
func NewTracker(cfg Config) *Tracker {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = DefaultMaxSkew
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	t := &Tracker{cfg: cfg}
	t.snapshot.Store(&Snapshot{})
	return t
}

// OnSegment records a segment and reports whether it was accepted. Every
// accepted segment is activity, even a blank one. A blank final clears the
// partial without adding to the turn text; a blank partial leaves the
// partial as it was.
func (t *Tracker) OnSegment(text string, isFinal bool, at time.Time) bool {
	text = strings.TrimSpace(text)
	if at.IsZero() {
		at = t.cfg.Now()
	}

	t.mu.Lock()
	if !t.lastAt.IsZero() && at.Before(t.lastAt.Add(-t.cfg.MaxSkew)) {
		t.mu.Unlock()
		n := t.dropped.Add(1)
		t.cfg.Logger.Debug("Dropped transcript segment",
			slog.String("reason", "out-of-order"),
			slog.Time("at", at),
			slog.Uint64("dropped_total", n))
		return false
	}

	if text != "" {
		t.recent = append(t.recent, Segment{Text: text, IsFinal: isFinal, At: at})
	}
	if at.After(t.lastAt) {
		t.lastAt = at
	}
	cutoff := t.lastAt.Add(-t.cfg.Retention)
	i := 0
	for i < len(t.recent) && !t.recent[i].At.After(cutoff) {
		i++
	}
	t.recent = append(t.recent[:0], t.recent[i:]...)

	switch {
	case isFinal:
		if text != "" {
			t.finals = append(t.finals, text)
		}
		t.partial = ""
	case text != "":
		t.partial = text
	}
	snap := &Snapshot{LastActivityAt: t.lastAt, Partial: t.partial}
	t.mu.Unlock()

	t.snapshot.Store(snap)
	return true
}

// LastActivityAt returns the time of the newest accepted segment.
func (t *Tracker) LastActivityAt() time.Time {
	return t.snapshot.Load().LastActivityAt
}

// CurrentPartial returns the in-progress partial transcript, if any.
func (t *Tracker) CurrentPartial() string {
	return t.snapshot.Load().Partial
}

// Snapshot returns the latest published state.
func (t *Tracker) Snapshot() Snapshot {
	return *t.snapshot.Load()
}

// TurnText returns the final segments of the current turn joined by spaces,
// followed by the partial when one is pending.
func (t *Tracker) TurnText() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	parts := append([]string(nil), t.finals...)
	if t.partial != "" {
		parts = append(parts, t.partial)
	}
	return strings.Join(parts, " ")
}

// WordCount counts whitespace-separated words in TurnText. Text without
// spaces (Japanese, for example) counts one word per rune.
func (t *Tracker) WordCount() int {
	return CountWords(t.TurnText())
}

// CountWords counts words in text. Runs of CJK characters, which carry no
// word separators, count one word per character.
func CountWords(text string) int {
	n := 0
	for _, field := range strings.Fields(text) {
		cjk := 0
		for _, r := range field {
			if isCJK(r) {
				cjk++
			}
		}
		if cjk > 0 {
			n += cjk
			continue
		}
		n++
	}
	return n
}

func isCJK(r rune) bool {
	switch {
	case r >= 0x3040 && r <= 0x30ff: // hiragana, katakana
		return true
	case r >= 0x4e00 && r <= 0x9fff: // CJK unified ideographs
		return true
	case r >= 0xac00 && r <= 0xd7af: // hangul
		return true
	}
	return false
}

// Recent returns the non-blank segments retained in the recent window,
// oldest first. It is reported for diagnostics.
func (t *Tracker) Recent() []Segment {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Segment(nil), t.recent...)
}

// ResetTurn clears the turn text and partial. Last activity is kept.
func (t *Tracker) ResetTurn() {
	t.mu.Lock()
	t.finals = nil
	t.partial = ""
	snap := &Snapshot{LastActivityAt: t.lastAt}
	t.mu.Unlock()
	t.snapshot.Store(snap)
}

// Dropped returns the number of segments rejected as out of order.
func (t *Tracker) Dropped() uint64 {
	return t.dropped.Load()
}
