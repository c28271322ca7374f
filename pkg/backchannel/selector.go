// Package backchannel picks short acknowledgement utterances ("はい",
// "Mm-hmm") for the agent to say while the user is thinking.
package backchannel

import (
	"errors"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/chriscow/livekit-silence-go/pkg/timing"
)

var (
	// ErrTooSoon is returned when the previous backchannel was less than the
	// minimum interval ago.
	ErrTooSoon = errors.New("backchannel: too soon after previous backchannel")

	// ErrNoUtterances is returned when no utterances are configured for the
	// requested language.
	ErrNoUtterances = errors.New("backchannel: no utterances for language")
)

// Config configures a Selector.
type Config struct {
	// Profile supplies the minimum interval and the utterances for its own
	// language. Optional.
	Profile *timing.Profile

	// MinInterval overrides the profile's BackchannelMinInterval when set.
	MinInterval time.Duration

	// Utterances adds or replaces utterance sets by language tag.
	Utterances map[string][]string

	// Seed makes selection reproducible. Zero seeds from the clock.
	Seed int64

	Logger *slog.Logger
}

// Selector chooses backchannels for a single call. It is safe for
// concurrent use.
type Selector struct {
	profile     *timing.Profile
	minInterval time.Duration
	utterances  map[string][]string
	logger      *slog.Logger

	mu     sync.Mutex
	rng    *rand.Rand
	last   string
	lastAt time.Time
}

// New creates a Selector.
func New(cfg Config) *Selector {
	interval := cfg.MinInterval
	if interval <= 0 && cfg.Profile != nil {
		interval = cfg.Profile.BackchannelMinInterval()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sets := make(map[string][]string, len(cfg.Utterances))
	for lang, set := range cfg.Utterances {
		sets[strings.ToLower(lang)] = append([]string(nil), set...)
	}

	return &Selector{
		profile:     cfg.Profile,
		minInterval: interval,
		utterances:  sets,
		logger:      logger,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// Select returns an utterance for language and records it as said at now.
// The minimum interval is enforced here as well as by the controller so the
// selector stays correct when called on its own. The previous utterance is
// never repeated back to back unless it is the only one.
func (s *Selector) Select(language string, now time.Time) (string, error) {
	set := s.setFor(language)
	if len(set) == 0 {
		return "", ErrNoUtterances
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.lastAt.IsZero() && now.Sub(s.lastAt) < s.minInterval {
		return "", ErrTooSoon
	}

	candidates := set
	if len(set) > 1 && s.last != "" {
		candidates = make([]string, 0, len(set))
		for _, u := range set {
			if u != s.last {
				candidates = append(candidates, u)
			}
		}
		if len(candidates) == 0 {
			candidates = set
		}
	}

	choice := candidates[s.rng.Intn(len(candidates))]
	s.last = choice
	s.lastAt = now

	s.logger.Debug("Selected backchannel",
		slog.String("language", language),
		slog.String("utterance", choice))
	return choice, nil
}

// LastAt returns when the previous backchannel was selected.
func (s *Selector) LastAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAt
}

func (s *Selector) setFor(language string) []string {
	key := strings.ToLower(language)
	if set, ok := s.utterances[key]; ok {
		return set
	}
	primary, _, _ := strings.Cut(key, "-")
	for lang, set := range s.utterances {
		if p, _, _ := strings.Cut(lang, "-"); p == primary {
			return set
		}
	}
	if s.profile != nil {
		p, _, _ := strings.Cut(strings.ToLower(s.profile.Language()), "-")
		if p == primary {
			return s.profile.Backchannels()
		}
	}
	return timing.DefaultBackchannels(language)
}
