// Package timing defines the per-language cultural timing profile that drives
// silence classification, response timing and backchannel pacing.
//
// A Profile is immutable once built by New. It is safe to share one Profile
// across goroutines and across concurrent calls without locking.
package timing

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidProfile is returned by New when a configuration violates the
// ordering invariants of a timing profile.
var ErrInvalidProfile = errors.New("invalid timing profile")

// Frequency is the qualitative backchannel rate of a culture.
type Frequency string

const (
	FrequencyLow    Frequency = "low"
	FrequencyMedium Frequency = "medium"
	FrequencyHigh   Frequency = "high"
)

// IsValid reports whether f is one of the known frequencies.
func (f Frequency) IsValid() bool {
	switch f {
	case FrequencyLow, FrequencyMedium, FrequencyHigh:
		return true
	}
	return false
}

// Thresholds are the ordered silence-duration boundaries used for
// classification. Each must be strictly greater than the previous one.
type Thresholds struct {
	NormalPause   time.Duration
	Thinking      time.Duration
	EndOfSpeech   time.Duration
	Disengagement time.Duration
}

// Config is the mutable input to New.
type Config struct {
	Language                 string
	MinResponseDelay         time.Duration
	MaxResponseDelay         time.Duration
	LongSilenceThreshold     time.Duration
	Thresholds               Thresholds
	BackchannelFrequency     Frequency
	BackchannelMinInterval   time.Duration
	AllowOverlap             bool
	MinInterruptionDuration  time.Duration
	MinInterruptionWords     int
	FalseInterruptionTimeout time.Duration

	// Backchannels overrides the default utterance set for the language.
	Backchannels []string
}

// Profile is a validated, immutable cultural timing profile.
type Profile struct {
	language                 string
	minResponseDelay         time.Duration
	maxResponseDelay         time.Duration
	longSilenceThreshold     time.Duration
	thresholds               Thresholds
	backchannelFrequency     Frequency
	backchannelMinInterval   time.Duration
	allowOverlap             bool
	minInterruptionDuration  time.Duration
	minInterruptionWords     int
	falseInterruptionTimeout time.Duration
	backchannels             []string
}

// New validates cfg and returns the profile it describes.
func New(cfg Config) (*Profile, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	backchannels := cfg.Backchannels
	if len(backchannels) == 0 {
		backchannels = DefaultBackchannels(cfg.Language)
	}

	return &Profile{
		language:                 cfg.Language,
		minResponseDelay:         cfg.MinResponseDelay,
		maxResponseDelay:         cfg.MaxResponseDelay,
		longSilenceThreshold:     cfg.LongSilenceThreshold,
		thresholds:               cfg.Thresholds,
		backchannelFrequency:     cfg.BackchannelFrequency,
		backchannelMinInterval:   cfg.BackchannelMinInterval,
		allowOverlap:             cfg.AllowOverlap,
		minInterruptionDuration:  cfg.MinInterruptionDuration,
		minInterruptionWords:     cfg.MinInterruptionWords,
		falseInterruptionTimeout: cfg.FalseInterruptionTimeout,
		backchannels:             append([]string(nil), backchannels...),
	}, nil
}

// Validate checks every invariant and returns all violations joined.
func (c Config) Validate() error {
	var errs []error
	t := c.Thresholds

	if strings.TrimSpace(c.Language) == "" {
		errs = append(errs, errors.New("language is required"))
	}
	if c.MinResponseDelay < 0 {
		errs = append(errs, fmt.Errorf("min response delay %v is negative", c.MinResponseDelay))
	}
	if c.MinResponseDelay > c.MaxResponseDelay {
		errs = append(errs, fmt.Errorf("min response delay %v exceeds max response delay %v",
			c.MinResponseDelay, c.MaxResponseDelay))
	}
	if c.MaxResponseDelay >= c.LongSilenceThreshold {
		errs = append(errs, fmt.Errorf("max response delay %v must be below long silence threshold %v",
			c.MaxResponseDelay, c.LongSilenceThreshold))
	}
	if c.LongSilenceThreshold >= t.Disengagement {
		errs = append(errs, fmt.Errorf("long silence threshold %v must be below disengagement threshold %v",
			c.LongSilenceThreshold, t.Disengagement))
	}
	if t.NormalPause <= 0 {
		errs = append(errs, fmt.Errorf("normal pause threshold %v must be positive", t.NormalPause))
	}
	if t.Thinking <= t.NormalPause {
		errs = append(errs, fmt.Errorf("thinking threshold %v must exceed normal pause threshold %v",
			t.Thinking, t.NormalPause))
	}
	if t.EndOfSpeech <= t.Thinking {
		errs = append(errs, fmt.Errorf("end of speech threshold %v must exceed thinking threshold %v",
			t.EndOfSpeech, t.Thinking))
	}
	if t.Disengagement <= t.EndOfSpeech {
		errs = append(errs, fmt.Errorf("disengagement threshold %v must exceed end of speech threshold %v",
			t.Disengagement, t.EndOfSpeech))
	}
	if !c.BackchannelFrequency.IsValid() {
		errs = append(errs, fmt.Errorf("backchannel frequency %q is invalid; valid values: low, medium, high",
			c.BackchannelFrequency))
	}
	if c.BackchannelMinInterval < 0 {
		errs = append(errs, fmt.Errorf("backchannel min interval %v is negative", c.BackchannelMinInterval))
	}
	if c.MinInterruptionDuration < 0 || c.MinInterruptionWords < 0 || c.FalseInterruptionTimeout < 0 {
		errs = append(errs, errors.New("interruption thresholds must not be negative"))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrInvalidProfile, c.Language, errors.Join(errs...))
}

func (p *Profile) Language() string                        { return p.language }
func (p *Profile) MinResponseDelay() time.Duration         { return p.minResponseDelay }
func (p *Profile) MaxResponseDelay() time.Duration         { return p.maxResponseDelay }
func (p *Profile) LongSilenceThreshold() time.Duration     { return p.longSilenceThreshold }
func (p *Profile) Thresholds() Thresholds                  { return p.thresholds }
func (p *Profile) BackchannelFrequency() Frequency         { return p.backchannelFrequency }
func (p *Profile) BackchannelMinInterval() time.Duration   { return p.backchannelMinInterval }
func (p *Profile) AllowOverlap() bool                      { return p.allowOverlap }
func (p *Profile) MinInterruptionDuration() time.Duration  { return p.minInterruptionDuration }
func (p *Profile) MinInterruptionWords() int               { return p.minInterruptionWords }
func (p *Profile) FalseInterruptionTimeout() time.Duration { return p.falseInterruptionTimeout }

// Backchannels returns a copy of the acknowledgement utterances for the profile.
func (p *Profile) Backchannels() []string {
	return append([]string(nil), p.backchannels...)
}

// Config returns the configuration the profile was built from. Mutating the
// result does not affect p.
func (p *Profile) Config() Config {
	return Config{
		Language:                 p.language,
		MinResponseDelay:         p.minResponseDelay,
		MaxResponseDelay:         p.maxResponseDelay,
		LongSilenceThreshold:     p.longSilenceThreshold,
		Thresholds:               p.thresholds,
		BackchannelFrequency:     p.backchannelFrequency,
		BackchannelMinInterval:   p.backchannelMinInterval,
		AllowOverlap:             p.allowOverlap,
		MinInterruptionDuration:  p.minInterruptionDuration,
		MinInterruptionWords:     p.minInterruptionWords,
		FalseInterruptionTimeout: p.falseInterruptionTimeout,
		Backchannels:             p.Backchannels(),
	}
}

// QualifiesAsInterruption reports whether user speech heard while the agent
// holds the floor is long enough, and wordy enough, to count as a real
// interruption rather than noise or a stray acknowledgement.
func (p *Profile) QualifiesAsInterruption(speech time.Duration, words int) bool {
	return speech >= p.minInterruptionDuration && words >= p.minInterruptionWords
}

// String returns a short description for logging.
func (p *Profile) String() string {
	return fmt.Sprintf("Profile{%s pause=%v thinking=%v eos=%v disengage=%v window=[%v,%v]}",
		p.language, p.thresholds.NormalPause, p.thresholds.Thinking, p.thresholds.EndOfSpeech,
		p.thresholds.Disengagement, p.minResponseDelay, p.maxResponseDelay)
}
