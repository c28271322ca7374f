package timing

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// fileProfile is the YAML form of a profile. Durations are in seconds.
type fileProfile struct {
	Language             string  `yaml:"language"`
	MinResponseDelay     float64 `yaml:"min_response_delay"`
	MaxResponseDelay     float64 `yaml:"max_response_delay"`
	LongSilenceThreshold float64 `yaml:"long_silence_threshold"`
	Thresholds           struct {
		NormalPause   float64 `yaml:"normal_pause"`
		Thinking      float64 `yaml:"thinking"`
		EndOfSpeech   float64 `yaml:"end_of_speech"`
		Disengagement float64 `yaml:"disengagement"`
	} `yaml:"thresholds"`
	Backchannel struct {
		Frequency   Frequency `yaml:"frequency"`
		MinInterval float64   `yaml:"min_interval"`
		Utterances  []string  `yaml:"utterances"`
	} `yaml:"backchannel"`
	AllowOverlap bool `yaml:"allow_overlap"`
	Interruption struct {
		MinDuration  float64 `yaml:"min_duration"`
		MinWords     int     `yaml:"min_words"`
		FalseTimeout float64 `yaml:"false_timeout"`
	} `yaml:"interruption"`
}

type fileDocument struct {
	Profiles []fileProfile `yaml:"profiles"`
}

func seconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}

func (fp fileProfile) config() Config {
	return Config{
		Language:             fp.Language,
		MinResponseDelay:     seconds(fp.MinResponseDelay),
		MaxResponseDelay:     seconds(fp.MaxResponseDelay),
		LongSilenceThreshold: seconds(fp.LongSilenceThreshold),
		Thresholds: Thresholds{
			NormalPause:   seconds(fp.Thresholds.NormalPause),
			Thinking:      seconds(fp.Thresholds.Thinking),
			EndOfSpeech:   seconds(fp.Thresholds.EndOfSpeech),
			Disengagement: seconds(fp.Thresholds.Disengagement),
		},
		BackchannelFrequency:     fp.Backchannel.Frequency,
		BackchannelMinInterval:   seconds(fp.Backchannel.MinInterval),
		AllowOverlap:             fp.AllowOverlap,
		MinInterruptionDuration:  seconds(fp.Interruption.MinDuration),
		MinInterruptionWords:     fp.Interruption.MinWords,
		FalseInterruptionTimeout: seconds(fp.Interruption.FalseTimeout),
		Backchannels:             fp.Backchannel.Utterances,
	}
}

// Registry holds profiles keyed by language tag.
type Registry struct {
	profiles map[string]*Profile
}

// NewRegistry builds a registry from already validated profiles. Later
// profiles replace earlier ones with the same language.
func NewRegistry(profiles ...*Profile) *Registry {
	r := &Registry{profiles: make(map[string]*Profile, len(profiles))}
	for _, p := range profiles {
		r.profiles[strings.ToLower(p.Language())] = p
	}
	return r
}

// DefaultRegistry contains the built-in Japanese and English profiles.
func DefaultRegistry() *Registry {
	return NewRegistry(Japanese(), English())
}

// LoadFile reads a YAML profile document from path.
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("timing: open %q: %w", path, err)
	}
	defer f.Close()

	r, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("timing: parse %q: %w", path, err)
	}
	return r, nil
}

// LoadFromReader decodes a YAML profile document and validates every
// profile in it. Unknown keys are rejected.
func LoadFromReader(rd io.Reader) (*Registry, error) {
	var doc fileDocument
	dec := yaml.NewDecoder(rd)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("timing: decode yaml: %w", err)
	}
	if len(doc.Profiles) == 0 {
		return nil, fmt.Errorf("%w: document defines no profiles", ErrInvalidProfile)
	}

	var errs []error
	profiles := make([]*Profile, 0, len(doc.Profiles))
	for i, fp := range doc.Profiles {
		p, err := New(fp.config())
		if err != nil {
			errs = append(errs, fmt.Errorf("profiles[%d]: %w", i, err))
			continue
		}
		profiles = append(profiles, p)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return NewRegistry(profiles...), nil
}

// Lookup finds the profile for a language tag. An exact (case-insensitive)
// match wins; otherwise the first profile sharing the primary subtag is
// returned, so "ja" resolves to "ja-JP".
func (r *Registry) Lookup(language string) (*Profile, bool) {
	key := strings.ToLower(language)
	if p, ok := r.profiles[key]; ok {
		return p, true
	}
	primary, _, _ := strings.Cut(key, "-")
	for _, lang := range r.Languages() {
		candidate, _, _ := strings.Cut(strings.ToLower(lang), "-")
		if candidate == primary {
			return r.profiles[strings.ToLower(lang)], true
		}
	}
	return nil, false
}

// Resolve is Lookup with a fallback to the built-in profile for the language.
func (r *Registry) Resolve(language string) *Profile {
	if p, ok := r.Lookup(language); ok {
		return p
	}
	return ForLanguage(language)
}

// Languages returns the registered language tags in sorted order.
func (r *Registry) Languages() []string {
	out := make([]string, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p.Language())
	}
	sort.Strings(out)
	return out
}

// Marshal renders a profile in the YAML document format accepted by
// LoadFromReader.
func Marshal(profiles ...*Profile) ([]byte, error) {
	doc := fileDocument{Profiles: make([]fileProfile, 0, len(profiles))}
	for _, p := range profiles {
		var fp fileProfile
		t := p.Thresholds()
		fp.Language = p.Language()
		fp.MinResponseDelay = p.MinResponseDelay().Seconds()
		fp.MaxResponseDelay = p.MaxResponseDelay().Seconds()
		fp.LongSilenceThreshold = p.LongSilenceThreshold().Seconds()
		fp.Thresholds.NormalPause = t.NormalPause.Seconds()
		fp.Thresholds.Thinking = t.Thinking.Seconds()
		fp.Thresholds.EndOfSpeech = t.EndOfSpeech.Seconds()
		fp.Thresholds.Disengagement = t.Disengagement.Seconds()
		fp.Backchannel.Frequency = p.BackchannelFrequency()
		fp.Backchannel.MinInterval = p.BackchannelMinInterval().Seconds()
		fp.Backchannel.Utterances = p.Backchannels()
		fp.AllowOverlap = p.AllowOverlap()
		fp.Interruption.MinDuration = p.MinInterruptionDuration().Seconds()
		fp.Interruption.MinWords = p.MinInterruptionWords()
		fp.Interruption.FalseTimeout = p.FalseInterruptionTimeout().Seconds()
		doc.Profiles = append(doc.Profiles, fp)
	}
	return yaml.Marshal(doc)
}
