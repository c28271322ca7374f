package timing

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestPresetsAreValid(t *testing.T) {
	is := is.New(t)

	ja := Japanese()
	is.Equal(ja.Language(), "ja-JP")
	is.Equal(ja.Thresholds().NormalPause, 300*time.Millisecond)
	is.Equal(ja.Thresholds().Disengagement, 5*time.Second)
	is.Equal(ja.BackchannelFrequency(), FrequencyHigh)
	is.True(!ja.AllowOverlap()) // Japanese profile must not overlap trailing audio

	en := English()
	is.Equal(en.Language(), "en-US")
	is.Equal(en.MinResponseDelay(), 50*time.Millisecond)
	is.Equal(en.MaxResponseDelay(), 150*time.Millisecond)
	is.True(en.AllowOverlap())
}

func TestNewRejectsInvariantViolations(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing language", func(c *Config) { c.Language = " " }},
		{"negative min delay", func(c *Config) { c.MinResponseDelay = -time.Millisecond }},
		{"min above max", func(c *Config) { c.MinResponseDelay = c.MaxResponseDelay + time.Millisecond }},
		{"max not below long silence", func(c *Config) { c.MaxResponseDelay = c.LongSilenceThreshold }},
		{"long silence not below disengagement", func(c *Config) { c.LongSilenceThreshold = c.Thresholds.Disengagement }},
		{"zero normal pause", func(c *Config) { c.Thresholds.NormalPause = 0 }},
		{"thinking equals normal pause", func(c *Config) { c.Thresholds.Thinking = c.Thresholds.NormalPause }},
		{"end of speech below thinking", func(c *Config) { c.Thresholds.EndOfSpeech = c.Thresholds.Thinking - time.Millisecond }},
		{"disengagement equals end of speech", func(c *Config) { c.Thresholds.Disengagement = c.Thresholds.EndOfSpeech }},
		{"unknown frequency", func(c *Config) { c.BackchannelFrequency = "sometimes" }},
		{"negative interval", func(c *Config) { c.BackchannelMinInterval = -time.Second }},
		{"negative interruption words", func(c *Config) { c.MinInterruptionWords = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := JapaneseConfig()
			tt.mutate(&cfg)

			// Construction must fail the same way every time.
			for i := 0; i < 3; i++ {
				p, err := New(cfg)
				if !errors.Is(err, ErrInvalidProfile) {
					t.Fatalf("New() error = %v, want ErrInvalidProfile", err)
				}
				if p != nil {
					t.Fatalf("New() returned a profile alongside an error")
				}
			}
		})
	}
}

func TestValidateJoinsAllViolations(t *testing.T) {
	cfg := EnglishConfig()
	cfg.Thresholds.Thinking = cfg.Thresholds.NormalPause
	cfg.BackchannelFrequency = "never"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "thinking threshold") || !strings.Contains(msg, "backchannel frequency") {
		t.Errorf("Validate() = %q, want both violations reported", msg)
	}
}

func TestProfileIsImmutable(t *testing.T) {
	is := is.New(t)

	cfg := JapaneseConfig()
	cfg.Backchannels = []string{"はい", "ええ"}
	p, err := New(cfg)
	is.NoErr(err)

	cfg.Backchannels[0] = "changed"
	is.Equal(p.Backchannels()[0], "はい") // profile keeps its own copy of the input

	got := p.Backchannels()
	got[1] = "changed"
	is.Equal(p.Backchannels()[1], "ええ") // accessor returns a copy

	c := p.Config()
	c.Thresholds.Thinking = time.Hour
	is.Equal(p.Thresholds().Thinking, time.Second)
}

func TestDefaultBackchannels(t *testing.T) {
	is := is.New(t)
	is.Equal(Japanese().Backchannels()[0], "はい")
	is.Equal(English().Backchannels()[0], "I see")
	is.Equal(ForLanguage("ja").Language(), "ja-JP")
	is.Equal(ForLanguage("fr-FR").Language(), "en-US")
}

func TestQualifiesAsInterruption(t *testing.T) {
	ja := Japanese()
	tests := []struct {
		speech time.Duration
		words  int
		want   bool
	}{
		{900 * time.Millisecond, 3, true},
		{900 * time.Millisecond, 1, false},
		{500 * time.Millisecond, 5, false},
		{800 * time.Millisecond, 2, true},
	}
	for _, tt := range tests {
		if got := ja.QualifiesAsInterruption(tt.speech, tt.words); got != tt.want {
			t.Errorf("QualifiesAsInterruption(%v, %d) = %v, want %v", tt.speech, tt.words, got, tt.want)
		}
	}
}
