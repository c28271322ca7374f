package timing

import (
	"strings"
	"time"
)

// Japanese returns the ja-JP profile: longer pauses are tolerated, the agent
// waits 200–500ms after the end of speech, backchannels are frequent and the
// agent never talks over trailing user audio.
func Japanese() *Profile {
	return mustNew(JapaneseConfig())
}

// JapaneseConfig returns the configuration behind Japanese.
func JapaneseConfig() Config {
	return Config{
		Language:             "ja-JP",
		MinResponseDelay:     200 * time.Millisecond,
		MaxResponseDelay:     500 * time.Millisecond,
		LongSilenceThreshold: 2 * time.Second,
		Thresholds: Thresholds{
			NormalPause:   300 * time.Millisecond,
			Thinking:      time.Second,
			EndOfSpeech:   2 * time.Second,
			Disengagement: 5 * time.Second,
		},
		BackchannelFrequency:     FrequencyHigh,
		BackchannelMinInterval:   2 * time.Second,
		AllowOverlap:             false,
		MinInterruptionDuration:  800 * time.Millisecond,
		MinInterruptionWords:     2,
		FalseInterruptionTimeout: 2500 * time.Millisecond,
	}
}

// English returns the en-US profile: quick turn exchange, a 50–150ms
// response window, sparse backchannels and tolerated overlap.
func English() *Profile {
	return mustNew(EnglishConfig())
}

// EnglishConfig returns the configuration behind English.
func EnglishConfig() Config {
	return Config{
		Language:             "en-US",
		MinResponseDelay:     50 * time.Millisecond,
		MaxResponseDelay:     150 * time.Millisecond,
		LongSilenceThreshold: time.Second,
		Thresholds: Thresholds{
			NormalPause:   200 * time.Millisecond,
			Thinking:      500 * time.Millisecond,
			EndOfSpeech:   time.Second,
			Disengagement: 3 * time.Second,
		},
		BackchannelFrequency:     FrequencyLow,
		BackchannelMinInterval:   3 * time.Second,
		AllowOverlap:             true,
		MinInterruptionDuration:  300 * time.Millisecond,
		MinInterruptionWords:     1,
		FalseInterruptionTimeout: 2 * time.Second,
	}
}

// ForLanguage returns the built-in profile for a language tag. Japanese tags
// ("ja", "ja-JP") get the Japanese profile; everything else gets English.
func ForLanguage(language string) *Profile {
	if isJapanese(language) {
		return Japanese()
	}
	return English()
}

// DefaultBackchannels returns the built-in acknowledgement utterances for a
// language family.
func DefaultBackchannels(language string) []string {
	if isJapanese(language) {
		return []string{"はい", "ええ", "そうですね", "なるほど", "ああ"}
	}
	return []string{"I see", "Okay", "Right", "Got it", "Mm-hmm"}
}

func isJapanese(language string) bool {
	return strings.HasPrefix(strings.ToLower(language), "ja")
}

func mustNew(cfg Config) *Profile {
	p, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return p
}
