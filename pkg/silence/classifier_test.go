package silence

import (
	"testing"
	"time"

	"github.com/chriscow/livekit-silence-go/pkg/timing"
	"github.com/matryer/is"
)

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func classifyAfter(p *timing.Profile, d time.Duration) Classification {
	return Classify(Observation{SilenceDuration: d}, p)
}

func TestClassifyJapaneseBoundaries(t *testing.T) {
	ja := timing.Japanese()
	tests := []struct {
		silence time.Duration
		want    Category
		window  Window
	}{
		{0, NormalPause, WindowNone},
		{ms(299), NormalPause, WindowNone},
		{ms(300), Thinking, WindowNone}, // boundary belongs to the higher category
		{ms(400), Thinking, WindowNone},
		{ms(999), Thinking, WindowNone},
		{ms(1000), EndOfSpeech, WindowBefore},
		{ms(1199), EndOfSpeech, WindowBefore},
		{ms(1200), EndOfSpeech, WindowOpen},
		{ms(1300), EndOfSpeech, WindowOpen},
		{ms(1500), EndOfSpeech, WindowOpen},
		{ms(1501), EndOfSpeech, WindowClosed},
		{ms(4999), EndOfSpeech, WindowClosed},
		{ms(5000), Disengagement, WindowNone},
		{ms(6000), Disengagement, WindowNone},
	}
	for _, tt := range tests {
		got := classifyAfter(ja, tt.silence)
		if got.Category != tt.want || got.Window != tt.window {
			t.Errorf("Classify(%v) = %v/%v, want %v/%v",
				tt.silence, got.Category, got.Window, tt.want, tt.window)
		}
	}
}

func TestClassifyEnglishWindow(t *testing.T) {
	is := is.New(t)
	en := timing.English()

	is.Equal(classifyAfter(en, ms(199)).Category, NormalPause)
	is.Equal(classifyAfter(en, ms(200)).Category, Thinking)

	c := classifyAfter(en, ms(520))
	is.Equal(c.Category, EndOfSpeech)
	is.Equal(c.Window, WindowBefore)
	is.Equal(c.NextBoundary, ms(30))

	c = classifyAfter(en, ms(600))
	is.Equal(c.Window, WindowOpen)
	is.Equal(c.SinceEndOfSpeech, ms(100))

	is.Equal(classifyAfter(en, ms(651)).Window, WindowClosed)
	is.Equal(classifyAfter(en, ms(3000)).Category, Disengagement)
}

func TestClassifyBelowNormalPauseNeverActs(t *testing.T) {
	for _, p := range []*timing.Profile{timing.Japanese(), timing.English()} {
		limit := p.Thresholds().NormalPause
		for d := time.Duration(0); d < limit; d += ms(1) {
			c := classifyAfter(p, d)
			if c.Category != NormalPause || c.Window != WindowNone {
				t.Fatalf("%s: Classify(%v) = %v/%v, want normal pause with no window",
					p.Language(), d, c.Category, c.Window)
			}
		}
	}
}

func TestClassifyIsMonotonic(t *testing.T) {
	for _, p := range []*timing.Profile{timing.Japanese(), timing.English()} {
		prev := NormalPause
		for d := time.Duration(0); d < 2*p.Thresholds().Disengagement; d += ms(10) {
			c := classifyAfter(p, d)
			if c.Category < prev {
				t.Fatalf("%s: category went back from %v to %v at %v", p.Language(), prev, c.Category, d)
			}
			prev = c.Category

			// NextBoundary must land on a different classification.
			if c.NextBoundary > 0 {
				next := classifyAfter(p, d+c.NextBoundary)
				if next.Category == c.Category && next.Window == c.Window {
					t.Fatalf("%s: NextBoundary from %v does not change classification", p.Language(), d)
				}
			}
		}
	}
}

func TestClassifySpeaking(t *testing.T) {
	is := is.New(t)
	c := Classify(Observation{Speaking: true, SilenceDuration: 10 * time.Second}, timing.Japanese())
	is.Equal(c.Category, Speaking)
	is.Equal(c.NextBoundary, time.Duration(0))
}

func TestClassifyFlags(t *testing.T) {
	is := is.New(t)
	ja := timing.Japanese()

	is.True(!classifyAfter(ja, ms(1900)).LongSilence)
	is.True(classifyAfter(ja, ms(2000)).LongSilence)
	is.True(classifyAfter(ja, ms(2000)).PastEndOfSpeech)
	is.Equal(classifyAfter(ja, -time.Second).Category, NormalPause) // clock skew clamps to zero
}

func TestCategoryString(t *testing.T) {
	is := is.New(t)
	is.Equal(EndOfSpeech.String(), "end_of_speech")
	is.Equal(Category(42).String(), "unknown")
	is.Equal(WindowOpen.String(), "open")
}
