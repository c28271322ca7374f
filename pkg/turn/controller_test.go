package turn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chriscow/livekit-silence-go/pkg/energy"
	"github.com/chriscow/livekit-silence-go/pkg/silence"
	"github.com/chriscow/livekit-silence-go/pkg/timing"
	"github.com/chriscow/livekit-silence-go/pkg/transcript"
	"github.com/matryer/is"
	"go.opentelemetry.io/otel/metric/noop"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type fakeEnergy struct{ snap energy.Snapshot }

func (f *fakeEnergy) Snapshot() energy.Snapshot { return f.snap }

type fakeTranscript struct{ snap transcript.Snapshot }

func (f *fakeTranscript) Snapshot() transcript.Snapshot { return f.snap }

type fakeBackchannels struct{ calls int }

func (f *fakeBackchannels) Select(language string, now time.Time) (string, error) {
	f.calls++
	return "はい", nil
}

type harness struct {
	c     *Controller
	clock *fakeClock
	en    *fakeEnergy
	tr    *fakeTranscript
	bc    *fakeBackchannels
}

func newHarness(t *testing.T, p *timing.Profile, mutate ...func(*Config)) *harness {
	t.Helper()
	metrics, err := NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	h := &harness{
		clock: &fakeClock{now: t0},
		en:    &fakeEnergy{},
		tr:    &fakeTranscript{},
		bc:    &fakeBackchannels{},
	}
	cfg := Config{
		Profile:      p,
		Energy:       h.en,
		Transcript:   h.tr,
		Backchannels: h.bc,
		CallID:       "test",
		Now:          h.clock.Now,
		Metrics:      metrics,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	h.c, err = New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

// speak records user speech ending at offset.
func (h *harness) speak(offset time.Duration) {
	h.en.snap.LastActivityAt = t0.Add(offset)
	h.en.snap.LastFrameAt = t0.Add(offset)
}

// frames advances the audio clock without speech.
func (h *harness) frames(offset time.Duration) {
	h.en.snap.LastFrameAt = t0.Add(offset)
}

type timedDecision struct {
	offset time.Duration
	Decision
}

// run evaluates every step from..to inclusive with audio frames flowing,
// collecting non-waiting decisions.
func (h *harness) run(from, to, step time.Duration) []timedDecision {
	var out []timedDecision
	for off := from; off <= to; off += step {
		h.frames(off)
		h.clock.now = t0.Add(off)
		if d := h.c.Evaluate(h.clock.now); d.Kind != ContinueWaiting {
			out = append(out, timedDecision{off, d})
		}
	}
	return out
}

func kinds(ds []timedDecision, k DecisionKind) []timedDecision {
	var out []timedDecision
	for _, d := range ds {
		if d.Kind == k {
			out = append(out, d)
		}
	}
	return out
}

func TestNewRequiresProfile(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, ErrNoProfile) {
		t.Fatalf("New() error = %v, want ErrNoProfile", err)
	}
}

func TestInitialStateWaitsForActivity(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, timing.Japanese())

	ds := h.run(0, 9*time.Second, ms(100))
	is.Equal(len(ds), 0) // no anchor yet: no backchannel, permit or disengagement
	is.Equal(h.c.Phase(), PhaseNormalPause)
}

func TestJapaneseScenario(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, timing.Japanese())

	h.speak(0)
	h.clock.now = t0
	h.c.Evaluate(t0)
	is.Equal(h.c.Phase(), PhaseSpeaking)

	ds := h.run(ms(100), ms(400), ms(100))
	is.Equal(h.c.Phase(), PhaseThinking)
	bcs := kinds(ds, EmitBackchannel)
	is.Equal(len(bcs), 1) // high frequency: backchannel on entering thinking
	is.Equal(bcs[0].offset, ms(300))
	is.Equal(bcs[0].Text, "はい")

	ds = h.run(ms(500), ms(1300), ms(100))
	permits := kinds(ds, PermitResponse)
	is.Equal(len(permits), 1)
	is.Equal(permits[0].offset, ms(1200)) // 200ms into end of speech
	is.Equal(permits[0].Silence, ms(1200))
	is.Equal(h.c.Phase(), PhaseResponsePermitted)

	// The agent is replying: the turn stays permitted however long the
	// silence runs, until the stall ceiling.
	is.Equal(len(h.run(ms(1400), 9*time.Second, ms(100))), 0)
	is.Equal(h.c.Phase(), PhaseResponsePermitted)

	stats := h.c.Stats()
	is.Equal(stats.Backchannels, 1)
	is.Equal(stats.Responses, 1)
	is.Equal(stats.Disengagements, 0)
	is.Equal(stats.AvgResponseDelay, ms(1200))
	is.Equal(stats.Language, "ja-JP")
}

func TestEnglishScenario(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, timing.English())

	h.speak(0)
	ds := h.run(0, ms(1000), ms(50))

	is.Equal(len(kinds(ds, EmitBackchannel)), 0) // low frequency
	permits := kinds(ds, PermitResponse)
	is.Equal(len(permits), 1)
	is.True(permits[0].offset >= ms(550))
	is.True(permits[0].offset <= ms(650))

	var cats []silence.Category
	for _, ev := range h.c.Stats().RecentSilenceEvents {
		cats = append(cats, ev.Category)
	}
	is.Equal(cats, []silence.Category{silence.NormalPause, silence.Thinking, silence.EndOfSpeech})
}

func TestPartialTranscriptResetsBeforeEndOfSpeech(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, timing.Japanese())

	h.speak(0)
	ds := h.run(0, ms(800), ms(100))
	is.Equal(h.c.Phase(), PhaseThinking)

	h.tr.snap = transcript.Snapshot{LastActivityAt: t0.Add(ms(900)), Partial: "えっと"}
	ds = append(ds, h.run(ms(900), ms(900), ms(100))...)
	is.Equal(h.c.Phase(), PhaseSpeaking)

	ds = append(ds, h.run(ms(1000), ms(1100), ms(100))...)
	is.Equal(h.c.Phase(), PhaseNormalPause) // silence restarted at 0.9s
	is.Equal(len(kinds(ds, PermitResponse)), 0)
}

func TestNewSpeechSuppressesPendingDecisions(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, timing.English())

	h.speak(0)
	for off := time.Duration(0); off <= ms(600); off += ms(50) {
		h.frames(off)
		h.clock.now = t0.Add(off)
		h.c.step()
	}
	is.Equal(len(h.c.pending), 1)
	is.Equal(h.c.pending[0].Kind, PermitResponse)

	// The consumer has not taken the permit yet when the user resumes.
	h.c.NotifyActivity(SourceAudio, t0.Add(ms(620)))
	h.clock.now = t0.Add(ms(620))
	h.c.step()
	is.Equal(len(h.c.pending), 0)
	is.Equal(h.c.Phase(), PhaseSpeaking)
	is.Equal(h.c.Stats().SuppressedPending, 1)
	is.Equal(h.c.Stats().Turn, uint64(1)) // re-armed after the permit
}

func TestSpeechFromAnyPhaseReturnsToSpeaking(t *testing.T) {
	offsets := []time.Duration{ms(100), ms(500), ms(1200), ms(2000), ms(5500)}
	for _, off := range offsets {
		h := newHarness(t, timing.Japanese())
		h.speak(0)
		h.run(0, off, ms(100))

		h.c.NotifyActivity(SourceTranscript, t0.Add(off+ms(10)))
		h.clock.now = t0.Add(off + ms(20))
		h.c.Evaluate(h.clock.now)
		if got := h.c.Phase(); got != PhaseSpeaking {
			t.Errorf("after %v of silence: phase = %v, want speaking", off, got)
		}
	}
}

func TestBackchannelSpacing(t *testing.T) {
	is := is.New(t)
	cfg := timing.JapaneseConfig()
	cfg.Thresholds = timing.Thresholds{
		NormalPause:   ms(300),
		Thinking:      5 * time.Second,
		EndOfSpeech:   6 * time.Second,
		Disengagement: 10 * time.Second,
	}
	cfg.LongSilenceThreshold = 8 * time.Second
	cfg.BackchannelMinInterval = time.Second
	p, err := timing.New(cfg)
	is.NoErr(err)

	h := newHarness(t, p)
	h.speak(0)
	ds := kinds(h.run(0, ms(4900), ms(100)), EmitBackchannel)

	// Resume and pause again shortly after the last backchannel.
	h.speak(ms(4950))
	ds = append(ds, kinds(h.run(ms(5000), ms(9000), ms(100)), EmitBackchannel)...)

	is.True(len(ds) >= 5)
	for i := 1; i < len(ds); i++ {
		if gap := ds[i].offset - ds[i-1].offset; gap < time.Second {
			t.Fatalf("backchannels %d and %d only %v apart", i-1, i, gap)
		}
	}
}

func TestBackchannelFrequencies(t *testing.T) {
	tests := []struct {
		freq timing.Frequency
		want int
	}{
		{timing.FrequencyLow, 0},
		{timing.FrequencyMedium, 1},
		{timing.FrequencyHigh, 3},
	}
	for _, tt := range tests {
		t.Run(string(tt.freq), func(t *testing.T) {
			cfg := timing.JapaneseConfig()
			cfg.BackchannelFrequency = tt.freq
			cfg.BackchannelMinInterval = ms(500)
			p, err := timing.New(cfg)
			if err != nil {
				t.Fatal(err)
			}
			h := newHarness(t, p)

			// Three pauses into thinking within one turn, 600ms apart.
			h.speak(0)
			h.run(0, ms(400), ms(100))
			h.speak(ms(450))
			h.run(ms(500), ms(1000), ms(100))
			h.speak(ms(1050))
			h.run(ms(1100), ms(1600), ms(100))

			if got := h.c.Stats().Backchannels; got != tt.want {
				t.Errorf("backchannels = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestStallForcesDisengagementOnce(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, timing.Japanese(), func(c *Config) { c.StallCeiling = 2 * time.Second })

	h.speak(0)
	h.clock.now = t0
	h.c.Evaluate(t0)

	var ds []timedDecision
	for off := ms(100); off <= 8*time.Second; off += ms(100) {
		h.clock.now = t0.Add(off) // no frames: the input has stalled
		if d := h.c.Evaluate(h.clock.now); d.Kind != ContinueWaiting {
			ds = append(ds, timedDecision{off, d})
		}
	}

	dis := kinds(ds, TreatAsDisengaged)
	is.Equal(len(dis), 1)
	is.Equal(dis[0].Reason, ReasonStall)
	is.Equal(dis[0].offset, ms(2100))
	is.Equal(h.c.Stats().Stalls, 1)
}

func TestNoDisengageAfterPermitInSameTurn(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, timing.Japanese())

	h.speak(0)
	ds := h.run(0, 6*time.Second, ms(100))
	permits := kinds(ds, PermitResponse)
	is.Equal(len(permits), 1)
	is.Equal(len(kinds(ds, TreatAsDisengaged)), 0)
	is.Equal(h.c.Phase(), PhaseResponsePermitted)

	// The agent's reply ends and the user stays quiet: the next turn can
	// disengage.
	h.c.AgentTurnFinished(t0.Add(ms(6100)))
	ds = h.run(ms(6100), 12*time.Second, ms(100))
	dis := kinds(ds, TreatAsDisengaged)
	is.Equal(len(dis), 1)
	is.Equal(dis[0].offset, ms(11100))
	is.True(dis[0].Turn > permits[0].Turn)
}

func TestStallAfterPermit(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, timing.English(), func(c *Config) { c.StallCeiling = 3 * time.Second })

	h.speak(0)
	h.clock.now = t0
	h.c.Evaluate(t0)
	var ds []timedDecision
	for off := ms(100); off <= 5*time.Second; off += ms(100) {
		h.clock.now = t0.Add(off) // no frames after the user stopped
		if d := h.c.Evaluate(h.clock.now); d.Kind != ContinueWaiting {
			ds = append(ds, timedDecision{off, d})
		}
	}
	is.Equal(len(kinds(ds, PermitResponse)), 1)
	dis := kinds(ds, TreatAsDisengaged)
	is.Equal(len(dis), 1)
	is.Equal(dis[0].Reason, ReasonStall)
}

func TestStallWithoutAnyInput(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, timing.English(), func(c *Config) {
		c.Energy = nil
		c.Transcript = nil
		c.StallCeiling = time.Second
	})

	is.Equal(h.c.Evaluate(t0.Add(ms(900))).Kind, ContinueWaiting)
	d := h.c.Evaluate(t0.Add(ms(1100)))
	is.Equal(d.Kind, TreatAsDisengaged)
	is.Equal(d.Reason, ReasonStall)
	is.Equal(h.c.Evaluate(t0.Add(ms(1200))).Kind, ContinueWaiting)
}

func TestAgentTurnFinishedRearms(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, timing.Japanese())

	h.speak(0)
	ds := h.run(0, ms(1300), ms(100))
	is.Equal(len(kinds(ds, PermitResponse)), 1)

	// The agent speaks for two seconds, then the user stays silent.
	h.c.AgentTurnFinished(t0.Add(ms(3300)))
	h.clock.now = t0.Add(ms(3300))
	h.c.Evaluate(h.clock.now)
	is.Equal(h.c.Phase(), PhaseNormalPause)
	is.Equal(h.c.Stats().Turn, uint64(1))

	ds = h.run(ms(3400), ms(8400), ms(100))
	is.Equal(len(kinds(ds, EmitBackchannel)), 0) // user has not spoken this turn
	is.Equal(len(kinds(ds, PermitResponse)), 0)
	dis := kinds(ds, TreatAsDisengaged)
	is.Equal(len(dis), 1)
	is.Equal(dis[0].offset, ms(8300))
	is.Equal(dis[0].Turn, uint64(1))
}

func TestStaleActivityIsIgnored(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, timing.Japanese())

	h.speak(0)
	h.run(0, ms(1300), ms(100))
	h.c.AgentTurnFinished(t0.Add(2 * time.Second))
	h.run(2*time.Second, 2*time.Second, ms(100))

	// A transcript stamped before the agent finished arrives late.
	h.c.NotifyActivity(SourceTranscript, t0.Add(ms(1900)))
	h.run(ms(2100), ms(2100), ms(100))
	is.Equal(h.c.Phase(), PhaseNormalPause)
	is.Equal(h.c.Stats().StaleEvents, 1)
}

func TestNoOverlapHoldsWhileTrailing(t *testing.T) {
	is := is.New(t)

	ja := newHarness(t, timing.Japanese())
	ja.speak(0)
	ja.en.snap.Trailing = true
	ds := ja.run(0, ms(2000), ms(100))
	is.Equal(len(kinds(ds, PermitResponse)), 0)
	is.Equal(ja.c.Stats().MissedWindows, 1)

	en := newHarness(t, timing.English())
	en.speak(0)
	en.en.snap.Trailing = true
	ds = en.run(0, ms(1000), ms(50))
	is.Equal(len(kinds(ds, PermitResponse)), 1) // overlap allowed
}

func TestQueueOverflowIsCounted(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, timing.Japanese(), func(c *Config) { c.QueueSize = 1 })

	h.c.NotifyActivity(SourceAudio, t0.Add(ms(10)))
	h.c.NotifyActivity(SourceAudio, t0.Add(ms(20)))
	is.Equal(h.c.Stats().DroppedEvents, uint64(1))

	// The turn-finished signal survives a full queue.
	h.c.AgentTurnFinished(t0.Add(ms(500)))
	h.clock.now = t0.Add(ms(500))
	h.c.Evaluate(h.clock.now)
	is.Equal(h.c.Stats().Turn, uint64(1))
}

func TestRunDeliversDecisions(t *testing.T) {
	is := is.New(t)
	cfg := timing.EnglishConfig()
	cfg.MaxResponseDelay = ms(400)
	p, err := timing.New(cfg)
	is.NoErr(err)

	metrics, err := NewMetrics(noop.NewMeterProvider())
	is.NoErr(err)
	c, err := New(Config{Profile: p, Metrics: metrics, TickInterval: ms(20)})
	is.NoErr(err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	c.NotifyActivity(SourceTranscript, time.Now())

	select {
	case d := <-c.Decisions():
		is.Equal(d.Kind, PermitResponse)
		is.True(d.Silence >= ms(550))
	case <-time.After(3 * time.Second):
		t.Fatal("no decision delivered")
	}

	cancel()
	select {
	case err := <-done:
		is.NoErr(err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	_, open := <-c.Decisions()
	is.True(!open)
	is.True(errors.Is(c.Run(context.Background()), ErrAlreadyRunning))
}
