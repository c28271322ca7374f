package agent

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chriscow/livekit-silence-go/pkg/ai"
	"github.com/chriscow/livekit-silence-go/pkg/ai/llm"
	llmfake "github.com/chriscow/livekit-silence-go/pkg/ai/llm/fake"
	"github.com/chriscow/livekit-silence-go/pkg/ai/stt"
	sttfake "github.com/chriscow/livekit-silence-go/pkg/ai/stt/fake"
	ttsfake "github.com/chriscow/livekit-silence-go/pkg/ai/tts/fake"
	"github.com/chriscow/livekit-silence-go/pkg/engine"
	"github.com/chriscow/livekit-silence-go/pkg/rtc"
	"github.com/chriscow/livekit-silence-go/pkg/timing"
	"github.com/chriscow/livekit-silence-go/pkg/turn"
	"github.com/matryer/is"
	"go.opentelemetry.io/otel/metric/noop"
)

// fastConfig is an English-like profile scaled down so a whole turn takes
// well under a second.
func fastConfig() timing.Config {
	return timing.Config{
		Language:             "en-US",
		MinResponseDelay:     10 * time.Millisecond,
		MaxResponseDelay:     30 * time.Millisecond,
		LongSilenceThreshold: 400 * time.Millisecond,
		Thresholds: timing.Thresholds{
			NormalPause:   40 * time.Millisecond,
			Thinking:      80 * time.Millisecond,
			EndOfSpeech:   250 * time.Millisecond,
			Disengagement: 800 * time.Millisecond,
		},
		BackchannelFrequency:     timing.FrequencyLow,
		MinInterruptionDuration:  30 * time.Millisecond,
		MinInterruptionWords:     1,
		FalseInterruptionTimeout: 100 * time.Millisecond,
	}
}

type harness struct {
	t       *testing.T
	session *Session
	stt     *sttfake.STT
	tts     *ttsfake.TTS
	llm     *llmfake.LLM

	talking atomic.Bool
	frames  atomic.Int64
	done    chan error
	cancel  context.CancelFunc
}

func newHarness(t *testing.T, pcfg timing.Config, opts ...func(*harness, *Config)) *harness {
	t.Helper()
	profile, err := timing.New(pcfg)
	if err != nil {
		t.Fatal(err)
	}
	metrics, err := turn.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	call, err := engine.NewCall(engine.Config{
		CallID:          "session-test",
		Profile:         profile,
		TickInterval:    10 * time.Millisecond,
		BackchannelSeed: 1,
		Metrics:         metrics,
	})
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{
		t:    t,
		stt:  sttfake.New(),
		tts:  ttsfake.New(time.Millisecond),
		llm:  llmfake.New("It is noon."),
		done: make(chan error, 1),
	}
	mic := make(chan rtc.AudioFrame)
	out := make(chan rtc.AudioFrame, 16)

	cfg := Config{
		Call:  call,
		STT:   h.stt,
		TTS:   h.tts,
		LLM:   h.llm,
		MicIn: mic,
		Out:   out,
	}
	for _, opt := range opts {
		opt(h, &cfg)
	}
	h.session, err = New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		for {
			select {
			case <-out:
				h.frames.Add(1)
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				amp := int16(0)
				if h.talking.Load() {
					amp = 8000
				}
				select {
				case mic <- micFrame(amp):
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() { h.done <- h.session.Run(ctx) }()

	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	select {
	case err := <-h.done:
		if err != nil {
			h.t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		h.t.Error("session did not stop")
	}
}

func (h *harness) stream() *sttfake.Stream {
	h.t.Helper()
	select {
	case s := <-h.stt.Created():
		return s
	case <-time.After(time.Second):
		h.t.Fatal("no recognition stream opened")
		return nil
	}
}

// say plays d of loud audio with a final transcript.
func (h *harness) say(s *sttfake.Stream, text string, d time.Duration) {
	h.talking.Store(true)
	s.Emit(stt.SpeechEvent{Type: stt.SpeechEventFinal, Text: text})
	time.Sleep(d)
	h.talking.Store(false)
}

func micFrame(amplitude int16) rtc.AudioFrame {
	data := make([]byte, 320)
	for i := 0; i < 160; i++ {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(amplitude))
	}
	return rtc.AudioFrame{Data: data, SampleRate: 16000, NumChannels: 1}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewRequiresComponents(t *testing.T) {
	is := is.New(t)
	_, err := New(Config{})
	is.True(errors.Is(err, ErrMissingComponent))
	is.True(err != nil && len(err.Error()) > len(ErrMissingComponent.Error()))
}

func TestStateString(t *testing.T) {
	is := is.New(t)
	is.Equal(StateListening.String(), "Listening")
	is.Equal(StatePaused.String(), "Paused")
	is.Equal(State(7).String(), "Unknown(7)")
}

func TestDefaultInstructions(t *testing.T) {
	is := is.New(t)
	is.Equal(DefaultInstructions("ja-JP"), japaneseInstructions)
	is.Equal(DefaultInstructions("en-GB"), englishInstructions)
	is.Equal(DefaultInstructions(""), englishInstructions)
}

func TestSessionRespondsAfterEndOfSpeech(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, fastConfig())
	s := h.stream()
	is.Equal(s.Config().Language, "en-US")

	h.say(s, "what time is it", 100*time.Millisecond)

	eventually(t, "reply", func() bool { return h.session.Stats().Replies == 1 })

	reqs := h.llm.Requests()
	is.Equal(len(reqs), 1)
	msgs := reqs[0].Messages
	is.Equal(len(msgs), 2)
	is.Equal(msgs[0].Role, llm.RoleSystem)
	is.Equal(msgs[1], llm.Message{Role: llm.RoleUser, Content: "what time is it"})
	is.Equal(h.tts.Texts(), []string{"It is noon."})

	hist := h.session.History()
	is.Equal(len(hist), 2)
	is.Equal(hist[1], llm.Message{Role: llm.RoleAssistant, Content: "It is noon."})
	is.True(h.frames.Load() > 0)
	is.Equal(h.session.State(), StateListening)
}

func TestSessionSkipsRepliesWhileModelIsDown(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, fastConfig(), func(h *harness, c *Config) {
		h.llm.Err = ai.Fatal("fake", "chat", errors.New("invalid api key"))
		c.Breaker = ai.BreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour}
	})
	s := h.stream()

	h.say(s, "hello", 100*time.Millisecond)
	eventually(t, "reply error", func() bool { return h.session.Stats().ReplyErrors == 1 })

	h.say(s, "hello again", 100*time.Millisecond)
	eventually(t, "skipped reply", func() bool { return h.session.Stats().RepliesSkipped == 1 })

	is.Equal(len(h.llm.Requests()), 1) // the open breaker never reached the model
	is.Equal(h.session.Stats().Replies, int64(0))
	is.Equal(h.session.State(), StateListening)
}

func TestSessionBackchannelDoesNotAnswer(t *testing.T) {
	is := is.New(t)
	pcfg := fastConfig()
	pcfg.BackchannelFrequency = timing.FrequencyMedium
	pcfg.Backchannels = []string{"mm-hm"}
	h := newHarness(t, pcfg)
	h.stream()

	// Loud audio with no transcript: the agent may acknowledge but has
	// nothing to answer.
	h.talking.Store(true)
	time.Sleep(100 * time.Millisecond)
	h.talking.Store(false)

	eventually(t, "backchannel", func() bool { return h.session.Stats().BackchannelsPlayed == 1 })
	eventually(t, "permit", func() bool { return h.session.Stats().Responses >= 1 })

	is.Equal(h.tts.Texts(), []string{"mm-hm"})
	is.Equal(len(h.llm.Requests()), 0)
	is.Equal(len(h.session.History()), 0)
}

func TestSessionGreetingAndReengagement(t *testing.T) {
	is := is.New(t)
	var mu sync.Mutex
	var reasons []string
	h := newHarness(t, fastConfig(), func(_ *harness, c *Config) {
		c.Greeting = "Greet the user."
		c.Reengage = "Ask whether the user is still there."
		c.OnDisengaged = func(d turn.Decision) {
			mu.Lock()
			defer mu.Unlock()
			reasons = append(reasons, d.Reason)
		}
	})
	h.stream()

	eventually(t, "two disengagements", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reasons) >= 2
	})

	mu.Lock()
	is.Equal(reasons[0], turn.ReasonSilence)
	mu.Unlock()

	// Greeting plus a single re-engagement.
	reqs := h.llm.Requests()
	is.Equal(len(reqs), 2)
	first := reqs[0].Messages
	is.Equal(first[len(first)-1], llm.Message{Role: llm.RoleSystem, Content: "Greet the user."})
	second := reqs[1].Messages
	is.Equal(second[len(second)-1].Content, "Ask whether the user is still there.")
	is.Equal(h.session.Stats().Reengagements, int64(1))
}

func TestSessionInterruptionStopsResponse(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, fastConfig(), func(h *harness, c *Config) {
		c.PaceOutput = true
		h.llm.Responses = []string{
			"This is a long answer that keeps going for quite a while so that the user has time to cut in.",
			"Sure, stopping.",
		}
		h.tts.PerRune = 10 * time.Millisecond
	})
	s := h.stream()

	h.say(s, "tell me a story", 100*time.Millisecond)
	eventually(t, "speaking", func() bool { return h.session.State() == StateSpeaking })

	h.say(s, "wait stop", 150*time.Millisecond)

	eventually(t, "second reply", func() bool { return len(h.llm.Requests()) == 2 })
	st := h.session.Stats()
	is.Equal(st.Interruptions, int64(1))
	is.Equal(st.FalseInterruptions, int64(0))

	last := h.llm.Requests()[1].Messages
	is.Equal(last[len(last)-1], llm.Message{Role: llm.RoleUser, Content: "wait stop"})
}

func TestSessionFalseInterruptionResumes(t *testing.T) {
	is := is.New(t)
	pcfg := fastConfig()
	pcfg.MinInterruptionWords = 0
	pcfg.FalseInterruptionTimeout = 300 * time.Millisecond
	h := newHarness(t, pcfg, func(h *harness, c *Config) {
		c.PaceOutput = true
		h.llm.Responses = []string{"This answer is long enough to be talked over by a cough or two."}
		h.tts.PerRune = 10 * time.Millisecond
	})
	s := h.stream()

	h.say(s, "hello", 100*time.Millisecond)
	eventually(t, "speaking", func() bool { return h.session.State() == StateSpeaking })

	h.talking.Store(true)
	time.Sleep(60 * time.Millisecond)
	h.talking.Store(false)

	eventually(t, "reply finished", func() bool { return h.session.Stats().Replies == 1 })
	st := h.session.Stats()
	is.Equal(st.Interruptions, int64(1))
	is.Equal(st.FalseInterruptions, int64(1))
	is.Equal(len(h.llm.Requests()), 1)
}
