// Package agent runs a voice conversation on top of the silence engine. A
// Session feeds microphone audio to the engine and to speech recognition,
// and turns the engine's decisions into speech: short backchannels during
// thinking pauses, a model-generated reply once a response is permitted,
// and an optional re-engagement prompt when the user goes quiet.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chriscow/livekit-silence-go/pkg/ai"
	"github.com/chriscow/livekit-silence-go/pkg/ai/llm"
	"github.com/chriscow/livekit-silence-go/pkg/ai/stt"
	"github.com/chriscow/livekit-silence-go/pkg/ai/tts"
	"github.com/chriscow/livekit-silence-go/pkg/engine"
	"github.com/chriscow/livekit-silence-go/pkg/rtc"
	"github.com/chriscow/livekit-silence-go/pkg/timing"
	"github.com/chriscow/livekit-silence-go/pkg/turn"
	"golang.org/x/sync/errgroup"
)

// State is what the agent side of the conversation is doing.
type State int32

const (
	StateListening State = iota
	StateThinking
	StateSpeaking
	// StatePaused is a response held while a user interruption is confirmed.
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "Listening"
	case StateThinking:
		return "Thinking"
	case StateSpeaking:
		return "Speaking"
	case StatePaused:
		return "Paused"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

const (
	DefaultSampleRate = 48000
	DefaultMaxHistory = 20
)

var (
	// ErrMissingComponent is returned by New when a required collaborator is nil.
	ErrMissingComponent = errors.New("agent: missing required component")

	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("agent: session already running")
)

// Config holds configuration for creating a Session.
type Config struct {
	Call *engine.Call
	STT  stt.STT
	TTS  tts.TTS
	LLM  llm.LLM

	MicIn <-chan rtc.AudioFrame
	Out   chan<- rtc.AudioFrame

	// SampleRate of MicIn, passed to the recognizer.
	SampleRate int

	// Instructions is the system prompt. Empty selects DefaultInstructions
	// for the call's language.
	Instructions string

	// Greeting, when set, asks the model for an opening line before the
	// user speaks.
	Greeting string

	// Reengage, when set, asks the model to check on a user who has gone
	// quiet. It is used at most MaxReengagements times per silence.
	Reengage         string
	MaxReengagements int

	Voice      string
	MaxTokens  int
	MaxHistory int

	// Filler loops while a reply is being generated.
	Filler *Filler

	// PaceOutput releases response frames at real-time rate instead of as
	// fast as Out accepts them.
	PaceOutput bool

	// OnDisengaged is called when the engine reports the user disengaged
	// and the agent is not mid-response.
	OnDisengaged func(turn.Decision)

	Retry ai.RetryConfig

	// Breaker stops calling the language model or synthesizer after
	// repeated failures. Zero selects ai.DefaultBreakerConfig.
	Breaker ai.BreakerConfig

	Now    func() time.Time
	Logger *slog.Logger
}

// Stats summarises a session.
type Stats struct {
	engine.Stats

	State                 State
	Replies               int64
	ReplyErrors           int64
	RepliesSkipped        int64
	BackchannelsPlayed    int64
	Interruptions         int64
	FalseInterruptions    int64
	IgnoredDisengagements int64
	Reengagements         int64
}

type reply struct {
	id   uint64
	text string
	err  error
}

// Session is one agent conversation bound to one engine call.
type Session struct {
	cfg     Config
	call    *engine.Call
	profile *timing.Profile
	logger  *slog.Logger

	state   atomic.Int32
	running atomic.Bool

	historyMu sync.Mutex
	history   []llm.Message

	replies  chan reply
	finished chan playbackResult

	chatBreaker, ttsBreaker *ai.Breaker

	// Owned by the loop goroutine.
	stream       stt.Stream
	nextID       uint64
	replyID      uint64
	replyCancel  context.CancelFunc
	speaking     *playback
	backchannel  *playback
	filler       *playback
	overlapStart time.Time
	falseTimer   *time.Timer
	falseC       <-chan time.Time
	reengaged    int
	pushErrors   int

	replyCount, replyErrors, backchannels atomic.Int64
	repliesSkipped                        atomic.Int64
	interruptions, falseInterruptions     atomic.Int64
	ignoredDisengagements, reengagements  atomic.Int64
}

// New creates a Session.
func New(cfg Config) (*Session, error) {
	var missing []string
	if cfg.Call == nil {
		missing = append(missing, "Call")
	}
	if cfg.STT == nil {
		missing = append(missing, "STT")
	}
	if cfg.TTS == nil {
		missing = append(missing, "TTS")
	}
	if cfg.LLM == nil {
		missing = append(missing, "LLM")
	}
	if cfg.MicIn == nil {
		missing = append(missing, "MicIn")
	}
	if cfg.Out == nil {
		missing = append(missing, "Out")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingComponent, strings.Join(missing, ", "))
	}

	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	if cfg.MaxReengagements <= 0 {
		cfg.MaxReengagements = 1
	}
	if cfg.Retry == (ai.RetryConfig{}) {
		cfg.Retry = ai.DefaultRetryConfig
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Breaker.Now == nil {
		cfg.Breaker.Now = cfg.Now
	}
	profile := cfg.Call.Profile()
	if cfg.Instructions == "" {
		cfg.Instructions = DefaultInstructions(profile.Language())
	}

	s := &Session{
		cfg:     cfg,
		call:    cfg.Call,
		profile: profile,
		logger: cfg.Logger.With(
			slog.String("call_id", cfg.Call.ID()),
			slog.String("language", profile.Language())),
		replies:  make(chan reply, 1),
		finished: make(chan playbackResult, 4),
	}
	bcfg := cfg.Breaker
	if bcfg.Logger == nil {
		bcfg.Logger = s.logger
	}
	s.chatBreaker = ai.NewBreaker("chat", bcfg)
	s.ttsBreaker = ai.NewBreaker("synthesize", bcfg)
	s.setState(StateListening)
	return s, nil
}

// State returns what the agent is currently doing.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old != st {
		s.logger.Debug("Agent state change",
			slog.String("from", old.String()),
			slog.String("to", st.String()))
	}
}

// History returns a copy of the conversation so far.
func (s *Session) History() []llm.Message {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	return append([]llm.Message(nil), s.history...)
}

// Stats returns the session's counters together with the engine's.
func (s *Session) Stats() Stats {
	return Stats{
		Stats:                 s.call.Stats(),
		State:                 s.State(),
		Replies:               s.replyCount.Load(),
		ReplyErrors:           s.replyErrors.Load(),
		RepliesSkipped:        s.repliesSkipped.Load(),
		BackchannelsPlayed:    s.backchannels.Load(),
		Interruptions:         s.interruptions.Load(),
		FalseInterruptions:    s.falseInterruptions.Load(),
		IgnoredDisengagements: s.ignoredDisengagements.Load(),
		Reengagements:         s.reengagements.Load(),
	}
}

// Run drives the session until ctx is done or the microphone channel is
// closed. It runs the engine call as well; the call must not be run
// separately.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := s.cfg.STT.NewStream(ctx, stt.StreamConfig{
		SampleRate:  s.cfg.SampleRate,
		NumChannels: 1,
		Language:    s.profile.Language(),
	})
	if err != nil {
		return fmt.Errorf("open speech recognition stream: %w", err)
	}
	s.stream = stream
	defer stream.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.call.Run(gctx)
	})
	g.Go(func() error {
		defer cancel()
		return s.loop(gctx)
	})
	err = g.Wait()

	st := s.Stats()
	s.logger.Info("Session ended",
		slog.Int64("replies", st.Replies),
		slog.Int64("backchannels", st.BackchannelsPlayed),
		slog.Int64("interruptions", st.Interruptions),
		slog.Int64("false_interruptions", st.FalseInterruptions))
	return err
}

func (s *Session) loop(ctx context.Context) error {
	defer s.stopAll()

	if s.cfg.Greeting != "" {
		s.startReply(ctx, "", s.cfg.Greeting)
	}

	decisions := s.call.Decisions()
	events := s.stream.Events()
	for {
		select {
		case <-ctx.Done():
			return nil

		case frame, ok := <-s.cfg.MicIn:
			if !ok {
				s.logger.Info("Microphone input closed")
				return nil
			}
			s.onMic(frame)

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.onSpeech(ev)

		case d, ok := <-decisions:
			if !ok {
				return nil
			}
			s.onDecision(ctx, d)

		case r := <-s.replies:
			s.onReply(ctx, r)

		case res := <-s.finished:
			s.onPlaybackDone(res)

		case <-s.falseC:
			s.onFalseInterruptionTimeout()
		}
	}
}

func (s *Session) onMic(frame rtc.AudioFrame) {
	if frame.CapturedAt.IsZero() {
		frame.CapturedAt = s.cfg.Now()
	}
	s.call.IngestAudio(frame)
	if err := s.stream.Push(frame); err != nil {
		s.pushErrors++
		if s.pushErrors == 1 {
			s.logger.Warn("Speech recognition rejected audio", slog.String("error", err.Error()))
		}
	}
	s.checkInterruption()
}

func (s *Session) onSpeech(ev stt.SpeechEvent) {
	if ev.Type == stt.SpeechEventError {
		s.logger.Warn("Speech recognition error", slog.Any("error", ev.Err))
		return
	}
	s.call.OnTranscript(ev.Text, ev.IsFinal(), ev.At)
	s.checkInterruption()
}

func (s *Session) onDecision(ctx context.Context, d turn.Decision) {
	switch d.Kind {
	case turn.EmitBackchannel:
		s.playBackchannel(ctx, d)
	case turn.PermitResponse:
		s.respond(ctx)
	case turn.TreatAsDisengaged:
		s.disengaged(ctx, d)
	}
}

func (s *Session) playBackchannel(ctx context.Context, d turn.Decision) {
	if s.State() != StateListening || s.backchannel != nil {
		s.logger.Debug("Skipping backchannel", slog.String("state", s.State().String()))
		return
	}
	s.backchannel = s.startSpeech(ctx, playBackchannel, d.Text)
}

// respond handles a permitted response. Speech that overlapped the agent
// without interrupting it is treated as acknowledgement and not answered.
func (s *Session) respond(ctx context.Context) {
	text := strings.TrimSpace(s.call.TakeTurnText())

	switch s.State() {
	case StatePaused:
		if text == "" {
			s.resumeFalseInterruption()
			return
		}
		s.stopFalseTimer()
		s.stopSpeaking()
	case StateSpeaking:
		s.logger.Debug("Ignoring response permit while agent holds the floor", slog.String("text", text))
		return
	case StateThinking:
		if text == "" {
			return
		}
		s.cancelReply()
	}

	if text == "" {
		s.logger.Debug("Response permitted without a transcript")
		return
	}
	s.reengaged = 0
	s.startReply(ctx, text, "")
}

func (s *Session) disengaged(ctx context.Context, d turn.Decision) {
	if s.State() != StateListening {
		s.ignoredDisengagements.Add(1)
		s.logger.Debug("Ignoring disengagement while agent is responding",
			slog.String("state", s.State().String()))
		return
	}
	s.logger.Info("User disengaged",
		slog.String("reason", d.Reason),
		slog.Duration("silence", d.Silence))
	if s.cfg.OnDisengaged != nil {
		s.cfg.OnDisengaged(d)
	}
	if d.Reason == turn.ReasonSilence && s.cfg.Reengage != "" && s.reengaged < s.cfg.MaxReengagements {
		s.reengaged++
		s.reengagements.Add(1)
		s.startReply(ctx, "", s.cfg.Reengage)
	}
}

func (s *Session) messages(instruction string) []llm.Message {
	msgs := []llm.Message{{Role: llm.RoleSystem, Content: s.cfg.Instructions}}
	msgs = append(msgs, s.History()...)
	if instruction != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: instruction})
	}
	return msgs
}

func (s *Session) appendHistory(m llm.Message) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	s.history = append(s.history, m)
	if over := len(s.history) - s.cfg.MaxHistory; over > 0 {
		s.history = append([]llm.Message(nil), s.history[over:]...)
	}
}

// startReply asks the model for the agent's next utterance. userText is
// empty for agent-initiated turns, which are steered by instruction instead.
func (s *Session) startReply(ctx context.Context, userText, instruction string) {
	if userText != "" {
		s.appendHistory(llm.Message{Role: llm.RoleUser, Content: userText})
	}
	msgs := s.messages(instruction)

	s.nextID++
	id := s.nextID
	rctx, cancel := context.WithCancel(ctx)
	s.replyID, s.replyCancel = id, cancel
	s.setState(StateThinking)
	s.startFiller(ctx)

	s.logger.Info("Generating reply", slog.Int("user_chars", len(userText)))
	go func() {
		defer cancel()
		resp, err := ai.Protect(rctx, s.chatBreaker, func(ctx context.Context) (llm.ChatResponse, error) {
			return ai.Retry(ctx, s.cfg.Retry, s.logger, "chat", func(ctx context.Context) (llm.ChatResponse, error) {
				return s.cfg.LLM.Chat(ctx, llm.ChatRequest{Messages: msgs, MaxTokens: s.cfg.MaxTokens})
			})
		})
		r := reply{id: id, err: err}
		if err == nil {
			r.text = strings.TrimSpace(resp.Message.Content)
		}
		select {
		case s.replies <- r:
		case <-ctx.Done():
		}
	}()
}

func (s *Session) cancelReply() {
	if s.replyCancel != nil {
		s.replyCancel()
		s.replyCancel = nil
	}
	s.replyID = 0
	s.stopFiller()
}

func (s *Session) onReply(ctx context.Context, r reply) {
	if r.id != s.replyID {
		return
	}
	s.replyID, s.replyCancel = 0, nil
	s.stopFiller()

	if r.err != nil {
		s.setState(StateListening)
		if errors.Is(r.err, context.Canceled) {
			return
		}
		if errors.Is(r.err, ai.ErrCircuitOpen) {
			s.repliesSkipped.Add(1)
			s.logger.Warn("Language model unavailable; skipping reply")
			return
		}
		s.replyErrors.Add(1)
		s.logger.Error("Reply generation failed", slog.String("error", r.err.Error()))
		return
	}
	if r.text == "" {
		s.setState(StateListening)
		s.logger.Warn("Model returned an empty reply")
		return
	}

	s.appendHistory(llm.Message{Role: llm.RoleAssistant, Content: r.text})
	if s.backchannel != nil {
		s.backchannel.stop()
	}
	s.speaking = s.startSpeech(ctx, playResponse, r.text)
	s.overlapStart = time.Time{}
	s.setState(StateSpeaking)
}

// startSpeech synthesizes text and streams it to Out once any earlier
// playback has drained.
func (s *Session) startSpeech(ctx context.Context, kind playbackKind, text string) *playback {
	var after []<-chan struct{}
	for _, p := range []*playback{s.backchannel, s.filler} {
		if p != nil {
			after = append(after, p.done)
		}
	}

	s.nextID++
	pctx, cancel := context.WithCancel(ctx)
	p := newPlayback(s.nextID, kind, text, cancel)
	go func() {
		defer close(p.done)
		defer cancel()
		for _, done := range after {
			select {
			case <-done:
			case <-pctx.Done():
			}
		}

		res := playbackResult{id: p.id, kind: kind, text: text}
		frames, err := ai.Protect(pctx, s.ttsBreaker, func(ctx context.Context) (<-chan rtc.AudioFrame, error) {
			return ai.Retry(ctx, s.cfg.Retry, s.logger, "synthesize", func(ctx context.Context) (<-chan rtc.AudioFrame, error) {
				return s.cfg.TTS.Synthesize(ctx, tts.SynthesizeRequest{
					Text:     text,
					Voice:    s.cfg.Voice,
					Language: s.profile.Language(),
				})
			})
		})
		if err == nil {
			res.frames, err = p.stream(pctx, frames, s.cfg.Out, s.cfg.PaceOutput)
		}
		if errors.Is(err, context.Canceled) {
			res.interrupted, err = true, nil
		}
		res.err = err
		select {
		case s.finished <- res:
		case <-ctx.Done():
		}
	}()
	return p
}

func (s *Session) startFiller(ctx context.Context) {
	if s.cfg.Filler == nil || s.cfg.Filler.Len() == 0 || s.filler != nil {
		return
	}
	s.nextID++
	pctx, cancel := context.WithCancel(ctx)
	p := newPlayback(s.nextID, playFiller, "", cancel)
	s.filler = p
	go func() {
		defer close(p.done)
		defer cancel()
		n, _ := p.stream(pctx, s.cfg.Filler.loop(pctx), s.cfg.Out, true)
		select {
		case s.finished <- playbackResult{id: p.id, kind: playFiller, frames: n, interrupted: true}:
		case <-ctx.Done():
		}
	}()
}

func (s *Session) stopFiller() {
	if s.filler != nil {
		s.filler.stop()
	}
}

func (s *Session) stopSpeaking() {
	if s.speaking != nil {
		s.speaking.stop()
		s.speaking = nil
	}
}

func (s *Session) stopAll() {
	s.cancelReply()
	s.stopSpeaking()
	s.stopFalseTimer()
	if s.backchannel != nil {
		s.backchannel.stop()
	}
}

func (s *Session) onPlaybackDone(res playbackResult) {
	switch res.kind {
	case playFiller:
		if s.filler != nil && s.filler.id == res.id {
			s.filler = nil
		}

	case playBackchannel:
		if s.backchannel != nil && s.backchannel.id == res.id {
			s.backchannel = nil
		}
		switch {
		case res.err != nil:
			s.logger.Warn("Backchannel playback failed", slog.String("error", res.err.Error()))
		case !res.interrupted:
			s.backchannels.Add(1)
			s.logger.Debug("Backchannel played", slog.String("text", res.text))
		}

	case playResponse:
		if s.speaking == nil || s.speaking.id != res.id {
			return
		}
		s.speaking = nil
		s.stopFalseTimer()
		s.setState(StateListening)
		if res.interrupted {
			s.logger.Info("Response interrupted", slog.Int("frames", res.frames))
			return
		}
		if res.err != nil {
			s.replyErrors.Add(1)
			s.logger.Error("Response playback failed", slog.String("error", res.err.Error()))
		} else {
			s.replyCount.Add(1)
		}
		if overlap := s.call.TakeTurnText(); overlap != "" {
			s.logger.Debug("Discarding speech that overlapped the response", slog.String("text", overlap))
		}
		s.call.AgentTurnFinished(s.cfg.Now())
		s.logger.Info("Agent turn finished", slog.Int("frames", res.frames))
	}
}
