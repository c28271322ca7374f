package main

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sort"
	"time"

	"github.com/chriscow/livekit-silence-go/pkg/audio/wav"
	"github.com/chriscow/livekit-silence-go/pkg/engine"
	"github.com/chriscow/livekit-silence-go/pkg/rtc"
	"github.com/chriscow/livekit-silence-go/pkg/turn"
	"github.com/chriscow/livekit-silence-go/pkg/wire"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	simSampleRate = 16000
	simAmplitude  = 8000
)

var errNoInput = errors.New("one of --wav or --script is required")

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Replay a recording or scripted timeline and print turn decisions",
	Long: `Replay audio through a single engine call on a virtual clock and print
every decision that is not "continue waiting".

The input is either a 16-bit PCM WAV file (--wav) or a YAML timeline
(--script) such as:

  language: ja-JP
  duration: 6
  events:
    - {at: 0.0, speech: 0.5}
    - {at: 0.5, text: "そうですね", final: true}
    - {at: 3.0, agent_turn_finished: true}

Times are in seconds from the start of the replay.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := setupLogger(cmd)
		wavPath, _ := cmd.Flags().GetString("wav")
		scriptPath, _ := cmd.Flags().GetString("script")
		language, _ := cmd.Flags().GetString("language")
		profilesPath, _ := cmd.Flags().GetString("profiles")
		tick, _ := cmd.Flags().GetDuration("tick")
		tail, _ := cmd.Flags().GetDuration("tail")
		agentTurn, _ := cmd.Flags().GetDuration("agent-turn")
		seed, _ := cmd.Flags().GetInt64("seed")
		asJSON, _ := cmd.Flags().GetBool("json")

		start := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
		var tl *timeline
		var err error
		switch {
		case wavPath != "" && scriptPath != "":
			return errors.New("--wav and --script are mutually exclusive")
		case wavPath != "":
			tl, err = wavTimeline(wavPath, start, tail)
		case scriptPath != "":
			var sc *script
			sc, err = loadScript(scriptPath)
			if err == nil {
				tl = sc.timeline(start)
				if language == "" {
					language = sc.Language
				}
			}
		default:
			return errNoInput
		}
		if err != nil {
			return err
		}

		reg, err := loadProfiles(profilesPath)
		if err != nil {
			return err
		}
		if language == "" {
			language = "en-US"
		}
		profile := reg.Resolve(language)

		now := start
		call, err := engine.NewCall(engine.Config{
			CallID:          "simulate",
			Profile:         profile,
			BackchannelSeed: seed,
			Now:             func() time.Time { return now },
			Logger:          logger,
		})
		if err != nil {
			return err
		}

		logger.Info("Simulating call",
			slog.String("language", profile.Language()),
			slog.Duration("length", tl.end.Sub(start)),
			slog.Int("frames", len(tl.frames)))

		out := cmd.OutOrStdout()
		var werr error
		sim := simulation{call: call, tick: tick, agentTurn: agentTurn, now: &now}
		sim.run(tl, start, func(d turn.Decision) {
			if werr == nil {
				werr = printDecision(out, start, d, asJSON)
			}
		})
		if werr != nil {
			return werr
		}

		s := call.Stats()
		if !asJSON {
			fmt.Fprintf(out, "responses=%d backchannels=%d disengagements=%d avg_response_delay=%v\n",
				s.Responses, s.Backchannels, s.Disengagements, s.AvgResponseDelay)
		}
		return nil
	},
}

// pointEvent is a non-audio input at a point in time.
type pointEvent struct {
	at        time.Time
	text      string
	final     bool
	agentDone bool
}

type timeline struct {
	frames []rtc.AudioFrame
	events []pointEvent
	end    time.Time
}

// schedule inserts ev keeping events ordered by time.
func (tl *timeline) schedule(ev pointEvent) {
	i := sort.Search(len(tl.events), func(i int) bool { return tl.events[i].at.After(ev.at) })
	tl.events = append(tl.events, pointEvent{})
	copy(tl.events[i+1:], tl.events[i:])
	tl.events[i] = ev
}

type simulation struct {
	call      *engine.Call
	tick      time.Duration
	agentTurn time.Duration
	now       *time.Time
}

// run feeds tl into the call one tick at a time. Inputs stamped before a
// tick are delivered before it is evaluated.
func (s simulation) run(tl *timeline, start time.Time, emit func(turn.Decision)) {
	if s.tick <= 0 {
		s.tick = 100 * time.Millisecond
	}
	fi := 0
	for t := start.Add(s.tick); !t.After(tl.end); t = t.Add(s.tick) {
		*s.now = t
		for ; fi < len(tl.frames) && tl.frames[fi].CapturedAt.Before(t); fi++ {
			s.call.IngestAudio(tl.frames[fi])
		}
		for len(tl.events) > 0 && tl.events[0].at.Before(t) {
			ev := tl.events[0]
			tl.events = tl.events[1:]
			if ev.agentDone {
				s.call.AgentTurnFinished(ev.at)
				continue
			}
			s.call.OnTranscript(ev.text, ev.final, ev.at)
		}

		d := s.call.Evaluate(t)
		if d.Kind == turn.ContinueWaiting {
			continue
		}
		emit(d)
		if d.Kind == turn.PermitResponse {
			s.call.TakeTurnText()
			if s.agentTurn > 0 {
				tl.schedule(pointEvent{at: t.Add(s.agentTurn), agentDone: true})
			}
		}
	}
}

func printDecision(w io.Writer, start time.Time, d turn.Decision, asJSON bool) error {
	if asJSON {
		msg, err := wire.FromDecision("simulate", d)
		if err != nil {
			return err
		}
		b, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", b)
		return err
	}
	_, err := fmt.Fprintf(w, "%8.3fs  %s\n", d.At.Sub(start).Seconds(), d)
	return err
}

// wavTimeline replays a recording followed by tail of silence.
func wavTimeline(path string, start time.Time, tail time.Duration) (*timeline, error) {
	frames, h, err := wav.ReadFile(path, start)
	if err != nil {
		return nil, err
	}
	return &timeline{frames: frames, end: start.Add(h.Duration() + tail)}, nil
}

type scriptEvent struct {
	At                float64 `yaml:"at"`
	Speech            float64 `yaml:"speech"`
	Text              string  `yaml:"text"`
	Final             bool    `yaml:"final"`
	AgentTurnFinished bool    `yaml:"agent_turn_finished"`
}

type script struct {
	Language string        `yaml:"language"`
	Duration float64       `yaml:"duration"`
	Events   []scriptEvent `yaml:"events"`
}

func loadScript(path string) (*script, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open script: %w", err)
	}
	defer f.Close()
	return decodeScript(f)
}

func decodeScript(r io.Reader) (*script, error) {
	var sc script
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("decode script: %w", err)
	}
	for i, ev := range sc.Events {
		if ev.At < 0 || ev.Speech < 0 {
			return nil, fmt.Errorf("events[%d]: negative time", i)
		}
	}
	return &sc, nil
}

func secs(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}

// timeline renders the script as 10 ms frames, loud during speech windows
// and silent elsewhere.
func (sc *script) timeline(start time.Time) *timeline {
	length := secs(sc.Duration)
	for _, ev := range sc.Events {
		length = max(length, secs(ev.At+ev.Speech))
	}

	tl := &timeline{end: start.Add(length)}
	n := int(length / wav.FrameDuration)
	speaking := make([]bool, n)
	for _, ev := range sc.Events {
		switch {
		case ev.Speech > 0:
			from := int(secs(ev.At) / wav.FrameDuration)
			to := min(int(secs(ev.At+ev.Speech)/wav.FrameDuration), n)
			for i := from; i < to; i++ {
				speaking[i] = true
			}
		case ev.AgentTurnFinished:
			tl.schedule(pointEvent{at: start.Add(secs(ev.At)), agentDone: true})
		case ev.Text != "":
			tl.schedule(pointEvent{at: start.Add(secs(ev.At)), text: ev.Text, final: ev.Final})
		}
	}

	tl.frames = make([]rtc.AudioFrame, n)
	for i := range tl.frames {
		var amp int16
		if speaking[i] {
			amp = simAmplitude
		}
		tl.frames[i] = flatFrame(start.Add(time.Duration(i)*wav.FrameDuration), amp)
	}
	return tl
}

func flatFrame(at time.Time, amplitude int16) rtc.AudioFrame {
	per := simSampleRate / 100
	data := make([]byte, per*2)
	for i := 0; i < per; i++ {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(amplitude))
	}
	return rtc.AudioFrame{
		Data:              data,
		SampleRate:        simSampleRate,
		SamplesPerChannel: per,
		NumChannels:       1,
		CapturedAt:        at,
	}
}

func init() {
	simulateCmd.Flags().String("wav", "", "16-bit PCM WAV recording of the user")
	simulateCmd.Flags().String("script", "", "YAML timeline of speech, transcripts and agent turns")
	simulateCmd.Flags().String("language", "", "Language of the call (default: script language or en-US)")
	simulateCmd.Flags().Duration("tick", 100*time.Millisecond, "Controller evaluation interval")
	simulateCmd.Flags().Duration("tail", 5*time.Second, "Silence appended after a WAV recording")
	simulateCmd.Flags().Duration("agent-turn", 0, "Simulated agent reply length after each response (0 = never finish)")
	simulateCmd.Flags().Int64("seed", 1, "Backchannel selection seed (0 = random)")
	simulateCmd.Flags().Bool("json", false, "Print decisions as wire messages")
	addProfilesFlag(simulateCmd)
}
