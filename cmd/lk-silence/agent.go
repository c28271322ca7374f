package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/chriscow/livekit-silence-go/pkg/agent"
	"github.com/chriscow/livekit-silence-go/pkg/ai/stt"
	sttfake "github.com/chriscow/livekit-silence-go/pkg/ai/stt/fake"
	"github.com/chriscow/livekit-silence-go/pkg/audio/wav"
	"github.com/chriscow/livekit-silence-go/pkg/engine"
	"github.com/chriscow/livekit-silence-go/pkg/plugin"
	"github.com/chriscow/livekit-silence-go/pkg/rtc"
	"github.com/chriscow/livekit-silence-go/pkg/turn"
	"github.com/spf13/cobra"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Voice agent commands",
}

var agentRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a voice agent against a recorded microphone",
	Long: `Play a WAV recording into a voice agent in real time and record what the
agent says. Providers are chosen from the plugin registry; the "fake"
providers need no network access. With the fake recognizer, --transcript is
reported as the user's words once the recording has played.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		in, _ := cmd.Flags().GetString("in")
		outPath, _ := cmd.Flags().GetString("out")
		language, _ := cmd.Flags().GetString("language")
		profilesPath, _ := cmd.Flags().GetString("profiles")
		sttName, _ := cmd.Flags().GetString("stt")
		ttsName, _ := cmd.Flags().GetString("tts")
		llmName, _ := cmd.Flags().GetString("llm")
		model, _ := cmd.Flags().GetString("model")
		voice, _ := cmd.Flags().GetString("voice")
		transcript, _ := cmd.Flags().GetString("transcript")
		greeting, _ := cmd.Flags().GetString("greeting")
		reengage, _ := cmd.Flags().GetString("reengage")
		instructions, _ := cmd.Flags().GetString("instructions")
		fillerPath, _ := cmd.Flags().GetString("filler")
		fillerVolume, _ := cmd.Flags().GetFloat64("filler-volume")
		tail, _ := cmd.Flags().GetDuration("tail")

		logger := setupLogger(cmd)
		if in == "" {
			return fmt.Errorf("--in is required")
		}

		profiles, err := loadProfiles(profilesPath)
		if err != nil {
			return err
		}
		profile := profiles.Resolve(language)

		frames, header, err := wav.ReadFile(in, time.Time{})
		if err != nil {
			return err
		}
		frames = append(frames, wav.Tone(int(header.SampleRate), 0, 0, tail)...)

		reg := plugin.Default()
		primary, _, _ := strings.Cut(profile.Language(), "-")
		recognizer, err := reg.NewSTT(sttName, map[string]any{"language": primary})
		if err != nil {
			return err
		}
		synth, err := reg.NewTTS(ttsName, map[string]any{"voice": voice})
		if err != nil {
			return err
		}
		chat, err := reg.NewLLM(llmName, map[string]any{"model": model})
		if err != nil {
			return err
		}

		var filler *agent.Filler
		if fillerPath != "" {
			filler, err = agent.LoadFiller(fillerPath, fillerVolume)
			if err != nil {
				return fmt.Errorf("load filler: %w", err)
			}
		}

		call, err := engine.NewCall(engine.Config{CallID: "console", Profile: profile, Logger: logger})
		if err != nil {
			return err
		}

		micIn := make(chan rtc.AudioFrame, 100)
		out := make(chan rtc.AudioFrame, 100)
		session, err := agent.New(agent.Config{
			Call:         call,
			STT:          recognizer,
			TTS:          synth,
			LLM:          chat,
			MicIn:        micIn,
			Out:          out,
			SampleRate:   int(header.SampleRate),
			Instructions: instructions,
			Greeting:     greeting,
			Reengage:     reengage,
			Voice:        voice,
			Filler:       filler,
			PaceOutput:   true,
			OnDisengaged: func(d turn.Decision) {
				logger.Info("User disengaged", slog.Duration("silence", d.Silence))
			},
			Logger: logger,
		})
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		var recorded []rtc.AudioFrame
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			recorded = record(ctx, out)
		}()
		go func() {
			defer wg.Done()
			defer close(micIn)
			playMicrophone(ctx, micIn, frames, len(frames)-int(tail/wav.FrameDuration), func() {
				if fs, ok := recognizer.(*sttfake.STT); ok && transcript != "" {
					emitTranscript(fs, transcript)
				}
			})
		}()

		logger.Info("Starting voice agent",
			slog.String("language", profile.Language()),
			slog.String("stt", sttName),
			slog.String("tts", ttsName),
			slog.String("llm", llmName),
			slog.Duration("input", header.Duration()))

		runErr := session.Run(ctx)
		cancel()
		wg.Wait()
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			return runErr
		}

		s := session.Stats()
		fmt.Fprintf(cmd.OutOrStdout(),
			"replies=%d reply_errors=%d backchannels=%d interruptions=%d false_interruptions=%d reengagements=%d\n",
			s.Replies, s.ReplyErrors, s.BackchannelsPlayed, s.Interruptions, s.FalseInterruptions, s.Reengagements)
		for _, m := range session.History() {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", m.Role, m.Content)
		}

		if outPath != "" && len(recorded) > 0 {
			if err := wav.WriteFile(outPath, recorded); err != nil {
				return fmt.Errorf("write output: %w", err)
			}
			logger.Info("Agent audio written", slog.String("file", outPath), slog.Int("frames", len(recorded)))
		}
		return nil
	},
}

// playMicrophone sends frames at real-time rate. spoken is called once the
// first n frames have been sent.
func playMicrophone(ctx context.Context, micIn chan<- rtc.AudioFrame, frames []rtc.AudioFrame, n int, spoken func()) {
	ticker := time.NewTicker(wav.FrameDuration)
	defer ticker.Stop()

	for i, f := range frames {
		if i == n {
			spoken()
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		select {
		case micIn <- f:
		case <-ctx.Done():
			return
		}
	}
}

func emitTranscript(fs *sttfake.STT, text string) {
	for _, s := range fs.Streams() {
		s.Emit(stt.SpeechEvent{Type: stt.SpeechEventFinal, Text: text, At: time.Now()})
	}
}

func record(ctx context.Context, out <-chan rtc.AudioFrame) []rtc.AudioFrame {
	var frames []rtc.AudioFrame
	for {
		select {
		case <-ctx.Done():
			return frames
		case f := <-out:
			frames = append(frames, f)
		}
	}
}

func init() {
	agentRunCmd.Flags().String("in", "", "WAV recording played as the user's microphone")
	agentRunCmd.Flags().String("out", "", "Write the agent's audio to this WAV file")
	agentRunCmd.Flags().String("language", "en-US", "Language of the conversation")
	agentRunCmd.Flags().String("stt", "fake", "Speech-to-text plugin")
	agentRunCmd.Flags().String("tts", "fake", "Text-to-speech plugin")
	agentRunCmd.Flags().String("llm", "fake", "Language model plugin")
	agentRunCmd.Flags().String("model", "", "Language model name (plugin default if empty)")
	agentRunCmd.Flags().String("voice", "", "Synthesis voice (plugin default if empty)")
	agentRunCmd.Flags().String("transcript", "", "What the user said, for the fake recognizer")
	agentRunCmd.Flags().String("greeting", "", "Instruction for an opening line before the user speaks")
	agentRunCmd.Flags().String("reengage", "", "Instruction for checking on a silent user")
	agentRunCmd.Flags().String("instructions", "", "System prompt (default depends on language)")
	agentRunCmd.Flags().String("filler", "", "WAV clip looped while a reply is generated")
	agentRunCmd.Flags().Float64("filler-volume", 0.3, "Filler volume (0.0 to 1.0)")
	agentRunCmd.Flags().Duration("tail", 8*time.Second, "Silence played after the recording")
	addProfilesFlag(agentRunCmd)

	agentCmd.AddCommand(agentRunCmd)
}
