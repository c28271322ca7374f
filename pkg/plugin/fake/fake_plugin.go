// Package fake registers the fake providers under the name "fake" so the
// CLI can run a full session offline.
package fake

import (
	"time"

	llmfake "github.com/chriscow/livekit-silence-go/pkg/ai/llm/fake"
	sttfake "github.com/chriscow/livekit-silence-go/pkg/ai/stt/fake"
	ttsfake "github.com/chriscow/livekit-silence-go/pkg/ai/tts/fake"
	"github.com/chriscow/livekit-silence-go/pkg/plugin"
)

func newFakeSTT(map[string]any) (any, error) {
	return sttfake.New(), nil
}

func newFakeTTS(cfg map[string]any) (any, error) {
	perRune := 60 * time.Millisecond
	if ms, ok := cfg["ms_per_rune"].(int); ok && ms > 0 {
		perRune = time.Duration(ms) * time.Millisecond
	}
	return ttsfake.New(perRune), nil
}

func newFakeLLM(cfg map[string]any) (any, error) {
	var responses []string
	switch r := cfg["responses"].(type) {
	case []string:
		responses = r
	case []any:
		for _, v := range r {
			if s, ok := v.(string); ok {
				responses = append(responses, s)
			}
		}
	}
	return llmfake.New(responses...), nil
}

func init() {
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindSTT,
		Name:        "fake",
		Factory:     newFakeSTT,
		Description: "Scripted STT for tests; emits only what the caller pushes",
		Version:     "1.0.0",
	})
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindTTS,
		Name:        "fake",
		Factory:     newFakeTTS,
		Description: "Tone TTS whose length follows the text",
		Version:     "1.0.0",
		Config:      map[string]any{"ms_per_rune": 60},
	})
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindLLM,
		Name:        "fake",
		Factory:     newFakeLLM,
		Description: "Canned LLM; echoes the user when no responses are given",
		Version:     "1.0.0",
		Config:      map[string]any{"responses": []string{}},
	})
}
