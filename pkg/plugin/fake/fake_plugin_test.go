package fake_test

import (
	"context"
	"testing"

	"github.com/chriscow/livekit-silence-go/pkg/ai/llm"
	"github.com/chriscow/livekit-silence-go/pkg/ai/tts"
	"github.com/chriscow/livekit-silence-go/pkg/plugin"
	_ "github.com/chriscow/livekit-silence-go/pkg/plugin/fake"
	"github.com/matryer/is"
)

func TestFakeProvidersRegistered(t *testing.T) {
	is := is.New(t)
	r := plugin.Default()

	_, err := r.NewSTT("fake", nil)
	is.NoErr(err)

	speaker, err := r.NewTTS("fake", map[string]any{"ms_per_rune": 10})
	is.NoErr(err)
	frames, err := speaker.Synthesize(context.Background(), tts.SynthesizeRequest{Text: "はい"})
	is.NoErr(err)
	n := 0
	for range frames {
		n++
	}
	is.Equal(n, 2)

	model, err := r.NewLLM("fake", map[string]any{"responses": []any{"了解です"}})
	is.NoErr(err)
	resp, err := model.Chat(context.Background(), llm.ChatRequest{})
	is.NoErr(err)
	is.Equal(resp.Message.Content, "了解です")
}
