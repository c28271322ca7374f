package plugin

import (
	"errors"
	"testing"

	"github.com/chriscow/livekit-silence-go/pkg/ai/llm"
	llmfake "github.com/chriscow/livekit-silence-go/pkg/ai/llm/fake"
	"github.com/matryer/is"
)

func newFakeLLM(map[string]any) (any, error) { return llmfake.New("hi"), nil }

func TestRegistryRegisterAndBuild(t *testing.T) {
	is := is.New(t)
	r := NewRegistry()
	r.Register(KindLLM, "fake", newFakeLLM)

	m, err := r.NewLLM("fake", nil)
	is.NoErr(err)
	is.True(m != nil)
	var _ llm.LLM = m
}

func TestRegistryNotFound(t *testing.T) {
	is := is.New(t)
	_, err := NewRegistry().NewSTT("missing", nil)
	is.True(errors.Is(err, ErrNotFound))
}

func TestRegistryWrongKind(t *testing.T) {
	is := is.New(t)
	r := NewRegistry()
	r.Register(KindTTS, "broken", newFakeLLM)
	_, err := r.NewTTS("broken", nil)
	is.True(errors.Is(err, ErrWrongKind))
}

func TestRegistryFactoryError(t *testing.T) {
	is := is.New(t)
	boom := errors.New("no key")
	r := NewRegistry()
	r.Register(KindLLM, "bad", func(map[string]any) (any, error) { return nil, boom })
	_, err := r.NewLLM("bad", nil)
	is.True(errors.Is(err, boom))
}

func TestRegistryPanics(t *testing.T) {
	cases := map[string]*Plugin{
		"empty kind":  {Name: "x", Factory: newFakeLLM},
		"empty name":  {Kind: KindLLM, Factory: newFakeLLM},
		"nil factory": {Kind: KindLLM, Name: "x"},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			NewRegistry().RegisterWithMetadata(p)
		})
	}

	t.Run("duplicate", func(t *testing.T) {
		r := NewRegistry()
		r.Register(KindLLM, "x", newFakeLLM)
		defer func() {
			if recover() == nil {
				t.Error("expected panic")
			}
		}()
		r.Register(KindLLM, "x", newFakeLLM)
	})
}

func TestRegistryListAndClear(t *testing.T) {
	is := is.New(t)
	r := NewRegistry()
	r.Register(KindTTS, "b", newFakeLLM)
	r.Register(KindLLM, "z", newFakeLLM)
	r.Register(KindLLM, "a", newFakeLLM)

	all := r.List("")
	is.Equal(len(all), 3)
	is.Equal(all[0].Kind+"/"+all[0].Name, "llm/a")
	is.Equal(all[2].Kind+"/"+all[2].Name, "tts/b")
	is.Equal(len(r.List(KindLLM)), 2)

	r.Clear()
	is.Equal(len(r.List("")), 0)
}
