// Package openai provides OpenAI-backed providers: Whisper transcription,
// chat completion for replies, and speech synthesis for replies and
// backchannels.
package openai

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/chriscow/livekit-silence-go/pkg/ai"
	"github.com/chriscow/livekit-silence-go/pkg/plugin"
	openai "github.com/sashabaranov/go-openai"
)

const providerName = "openai"

// ErrNoAPIKey is returned when neither the config nor the environment
// supplies an API key.
var ErrNoAPIKey = errors.New("OpenAI API key is required (set OPENAI_API_KEY or provide api_key in config)")

// Config holds settings shared by the OpenAI providers.
type Config struct {
	APIKey   string
	BaseURL  string // optional, for proxies and tests
	Model    string
	Voice    string // TTS only
	Language string // STT only; empty auto-detects
	Logger   *slog.Logger
}

func (c Config) client() (*openai.Client, error) {
	if c.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	cfg := openai.DefaultConfig(c.APIKey)
	if c.BaseURL != "" {
		cfg.BaseURL = c.BaseURL
	}
	return openai.NewClientWithConfig(cfg), nil
}

func (c Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default().With(slog.String("provider", providerName))
	}
	return c.Logger
}

// configFrom reads the registry map form of Config.
func configFrom(m map[string]any) Config {
	str := func(k string) string {
		s, _ := m[k].(string)
		return s
	}
	cfg := Config{
		APIKey:   str("api_key"),
		BaseURL:  str("base_url"),
		Model:    str("model"),
		Voice:    str("voice"),
		Language: str("language"),
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	return cfg
}

// classify maps an OpenAI client error onto ai.ErrRecoverable or ai.ErrFatal.
func classify(op string, err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	switch {
	case status == http.StatusTooManyRequests, status >= 500, status == 0:
		return ai.Recoverable(providerName, op, err)
	default:
		return ai.Fatal(providerName, op, fmt.Errorf("status %d: %w", status, err))
	}
}

func init() {
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindSTT,
		Name:        providerName,
		Factory:     func(m map[string]any) (any, error) { return NewWhisperSTT(configFrom(m)) },
		Description: "OpenAI Whisper transcription, batched per utterance",
		Version:     "1.0.0",
		Config: map[string]any{
			"api_key":  "OpenAI API key (or set OPENAI_API_KEY env var)",
			"model":    openai.Whisper1,
			"language": "empty to auto-detect, or an ISO-639-1 code",
		},
	})
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindLLM,
		Name:        providerName,
		Factory:     func(m map[string]any) (any, error) { return NewLLM(configFrom(m)) },
		Description: "OpenAI chat completion",
		Version:     "1.0.0",
		Config: map[string]any{
			"api_key": "OpenAI API key (or set OPENAI_API_KEY env var)",
			"model":   defaultChatModel,
		},
	})
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindTTS,
		Name:        providerName,
		Factory:     func(m map[string]any) (any, error) { return NewTTS(configFrom(m)) },
		Description: "OpenAI speech synthesis (24 kHz PCM)",
		Version:     "1.0.0",
		Config: map[string]any{
			"api_key": "OpenAI API key (or set OPENAI_API_KEY env var)",
			"model":   string(openai.TTSModel1),
			"voice":   string(openai.VoiceAlloy),
		},
	})
}
