package openai

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/chriscow/livekit-silence-go/pkg/ai"
	"github.com/chriscow/livekit-silence-go/pkg/ai/llm"
	openai "github.com/sashabaranov/go-openai"
)

const defaultChatModel = openai.GPT4oMini

// LLM implements llm.LLM with OpenAI chat completions.
type LLM struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewLLM creates an OpenAI chat provider.
func NewLLM(cfg Config) (*LLM, error) {
	client, err := cfg.client()
	if err != nil {
		return nil, err
	}
	model := cfg.Model
	if model == "" {
		model = defaultChatModel
	}
	return &LLM{client: client, model: model, logger: cfg.logger()}, nil
}

// Chat implements llm.LLM.
func (o *LLM) Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	start := time.Now()

	msgs := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content}
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		o.logger.Warn("Chat completion failed", slog.String("error", err.Error()))
		return llm.ChatResponse{}, classify("chat", err)
	}
	if len(resp.Choices) == 0 {
		return llm.ChatResponse{}, ai.Recoverable(providerName, "chat", errors.New("no completion choices returned"))
	}

	choice := resp.Choices[0]
	o.logger.Debug("Chat completion",
		slog.String("model", o.model),
		slog.Int("tokens", resp.Usage.TotalTokens),
		slog.Duration("duration", time.Since(start)))

	return llm.ChatResponse{
		Message: llm.Message{
			Role:    llm.Role(choice.Message.Role),
			Content: choice.Message.Content,
		},
		TokensUsed:   resp.Usage.TotalTokens,
		FinishReason: string(choice.FinishReason),
	}, nil
}

// Capabilities implements llm.LLM.
func (o *LLM) Capabilities() llm.Capabilities {
	return llm.Capabilities{
		MaxTokens:          128000,
		SupportedModels:    []string{openai.GPT4oMini, openai.GPT4o, openai.GPT4Turbo},
		SupportsSystemRole: true,
	}
}
