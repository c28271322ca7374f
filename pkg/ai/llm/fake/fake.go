// Package fake provides an LLM that replies from a canned list.
package fake

import (
	"context"
	"sync"

	"github.com/chriscow/livekit-silence-go/pkg/ai/llm"
)

// LLM replies with Responses in order, repeating the last one. With no
// responses it echoes the latest user message.
type LLM struct {
	Responses []string
	Err       error

	mu       sync.Mutex
	requests []llm.ChatRequest
}

// New returns a fake LLM with the given replies.
func New(responses ...string) *LLM {
	return &LLM{Responses: responses}
}

// Chat implements llm.LLM.
func (f *LLM) Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return llm.ChatResponse{}, err
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	n := len(f.requests)
	f.mu.Unlock()

	if f.Err != nil {
		return llm.ChatResponse{}, f.Err
	}

	var text string
	switch {
	case len(f.Responses) > 0:
		text = f.Responses[min(n-1, len(f.Responses)-1)]
	default:
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if req.Messages[i].Role == llm.RoleUser {
				text = req.Messages[i].Content
				break
			}
		}
	}
	return llm.ChatResponse{
		Message:      llm.Message{Role: llm.RoleAssistant, Content: text},
		FinishReason: "stop",
	}, nil
}

// Capabilities implements llm.LLM.
func (f *LLM) Capabilities() llm.Capabilities {
	return llm.Capabilities{MaxTokens: 4096, SupportedModels: []string{"fake"}, SupportsSystemRole: true}
}

// Requests returns every chat request received.
func (f *LLM) Requests() []llm.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]llm.ChatRequest(nil), f.requests...)
}
