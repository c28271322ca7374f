// Package llm defines the chat completion interface the agent session uses
// to produce a reply once the silence engine permits a response.
package llm

import "context"

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single chat message.
type Message struct {
	Role    Role
	Content string
}

// ChatRequest contains parameters for a chat completion request.
type ChatRequest struct {
	Messages    []Message
	MaxTokens   int
	Temperature float32
}

// ChatResponse contains the response from a chat completion request.
type ChatResponse struct {
	Message      Message
	TokensUsed   int
	FinishReason string
}

// Capabilities describes an LLM provider.
type Capabilities struct {
	MaxTokens          int
	SupportedModels    []string
	SupportsSystemRole bool
}

// LLM performs chat completions.
type LLM interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	Capabilities() Capabilities
}
