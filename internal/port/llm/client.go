// Package llm defines the port interface for LLM provider completions.
package llm

import (
	"context"
	"time"
)

// Message is one chat message in a completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest describes one model call.
type CompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []Message     `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Timeout     time.Duration `json:"-"`
}

// Completion is the normalized result of one model call.
type Completion struct {
	Content          string  `json:"content"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// Client is the port interface for one provider endpoint. Implementations
// must normalize transport and provider errors to *provider.Error before
// returning.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
}
