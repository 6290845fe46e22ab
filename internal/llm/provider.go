// Package llm abstracts the upstream model API behind a streaming
// provider interface. Two implementations exist: an OpenAI-compatible
// client and a native Anthropic client.
package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/promethea/promethea/internal/config"
	"github.com/promethea/promethea/pkg/models"
)

// Request is one completion call: system prompt, conversation tail and
// available tools.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolSpec
	MaxTokens   int
	Temperature float64
}

// Message is a provider-neutral conversation entry. Assistant messages
// may carry tool calls; tool messages carry the matching results.
type Message struct {
	Role        models.Role
	Content     string
	ToolCalls   []models.ToolCall
	ToolResults []ToolResult
}

// ToolResult answers one tool call in a follow-up message.
type ToolResult struct {
	CallID  string
	Content string
	IsError bool
}

// ToolSpec describes a callable tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Chunk is one streamed fragment. Exactly one of Text, ToolCall, Done
// or Err is meaningful. A ToolCall chunk carries a fully accumulated
// call; argument fragments never escape the provider.
type Chunk struct {
	Text     string
	ToolCall *models.ToolCall
	Done     bool
	Err      error
}

// Provider streams completions. Implementations must be safe for
// concurrent use; each Stream call owns its channel and closes it when
// the stream ends.
type Provider interface {
	Stream(ctx context.Context, req *Request) (<-chan Chunk, error)
	Name() string
}

// New builds the provider named by the configuration.
func New(cfg config.APIConfig) (Provider, error) {
	switch cfg.Provider {
	case "anthropic":
		return NewAnthropicProvider(cfg), nil
	case "openai", "openai-compatible", "":
		return NewOpenAIProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
