package agent

import (
	"context"
	"fmt"
	"strings"
)

// LLMProvider is an interface for LLM API providers
type LLMProvider interface {
	// Call makes an LLM API call
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)

	// Summarize condenses a message sequence into a short synthetic
	// summary, used by context compaction.
	Summarize(ctx context.Context, messages []Message) (string, error)

	// Provider returns the provider name
	Provider() string
}

// LLMRequest contains the request parameters for LLM call
type LLMRequest struct {
	Model        string
	Messages     []Message
	Tools        []interface{}
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// LLMResponse contains the response from LLM
type LLMResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *TokenUsage
}

// ProviderFactory creates LLM providers
type ProviderFactory struct{}

// NewProvider creates a new LLM provider for the named provider
func (f *ProviderFactory) NewProvider(provider, apiKey string) (LLMProvider, error) {
	switch provider {
	case "anthropic":
		return NewAnthropicProvider(apiKey), nil
	case "openai":
		return NewOpenAIProvider(apiKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}

const summaryPrompt = "Summarize the conversation below into a compact brief that " +
	"preserves every fact, decision and tool outcome a continuation would need. " +
	"Reply with the summary only."

// renderTranscript flattens a message sequence into plain text for the
// summarization call.
func renderTranscript(messages []Message) string {
	var b strings.Builder
	for _, msg := range messages {
		b.WriteString(string(msg.Role))
		b.WriteString(": ")
		if msg.Content != "" {
			b.WriteString(msg.Content)
		}
		for _, tc := range msg.ToolCalls {
			fmt.Fprintf(&b, "[called tool %s]", tc.Name)
		}
		b.WriteString("\n")
	}
	return b.String()
}
