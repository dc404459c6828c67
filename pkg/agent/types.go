package agent

import "strings"

// Role tags a message kind in a session's running context.
type Role string

const (
	// RoleInstruction is the standing task instruction that seeds a session.
	RoleInstruction Role = "instruction"
	// RoleAssistant is a model turn: with tool calls it requests tool
	// execution, without it carries a candidate final output.
	RoleAssistant Role = "assistant"
	// RoleToolResult answers one tool call by id. It must always follow
	// the assistant message that issued the matching call.
	RoleToolResult Role = "tool_result"
	// RoleSummary is a synthetic message produced by compaction.
	RoleSummary Role = "summary"
	// RoleFeedback carries validator errors back to the model.
	RoleFeedback Role = "feedback"
)

// Message is one turn in a session's conversation.
type Message struct {
	Role       Role                   `json:"role"`
	Content    string                 `json:"content"`
	ToolCalls  []ToolCall             `json:"tool_calls,omitempty"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// RequestsTools reports whether this is a model turn carrying tool calls.
func (m Message) RequestsTools() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// OwnsToolResult reports whether this message issued the tool call a
// tool_result with the given id answers.
func (m Message) OwnsToolResult(toolCallID string) bool {
	if !m.RequestsTools() {
		return false
	}
	for _, tc := range m.ToolCalls {
		if tc.ID == toolCallID {
			return true
		}
	}
	return false
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`
}

// TokenUsage tracks token consumption.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates another usage record into this one.
func (u *TokenUsage) Add(other *TokenUsage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Outcome is the terminal state of one session, persisted by the worker.
type Outcome struct {
	Result             string     `json:"result,omitempty"`
	Warning            bool       `json:"warning,omitempty"`
	Failed             bool       `json:"failed,omitempty"`
	FailureKind        string     `json:"failure_kind,omitempty"`
	Error              string     `json:"error,omitempty"`
	ValidationAttempts int        `json:"validation_attempts"`
	Iterations         int        `json:"iterations"`
	Usage              TokenUsage `json:"usage"`
}

// IsRetryableError checks if a provider error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errMsg := err.Error()

	// Network errors
	if strings.Contains(errMsg, "ECONNRESET") || strings.Contains(errMsg, "ETIMEDOUT") ||
		strings.Contains(errMsg, "connection refused") {
		return true
	}

	// Rate limits
	if strings.Contains(errMsg, "429") || strings.Contains(errMsg, "rate limit") {
		return true
	}

	// Server errors
	if strings.Contains(errMsg, "500") || strings.Contains(errMsg, "502") ||
		strings.Contains(errMsg, "503") || strings.Contains(errMsg, "504") {
		return true
	}

	return false
}

// EstimateTokens provides a rough token count estimation
func EstimateTokens(messages []Message) int {
	totalChars := 0
	for _, msg := range messages {
		totalChars += len(msg.Content)
	}
	// Rough estimation: 1 token ≈ 4 characters
	return (totalChars + 3) / 4
}
