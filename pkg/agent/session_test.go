package agent

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/almas/drover/internal/tracing"
	"github.com/almas/drover/pkg/taskstore"
	"github.com/almas/drover/pkg/toolinvoker"
)

type providerStep struct {
	resp *LLMResponse
	err  error
}

// scriptedProvider replays a fixed sequence of responses, repeating the
// last step once the script runs out.
type scriptedProvider struct {
	steps     []providerStep
	calls     int
	summaries int
}

func (p *scriptedProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	i := p.calls
	if i >= len(p.steps) {
		i = len(p.steps) - 1
	}
	p.calls++
	step := p.steps[i]
	return step.resp, step.err
}

func (p *scriptedProvider) Summarize(ctx context.Context, messages []Message) (string, error) {
	p.summaries++
	return "condensed history", nil
}

func (p *scriptedProvider) Provider() string { return "scripted" }

func finalStep(content string) providerStep {
	return providerStep{resp: &LLMResponse{
		Content: content,
		Usage:   &TokenUsage{InputTokens: 10, OutputTokens: 5},
	}}
}

func toolStep(id string) providerStep {
	return providerStep{resp: &LLMResponse{
		ToolCalls: []ToolCall{{ID: id, Name: "lookup", Parameters: map[string]interface{}{"query": "q"}}},
		Usage:     &TokenUsage{InputTokens: 10, OutputTokens: 5},
	}}
}

// rejectNValidator rejects the first n candidates, then accepts.
type rejectNValidator struct {
	n    int
	seen int
}

func (v *rejectNValidator) Validate(candidate string) ValidationResult {
	v.seen++
	if v.seen <= v.n {
		return ValidationResult{Valid: false, Errors: []string{"missing required field"}}
	}
	return ValidationResult{Valid: true}
}

type prefixFixer struct{}

func (prefixFixer) Fix(candidate string) string { return "fixed:" + candidate }

func newTestInvoker(t *testing.T, handler toolinvoker.ToolHandler) *toolinvoker.Invoker {
	t.Helper()
	inv := toolinvoker.New()
	err := inv.Register(toolinvoker.ToolDefinition{
		Name:        "lookup",
		Description: "Looks something up",
		Parameters: []toolinvoker.ToolParameter{
			{Name: "query", Type: "string", Description: "Query", Required: true},
		},
		Handler: handler,
	})
	require.NoError(t, err)
	return inv
}

func okHandler(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return "lookup result", nil
}

func TestSessionRun(t *testing.T) {
	t.Run("should return the final output without a validator", func(t *testing.T) {
		provider := &scriptedProvider{steps: []providerStep{finalStep("done")}}
		s := NewSession(SessionConfig{Model: "m", MaxIterations: 5}, provider)

		outcome, err := s.Run(context.Background(), "do the thing")

		require.NoError(t, err)
		assert.False(t, outcome.Failed)
		assert.False(t, outcome.Warning)
		assert.Equal(t, "done", outcome.Result)
		assert.Equal(t, 1, outcome.Iterations)
		assert.Equal(t, 15, outcome.Usage.InputTokens+outcome.Usage.OutputTokens)
	})

	t.Run("should estimate token usage when the provider reports none", func(t *testing.T) {
		provider := &scriptedProvider{steps: []providerStep{
			{resp: &LLMResponse{Content: "12345678"}},
		}}
		s := NewSession(SessionConfig{Model: "m", MaxIterations: 5}, provider)

		outcome, err := s.Run(context.Background(), "abcd")

		require.NoError(t, err)
		// instruction "abcd" is one estimated input token, the eight
		// character reply two output tokens
		assert.Equal(t, 1, outcome.Usage.InputTokens)
		assert.Equal(t, 2, outcome.Usage.OutputTokens)
	})

	t.Run("should tag the run with a session id visible to tools", func(t *testing.T) {
		var seen string
		inv := newTestInvoker(t, func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			seen = tracing.GetSessionID(ctx)
			return "ok", nil
		})
		provider := &scriptedProvider{steps: []providerStep{toolStep("c1"), finalStep("done")}}
		s := NewSession(SessionConfig{Model: "m", MaxIterations: 5}, provider, WithInvoker(inv))

		_, err := s.Run(context.Background(), "do the thing")

		require.NoError(t, err)
		assert.NotEmpty(t, seen)
	})

	t.Run("should accept after a validation retry", func(t *testing.T) {
		provider := &scriptedProvider{steps: []providerStep{finalStep("draft"), finalStep("revised")}}
		s := NewSession(SessionConfig{Model: "m", MaxIterations: 5, ValidationRetries: 3},
			provider,
			WithValidator(&rejectNValidator{n: 1}),
		)

		outcome, err := s.Run(context.Background(), "do the thing")

		require.NoError(t, err)
		assert.False(t, outcome.Failed)
		assert.False(t, outcome.Warning)
		assert.Equal(t, "revised", outcome.Result)
		assert.Equal(t, 2, outcome.ValidationAttempts)

		var sawFeedback bool
		for _, msg := range s.Messages() {
			if msg.Role == RoleFeedback {
				sawFeedback = true
				assert.Contains(t, msg.Content, "missing required field")
			}
		}
		assert.True(t, sawFeedback)
	})

	t.Run("should auto-fix when retries are exhausted", func(t *testing.T) {
		provider := &scriptedProvider{steps: []providerStep{finalStep("bad")}}
		s := NewSession(SessionConfig{Model: "m", MaxIterations: 5, ValidationRetries: 1},
			provider,
			WithValidator(&rejectNValidator{n: 100}),
			WithAutoFixer(prefixFixer{}),
		)

		outcome, err := s.Run(context.Background(), "do the thing")

		require.NoError(t, err)
		assert.False(t, outcome.Failed)
		assert.True(t, outcome.Warning)
		assert.Equal(t, "fixed:bad", outcome.Result)
		assert.Equal(t, 1, outcome.ValidationAttempts)
	})

	t.Run("should feed tool errors back to the model", func(t *testing.T) {
		failing := func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return nil, fmt.Errorf("upstream timed out")
		}
		provider := &scriptedProvider{steps: []providerStep{toolStep("c1"), finalStep("best effort")}}
		s := NewSession(SessionConfig{Model: "m", MaxIterations: 5, ValidationRetries: 1},
			provider,
			WithInvoker(newTestInvoker(t, failing)),
			WithValidator(&rejectNValidator{n: 100}),
			WithAutoFixer(prefixFixer{}),
		)

		outcome, err := s.Run(context.Background(), "do the thing")

		require.NoError(t, err)
		assert.False(t, outcome.Failed)
		assert.True(t, outcome.Warning)
		assert.Equal(t, 2, provider.calls)

		var sawToolError bool
		for _, msg := range s.Messages() {
			if msg.Role == RoleToolResult {
				sawToolError = true
				assert.Contains(t, msg.Content, "tool error")
				assert.Contains(t, msg.Content, "upstream timed out")
			}
		}
		assert.True(t, sawToolError)
	})

	t.Run("should fail with the iteration limit kind", func(t *testing.T) {
		provider := &scriptedProvider{steps: []providerStep{toolStep("c1")}}
		s := NewSession(SessionConfig{Model: "m", MaxIterations: 3},
			provider,
			WithInvoker(newTestInvoker(t, okHandler)),
		)

		outcome, err := s.Run(context.Background(), "do the thing")

		require.NoError(t, err)
		assert.True(t, outcome.Failed)
		assert.Equal(t, taskstore.FailureIterationLimit, outcome.FailureKind)
		assert.Equal(t, 3, provider.calls)
		assert.Equal(t, 3, outcome.Iterations)
	})

	t.Run("should carry the best candidate into an iteration limit failure", func(t *testing.T) {
		provider := &scriptedProvider{steps: []providerStep{finalStep("almost"), toolStep("c1")}}
		s := NewSession(SessionConfig{Model: "m", MaxIterations: 2, ValidationRetries: 5},
			provider,
			WithInvoker(newTestInvoker(t, okHandler)),
			WithValidator(&rejectNValidator{n: 100}),
		)

		outcome, err := s.Run(context.Background(), "do the thing")

		require.NoError(t, err)
		assert.True(t, outcome.Failed)
		assert.Equal(t, taskstore.FailureIterationLimit, outcome.FailureKind)
		assert.Equal(t, "almost", outcome.Result)
	})

	t.Run("should surface a hard model error as a failure outcome", func(t *testing.T) {
		provider := &scriptedProvider{steps: []providerStep{
			{err: fmt.Errorf("401 invalid api key")},
		}}
		s := NewSession(SessionConfig{Model: "m", MaxIterations: 5}, provider)

		outcome, err := s.Run(context.Background(), "do the thing")

		require.NoError(t, err)
		assert.True(t, outcome.Failed)
		assert.Equal(t, taskstore.FailureError, outcome.FailureKind)
		assert.Contains(t, outcome.Error, "invalid api key")
		assert.Equal(t, 1, provider.calls)
	})

	t.Run("should retry transient model errors", func(t *testing.T) {
		provider := &scriptedProvider{steps: []providerStep{
			{err: fmt.Errorf("503 service unavailable")},
			finalStep("done"),
		}}
		s := NewSession(SessionConfig{Model: "m", MaxIterations: 5}, provider)

		outcome, err := s.Run(context.Background(), "do the thing")

		require.NoError(t, err)
		assert.False(t, outcome.Failed)
		assert.Equal(t, "done", outcome.Result)
		assert.Equal(t, 2, provider.calls)
	})

	t.Run("should compact the history past the threshold", func(t *testing.T) {
		provider := &scriptedProvider{steps: []providerStep{
			toolStep("c1"), toolStep("c2"), toolStep("c3"), toolStep("c4"),
			finalStep("done"),
		}}
		compactor := NewCompactor(provider, CompactorConfig{PreserveHead: 1, PreserveTail: 2})
		s := NewSession(SessionConfig{Model: "m", MaxIterations: 10, CompactThreshold: 4},
			provider,
			WithInvoker(newTestInvoker(t, okHandler)),
			WithCompactor(compactor),
		)

		outcome, err := s.Run(context.Background(), "do the thing")

		require.NoError(t, err)
		assert.False(t, outcome.Failed)
		assert.Equal(t, "done", outcome.Result)
		assert.GreaterOrEqual(t, provider.summaries, 1)
		assert.False(t, hasOrphans(s.Messages()))
	})

	t.Run("should stop at an iteration boundary when cancelled", func(t *testing.T) {
		provider := &scriptedProvider{steps: []providerStep{toolStep("c1")}}
		s := NewSession(SessionConfig{Model: "m", MaxIterations: 5},
			provider,
			WithInvoker(newTestInvoker(t, okHandler)),
		)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		outcome, err := s.Run(ctx, "do the thing")

		assert.ErrorIs(t, err, context.Canceled)
		assert.Nil(t, outcome)
		assert.Equal(t, 0, provider.calls)
	})
}

func TestIsRetryableError(t *testing.T) {
	t.Run("should retry rate limits and server errors", func(t *testing.T) {
		assert.True(t, IsRetryableError(fmt.Errorf("429 too many requests")))
		assert.True(t, IsRetryableError(fmt.Errorf("got 502 from upstream")))
		assert.True(t, IsRetryableError(fmt.Errorf("read tcp: ECONNRESET")))
	})

	t.Run("should not retry client errors", func(t *testing.T) {
		assert.False(t, IsRetryableError(nil))
		assert.False(t, IsRetryableError(fmt.Errorf("401 unauthorized")))
		assert.False(t, IsRetryableError(fmt.Errorf("400 bad request")))
	})
}

func TestEstimateTokens(t *testing.T) {
	t.Run("should estimate roughly four characters per token", func(t *testing.T) {
		messages := []Message{
			{Role: RoleInstruction, Content: "12345678"},
			{Role: RoleAssistant, Content: "1234"},
		}
		assert.Equal(t, 3, EstimateTokens(messages))
	})
}
