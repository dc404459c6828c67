package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/almas/drover/internal/observability"
	"github.com/almas/drover/internal/tracing"
	"github.com/almas/drover/pkg/ratelimit"
	"github.com/almas/drover/pkg/taskstore"
	"github.com/almas/drover/pkg/toolinvoker"
)

// ModelDependency is the rate limiter key for model API calls.
const ModelDependency = "model"

// ValidationResult is the verdict of an OutputValidator.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// OutputValidator judges a candidate final output.
type OutputValidator interface {
	Validate(candidate string) ValidationResult
}

// AutoFixer applies a deterministic best-effort transform to a candidate
// after validation retries are exhausted.
type AutoFixer interface {
	Fix(candidate string) string
}

// SessionConfig bounds one task's execution loop.
type SessionConfig struct {
	Model             string
	Temperature       float64
	MaxTokens         int
	SystemPrompt      string
	MaxIterations     int
	ValidationRetries int
	CompactThreshold  int // message count that triggers compaction, 0 disables
	ModelRetries      int // transparent retries for transient provider errors
}

// Session drives one task through a bounded think/act/validate loop. A
// session is owned by exactly one worker and has no internal concurrency.
type Session struct {
	provider  LLMProvider
	invoker   *toolinvoker.Invoker
	compactor *Compactor
	limiter   *ratelimit.Registry
	validator OutputValidator
	fixer     AutoFixer
	cfg       SessionConfig
	messages  []Message
	usage     TokenUsage
	logger    zerolog.Logger
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithInvoker wires the shared tool invoker.
func WithInvoker(inv *toolinvoker.Invoker) SessionOption {
	return func(s *Session) { s.invoker = inv }
}

// WithCompactor wires a context compactor.
func WithCompactor(c *Compactor) SessionOption {
	return func(s *Session) { s.compactor = c }
}

// WithLimiter wires the shared rate limiter registry.
func WithLimiter(r *ratelimit.Registry) SessionOption {
	return func(s *Session) { s.limiter = r }
}

// WithValidator wires an output validator.
func WithValidator(v OutputValidator) SessionOption {
	return func(s *Session) { s.validator = v }
}

// WithAutoFixer wires an auto-fixer.
func WithAutoFixer(f AutoFixer) SessionOption {
	return func(s *Session) { s.fixer = f }
}

// NewSession creates a session bound to one provider.
func NewSession(cfg SessionConfig, provider LLMProvider, opts ...SessionOption) *Session {
	if cfg.MaxIterations < 1 {
		cfg.MaxIterations = 10
	}
	if cfg.ValidationRetries < 1 {
		cfg.ValidationRetries = 1
	}
	if cfg.ModelRetries < 1 {
		cfg.ModelRetries = 3
	}

	s := &Session{
		provider: provider,
		cfg:      cfg,
		logger:   log.With().Str("component", "session").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Messages returns the session's current message sequence.
func (s *Session) Messages() []Message {
	return s.messages
}

// Run drives the loop to a terminal Outcome. The returned error is
// non-nil only for cancellation: the task is then still in flight and
// left to crash recovery. Cancellation is checked at iteration
// boundaries only, never mid call.
func (s *Session) Run(ctx context.Context, instruction string) (*Outcome, error) {
	ctx = tracing.WithSessionID(ctx, tracing.NewSessionID())
	ctx, span := tracing.StartSpan(ctx, "agent", "session.run",
		attribute.String("model", s.cfg.Model),
		attribute.String("session.id", tracing.GetSessionID(ctx)))
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, s.logger)

	s.messages = []Message{{Role: RoleInstruction, Content: instruction}}
	s.usage = TokenUsage{}

	attempts := 0
	bestCandidate := ""

	for iteration := 1; iteration <= s.cfg.MaxIterations; iteration++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if s.compactor != nil && s.cfg.CompactThreshold > 0 && len(s.messages) > s.cfg.CompactThreshold {
			s.messages = s.compactor.Compress(ctx, s.messages)
		}

		response, err := s.callModel(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Error().Err(err).Int("iteration", iteration).Msg("Model call failed")
			return &Outcome{
				Failed:             true,
				FailureKind:        taskstore.FailureError,
				Error:              err.Error(),
				Result:             bestCandidate,
				ValidationAttempts: attempts,
				Iterations:         iteration,
				Usage:              s.usage,
			}, nil
		}

		if len(response.ToolCalls) > 0 {
			s.messages = append(s.messages, Message{
				Role:      RoleAssistant,
				Content:   response.Content,
				ToolCalls: response.ToolCalls,
			})
			if err := s.runTools(ctx, response.ToolCalls, logger); err != nil {
				return nil, err
			}
			continue
		}

		candidate := response.Content
		bestCandidate = candidate
		s.messages = append(s.messages, Message{Role: RoleAssistant, Content: candidate})

		if s.validator == nil {
			return &Outcome{
				Result:             candidate,
				ValidationAttempts: attempts,
				Iterations:         iteration,
				Usage:              s.usage,
			}, nil
		}

		attempts++
		verdict := s.validator.Validate(candidate)
		if verdict.Valid {
			return &Outcome{
				Result:             candidate,
				ValidationAttempts: attempts,
				Iterations:         iteration,
				Usage:              s.usage,
			}, nil
		}

		observability.RecordValidationFailure()
		logger.Warn().
			Int("attempt", attempts).
			Strs("errors", verdict.Errors).
			Msg("Candidate failed validation")

		if attempts >= s.cfg.ValidationRetries {
			fixed := candidate
			if s.fixer != nil {
				fixed = s.fixer.Fix(candidate)
				observability.RecordAutoFix(fixed != candidate)
			}
			return &Outcome{
				Result:             fixed,
				Warning:            true,
				ValidationAttempts: attempts,
				Iterations:         iteration,
				Usage:              s.usage,
			}, nil
		}

		s.messages = append(s.messages, Message{
			Role:    RoleFeedback,
			Content: feedbackText(verdict.Errors),
		})
	}

	logger.Warn().Int("max_iterations", s.cfg.MaxIterations).Msg("Iteration limit reached")
	return &Outcome{
		Failed:             true,
		FailureKind:        taskstore.FailureIterationLimit,
		Error:              fmt.Sprintf("no terminal output after %d iterations", s.cfg.MaxIterations),
		Result:             bestCandidate,
		ValidationAttempts: attempts,
		Iterations:         s.cfg.MaxIterations,
		Usage:              s.usage,
	}, nil
}

// callModel acquires a rate limiter token, then invokes the provider,
// retrying transparently on transient errors.
func (s *Session) callModel(ctx context.Context) (*LLMResponse, error) {
	request := LLMRequest{
		Model:        s.cfg.Model,
		Messages:     s.messages,
		Temperature:  s.cfg.Temperature,
		MaxTokens:    s.cfg.MaxTokens,
		SystemPrompt: s.cfg.SystemPrompt,
	}
	if s.invoker != nil {
		request.Tools = s.invoker.Specs()
	}

	var lastErr error
	for attempt := 0; attempt < s.cfg.ModelRetries; attempt++ {
		if s.limiter != nil {
			if err := s.limiter.Acquire(ctx, ModelDependency); err != nil {
				return nil, err
			}
		}

		start := time.Now()
		response, err := s.provider.Call(ctx, request)
		observability.RecordModelCall(s.provider.Provider(), time.Since(start), err == nil)
		if err == nil {
			usage := response.Usage
			if usage == nil {
				// provider reported no usage, fall back to an estimate
				usage = &TokenUsage{
					InputTokens:  EstimateTokens(s.messages),
					OutputTokens: EstimateTokens([]Message{{Content: response.Content}}),
				}
			}
			s.usage.Add(usage)
			observability.RecordModelTokens(s.provider.Provider(),
				usage.InputTokens, usage.OutputTokens)
			return response, nil
		}

		lastErr = err
		if !IsRetryableError(err) || ctx.Err() != nil {
			return nil, err
		}

		backoff := time.Duration(attempt+1) * time.Second
		s.logger.Warn().Err(err).Dur("backoff", backoff).Msg("Transient model error, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

// runTools fans each call out through the invoker and appends the
// results. Tool failures become tool_result text, never loop errors.
func (s *Session) runTools(ctx context.Context, calls []ToolCall, logger zerolog.Logger) error {
	for _, tc := range calls {
		if s.invoker == nil {
			s.messages = append(s.messages, Message{
				Role:       RoleToolResult,
				ToolCallID: tc.ID,
				Content:    fmt.Sprintf("tool error: no tool named %q is available", tc.Name),
			})
			continue
		}

		result, err := s.invoker.Invoke(ctx, tc.Name, tc.Parameters)
		if err != nil {
			// only rate limit cancellation surfaces as an error
			return err
		}

		s.messages = append(s.messages, Message{
			Role:       RoleToolResult,
			ToolCallID: tc.ID,
			Content:    renderToolResult(result),
		})

		if !result.Success {
			logger.Debug().Str("tool", tc.Name).Str("error", result.Error).
				Msg("Tool returned an error, feeding back to model")
		}
	}
	return nil
}

func renderToolResult(result toolinvoker.Result) string {
	if !result.Success {
		return "tool error: " + result.Error
	}
	switch out := result.Output.(type) {
	case string:
		return out
	case nil:
		return ""
	default:
		data, err := json.Marshal(out)
		if err != nil {
			return fmt.Sprintf("%v", out)
		}
		return string(data)
	}
}

func feedbackText(errors []string) string {
	var b strings.Builder
	b.WriteString("Your previous output failed validation:\n")
	for _, e := range errors {
		b.WriteString("- ")
		b.WriteString(e)
		b.WriteString("\n")
	}
	b.WriteString("Produce a corrected output that resolves every issue above.")
	return b.String()
}
