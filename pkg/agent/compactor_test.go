package agent

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type funcSummarizer func(ctx context.Context, messages []Message) (string, error)

func (f funcSummarizer) Summarize(ctx context.Context, messages []Message) (string, error) {
	return f(ctx, messages)
}

func countingSummarizer(calls *int) funcSummarizer {
	return func(ctx context.Context, messages []Message) (string, error) {
		*calls++
		return fmt.Sprintf("summary of %d messages", len(messages)), nil
	}
}

func toolRound(id string) []Message {
	return []Message{
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: id, Name: "lookup"}}},
		{Role: RoleToolResult, ToolCallID: id, Content: "result " + id},
	}
}

func hasOrphans(messages []Message) bool {
	var owner *Message
	for i := range messages {
		msg := messages[i]
		switch msg.Role {
		case RoleAssistant:
			if msg.RequestsTools() {
				owner = &messages[i]
			} else {
				owner = nil
			}
		case RoleToolResult:
			if owner == nil || !owner.OwnsToolResult(msg.ToolCallID) {
				return true
			}
		case RoleSummary:
		default:
			owner = nil
		}
	}
	return false
}

func TestCompactorCompress(t *testing.T) {
	t.Run("should leave short sequences untouched", func(t *testing.T) {
		calls := 0
		c := NewCompactor(countingSummarizer(&calls), CompactorConfig{PreserveHead: 1, PreserveTail: 4})

		messages := []Message{
			{Role: RoleInstruction, Content: "do the thing"},
			{Role: RoleAssistant, Content: "done"},
		}

		out := c.Compress(context.Background(), messages)

		assert.Equal(t, messages, out)
		assert.Equal(t, 0, calls)
	})

	t.Run("should collapse the middle into one summary", func(t *testing.T) {
		calls := 0
		c := NewCompactor(countingSummarizer(&calls), CompactorConfig{PreserveHead: 1, PreserveTail: 2})

		messages := []Message{{Role: RoleInstruction, Content: "instruction"}}
		for i := 0; i < 10; i++ {
			messages = append(messages, Message{Role: RoleAssistant, Content: fmt.Sprintf("turn %d", i)})
		}

		out := c.Compress(context.Background(), messages)

		require.Len(t, out, 4)
		assert.Equal(t, RoleInstruction, out[0].Role)
		assert.Equal(t, RoleSummary, out[1].Role)
		assert.Contains(t, out[1].Content, "summary of")
		assert.Equal(t, "turn 8", out[2].Content)
		assert.Equal(t, "turn 9", out[3].Content)
		assert.Equal(t, 1, calls)
	})

	t.Run("should widen the tail to include the tool call owner", func(t *testing.T) {
		calls := 0
		c := NewCompactor(countingSummarizer(&calls), CompactorConfig{PreserveHead: 1, PreserveTail: 1})

		messages := []Message{{Role: RoleInstruction, Content: "instruction"}}
		for i := 0; i < 4; i++ {
			messages = append(messages, Message{Role: RoleAssistant, Content: fmt.Sprintf("turn %d", i)})
		}
		// tail of 1 would open on the tool result, splitting the pair
		messages = append(messages, toolRound("call-1")...)

		out := c.Compress(context.Background(), messages)

		assert.False(t, hasOrphans(out))
		last := out[len(out)-1]
		require.Equal(t, RoleToolResult, last.Role)
		assert.True(t, out[len(out)-2].OwnsToolResult(last.ToolCallID))
	})

	t.Run("should drop tail orphans past the widening ceiling", func(t *testing.T) {
		calls := 0
		c := NewCompactor(countingSummarizer(&calls), CompactorConfig{
			PreserveHead: 1,
			PreserveTail: 2,
			MaxWiden:     1,
		})

		messages := []Message{{Role: RoleInstruction, Content: "instruction"}}
		messages = append(messages,
			Message{Role: RoleAssistant, Content: "filler 0"},
			Message{Role: RoleAssistant, Content: "filler 1"},
			Message{Role: RoleAssistant, Content: "filler 2"},
			Message{Role: RoleAssistant, ToolCalls: []ToolCall{
				{ID: "a", Name: "lookup"}, {ID: "b", Name: "lookup"}, {ID: "c", Name: "lookup"},
			}},
			Message{Role: RoleToolResult, ToolCallID: "a", Content: "ra"},
			Message{Role: RoleToolResult, ToolCallID: "b", Content: "rb"},
			Message{Role: RoleToolResult, ToolCallID: "c", Content: "rc"},
		)

		out := c.Compress(context.Background(), messages)

		assert.False(t, hasOrphans(out))
		for _, msg := range out {
			if msg.Role == RoleToolResult {
				t.Fatalf("expected unreachable tool results to be dropped, found %q", msg.ToolCallID)
			}
		}
	})

	t.Run("should keep the original sequence when summarization fails", func(t *testing.T) {
		failing := funcSummarizer(func(ctx context.Context, messages []Message) (string, error) {
			return "", fmt.Errorf("model unavailable")
		})
		c := NewCompactor(failing, CompactorConfig{PreserveHead: 1, PreserveTail: 2})

		messages := []Message{{Role: RoleInstruction, Content: "instruction"}}
		for i := 0; i < 10; i++ {
			messages = append(messages, Message{Role: RoleAssistant, Content: fmt.Sprintf("turn %d", i)})
		}

		out := c.Compress(context.Background(), messages)

		assert.Equal(t, messages, out)
	})

	t.Run("should preserve pairing for random interleaved sequences", func(t *testing.T) {
		rng := rand.New(rand.NewSource(42))
		calls := 0
		for trial := 0; trial < 50; trial++ {
			messages := []Message{{Role: RoleInstruction, Content: "instruction"}}
			for len(messages) < 10+rng.Intn(40) {
				if rng.Intn(2) == 0 {
					messages = append(messages, Message{Role: RoleAssistant, Content: "text"})
				} else {
					id := fmt.Sprintf("call-%d-%d", trial, len(messages))
					messages = append(messages, toolRound(id)...)
				}
			}

			tail := 1 + rng.Intn(8)
			c := NewCompactor(countingSummarizer(&calls), CompactorConfig{
				PreserveHead: 1,
				PreserveTail: tail,
			})

			out := c.Compress(context.Background(), messages)

			assert.False(t, hasOrphans(out), "trial %d with tail %d produced an orphan", trial, tail)
		}
	})

	t.Run("should stay safe when applied twice", func(t *testing.T) {
		calls := 0
		c := NewCompactor(countingSummarizer(&calls), CompactorConfig{PreserveHead: 1, PreserveTail: 4})

		messages := []Message{{Role: RoleInstruction, Content: "instruction"}}
		for i := 0; i < 10; i++ {
			id := fmt.Sprintf("call-%d", i)
			messages = append(messages, toolRound(id)...)
		}

		once := c.Compress(context.Background(), messages)
		twice := c.Compress(context.Background(), once)

		assert.False(t, hasOrphans(twice))
		maxLen := 1 + 1 + 4 + c.cfg.MaxWiden
		assert.LessOrEqual(t, len(twice), maxLen)
	})
}

func TestDropOrphans(t *testing.T) {
	t.Run("should drop a tool result with no antecedent", func(t *testing.T) {
		messages := []Message{
			{Role: RoleInstruction, Content: "instruction"},
			{Role: RoleToolResult, ToolCallID: "ghost", Content: "orphan"},
			{Role: RoleAssistant, Content: "fine"},
		}

		kept, dropped := dropOrphans(messages)

		assert.Equal(t, 1, dropped)
		require.Len(t, kept, 2)
		assert.Equal(t, RoleInstruction, kept[0].Role)
		assert.Equal(t, RoleAssistant, kept[1].Role)
	})

	t.Run("should keep results separated from their owner only by a summary", func(t *testing.T) {
		messages := []Message{
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "x", Name: "lookup"}}},
			{Role: RoleSummary, Content: "summary"},
			{Role: RoleToolResult, ToolCallID: "x", Content: "rx"},
		}

		kept, dropped := dropOrphans(messages)

		assert.Equal(t, 0, dropped)
		assert.Len(t, kept, 3)
	})

	t.Run("should drop results whose owner was displaced by another turn", func(t *testing.T) {
		messages := []Message{
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "x", Name: "lookup"}}},
			{Role: RoleFeedback, Content: "fix it"},
			{Role: RoleToolResult, ToolCallID: "x", Content: "rx"},
		}

		kept, dropped := dropOrphans(messages)

		assert.Equal(t, 1, dropped)
		assert.Len(t, kept, 2)
	})
}
