package agent

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/almas/drover/internal/observability"
)

// Summarizer condenses a message sequence into one text brief. Satisfied
// by every LLMProvider.
type Summarizer interface {
	Summarize(ctx context.Context, messages []Message) (string, error)
}

// CompactorConfig bounds the compacted sequence: the first PreserveHead
// messages and the last PreserveTail messages survive, everything between
// collapses into one summary message. MaxWiden caps how many extra
// messages the tail may absorb to keep tool call pairs together.
type CompactorConfig struct {
	PreserveHead int
	PreserveTail int
	MaxWiden     int
}

// Compactor bounds a growing message history while keeping every
// tool_result adjacent to the assistant message that issued its call.
type Compactor struct {
	summarizer Summarizer
	cfg        CompactorConfig
}

// NewCompactor creates a Compactor. Zero config fields get defaults.
func NewCompactor(summarizer Summarizer, cfg CompactorConfig) *Compactor {
	if cfg.PreserveHead < 1 {
		cfg.PreserveHead = 1
	}
	if cfg.PreserveTail < 1 {
		cfg.PreserveTail = 10
	}
	if cfg.MaxWiden < 1 {
		cfg.MaxWiden = 2 * cfg.PreserveTail
	}
	return &Compactor{summarizer: summarizer, cfg: cfg}
}

// Compress returns a bounded copy of messages: head, one summary of the
// middle, then the tail. The tail boundary widens backward so it never
// opens on a tool_result separated from its owner, up to MaxWiden extra
// messages; past that the offending tool_results are dropped instead.
// Summarization failure is recoverable: the original sequence is
// returned untouched.
func (c *Compactor) Compress(ctx context.Context, messages []Message) []Message {
	if len(messages) <= c.cfg.PreserveHead+c.cfg.PreserveTail+1 {
		return messages
	}

	boundary := len(messages) - c.cfg.PreserveTail
	minBoundary := boundary - c.cfg.MaxWiden
	if minBoundary < c.cfg.PreserveHead {
		minBoundary = c.cfg.PreserveHead
	}

	// Widen the tail backward until it no longer opens on a tool_result
	// whose owning assistant message sits in the middle.
	for boundary > minBoundary {
		first := messages[boundary]
		if first.Role != RoleToolResult {
			break
		}
		owner := -1
		for i := boundary - 1; i >= minBoundary; i-- {
			if messages[i].OwnsToolResult(first.ToolCallID) {
				owner = i
				break
			}
		}
		if owner < 0 {
			// Owner out of reach: leave the boundary, the orphan
			// filter below drops the unpaired results.
			break
		}
		boundary = owner
	}

	middle := messages[c.cfg.PreserveHead:boundary]
	if len(middle) == 0 {
		return messages
	}

	summary, err := c.summarizer.Summarize(ctx, middle)
	if err != nil {
		log.Warn().Err(err).Int("middle", len(middle)).
			Msg("Summarization failed, keeping full history")
		return messages
	}

	compacted := make([]Message, 0, c.cfg.PreserveHead+1+len(messages)-boundary)
	compacted = append(compacted, messages[:c.cfg.PreserveHead]...)
	compacted = append(compacted, Message{Role: RoleSummary, Content: summary})
	compacted = append(compacted, messages[boundary:]...)

	compacted, dropped := dropOrphans(compacted)
	if dropped > 0 {
		log.Warn().Int("dropped", dropped).
			Msg("Dropped orphaned tool results during compaction")
	}

	observability.RecordCompaction()
	log.Debug().
		Int("before", len(messages)).
		Int("after", len(compacted)).
		Msg("Compacted message history")

	return compacted
}

// dropOrphans removes every tool_result that is not preceded, with only
// summaries or sibling tool_results in between, by the assistant message
// that issued its call.
func dropOrphans(messages []Message) ([]Message, int) {
	kept := make([]Message, 0, len(messages))
	dropped := 0
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
				dropped++
				continue
			}
		case RoleSummary:
			// transparent for pairing purposes
		default:
			owner = nil
		}
		kept = append(kept, msg)
	}
	return kept, dropped
}
