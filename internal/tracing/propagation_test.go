package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestPropagateToLogger(t *testing.T) {
	t.Run("should decorate logger with tracing fields", func(t *testing.T) {
		var buf bytes.Buffer
		base := zerolog.New(&buf)

		ctx := context.Background()
		ctx = WithTraceID(ctx, "trace-abc")
		ctx = WithTaskID(ctx, "task-abc")
		ctx = WithWorkerID(ctx, "worker-abc")

		logger := PropagateToLogger(ctx, base)
		logger.Info().Msg("claimed")

		out := buf.String()
		assert.Contains(t, out, `"trace_id":"trace-abc"`)
		assert.Contains(t, out, `"task_id":"task-abc"`)
		assert.Contains(t, out, `"worker_id":"worker-abc"`)
	})

	t.Run("should leave logger unchanged for bare context", func(t *testing.T) {
		var buf bytes.Buffer
		base := zerolog.New(&buf)

		logger := PropagateToLogger(context.Background(), base)
		logger.Info().Msg("idle")

		out := buf.String()
		assert.NotContains(t, out, "trace_id")
		assert.NotContains(t, out, "task_id")
	})
}

func TestCloneContext(t *testing.T) {
	t.Run("should carry tracing info into fresh context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		ctx = WithTraceID(ctx, "trace-clone")
		ctx = WithWorkerID(ctx, "worker-clone")
		cancel()

		clone := CloneContext(ctx)
		assert.NoError(t, clone.Err())
		assert.Equal(t, "trace-clone", GetTraceID(clone))
		assert.Equal(t, "worker-clone", GetWorkerID(clone))
	})
}
