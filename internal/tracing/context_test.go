package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTraceID(t *testing.T) {
	t.Run("should generate unique trace IDs", func(t *testing.T) {
		id1 := NewTraceID()
		id2 := NewTraceID()

		require.NotEmpty(t, id1)
		require.NotEmpty(t, id2)
		assert.NotEqual(t, id1, id2)
	})
}

func TestWithTraceID(t *testing.T) {
	t.Run("should store and retrieve trace ID", func(t *testing.T) {
		ctx := WithTraceID(context.Background(), "trace-123")
		assert.Equal(t, "trace-123", GetTraceID(ctx))
	})

	t.Run("should return empty string when absent", func(t *testing.T) {
		assert.Empty(t, GetTraceID(context.Background()))
	})
}

func TestWithTaskID(t *testing.T) {
	t.Run("should store and retrieve task ID", func(t *testing.T) {
		ctx := WithTaskID(context.Background(), "task-42")
		assert.Equal(t, "task-42", GetTaskID(ctx))
	})
}

func TestWithWorkerID(t *testing.T) {
	t.Run("should store and retrieve worker ID", func(t *testing.T) {
		ctx := WithWorkerID(context.Background(), "worker-7")
		assert.Equal(t, "worker-7", GetWorkerID(ctx))
	})
}

func TestFromContext(t *testing.T) {
	t.Run("should extract all tracing fields", func(t *testing.T) {
		ctx := context.Background()
		ctx = WithTraceID(ctx, "trace-1")
		ctx = WithTaskID(ctx, "task-1")
		ctx = WithWorkerID(ctx, "worker-1")
		ctx = WithSessionID(ctx, "session-1")

		tc := FromContext(ctx)
		require.NotNil(t, tc)
		assert.Equal(t, "trace-1", tc.TraceID)
		assert.Equal(t, "task-1", tc.TaskID)
		assert.Equal(t, "worker-1", tc.WorkerID)
		assert.Equal(t, "session-1", tc.SessionID)
	})

	t.Run("should return empty fields for bare context", func(t *testing.T) {
		tc := FromContext(context.Background())
		require.NotNil(t, tc)
		assert.Empty(t, tc.TraceID)
		assert.Empty(t, tc.TaskID)
	})
}

func TestNewContext(t *testing.T) {
	t.Run("should round-trip through TraceContext", func(t *testing.T) {
		tc := &TraceContext{
			TraceID:  "trace-x",
			TaskID:   "task-x",
			WorkerID: "worker-x",
		}

		ctx := NewContext(context.Background(), tc)
		got := FromContext(ctx)
		assert.Equal(t, tc.TraceID, got.TraceID)
		assert.Equal(t, tc.TaskID, got.TaskID)
		assert.Equal(t, tc.WorkerID, got.WorkerID)
		assert.Empty(t, got.SessionID)
	})
}

func TestNewTaskContext(t *testing.T) {
	t.Run("should assign fresh trace ID with task and worker", func(t *testing.T) {
		ctx := NewTaskContext(context.Background(), "task-9", "worker-3")

		assert.NotEmpty(t, GetTraceID(ctx))
		assert.Equal(t, "task-9", GetTaskID(ctx))
		assert.Equal(t, "worker-3", GetWorkerID(ctx))
	})

	t.Run("should replace inherited trace ID", func(t *testing.T) {
		parent := WithTraceID(context.Background(), "old-trace")
		ctx := NewTaskContext(parent, "task-1", "worker-1")

		assert.NotEqual(t, "old-trace", GetTraceID(ctx))
	})
}
