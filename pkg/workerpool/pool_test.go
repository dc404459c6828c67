package workerpool

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/almas/drover/internal/tracing"
	"github.com/almas/drover/pkg/agent"
	"github.com/almas/drover/pkg/taskstore"
)

type runnerFunc func(ctx context.Context, instruction string) (*agent.Outcome, error)

func (f runnerFunc) Run(ctx context.Context, instruction string) (*agent.Outcome, error) {
	return f(ctx, instruction)
}

func factoryOf(f runnerFunc) SessionFactory {
	return func() SessionRunner { return f }
}

func newTestStore(t *testing.T) *taskstore.Store {
	t.Helper()
	store, err := taskstore.Open(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func completingRunner(ctx context.Context, instruction string) (*agent.Outcome, error) {
	return &agent.Outcome{Result: "done:" + instruction, ValidationAttempts: 1, Iterations: 1}, nil
}

func TestPoolRun(t *testing.T) {
	t.Run("should drain the queue and exit", func(t *testing.T) {
		store := newTestStore(t)
		ctx := context.Background()

		for i := 0; i < 5; i++ {
			_, _, err := store.Enqueue(ctx, fmt.Sprintf("task-%d", i), "")
			require.NoError(t, err)
		}

		pool := New(store, factoryOf(completingRunner), Config{Workers: 2})
		require.NoError(t, pool.Run(ctx))

		stats, err := store.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 5, stats.Completed)
		assert.Equal(t, 0, stats.Pending)
		assert.Equal(t, 0, stats.Processing)
	})

	t.Run("should complete three tasks with two workers and one retry", func(t *testing.T) {
		store := newTestStore(t)
		ctx := context.Background()

		ids := map[string]string{}
		for _, payload := range []string{"task-1", "task-2", "task-3"} {
			id, _, err := store.Enqueue(ctx, payload, "")
			require.NoError(t, err)
			ids[payload] = id
		}

		// task-2 needs a validation retry, everyone else passes first try
		runner := runnerFunc(func(ctx context.Context, instruction string) (*agent.Outcome, error) {
			attempts := 1
			if instruction == "task-2" {
				attempts = 2
			}
			return &agent.Outcome{Result: "ok", ValidationAttempts: attempts, Iterations: attempts}, nil
		})

		pool := New(store, factoryOf(runner), Config{Workers: 2})
		require.NoError(t, pool.Run(ctx))

		stats, err := store.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, stats.Completed)
		assert.Equal(t, 0, stats.Pending)
		assert.Equal(t, 0, stats.Processing)
		assert.Equal(t, 0, stats.Failed)

		task2, err := store.Get(ctx, ids["task-2"])
		require.NoError(t, err)
		assert.Equal(t, 2, task2.Attempts)

		task1, err := store.Get(ctx, ids["task-1"])
		require.NoError(t, err)
		assert.Equal(t, 1, task1.Attempts)
	})

	t.Run("should reset orphaned tasks before claiming", func(t *testing.T) {
		store := newTestStore(t)
		ctx := context.Background()

		id, _, err := store.Enqueue(ctx, "stranded", "")
		require.NoError(t, err)

		// simulate a crash mid-processing
		claimed, err := store.ClaimNext(ctx, "w-dead")
		require.NoError(t, err)
		require.Equal(t, id, claimed.ID)

		pool := New(store, factoryOf(completingRunner), Config{Workers: 1})
		require.NoError(t, pool.Run(ctx))

		task, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, taskstore.StatusCompleted, task.Status)
	})

	t.Run("should isolate a panicking session", func(t *testing.T) {
		store := newTestStore(t)
		ctx := context.Background()

		badID, _, err := store.Enqueue(ctx, "explode", "")
		require.NoError(t, err)
		goodID, _, err := store.Enqueue(ctx, "fine", "")
		require.NoError(t, err)

		runner := runnerFunc(func(ctx context.Context, instruction string) (*agent.Outcome, error) {
			if instruction == "explode" {
				panic("boom")
			}
			return &agent.Outcome{Result: "ok"}, nil
		})

		pool := New(store, factoryOf(runner), Config{Workers: 1})
		require.NoError(t, pool.Run(ctx))

		bad, err := store.Get(ctx, badID)
		require.NoError(t, err)
		assert.Equal(t, taskstore.StatusFailed, bad.Status)
		assert.Equal(t, taskstore.FailureError, bad.FailureKind)
		assert.Contains(t, bad.Error, "panicked")

		good, err := store.Get(ctx, goodID)
		require.NoError(t, err)
		assert.Equal(t, taskstore.StatusCompleted, good.Status)
	})

	t.Run("should record failure outcomes with their kind", func(t *testing.T) {
		store := newTestStore(t)
		ctx := context.Background()

		id, _, err := store.Enqueue(ctx, "looping", "")
		require.NoError(t, err)

		runner := runnerFunc(func(ctx context.Context, instruction string) (*agent.Outcome, error) {
			return &agent.Outcome{
				Failed:      true,
				FailureKind: taskstore.FailureIterationLimit,
				Error:       "no terminal output after 3 iterations",
				Result:      "partial",
			}, nil
		})

		pool := New(store, factoryOf(runner), Config{Workers: 1})
		require.NoError(t, pool.Run(ctx))

		task, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, taskstore.StatusFailed, task.Status)
		assert.Equal(t, taskstore.FailureIterationLimit, task.FailureKind)
	})

	t.Run("should stop claiming on graceful shutdown but finish in-flight work", func(t *testing.T) {
		store := newTestStore(t)
		ctx := context.Background()

		_, _, err := store.Enqueue(ctx, "first", "")
		require.NoError(t, err)
		_, _, err = store.Enqueue(ctx, "second", "")
		require.NoError(t, err)

		started := make(chan struct{})
		release := make(chan struct{})
		runner := runnerFunc(func(ctx context.Context, instruction string) (*agent.Outcome, error) {
			close(started)
			<-release
			return &agent.Outcome{Result: "ok"}, nil
		})

		pool := New(store, factoryOf(runner), Config{Workers: 1})

		done := make(chan error, 1)
		go func() { done <- pool.Run(ctx) }()

		<-started
		pool.Shutdown(true)
		close(release)

		require.NoError(t, <-done)

		stats, err := store.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Completed)
		assert.Equal(t, 1, stats.Pending)
	})

	t.Run("should abandon in-flight work on forced shutdown", func(t *testing.T) {
		store := newTestStore(t)
		ctx := context.Background()

		id, _, err := store.Enqueue(ctx, "slow", "")
		require.NoError(t, err)

		started := make(chan struct{})
		runner := runnerFunc(func(ctx context.Context, instruction string) (*agent.Outcome, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})

		pool := New(store, factoryOf(runner), Config{Workers: 1})

		done := make(chan error, 1)
		go func() { done <- pool.Run(ctx) }()

		<-started
		pool.Shutdown(false)
		require.NoError(t, <-done)

		task, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, taskstore.StatusProcessing, task.Status)

		// next startup requeues it
		reset, err := store.ResetOrphaned(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), reset)
	})

	t.Run("should poll for late arrivals when configured", func(t *testing.T) {
		store := newTestStore(t)
		ctx := context.Background()

		pool := New(store, factoryOf(completingRunner), Config{
			Workers:      1,
			PollInterval: 10 * time.Millisecond,
		})

		done := make(chan error, 1)
		go func() { done <- pool.Run(ctx) }()

		// enqueue after the pool is already idling
		time.Sleep(30 * time.Millisecond)
		id, _, err := store.Enqueue(ctx, "late", "")
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			task, err := store.Get(ctx, id)
			return err == nil && task.Status == taskstore.StatusCompleted
		}, 2*time.Second, 10*time.Millisecond)

		pool.Shutdown(true)
		require.NoError(t, <-done)
	})

	t.Run("should notify lifecycle observers", func(t *testing.T) {
		store := newTestStore(t)
		ctx := context.Background()

		id, _, err := store.Enqueue(ctx, "watched", "")
		require.NoError(t, err)

		recorder := &eventRecorder{}
		pool := New(store, factoryOf(completingRunner), Config{Workers: 1},
			WithNotifier(recorder))
		require.NoError(t, pool.Run(ctx))

		events := recorder.all()
		require.Len(t, events, 2)
		assert.Equal(t, "claimed", events[0].Type)
		assert.Equal(t, id, events[0].TaskID)
		assert.Equal(t, "completed", events[1].Type)
		assert.NotEmpty(t, events[1].WorkerID)
	})

	t.Run("should use a custom instruction renderer", func(t *testing.T) {
		store := newTestStore(t)
		ctx := context.Background()

		_, _, err := store.Enqueue(ctx, `{"name":"ada"}`, "")
		require.NoError(t, err)

		var got string
		var mu sync.Mutex
		runner := runnerFunc(func(ctx context.Context, instruction string) (*agent.Outcome, error) {
			mu.Lock()
			got = instruction
			mu.Unlock()
			return &agent.Outcome{Result: "ok"}, nil
		})

		pool := New(store, factoryOf(runner), Config{Workers: 1},
			WithInstructionFunc(func(task *taskstore.Task) string {
				return "Process this record: " + task.Payload
			}))
		require.NoError(t, pool.Run(ctx))

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, `Process this record: {"name":"ada"}`, got)
	})
}

func TestPersistContext(t *testing.T) {
	t.Run("should survive task cancellation and keep trace identifiers", func(t *testing.T) {
		taskCtx := tracing.NewTaskContext(context.Background(), "task-1", "worker-1")
		taskCtx, cancel := context.WithCancel(taskCtx)
		cancel()

		persistCtx, persistCancel := persistContext(taskCtx)
		defer persistCancel()

		assert.NoError(t, persistCtx.Err())
		assert.Equal(t, "task-1", tracing.GetTaskID(persistCtx))
		assert.Equal(t, "worker-1", tracing.GetWorkerID(persistCtx))
		assert.NotEmpty(t, tracing.GetTraceID(persistCtx))
	})
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Notify(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
