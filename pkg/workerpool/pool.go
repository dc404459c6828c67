// Package workerpool drives N concurrent workers against one task
// store, each claiming tasks and running agent sessions to completion.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/almas/drover/internal/observability"
	"github.com/almas/drover/internal/tracing"
	"github.com/almas/drover/pkg/agent"
	"github.com/almas/drover/pkg/taskstore"
)

// SessionRunner drives one task to a terminal outcome. Satisfied by
// *agent.Session.
type SessionRunner interface {
	Run(ctx context.Context, instruction string) (*agent.Outcome, error)
}

// SessionFactory builds a fresh runner per claimed task.
type SessionFactory func() SessionRunner

// InstructionFunc renders a task into the instruction that seeds its
// session. The default uses the raw payload.
type InstructionFunc func(task *taskstore.Task) string

// Event describes a task lifecycle transition for observers.
type Event struct {
	Type     string    `json:"type"` // claimed, completed, failed
	TaskID   string    `json:"task_id"`
	WorkerID string    `json:"worker_id"`
	Warning  bool      `json:"warning,omitempty"`
	Kind     string    `json:"kind,omitempty"`
	Time     time.Time `json:"time"`
}

// Notifier receives pool events. Implementations must not block.
type Notifier interface {
	Notify(event Event)
}

// Config bounds the pool.
type Config struct {
	Workers int
	// PollInterval makes idle workers poll for late arrivals. Zero
	// means a worker exits once the queue is drained.
	PollInterval time.Duration
}

// Pool owns the workers. Tool, limiter and provider handles are shared
// across workers inside the sessions the factory builds; the pool itself
// shares only the store.
type Pool struct {
	store       *taskstore.Store
	factory     SessionFactory
	instruction InstructionFunc
	notifier    Notifier
	cfg         Config
	logger      zerolog.Logger

	cancelClaim context.CancelFunc
	cancelRun   context.CancelFunc
	mu          sync.Mutex
}

// Option configures a Pool.
type Option func(*Pool)

// WithNotifier wires a lifecycle event observer.
func WithNotifier(n Notifier) Option {
	return func(p *Pool) { p.notifier = n }
}

// WithInstructionFunc overrides how task payloads become instructions.
func WithInstructionFunc(f InstructionFunc) Option {
	return func(p *Pool) { p.instruction = f }
}

// New creates a pool.
func New(store *taskstore.Store, factory SessionFactory, cfg Config, opts ...Option) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}

	p := &Pool{
		store:   store,
		factory: factory,
		cfg:     cfg,
		logger:  log.With().Str("component", "workerpool").Logger(),
		instruction: func(task *taskstore.Task) string {
			return task.Payload
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run resets orphaned tasks, then blocks until every worker exits.
// Orphan recovery is a precondition: no claim happens before it
// completes.
func (p *Pool) Run(ctx context.Context) error {
	reset, err := p.store.ResetOrphaned(ctx)
	if err != nil {
		return fmt.Errorf("failed to reset orphaned tasks: %w", err)
	}
	if reset > 0 {
		p.logger.Info().Int64("tasks", reset).Msg("Requeued orphaned tasks")
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	claimCtx, cancelClaim := context.WithCancel(runCtx)
	p.mu.Lock()
	p.cancelRun = cancelRun
	p.cancelClaim = cancelClaim
	p.mu.Unlock()
	defer cancelRun()

	observability.SetActiveWorkers(p.cfg.Workers)
	defer observability.SetActiveWorkers(0)

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		id, err := gonanoid.New(8)
		if err != nil {
			return fmt.Errorf("failed to generate worker id: %w", err)
		}
		workerID := "w-" + id

		wg.Add(1)
		go func() {
			defer wg.Done()
			p.workerLoop(claimCtx, runCtx, workerID)
		}()
	}

	wg.Wait()
	p.logger.Info().Msg("All workers exited")
	return nil
}

// Shutdown stops the pool. Graceful stops claiming and lets in-flight
// sessions reach their next checkpoint; forced abandons in-flight work,
// leaving those tasks processing for the next orphan reset.
func (p *Pool) Shutdown(graceful bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if graceful {
		if p.cancelClaim != nil {
			p.cancelClaim()
		}
		return
	}
	if p.cancelRun != nil {
		p.cancelRun()
	}
}

// workerLoop claims and runs tasks until the queue drains or claiming
// is stopped. claimCtx gates new claims; runCtx gates in-flight work.
func (p *Pool) workerLoop(claimCtx, runCtx context.Context, workerID string) {
	logger := p.logger.With().Str("worker_id", workerID).Logger()

	for {
		select {
		case <-claimCtx.Done():
			logger.Debug().Msg("Worker stopping, claiming halted")
			return
		default:
		}

		task, err := p.store.ClaimNext(claimCtx, workerID)
		if err != nil {
			if claimCtx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("Claim failed")
			if !p.idle(claimCtx) {
				return
			}
			continue
		}

		if task == nil {
			if p.cfg.PollInterval <= 0 {
				logger.Debug().Msg("Queue drained, worker exiting")
				return
			}
			if !p.idle(claimCtx) {
				return
			}
			continue
		}

		p.runTask(runCtx, task, workerID, logger)
	}
}

// runTask drives one claimed task to a persisted terminal state. Panics
// and session errors are recorded via Fail, never fatal to the pool.
func (p *Pool) runTask(runCtx context.Context, task *taskstore.Task, workerID string, logger zerolog.Logger) {
	taskCtx := tracing.NewTaskContext(runCtx, task.ID, workerID)
	taskLogger := tracing.LoggerFromContext(taskCtx, logger)

	taskLogger.Info().Msg("Task claimed")
	p.notify(Event{Type: "claimed", TaskID: task.ID, WorkerID: workerID, Time: time.Now()})
	observability.RecordTaskAudit(taskCtx, "task_claimed", workerID, "pending",
		map[string]interface{}{"task_id": task.ID})

	started := time.Now()
	outcome, err := p.runSession(taskCtx, task)

	switch {
	case err != nil && taskCtx.Err() != nil:
		// forced shutdown: leave the task processing for crash recovery
		taskLogger.Warn().Msg("Task abandoned mid-flight")
		return

	case err != nil:
		p.persistFailure(taskCtx, task, workerID, err.Error(), taskstore.FailureError, 0, taskLogger)

	case outcome.Failed:
		p.persistFailure(taskCtx, task, workerID, outcome.Error, outcome.FailureKind,
			outcome.ValidationAttempts, taskLogger)

	default:
		p.persistSuccess(taskCtx, task, workerID, outcome, taskLogger)
	}

	status := terminalStatus(outcome, err)
	observability.RecordTaskFinished(status, time.Since(started))
	observability.RecordTaskAudit(taskCtx, "task_finished", workerID, status,
		map[string]interface{}{"task_id": task.ID})
}

// runSession isolates per-task panics.
func (p *Pool) runSession(ctx context.Context, task *taskstore.Task) (outcome *agent.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = nil
			err = fmt.Errorf("session panicked: %v", r)
		}
	}()

	runner := p.factory()
	return runner.Run(ctx, p.instruction(task))
}

func (p *Pool) persistSuccess(taskCtx context.Context, task *taskstore.Task, workerID string, outcome *agent.Outcome, logger zerolog.Logger) {
	ctx, cancel := persistContext(taskCtx)
	defer cancel()

	if err := p.store.Complete(ctx, task.ID, outcome.Result,
		outcome.ValidationAttempts, outcome.Warning); err != nil {
		logger.Error().Err(err).Msg("Failed to persist completion")
		return
	}

	logger.Info().Bool("warning", outcome.Warning).
		Int("iterations", outcome.Iterations).
		Msg("Task completed")
	p.notify(Event{
		Type: "completed", TaskID: task.ID, WorkerID: workerID,
		Warning: outcome.Warning, Time: time.Now(),
	})
}

func (p *Pool) persistFailure(taskCtx context.Context, task *taskstore.Task, workerID, errMsg, kind string, attempts int, logger zerolog.Logger) {
	ctx, cancel := persistContext(taskCtx)
	defer cancel()

	if err := p.store.Fail(ctx, task.ID, errMsg, kind, attempts); err != nil {
		logger.Error().Err(err).Msg("Failed to persist failure")
		return
	}

	logger.Warn().Str("kind", kind).Str("error", errMsg).Msg("Task failed")
	p.notify(Event{
		Type: "failed", TaskID: task.ID, WorkerID: workerID,
		Kind: kind, Time: time.Now(),
	})
}

// idle waits one poll interval; false means claiming was stopped.
func (p *Pool) idle(ctx context.Context) bool {
	interval := p.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(interval):
		return true
	}
}

func (p *Pool) notify(event Event) {
	if p.notifier != nil {
		p.notifier.Notify(event)
	}
}

// persistContext detaches terminal writes from pool cancellation so a
// finished session's result is never lost to shutdown timing. Trace,
// task, and worker IDs are carried over for log correlation.
func persistContext(taskCtx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(tracing.CloneContext(taskCtx), 10*time.Second)
}

func terminalStatus(outcome *agent.Outcome, err error) string {
	if err != nil || outcome == nil || outcome.Failed {
		return string(taskstore.StatusFailed)
	}
	return string(taskstore.StatusCompleted)
}
