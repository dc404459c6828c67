package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/almas/drover/internal/observability"
	"github.com/almas/drover/pkg/taskstore"
)

// Broadcaster pushes maintenance events to connected observers. The
// gateway's client fan-out satisfies it.
type Broadcaster interface {
	Broadcast(event string, data interface{})
}

// Config holds the maintenance schedules.
type Config struct {
	// StatsSpec is the cron spec for queue stat refreshes.
	StatsSpec string
	// CheckpointSpec is the cron spec for WAL checkpoints.
	CheckpointSpec string
	// StalledAfter is how long a task may sit in processing before it
	// is flagged as stalled.
	StalledAfter time.Duration
}

// Janitor runs background maintenance against the task store: it
// refreshes queue depth metrics, flags tasks stuck in processing, and
// checkpoints the SQLite WAL so the file stays bounded between runs.
type Janitor struct {
	store       *taskstore.Store
	cron        *cron.Cron
	cfg         Config
	broadcaster Broadcaster
	logger      zerolog.Logger
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithBroadcaster publishes refreshed queue stats to observers.
func WithBroadcaster(b Broadcaster) Option {
	return func(j *Janitor) {
		j.broadcaster = b
	}
}

// New creates a Janitor. Schedules use robfig/cron syntax, including
// the @every shorthand.
func New(cfg Config, store *taskstore.Store, opts ...Option) (*Janitor, error) {
	if store == nil {
		return nil, fmt.Errorf("task store is required")
	}
	if cfg.StatsSpec == "" {
		cfg.StatsSpec = "@every 1m"
	}
	if cfg.CheckpointSpec == "" {
		cfg.CheckpointSpec = "@every 15m"
	}
	if cfg.StalledAfter <= 0 {
		cfg.StalledAfter = 10 * time.Minute
	}

	j := &Janitor{
		store:  store,
		cron:   cron.New(),
		cfg:    cfg,
		logger: log.With().Str("component", "janitor").Logger(),
	}

	for _, opt := range opts {
		opt(j)
	}

	return j, nil
}

// Start registers the schedules and begins running them. Jobs run on
// the cron goroutine; Start does not block.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc(j.cfg.StatsSpec, func() {
		j.RefreshStats(context.Background())
	}); err != nil {
		return fmt.Errorf("invalid stats schedule %q: %w", j.cfg.StatsSpec, err)
	}

	if _, err := j.cron.AddFunc(j.cfg.CheckpointSpec, func() {
		j.Checkpoint(context.Background())
	}); err != nil {
		return fmt.Errorf("invalid checkpoint schedule %q: %w", j.cfg.CheckpointSpec, err)
	}

	j.cron.Start()
	j.logger.Info().
		Str("stats", j.cfg.StatsSpec).
		Str("checkpoint", j.cfg.CheckpointSpec).
		Msg("Janitor started")

	return nil
}

// Stop halts the schedules and waits for any running job to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
	j.logger.Info().Msg("Janitor stopped")
}

// RefreshStats reads queue occupancy, updates the gauges, publishes the
// snapshot, and flags tasks stuck in processing.
func (j *Janitor) RefreshStats(ctx context.Context) {
	stats, err := j.store.Stats(ctx)
	if err != nil {
		j.logger.Warn().Err(err).Msg("Failed to read queue stats")
		return
	}

	observability.SetQueueDepth(string(taskstore.StatusPending), stats.Pending)
	observability.SetQueueDepth(string(taskstore.StatusProcessing), stats.Processing)
	observability.SetQueueDepth(string(taskstore.StatusCompleted), stats.Completed)
	observability.SetQueueDepth(string(taskstore.StatusFailed), stats.Failed)

	if j.broadcaster != nil {
		j.broadcaster.Broadcast("queue.stats", stats)
	}

	j.flagStalled(ctx)
}

// flagStalled warns about tasks that have sat in processing longer than
// the threshold. They are not requeued here: a live worker may still be
// inside a long model call, and orphan recovery at startup handles the
// crashed-run case.
func (j *Janitor) flagStalled(ctx context.Context) {
	stale, err := j.store.CountStale(ctx, j.cfg.StalledAfter)
	if err != nil {
		j.logger.Warn().Err(err).Msg("Failed to count stale tasks")
		return
	}
	if stale == 0 {
		return
	}

	tasks, err := j.store.ListByStatus(ctx, taskstore.StatusProcessing, 100)
	if err != nil {
		j.logger.Warn().Err(err).Msg("Failed to list processing tasks")
		return
	}

	cutoff := time.Now().Add(-j.cfg.StalledAfter)
	for _, task := range tasks {
		if task.StartedAt == nil || task.StartedAt.After(cutoff) {
			continue
		}
		j.logger.Warn().
			Str("task_id", task.ID).
			Time("started_at", *task.StartedAt).
			Dur("stalled_for", time.Since(*task.StartedAt)).
			Msg("Task stalled in processing")
	}
}

// Checkpoint truncates the SQLite WAL.
func (j *Janitor) Checkpoint(ctx context.Context) {
	if err := j.store.CheckpointWAL(ctx); err != nil {
		j.logger.Warn().Err(err).Msg("WAL checkpoint failed")
		return
	}
	j.logger.Debug().Msg("WAL checkpoint complete")
}
