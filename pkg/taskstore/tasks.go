package taskstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/almas/drover/internal/observability"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// FailureKind classifies why a task failed.
const (
	FailureIterationLimit = "iteration_limit"
	FailureValidation     = "validation"
	FailureError          = "error"
)

// ErrNotFound is returned when a task ID does not exist.
var ErrNotFound = errors.New("task not found")

// Task is one row of the queue.
type Task struct {
	ID          string
	ExternalKey string
	Payload     string
	Status      Status
	Attempts    int
	Result      string
	Error       string
	FailureKind string
	Warning     bool
	WorkerID    string
	CreatedAt   time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

// Terminal reports whether the task has reached a terminal status.
func (t *Task) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// Stats summarizes queue occupancy by status.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Warnings   int `json:"warnings"`
}

// Total returns the total number of tasks.
func (st Stats) Total() int {
	return st.Pending + st.Processing + st.Completed + st.Failed
}

const taskColumns = `
	id, COALESCE(external_key, ''), payload, status, attempts,
	COALESCE(result, ''), COALESCE(error, ''), COALESCE(failure_kind, ''),
	warning, COALESCE(worker_id, ''), created_at, started_at, finished_at
`

func scanTask(scan func(dest ...any) error) (*Task, error) {
	var (
		t          Task
		warning    int
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)
	if err := scan(
		&t.ID, &t.ExternalKey, &t.Payload, &t.Status, &t.Attempts,
		&t.Result, &t.Error, &t.FailureKind,
		&warning, &t.WorkerID, &t.CreatedAt, &startedAt, &finishedAt,
	); err != nil {
		return nil, err
	}
	t.Warning = warning != 0
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		t.FinishedAt = &finishedAt.Time
	}
	return &t, nil
}

// Enqueue inserts a pending task and returns its ID. When externalKey is
// non-empty and a task with that key already exists, the existing task's
// ID is returned with created=false.
func (s *Store) Enqueue(ctx context.Context, payload, externalKey string) (id string, created bool, err error) {
	taskID := uuid.NewString()

	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin enqueue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if externalKey != "" {
			var existingID string
			err := tx.QueryRowContext(ctx,
				`SELECT id FROM tasks WHERE external_key = ?;`, externalKey,
			).Scan(&existingID)
			if err == nil {
				id = existingID
				created = false
				return tx.Commit()
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("check external key: %w", err)
			}
		}

		var key any
		if externalKey != "" {
			key = externalKey
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, external_key, payload, status, created_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, taskID, key, payload, StatusPending); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit enqueue tx: %w", err)
		}
		id = taskID
		created = true
		return nil
	})
	if err != nil {
		return "", false, err
	}

	if created {
		observability.RecordEnqueue()
		s.logger.Debug().Str("task_id", id).Msg("task enqueued")
	}
	return id, created, nil
}

// ClaimNext atomically claims the oldest pending task for workerID and
// marks it processing. It returns (nil, nil) when no pending task exists.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*Task, error) {
	var result *Task

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `
			SELECT `+taskColumns+`
			FROM tasks
			WHERE status = ?
			ORDER BY created_at ASC, id ASC
			LIMIT 1;
		`, StatusPending)
		task, scanErr := scanTask(row.Scan)
		if scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				result = nil
				return nil
			}
			return fmt.Errorf("select pending task: %w", scanErr)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, worker_id = ?, started_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, StatusProcessing, workerID, task.ID, StatusPending)
		if err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		if affected == 0 {
			result = nil
			return nil
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}

		now := time.Now()
		task.Status = StatusProcessing
		task.WorkerID = workerID
		task.StartedAt = &now
		result = task
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result != nil {
		observability.RecordClaim()
		s.logger.Debug().
			Str("task_id", result.ID).
			Str("worker_id", workerID).
			Msg("task claimed")
	}
	return result, err
}

// Complete marks a task completed with its result. Attempts records how
// many validation attempts the processing consumed; warning marks results
// that passed only after auto-fixing. Completing an already-terminal task
// is a no-op.
func (s *Store) Complete(ctx context.Context, id, result string, attempts int, warning bool) error {
	return s.finish(ctx, id, StatusCompleted, func(tx *sql.Tx) error {
		w := 0
		if warning {
			w = 1
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, result = ?, attempts = ?, warning = ?,
				error = NULL, failure_kind = NULL,
				finished_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status NOT IN (?, ?);
		`, StatusCompleted, result, attempts, w, id, StatusCompleted, StatusFailed)
		return err
	})
}

// Fail marks a task failed with an error message and failure kind.
// Failing an already-terminal task is a no-op.
func (s *Store) Fail(ctx context.Context, id, errMsg, failureKind string, attempts int) error {
	return s.finish(ctx, id, StatusFailed, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, error = ?, failure_kind = ?, attempts = ?,
				finished_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status NOT IN (?, ?);
		`, StatusFailed, errMsg, failureKind, attempts, id, StatusCompleted, StatusFailed)
		return err
	})
}

// finish applies a terminal update inside a transaction and verifies the
// task exists. Terminal-to-terminal transitions are silently ignored.
func (s *Store) finish(ctx context.Context, id string, to Status, update func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin finish tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var status Status
		if err := tx.QueryRowContext(ctx,
			`SELECT status FROM tasks WHERE id = ?;`, id,
		).Scan(&status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("read task status: %w", err)
		}

		if status == StatusCompleted || status == StatusFailed {
			// Idempotent: already terminal.
			return tx.Commit()
		}

		if err := update(tx); err != nil {
			return fmt.Errorf("finish task: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit finish tx: %w", err)
		}

		s.logger.Debug().Str("task_id", id).Str("status", string(to)).Msg("task finished")
		return nil
	})
}

// ResetOrphaned requeues tasks left in processing by a previous run.
// It returns the number of tasks reset and must be called before workers
// start claiming.
func (s *Store) ResetOrphaned(ctx context.Context) (int64, error) {
	var reset int64

	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, worker_id = NULL, started_at = NULL
			WHERE status = ?;
		`, StatusPending, StatusProcessing)
		if err != nil {
			return fmt.Errorf("reset orphaned tasks: %w", err)
		}
		reset, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("reset rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if reset > 0 {
		s.logger.Info().Int64("count", reset).Msg("orphaned tasks requeued")
	}
	return reset, nil
}

// Get returns a task by ID.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	task, err := scanTask(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// ListByStatus returns up to limit tasks in the given status, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status Status, limit int) ([]*Task, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?;
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// CountStale counts processing tasks claimed more than olderThan ago.
// These are either workers inside a long model call or leftovers from a
// crashed run that has not restarted yet.
func (s *Store) CountStale(ctx context.Context, olderThan time.Duration) (int, error) {
	// started_at is written as CURRENT_TIMESTAMP, UTC second precision.
	cutoff := time.Now().UTC().Add(-olderThan).Format("2006-01-02 15:04:05")

	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1)
		FROM tasks
		WHERE status = ? AND started_at <= ?;
	`, StatusProcessing, cutoff).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count stale tasks: %w", err)
	}
	return count, nil
}

// ListFinished returns all completed and failed tasks, oldest first.
func (s *Store) ListFinished(ctx context.Context) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status IN (?, ?)
		ORDER BY finished_at ASC, id ASC;
	`, StatusCompleted, StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("list finished tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// Stats returns queue occupancy counts.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(1) FROM tasks GROUP BY status;`)
	if err != nil {
		return st, fmt.Errorf("stats query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status Status
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return st, fmt.Errorf("scan stats: %w", err)
		}
		switch status {
		case StatusPending:
			st.Pending = count
		case StatusProcessing:
			st.Processing = count
		case StatusCompleted:
			st.Completed = count
		case StatusFailed:
			st.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("stats rows: %w", err)
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM tasks WHERE warning = 1;`,
	).Scan(&st.Warnings); err != nil {
		return st, fmt.Errorf("warning count: %w", err)
	}

	return st, nil
}
