// Package export writes finished tasks out as CSV and summarizes the
// batch by outcome class.
package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/almas/drover/pkg/taskstore"
)

// Summary counts finished tasks by outcome class. Failed tasks are
// split by kind so the caller never sees a blanket "failed".
type Summary struct {
	Completed            int `json:"completed"`
	CompletedWithWarning int `json:"completed_with_warning"`
	FailedIterationLimit int `json:"failed_iteration_limit"`
	FailedError          int `json:"failed_error"`
}

// Total returns the number of finished tasks summarized.
func (s Summary) Total() int {
	return s.Completed + s.CompletedWithWarning + s.FailedIterationLimit + s.FailedError
}

// Exporter renders finished tasks from one store.
type Exporter struct {
	store  *taskstore.Store
	logger zerolog.Logger
}

// New creates an Exporter.
func New(store *taskstore.Store) *Exporter {
	return &Exporter{
		store:  store,
		logger: log.With().Str("component", "export").Logger(),
	}
}

// WriteCSV writes every finished task to w, completed tasks before
// failed ones. Payload fields are flattened into their own columns,
// sorted by name for column stability, followed by the outcome columns.
func (e *Exporter) WriteCSV(ctx context.Context, w io.Writer) (Summary, error) {
	tasks, err := e.store.ListFinished(ctx)
	if err != nil {
		return Summary{}, err
	}

	// completed before failed, otherwise keep finish order
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].Status == taskstore.StatusCompleted &&
			tasks[j].Status != taskstore.StatusCompleted
	})

	payloads := make([]map[string]string, len(tasks))
	fieldSet := map[string]struct{}{}
	for i, task := range tasks {
		record := map[string]string{}
		if err := json.Unmarshal([]byte(task.Payload), &record); err != nil {
			record = map[string]string{"payload": task.Payload}
		}
		payloads[i] = record
		for k := range record {
			fieldSet[k] = struct{}{}
		}
	}

	fields := make([]string, 0, len(fieldSet))
	for k := range fieldSet {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	writer := csv.NewWriter(w)
	header := append(append([]string{"task_id"}, fields...),
		"status", "warning", "failure_kind", "attempts", "result", "error")
	if err := writer.Write(header); err != nil {
		return Summary{}, fmt.Errorf("failed to write header: %w", err)
	}

	var summary Summary
	for i, task := range tasks {
		summary.count(task)

		row := []string{task.ID}
		for _, field := range fields {
			row = append(row, payloads[i][field])
		}
		row = append(row,
			string(task.Status),
			fmt.Sprintf("%t", task.Warning),
			task.FailureKind,
			fmt.Sprintf("%d", task.Attempts),
			task.Result,
			task.Error,
		)
		if err := writer.Write(row); err != nil {
			return summary, fmt.Errorf("failed to write row for %s: %w", task.ID, err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return summary, fmt.Errorf("failed to flush: %w", err)
	}
	return summary, nil
}

// ExportFile writes a timestamped CSV into dir and logs the summary.
func (e *Exporter) ExportFile(ctx context.Context, dir string) (string, Summary, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", Summary{}, fmt.Errorf("failed to create %s: %w", dir, err)
	}

	path := filepath.Join(dir, fmt.Sprintf("results-%s.csv", time.Now().Format("20060102-150405")))
	f, err := os.Create(path)
	if err != nil {
		return "", Summary{}, fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	summary, err := e.WriteCSV(ctx, f)
	if err != nil {
		return path, summary, err
	}

	e.LogSummary(path, summary)
	return path, summary, nil
}

// LogSummary logs the batch outcome breakdown.
func (e *Exporter) LogSummary(path string, summary Summary) {
	e.logger.Info().
		Str("file", path).
		Int("completed", summary.Completed).
		Int("completed_with_warning", summary.CompletedWithWarning).
		Int("failed_iteration_limit", summary.FailedIterationLimit).
		Int("failed_error", summary.FailedError).
		Msg("Exported finished tasks")
}

func (s *Summary) count(task *taskstore.Task) {
	switch {
	case task.Status == taskstore.StatusCompleted && task.Warning:
		s.CompletedWithWarning++
	case task.Status == taskstore.StatusCompleted:
		s.Completed++
	case task.FailureKind == taskstore.FailureIterationLimit:
		s.FailedIterationLimit++
	default:
		s.FailedError++
	}
}
