package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/almas/drover/pkg/taskstore"
)

func newTestStore(t *testing.T) *taskstore.Store {
	t.Helper()
	store, err := taskstore.Open(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedFinished(t *testing.T, store *taskstore.Store) {
	t.Helper()
	ctx := context.Background()

	enqueueAndClaim := func(payload string) string {
		id, _, err := store.Enqueue(ctx, payload, "")
		require.NoError(t, err)
		claimed, err := store.ClaimNext(ctx, "w-test")
		require.NoError(t, err)
		require.Equal(t, id, claimed.ID)
		return id
	}

	failedID := enqueueAndClaim(`{"email":"grace@example.com","name":"Grace"}`)
	require.NoError(t, store.Fail(ctx, failedID, "boom", taskstore.FailureError, 0))

	okID := enqueueAndClaim(`{"email":"ada@example.com","name":"Ada"}`)
	require.NoError(t, store.Complete(ctx, okID, `{"score":7}`, 1, false))

	warnID := enqueueAndClaim(`{"email":"mary@example.com","name":"Mary"}`)
	require.NoError(t, store.Complete(ctx, warnID, `{"rejected":true}`, 3, true))

	loopID := enqueueAndClaim(`{"email":"joan@example.com","name":"Joan"}`)
	require.NoError(t, store.Fail(ctx, loopID, "iterations exhausted", taskstore.FailureIterationLimit, 2))
}

func TestWriteCSV(t *testing.T) {
	t.Run("should flatten payload fields into stable sorted columns", func(t *testing.T) {
		store := newTestStore(t)
		seedFinished(t, store)

		var buf bytes.Buffer
		_, err := New(store).WriteCSV(context.Background(), &buf)
		require.NoError(t, err)

		rows, err := csv.NewReader(&buf).ReadAll()
		require.NoError(t, err)
		require.Len(t, rows, 5)

		assert.Equal(t, []string{
			"task_id", "email", "name",
			"status", "warning", "failure_kind", "attempts", "result", "error",
		}, rows[0])
	})

	t.Run("should order completed tasks before failed ones", func(t *testing.T) {
		store := newTestStore(t)
		seedFinished(t, store)

		var buf bytes.Buffer
		_, err := New(store).WriteCSV(context.Background(), &buf)
		require.NoError(t, err)

		rows, err := csv.NewReader(&buf).ReadAll()
		require.NoError(t, err)

		statusCol := 3
		statuses := []string{}
		for _, row := range rows[1:] {
			statuses = append(statuses, row[statusCol])
		}
		assert.Equal(t, []string{"completed", "completed", "failed", "failed"}, statuses)
	})

	t.Run("should summarize by outcome class", func(t *testing.T) {
		store := newTestStore(t)
		seedFinished(t, store)

		var buf bytes.Buffer
		summary, err := New(store).WriteCSV(context.Background(), &buf)
		require.NoError(t, err)

		assert.Equal(t, 1, summary.Completed)
		assert.Equal(t, 1, summary.CompletedWithWarning)
		assert.Equal(t, 1, summary.FailedIterationLimit)
		assert.Equal(t, 1, summary.FailedError)
		assert.Equal(t, 4, summary.Total())
	})

	t.Run("should keep non-JSON payloads in a payload column", func(t *testing.T) {
		store := newTestStore(t)
		ctx := context.Background()

		id, _, err := store.Enqueue(ctx, "just text", "")
		require.NoError(t, err)
		claimed, err := store.ClaimNext(ctx, "w-test")
		require.NoError(t, err)
		require.Equal(t, id, claimed.ID)
		require.NoError(t, store.Complete(ctx, id, "ok", 1, false))

		var buf bytes.Buffer
		_, err = New(store).WriteCSV(ctx, &buf)
		require.NoError(t, err)

		rows, err := csv.NewReader(&buf).ReadAll()
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, "payload", rows[0][1])
		assert.Equal(t, "just text", rows[1][1])
	})

	t.Run("should write only a header for an empty store", func(t *testing.T) {
		store := newTestStore(t)

		var buf bytes.Buffer
		summary, err := New(store).WriteCSV(context.Background(), &buf)
		require.NoError(t, err)

		rows, err := csv.NewReader(&buf).ReadAll()
		require.NoError(t, err)
		assert.Len(t, rows, 1)
		assert.Equal(t, 0, summary.Total())
	})
}

func TestExportFile(t *testing.T) {
	t.Run("should write a timestamped file into the target directory", func(t *testing.T) {
		store := newTestStore(t)
		seedFinished(t, store)
		dir := filepath.Join(t.TempDir(), "exports")

		path, summary, err := New(store).ExportFile(context.Background(), dir)
		require.NoError(t, err)

		assert.Equal(t, 4, summary.Total())
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(0))
		assert.Equal(t, dir, filepath.Dir(path))
	})

	t.Run("should log the batch summary exactly once", func(t *testing.T) {
		store := newTestStore(t)
		seedFinished(t, store)

		var logBuf bytes.Buffer
		exporter := New(store)
		exporter.logger = zerolog.New(&logBuf)

		_, _, err := exporter.ExportFile(context.Background(), filepath.Join(t.TempDir(), "exports"))
		require.NoError(t, err)

		assert.Equal(t, 1, strings.Count(logBuf.String(), "Exported finished tasks"))
	})
}
