// Package ingest loads batches of tasks into the store from CSV and
// JSON files, with optional external-key deduplication.
package ingest

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/almas/drover/pkg/taskstore"
)

// Result accounts for one ingestion pass.
type Result struct {
	Enqueued   int `json:"enqueued"`
	Duplicates int `json:"duplicates"`
	EmptyKeys  int `json:"empty_keys"`
}

// Ingester turns record files into pending tasks.
type Ingester struct {
	store     *taskstore.Store
	keyColumn string
	logger    zerolog.Logger
}

// Option configures an Ingester.
type Option func(*Ingester)

// WithKeyColumn names the record field used as the deduplication key.
// Records with an empty value in that field are still enqueued, without
// dedup, and counted separately.
func WithKeyColumn(column string) Option {
	return func(i *Ingester) { i.keyColumn = column }
}

// New creates an Ingester.
func New(store *taskstore.Store, opts ...Option) *Ingester {
	i := &Ingester{
		store:  store,
		logger: log.With().Str("component", "ingest").Logger(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// IngestFile dispatches on the file extension.
func (i *Ingester) IngestFile(ctx context.Context, path string) (Result, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return i.IngestCSV(ctx, path)
	case ".json":
		return i.IngestJSON(ctx, path)
	default:
		return Result{}, fmt.Errorf("unsupported file type: %s", path)
	}
}

// IngestCSV reads a header-mapped CSV file and enqueues one task per
// row, the row rendered as a JSON object keyed by the header.
func (i *Ingester) IngestCSV(ctx context.Context, path string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err != nil {
		return Result{}, fmt.Errorf("failed to read header of %s: %w", path, err)
	}

	var result Result
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return result, fmt.Errorf("malformed row in %s: %w", path, err)
		}

		record := map[string]string{}
		for col, name := range header {
			if col < len(row) {
				record[name] = row[col]
			}
		}

		if err := i.enqueueRecord(ctx, record, &result); err != nil {
			return result, err
		}
	}

	i.logResult(path, result)
	return result, nil
}

// IngestJSON reads a file holding a JSON array of objects.
func (i *Ingester) IngestJSON(ctx context.Context, path string) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var records []map[string]interface{}
	if err := json.Unmarshal(data, &records); err != nil {
		return Result{}, fmt.Errorf("%s is not a JSON array of objects: %w", path, err)
	}

	var result Result
	for _, record := range records {
		flat := map[string]string{}
		for k, v := range record {
			flat[k] = stringify(v)
		}
		if err := i.enqueueRecord(ctx, flat, &result); err != nil {
			return result, err
		}
	}

	i.logResult(path, result)
	return result, nil
}

func (i *Ingester) enqueueRecord(ctx context.Context, record map[string]string, result *Result) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	key := ""
	if i.keyColumn != "" {
		key = record[i.keyColumn]
		if key == "" {
			result.EmptyKeys++
		}
	}

	_, created, err := i.store.Enqueue(ctx, string(payload), key)
	if err != nil {
		return err
	}
	if created {
		result.Enqueued++
	} else {
		result.Duplicates++
	}
	return nil
}

func (i *Ingester) logResult(path string, result Result) {
	i.logger.Info().
		Str("file", path).
		Int("enqueued", result.Enqueued).
		Int("duplicates", result.Duplicates).
		Int("empty_keys", result.EmptyKeys).
		Msg("Ingested file")
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64:
		data, _ := json.Marshal(t)
		return string(data)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	}
}
