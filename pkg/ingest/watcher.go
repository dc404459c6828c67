package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher monitors a drop directory and ingests task files as they
// arrive. A stability threshold debounces half-written files; repeated
// writes of the same file are absorbed by external-key dedup.
type Watcher struct {
	watcher            *fsnotify.Watcher
	ingester           *Ingester
	dir                string
	stabilityThreshold time.Duration
	done               chan struct{}
	debounceTimers     map[string]*time.Timer
	debounceMu         sync.Mutex
	stopOnce           sync.Once
}

// NewWatcher creates a watcher over dir feeding the given ingester.
func NewWatcher(ingester *Ingester, dir string, stabilityThreshold time.Duration) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if stabilityThreshold == 0 {
		stabilityThreshold = 500 * time.Millisecond
	}

	return &Watcher{
		watcher:            watcher,
		ingester:           ingester,
		dir:                dir,
		stabilityThreshold: stabilityThreshold,
		done:               make(chan struct{}),
		debounceTimers:     make(map[string]*time.Timer),
	}, nil
}

// Start ingests what is already in the directory, then begins watching
// for late arrivals.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.ingestExisting(ctx); err != nil {
		return err
	}

	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	go w.eventLoop(ctx)

	log.Info().Str("dir", w.dir).Msg("Drop directory watcher started")
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.debounceMu.Lock()
	for _, timer := range w.debounceTimers {
		timer.Stop()
	}
	clear(w.debounceTimers)
	w.debounceMu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	log.Info().Msg("Drop directory watcher stopped")
	return nil
}

func (w *Watcher) ingestExisting(ctx context.Context) error {
	entries, err := filepath.Glob(filepath.Join(w.dir, "*"))
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", w.dir, err)
	}
	for _, path := range entries {
		if !w.ingestable(path) {
			continue
		}
		if _, err := w.ingester.IngestFile(ctx, path); err != nil {
			log.Error().Err(err).Str("file", path).Msg("Failed to ingest existing file")
		}
	}
	return nil
}

func (w *Watcher) eventLoop(ctx context.Context) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Watcher error")

		case <-ctx.Done():
			return

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	if !w.ingestable(event.Name) {
		return
	}

	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, exists := w.debounceTimers[event.Name]; exists {
		timer.Stop()
	}

	path := event.Name
	w.debounceTimers[path] = time.AfterFunc(w.stabilityThreshold, func() {
		w.debounceMu.Lock()
		delete(w.debounceTimers, path)
		w.debounceMu.Unlock()

		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		if _, err := w.ingester.IngestFile(ctx, path); err != nil {
			log.Error().Err(err).Str("file", path).Msg("Failed to ingest dropped file")
		}
	})
}

func (w *Watcher) ingestable(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".json":
		return true
	default:
		return false
	}
}
