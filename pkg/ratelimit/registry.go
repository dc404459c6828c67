package ratelimit

import (
	"context"
	"sync"

	"github.com/almas/drover/internal/observability"
)

// Registry holds one bucket per named dependency. Dependencies without a
// configured bucket are admitted immediately.
type Registry struct {
	mu      sync.RWMutex
	buckets map[string]*Bucket
}

// NewRegistry creates a registry from per-dependency configs.
func NewRegistry(configs map[string]Config) *Registry {
	buckets := make(map[string]*Bucket, len(configs))
	for name, cfg := range configs {
		buckets[name] = NewBucket(cfg)
	}
	return &Registry{buckets: buckets}
}

// Bucket returns the bucket for a dependency, or nil if none is configured.
func (r *Registry) Bucket(dependency string) *Bucket {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.buckets[dependency]
}

// Set installs or replaces the bucket for a dependency.
func (r *Registry) Set(dependency string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buckets[dependency] = NewBucket(cfg)
}

// Acquire blocks until the dependency's bucket admits the request or the
// context is done. Unknown dependencies are admitted immediately.
func (r *Registry) Acquire(ctx context.Context, dependency string) error {
	b := r.Bucket(dependency)
	if b == nil {
		return nil
	}

	waited, err := b.Acquire(ctx)
	if waited > 0 {
		observability.RecordRateLimitWait(dependency, waited)
	}
	return err
}

// TryAcquire takes a token for the dependency without blocking.
func (r *Registry) TryAcquire(dependency string) bool {
	b := r.Bucket(dependency)
	if b == nil {
		return true
	}
	return b.TryAcquire()
}
