package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Config describes a token bucket for one dependency.
type Config struct {
	Enabled       bool
	RatePerMinute float64
	Burst         int
}

// Bucket is a token bucket limiter. A disabled bucket admits every
// request immediately.
type Bucket struct {
	mu      sync.Mutex
	enabled bool
	rate    float64 // tokens per second
	burst   float64
	tokens  float64
	last    time.Time

	now func() time.Time
}

// NewBucket creates a bucket from the given config. The bucket starts full.
func NewBucket(cfg Config) *Bucket {
	burst := float64(cfg.Burst)
	if burst < 1 {
		burst = 1
	}
	return &Bucket{
		enabled: cfg.Enabled && cfg.RatePerMinute > 0,
		rate:    cfg.RatePerMinute / 60.0,
		burst:   burst,
		tokens:  burst,
		last:    time.Now(),
		now:     time.Now,
	}
}

// Enabled reports whether the bucket enforces its limit.
func (b *Bucket) Enabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enabled
}

// refill credits tokens for time elapsed since the last refill.
// Caller must hold b.mu.
func (b *Bucket) refill(now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.last = now
}

// reserve takes a token if one is available, otherwise returns how long
// the caller must wait before retrying. The lock is never held while
// waiting.
func (b *Bucket) reserve() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.enabled {
		return 0, true
	}

	now := b.now()
	b.refill(now)

	if b.tokens >= 1 {
		b.tokens--
		return 0, true
	}

	deficit := 1 - b.tokens
	wait := time.Duration(deficit / b.rate * float64(time.Second))
	return wait, false
}

// TryAcquire takes a token without blocking. It returns false when the
// bucket is empty.
func (b *Bucket) TryAcquire() bool {
	_, ok := b.reserve()
	return ok
}

// Acquire blocks until a token is available or the context is done.
// It returns the total time spent waiting.
func (b *Bucket) Acquire(ctx context.Context) (time.Duration, error) {
	var waited time.Duration

	for {
		wait, ok := b.reserve()
		if ok {
			return waited, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return waited, ctx.Err()
		case <-timer.C:
			waited += wait
		}
	}
}
