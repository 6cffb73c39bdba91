// Package dedup drops webhook deliveries that were already processed. It is an optimization in
// front of idempotent writes, not a correctness guarantee.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Deduplicator remembers keys for a bounded time.
type Deduplicator interface {
	// Seen marks key as processed and reports whether it already was.
	Seen(ctx context.Context, key string) (bool, error)
}

// Options bounds a deduplication set.
type Options struct {
	TTL      time.Duration
	Capacity int
}

func DefaultOptions() Options {
	return Options{TTL: 24 * time.Hour, Capacity: 10000}
}

// Local is a process-local set with per-key TTL. At capacity the least recently added key is
// evicted.
type Local struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, struct{}]
}

func NewLocal(opts Options) *Local {
	defaults := DefaultOptions()

	if opts.TTL <= 0 {
		opts.TTL = defaults.TTL
	}

	if opts.Capacity <= 0 {
		opts.Capacity = defaults.Capacity
	}

	return &Local{
		cache: expirable.NewLRU[string, struct{}](opts.Capacity, nil, opts.TTL),
	}
}

func (l *Local) Seen(_ context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}

	// Peek and Add must be one step for concurrent deliveries of the same key.
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.cache.Peek(key); ok {
		return true, nil
	}

	l.cache.Add(key, struct{}{})

	return false, nil
}

// Len reports how many keys are remembered, expired keys not yet purged included.
func (l *Local) Len() int {
	return l.cache.Len()
}
