// Package dedupe suppresses duplicate in-flight fit jobs.
//
// A job's identity is its cache key (spec + dataset + seed + strategy
// fingerprint); submitting the same work twice while the first fit is still
// queued or running is wasted compute, not an error.
package dedupe

import (
	"context"
	"sync"
	"sync/atomic"
)

// Deduper records in-flight job fingerprints for at-most-once scheduling.
type Deduper interface {
	// SeenAndRecord atomically checks if key was seen and records it if not.
	// Returns true if key was already seen, false if it was newly recorded.
	SeenAndRecord(ctx context.Context, key string) bool

	// Unrecord removes a key, allowing the job to be resubmitted. Used when
	// a recorded job failed to enqueue or its fit finished (either way).
	Unrecord(ctx context.Context, key string)

	Size() int64
}

// inMemoryDeduper implements Deduper with a map plus FIFO eviction queue.
type inMemoryDeduper struct {
	mu      sync.Mutex
	seen    map[string]struct{}
	order   []string // insertion order; oldest evicted first when bounded
	maxSize int      // 0 or negative = unbounded
	size    atomic.Int64
}

// NewInMemoryDeduper creates a new in-memory deduper with configuration options.
func NewInMemoryDeduper(opts ...Option) Deduper {
	d := &inMemoryDeduper{
		maxSize: 4096,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.seen = make(map[string]struct{})
	if d.maxSize > 0 {
		d.order = make([]string, 0, d.maxSize)
	}
	return d
}

// SeenAndRecord atomically checks if key was seen and records it if not.
func (d *inMemoryDeduper) SeenAndRecord(_ context.Context, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.seen[key]; exists {
		return true
	}

	if d.maxSize > 0 {
		// Evict oldest keys first; entries already unrecorded are skipped.
		for len(d.seen) >= d.maxSize && len(d.order) > 0 {
			oldest := d.order[0]
			d.order = d.order[1:]
			delete(d.seen, oldest)
		}
		d.order = append(d.order, key)
	}

	d.seen[key] = struct{}{}
	d.size.Store(int64(len(d.seen)))
	return false
}

// Unrecord removes a key from the seen set.
func (d *inMemoryDeduper) Unrecord(_ context.Context, key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
	d.size.Store(int64(len(d.seen)))
}

// Size returns the current number of recorded keys.
func (d *inMemoryDeduper) Size() int64 {
	return d.size.Load()
}
