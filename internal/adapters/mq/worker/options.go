package worker

import (
	"time"

	"github.com/okian/hlm/pkg/logger"
)

// Option configures an InMemoryWorker.
type Option func(*InMemoryWorker)

// WithName sets the worker name used in log output.
func WithName(name string) Option {
	return func(w *InMemoryWorker) {
		if name != "" {
			w.name = name
		}
	}
}

// WithFitTimeout bounds the wall clock of a single fit. Zero disables the
// bound and lets fits run until the parent context is canceled.
func WithFitTimeout(d time.Duration) Option {
	return func(w *InMemoryWorker) {
		if d > 0 {
			w.fitTimeout = d
		}
	}
}

// WithReleaser sets the deduper to release job fingerprints on completion.
func WithReleaser(r Releaser) Option {
	return func(w *InMemoryWorker) {
		w.releaser = r
	}
}

// WithLogger overrides the worker's logger.
func WithLogger(l logger.Logger) Option {
	return func(w *InMemoryWorker) {
		if l != nil {
			w.logger = l
		}
	}
}
