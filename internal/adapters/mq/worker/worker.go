// Package worker runs fit jobs pulled off the queue.
//
// Each worker executes one independent, compute-bound fit at a time: check
// the durable cache, fit on a miss, publish the result to the ranking store
// and the cache. Workers share no mutable state beyond those adapters.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/okian/hlm/internal/adapters/cache"
	"github.com/okian/hlm/internal/adapters/mq/queue"
	"github.com/okian/hlm/internal/domain/dataset"
	"github.com/okian/hlm/internal/domain/estimate"
	"github.com/okian/hlm/internal/domain/grouping"
	"github.com/okian/hlm/internal/domain/modelspec"
	"github.com/okian/hlm/pkg/logger"
	"github.com/okian/hlm/pkg/metrics"
)

// Default worker configuration constants.
const (
	poolShutdownTimeout = 30 * time.Second
)

// Job abstracts what workers read off the queue.
type Job = queue.Job

// Results receives finished fits and failures.
type Results interface {
	Upsert(ctx context.Context, res *estimate.FitResult) error
	RecordFailure(ctx context.Context, model string, err error)
}

// Releaser frees a job fingerprint once its fit is no longer in flight.
type Releaser interface {
	Unrecord(ctx context.Context, key string)
}

// Queue defines how workers receive jobs.
type Queue interface {
	Dequeue(ctx context.Context) <-chan Job
}

// Worker processes fit jobs using the provided collaborators.
type Worker interface {
	// Run starts the worker loop until ctx is canceled.
	Run(ctx context.Context)

	// Shutdown gracefully stops the worker.
	Shutdown(ctx context.Context) error
}

// InMemoryWorker implements Worker for processing fit jobs.
type InMemoryWorker struct {
	queue    Queue
	fitter   estimate.Fitter
	results  Results
	cache    cache.Store
	releaser Releaser
	ds       *dataset.Dataset
	name     string

	// fitTimeout bounds one fit's wall clock; zero disables.
	fitTimeout time.Duration

	// Shutdown control
	shutdown chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	logger logger.Logger
}

// NewInMemoryWorker creates a new worker with configuration options.
func NewInMemoryWorker(q Queue, fitter estimate.Fitter, results Results, store cache.Store, ds *dataset.Dataset, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		queue:    q,
		fitter:   fitter,
		results:  results,
		cache:    store,
		ds:       ds,
		name:     "worker",
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger.Get().Named("worker"),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.name != "worker" {
		w.logger = w.logger.Named(w.name)
	}
	return w
}

// Run starts the worker loop.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	jobChan := w.queue.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case j, ok := <-jobChan:
			if !ok {
				return
			}
			if err := w.processJob(ctx, j); err != nil {
				w.logger.Error(ctx, "fit job failed",
					logger.String("jobID", j.ID),
					logger.String("model", j.Spec.Name),
					logger.Error(err),
				)
			}
		}
	}
}

// Shutdown gracefully stops the worker. Safe to call more than once.
func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.shutdown) })
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

// processJob runs one fit end to end: cache check, fit, publish.
func (w *InMemoryWorker) processJob(ctx context.Context, j Job) error {
	key := cache.Key(j.Spec, w.ds.Fingerprint(), j.Options)
	if w.releaser != nil {
		defer w.releaser.Unrecord(ctx, key)
	}

	if w.cache != nil {
		if cached, hit, err := w.cache.Get(ctx, key); err != nil {
			w.logger.Warn(ctx, "cache read failed; refitting", logger.Error(err))
		} else if hit {
			metrics.RecordFitCached()
			w.logger.Info(ctx, "fit served from cache",
				logger.String("model", j.Spec.Name),
				logger.String("key", key),
			)
			return w.results.Upsert(ctx, cached)
		}
	}

	metrics.RecordFitStarted()
	start := time.Now()

	fitCtx := ctx
	if w.fitTimeout > 0 {
		var cancel context.CancelFunc
		fitCtx, cancel = context.WithTimeout(ctx, w.fitTimeout)
		defer cancel()
	}

	res, err := w.fitter.Fit(fitCtx, j.Spec, w.ds, j.Options)
	metrics.RecordFitDuration(string(j.Options.Strategy), time.Since(start).Seconds())

	if err != nil {
		metrics.RecordFitFailed(failureKind(err))
		metrics.RecordWorkerError()
		w.results.RecordFailure(ctx, j.Spec.Name, err)
		return fmt.Errorf("fitting %s: %w", j.Spec.Name, err)
	}

	if res.Degenerate {
		metrics.RecordFitDegenerate()
	}
	metrics.RecordFitCompleted()

	if err := w.results.Upsert(ctx, res); err != nil {
		metrics.RecordWorkerError()
		return fmt.Errorf("storing %s: %w", j.Spec.Name, err)
	}
	if w.cache != nil {
		if err := w.cache.Put(ctx, key, res); err != nil {
			// A missed cache write only costs a future refit.
			w.logger.Warn(ctx, "cache write failed", logger.Error(err))
		}
	}
	w.logger.Info(ctx, "fit completed",
		logger.String("model", j.Spec.Name),
		logger.String("strategy", string(res.Strategy)),
		logger.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// failureKind buckets an error for metrics labels.
func failureKind(err error) string {
	switch {
	case errors.Is(err, estimate.ErrNonConvergence):
		return "non_convergence"
	case errors.Is(err, dataset.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, modelspec.ErrInvalidSpec):
		return "invalid_spec"
	case errors.Is(err, grouping.ErrUnknownCategory):
		return "unknown_category"
	default:
		return "internal"
	}
}

// Pool manages multiple workers.
type Pool struct {
	workers []*InMemoryWorker
	queue   Queue

	logger logger.Logger
}

// NewPool creates a new worker pool.
func NewPool(workerCount int, q Queue, fitter estimate.Fitter, results Results, store cache.Store, ds *dataset.Dataset, opts ...Option) *Pool {
	if workerCount < 1 {
		workerCount = runtime.NumCPU()
	}

	pool := &Pool{
		workers: make([]*InMemoryWorker, workerCount),
		queue:   q,
		logger:  logger.Get().Named("worker-pool"),
	}
	for i := 0; i < workerCount; i++ {
		workerOpts := append([]Option{WithName("worker-" + strconv.Itoa(i))}, opts...)
		pool.workers[i] = NewInMemoryWorker(q, fitter, results, store, ds, workerOpts...)
	}

	metrics.UpdateWorkerActiveCount(workerCount)
	return pool
}

// Start starts all workers in the pool.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		go w.Run(ctx)
	}
}

// Shutdown gracefully shuts down the entire worker pool.
func (p *Pool) Shutdown(ctx context.Context) error {
	// Close the queue first so no new jobs arrive.
	if closer, ok := p.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()

	for i, w := range p.workers {
		if err := w.Shutdown(shutdownCtx); err != nil {
			p.logger.Warn(ctx, "worker shutdown timed out", logger.Int("worker_id", i))
		}
	}
	return nil
}
