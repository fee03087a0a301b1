// Package service provides the core business service that implements
// the dependencies required by the HTTP API.
package service

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/okian/hlm/internal/adapters/cache"
	fitqueue "github.com/okian/hlm/internal/adapters/mq/queue"
	workerpool "github.com/okian/hlm/internal/adapters/mq/worker"
	"github.com/okian/hlm/internal/adapters/repository"
	"github.com/okian/hlm/internal/domain/compare"
	"github.com/okian/hlm/internal/domain/dataset"
	"github.com/okian/hlm/internal/domain/dedupe"
	"github.com/okian/hlm/internal/domain/design"
	"github.com/okian/hlm/internal/domain/estimate"
	"github.com/okian/hlm/internal/domain/job"
	"github.com/okian/hlm/internal/domain/modelspec"
	"github.com/okian/hlm/pkg/logger"
	"github.com/okian/hlm/pkg/metrics"
)

// Service implements the API dependencies for the model estimation system.
type Service struct {
	mu sync.RWMutex

	// Core components
	ds       *dataset.Dataset
	engine   *estimate.Engine
	store    repository.Store
	deduper  dedupe.Deduper
	jobQueue fitqueue.Queue
	fitCache cache.Store
	pool     *workerpool.Pool

	// Configuration
	workerCount int
	queueSize   int
	dedupeSize  int
	cacheDir    string
	fitTimeout  time.Duration
	fitDefaults estimate.Options

	// State
	started bool

	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithWorkerCount sets the number of fit worker goroutines.
func WithWorkerCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.workerCount = count
		}
	}
}

// WithQueueSize sets the maximum size of the fit-job queue.
func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithDedupeSize sets the size of the in-flight job deduplication cache.
func WithDedupeSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.dedupeSize = size
		}
	}
}

// WithCacheDir sets the durable result cache directory. Empty keeps the
// cache in memory.
func WithCacheDir(dir string) Option {
	return func(s *Service) {
		s.cacheDir = dir
	}
}

// WithFitTimeout bounds a single fit's wall clock. Zero disables the bound.
func WithFitTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.fitTimeout = d
		}
	}
}

// WithFitDefaults sets the fallback estimation options merged into every
// submitted job.
func WithFitDefaults(opts estimate.Options) Option {
	return func(s *Service) {
		s.fitDefaults = opts
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New constructs a new Service bound to one dataset.
func New(ds *dataset.Dataset, opts ...Option) *Service {
	s := &Service{
		ds:          ds,
		workerCount: runtime.NumCPU(),
		queueSize:   256,
		dedupeSize:  4096,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start initializes and starts the service components.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.ds == nil {
		return fmt.Errorf("%w: service requires a dataset", dataset.ErrInvalidInput)
	}

	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}
	s.logger.Info(ctx, "starting estimation service...")

	s.store = repository.NewMemStore()
	s.deduper = dedupe.NewInMemoryDeduper(
		dedupe.WithMaxSize(s.dedupeSize),
	)
	s.jobQueue = fitqueue.NewInMemoryQueue(
		fitqueue.WithCapacity(s.queueSize),
	)

	fitCache, err := cache.NewBadgerStore(s.cacheDir)
	if err != nil {
		return fmt.Errorf("opening result cache: %w", err)
	}
	s.fitCache = fitCache

	s.engine = estimate.NewEngine(
		estimate.WithDefaultOptions(s.fitDefaults),
		estimate.WithLogger(s.logger.Named("engine")),
	)

	s.pool = workerpool.NewPool(s.workerCount, s.jobQueue, s.engine, s.store, s.fitCache, s.ds,
		workerpool.WithReleaser(s.deduper),
		workerpool.WithFitTimeout(s.fitTimeout),
	)
	s.pool.Start(ctx)

	s.started = true
	s.logger.Info(ctx, "estimation service started",
		logger.Int("workers", s.workerCount),
		logger.Int("queueSize", s.queueSize),
		logger.Int("observations", s.ds.Len()),
	)
	return nil
}

// Stop gracefully shuts down the service.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	ctx := context.Background()
	s.logger.Info(ctx, "stopping estimation service...")

	if s.pool != nil {
		_ = s.pool.Shutdown(ctx)
	}
	if s.fitCache != nil {
		if err := s.fitCache.Close(); err != nil {
			s.logger.Warn(ctx, "error closing result cache", logger.Error(err))
		}
	}

	s.started = false
	s.logger.Info(ctx, "estimation service stopped")
}

// Schema exposes the dataset's declared factors and predictors.
func (s *Service) Schema(_ context.Context) modelspec.Schema {
	return design.SchemaFor(s.ds)
}

// Submit queues one fit job. Jobs are deduplicated by cache key, so an
// identical spec+options pair already in flight is reported as a duplicate
// rather than queued twice.
func (s *Service) Submit(ctx context.Context, spec *modelspec.Spec, opts estimate.Options) (string, bool, bool) {
	key := cache.Key(spec, s.ds.Fingerprint(), opts)
	if s.deduper.SeenAndRecord(ctx, key) {
		metrics.RecordDuplicateJob()
		s.logger.Debug(ctx, "duplicate fit job",
			logger.String("model", spec.Name),
			logger.String("key", key),
		)
		return "", true, true
	}

	j := job.New(spec, opts)
	if ok := s.jobQueue.Enqueue(ctx, j); !ok {
		// Roll back the in-flight mark so the client can retry.
		s.deduper.Unrecord(ctx, key)
		return "", false, false
	}
	metrics.UpdateQueueSize(s.jobQueue.Len(ctx))
	s.logger.Info(ctx, "fit job queued",
		logger.String("jobID", j.ID),
		logger.String("model", spec.Name),
		logger.String("strategy", string(opts.Strategy)),
	)
	return j.ID, false, true
}

// Model returns the stored result for one model.
func (s *Service) Model(ctx context.Context, name string) (*estimate.FitResult, error) {
	return s.store.Get(ctx, name)
}

// Models returns all stored results in first-stored order.
func (s *Service) Models(ctx context.Context) []*estimate.FitResult {
	return s.store.List(ctx)
}

// Comparison recomputes the model ranking over the stored fits.
func (s *Service) Comparison(ctx context.Context) (*compare.Table, error) {
	return s.store.Ranked(ctx)
}

// Stats returns service statistics for monitoring.
func (s *Service) Stats(ctx context.Context) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]any{
		"started":     s.started,
		"workerCount": s.workerCount,
		"queueSize":   s.queueSize,
	}
	if s.started {
		queueLen := s.jobQueue.Len(ctx)
		stats["queueLength"] = queueLen
		stats["models"] = s.store.Count(ctx)
		stats["inflight"] = s.deduper.Size()
		metrics.UpdateQueueSize(queueLen)
	}
	return stats
}
