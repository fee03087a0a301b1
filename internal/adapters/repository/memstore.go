package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/okian/hlm/internal/domain/compare"
	"github.com/okian/hlm/internal/domain/estimate"
	"github.com/okian/hlm/pkg/metrics"
)

// MemStore implements Store in memory. The model population is small (one
// entry per declared spec), so a locked map with first-stored ordering is
// all the structure the ranking needs.
type MemStore struct {
	mu       sync.RWMutex
	results  map[string]*estimate.FitResult
	order    []string // first-stored order, the comparison tie-break
	failures map[string]string
}

// NewMemStore creates an empty model store.
func NewMemStore() *MemStore {
	return &MemStore{
		results:  make(map[string]*estimate.FitResult),
		failures: make(map[string]string),
	}
}

// Upsert records the result for its model name, replacing any earlier fit
// and clearing any recorded failure for the same model.
func (s *MemStore) Upsert(_ context.Context, res *estimate.FitResult) error {
	if res == nil || res.Model == "" {
		return fmt.Errorf("%w: result without a model name", ErrInvalidResult)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.results[res.Model]; !exists {
		s.order = append(s.order, res.Model)
	}
	s.results[res.Model] = res
	delete(s.failures, res.Model)
	metrics.UpdateStoreModels(len(s.results))
	return nil
}

// Get returns the stored result for a model.
func (s *MemStore) Get(_ context.Context, model string) (*estimate.FitResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.results[model]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, model)
	}
	return res, nil
}

// List returns all stored results in first-stored order.
func (s *MemStore) List(_ context.Context) []*estimate.FitResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*estimate.FitResult, 0, len(s.order))
	for _, model := range s.order {
		if res, ok := s.results[model]; ok {
			out = append(out, res)
		}
	}
	return out
}

// Ranked recomputes the comparison table over the stored results.
func (s *MemStore) Ranked(ctx context.Context) (*compare.Table, error) {
	results := s.List(ctx)

	s.mu.RLock()
	failures := make([]compare.Failure, 0, len(s.failures))
	for model, msg := range s.failures {
		failures = append(failures, compare.Failure{Model: model, Err: msg})
	}
	s.mu.RUnlock()

	return compare.Rank(results, failures)
}

// RecordFailure notes a fit that produced no result.
func (s *MemStore) RecordFailure(_ context.Context, model string, err error) {
	if model == "" || err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[model] = err.Error()
}

// Count returns the number of stored results.
func (s *MemStore) Count(_ context.Context) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.results)
}
