// Package repository defines the fitted-model store interface and errors.
package repository

import (
	"context"

	"github.com/okian/hlm/internal/domain/compare"
	"github.com/okian/hlm/internal/domain/estimate"
)

// Store provides read/write access to fitted models and their ranking.
type Store interface {
	// Upsert records the result for its model name, replacing any earlier fit.
	Upsert(ctx context.Context, res *estimate.FitResult) error

	// Get returns the stored result for a model.
	// Returns ErrNotFound if the model is unknown.
	Get(ctx context.Context, model string) (*estimate.FitResult, error)

	// List returns all stored results in first-stored order.
	List(ctx context.Context) []*estimate.FitResult

	// Ranked recomputes the comparison table over the stored results.
	// Failed fits appear in the table's failure section, never as ranked rows.
	Ranked(ctx context.Context) (*compare.Table, error)

	// RecordFailure notes a fit that produced no result.
	RecordFailure(ctx context.Context, model string, err error)

	// Count returns the number of stored results.
	Count(ctx context.Context) int
}
