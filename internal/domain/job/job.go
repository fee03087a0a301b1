// Package job contains the fit-job model passed between layers.
package job

import (
	"time"

	"github.com/google/uuid"

	"github.com/okian/hlm/internal/domain/estimate"
	"github.com/okian/hlm/internal/domain/modelspec"
)

// FitJob is one unit of work: estimate one model spec against the loaded
// dataset with fixed options. Jobs sharing a cache key are interchangeable.
type FitJob struct {
	ID        string           // unique id for tracing
	Spec      *modelspec.Spec  // frozen model description
	Options   estimate.Options // strategy, seed, budgets
	Submitted time.Time
}

// New builds a FitJob with a fresh id.
func New(spec *modelspec.Spec, opts estimate.Options) FitJob {
	return FitJob{
		ID:        uuid.NewString(),
		Spec:      spec,
		Options:   opts,
		Submitted: time.Now(),
	}
}
