// Package estimate fits hierarchical linear models to payroll datasets.
//
// Two interchangeable strategies are supported per call: likelihood-based
// (ML/REML with conditional-mode group estimates) and posterior sampling
// (Metropolis-within-Gibbs under the spec's priors). Both reproduce the
// central partial-pooling property: a group's estimate is a
// precision-weighted average of its own data and the population level, so
// small groups shrink strongly toward the population mean and large groups
// barely move.
package estimate

import (
	"context"
	"fmt"
	"math"

	"github.com/okian/hlm/internal/domain/dataset"
	"github.com/okian/hlm/internal/domain/design"
	"github.com/okian/hlm/internal/domain/modelspec"
	"github.com/okian/hlm/pkg/logger"
)

// Fitter estimates one model spec against one dataset.
type Fitter interface {
	// Fit runs the selected strategy, honoring ctx for cancellation. It never
	// mutates spec or ds. A cancelled or budget-exhausted fit fails with
	// ErrNonConvergence rather than returning a partial result.
	Fit(ctx context.Context, spec *modelspec.Spec, ds *dataset.Dataset, opts Options) (*FitResult, error)
}

// Engine implements Fitter.
type Engine struct {
	defaults Options
	logger   logger.Logger
}

// NewEngine creates an estimation engine with configuration options.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		logger: logger.Get().Named("estimate"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Fit dispatches to the strategy selected in opts.
func (e *Engine) Fit(ctx context.Context, spec *modelspec.Spec, ds *dataset.Dataset, opts Options) (*FitResult, error) {
	merged := mergeOptions(e.defaults, opts).withDefaults()

	var dopts []design.Option
	for factor, level := range merged.References {
		dopts = append(dopts, design.WithReference(factor, level))
	}
	m, err := design.Build(ds, spec, dopts...)
	if err != nil {
		return nil, err
	}

	switch merged.Strategy {
	case StrategyLikelihood:
		return e.fitLikelihood(ctx, spec, m, merged)
	case StrategySampling:
		return e.fitSampling(ctx, spec, m, merged)
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", modelspec.ErrInvalidSpec, merged.Strategy)
	}
}

// mergeOptions overlays non-zero fields of opts onto base. A zero field
// means "unset": REML false and Seed 0 cannot clear a base value, so engine
// defaults leave REML off and seed 0 is reserved as unset.
func mergeOptions(base, opts Options) Options {
	out := base
	if opts.Strategy != "" {
		out.Strategy = opts.Strategy
	}
	if opts.REML {
		out.REML = true
	}
	if opts.Seed != 0 {
		out.Seed = opts.Seed
	}
	if opts.Chains > 0 {
		out.Chains = opts.Chains
	}
	if opts.Iterations > 0 {
		out.Iterations = opts.Iterations
	}
	if opts.BurnIn > 0 {
		out.BurnIn = opts.BurnIn
	}
	if opts.AgreementTol > 0 {
		out.AgreementTol = opts.AgreementTol
	}
	if opts.VarianceFloor > 0 {
		out.VarianceFloor = opts.VarianceFloor
	}
	if opts.References != nil {
		out.References = opts.References
	}
	return out
}

// columnPriors aligns one prior per fixed-effect column, in the column order
// produced by design.Build (intercept, continuous, then K-1 dummies per
// categorical term).
func columnPriors(spec *modelspec.Spec, m *design.Matrices) []modelspec.Prior {
	priors := make([]modelspec.Prior, 0, m.P)
	for _, t := range spec.Fixed {
		switch t.Kind {
		case modelspec.KindIntercept, modelspec.KindContinuous:
			priors = append(priors, t.Prior)
		case modelspec.KindCategorical:
			ix := m.Indexes[t.Name]
			for level := 2; level <= ix.K(); level++ {
				priors = append(priors, t.Prior)
			}
		}
	}
	return priors
}

// factorLevels snapshots the category sets seen at fit time.
func factorLevels(m *design.Matrices) map[string][]string {
	out := make(map[string][]string, len(m.Indexes))
	for factor, ix := range m.Indexes {
		out[factor] = ix.Labels()
	}
	return out
}

// literalParams counts every parameter the model literally carries: fixed
// effects, group deviations, variance/correlation components, residual sd.
func literalParams(m *design.Matrices) int {
	n := m.P + m.Q + 1
	for _, rt := range m.Random {
		n += rt.Dims // one sd per dimension
		if rt.Dims == 2 {
			n++ // correlation
		}
	}
	return n
}

// runSpread reports the worst relative disagreement between per-run point
// estimates. runs is indexed [run][parameter].
func runSpread(runs [][]float64) float64 {
	if len(runs) < 2 {
		return 0
	}
	worst := 0.0
	for j := range runs[0] {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, r := range runs {
			lo = math.Min(lo, r[j])
			hi = math.Max(hi, r[j])
		}
		mid := 0.0
		for _, r := range runs {
			mid += r[j]
		}
		mid /= float64(len(runs))
		spread := (hi - lo) / math.Max(1, math.Abs(mid))
		worst = math.Max(worst, spread)
	}
	return worst
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
