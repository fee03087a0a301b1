package estimate

import (
	"github.com/okian/hlm/pkg/logger"
)

// Default estimation budgets.
const (
	defaultChains        = 4
	defaultIterations    = 4000
	defaultBurnIn        = 1000
	defaultRestarts      = 3
	defaultOptimBudget   = 2000
	defaultAgreementTol  = 0.05
	defaultVarianceFloor = 1e-4
	defaultMaxKeptDraws  = 500 // per chain, after burn-in and thinning
)

// Options configures one fit. The zero value is completed by the engine's
// defaults; explicit fields win.
type Options struct {
	Strategy Strategy

	// REML selects restricted maximum likelihood for the likelihood strategy.
	// False is the unset value: it cannot switch off an engine default.
	REML bool

	// Seed is the base random seed; run r uses Seed + r. Fits with the same
	// spec, dataset and seed are deterministic. Zero means unset and falls
	// back to the engine default.
	Seed int64

	// Chains is the number of independent sampling chains (sampling strategy)
	// or optimizer restarts from jittered starts (likelihood strategy).
	Chains int

	// Iterations bounds sampler sweeps per chain (including burn-in) or
	// optimizer major iterations.
	Iterations int

	// BurnIn is the number of leading sweeps discarded per chain.
	BurnIn int

	// AgreementTol is the cross-run point-estimate agreement tolerance,
	// relative to the estimate's magnitude.
	AgreementTol float64

	// VarianceFloor flags a fitted group-level sd below this as degenerate.
	VarianceFloor float64

	// References forces a factor's reference level to group index 1.
	References map[string]string
}

func (o Options) withDefaults() Options {
	if o.Strategy == "" {
		o.Strategy = StrategyLikelihood
	}
	if o.Chains < 1 {
		if o.Strategy == StrategySampling {
			o.Chains = defaultChains
		} else {
			o.Chains = defaultRestarts
		}
	}
	if o.Iterations < 1 {
		if o.Strategy == StrategySampling {
			o.Iterations = defaultIterations
		} else {
			o.Iterations = defaultOptimBudget
		}
	}
	if o.BurnIn < 0 || o.BurnIn >= o.Iterations {
		o.BurnIn = o.Iterations / 4
	} else if o.BurnIn == 0 && o.Strategy == StrategySampling {
		o.BurnIn = min(defaultBurnIn, o.Iterations/4)
	}
	if o.AgreementTol <= 0 {
		o.AgreementTol = defaultAgreementTol
	}
	if o.VarianceFloor <= 0 {
		o.VarianceFloor = defaultVarianceFloor
	}
	return o
}

// EngineOption applies a configuration option to the Engine.
type EngineOption func(*Engine)

// WithLogger sets a custom logger for the engine.
func WithLogger(l logger.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithDefaultOptions sets the fallback Options merged into every call.
func WithDefaultOptions(opts Options) EngineOption {
	return func(e *Engine) {
		e.defaults = opts
	}
}
