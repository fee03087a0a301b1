package estimate

import (
	"fmt"

	"github.com/okian/hlm/internal/domain/dataset"
	"github.com/okian/hlm/internal/domain/grouping"
)

// Strategy selects the estimation procedure.
type Strategy string

// Supported strategies.
const (
	// StrategyLikelihood maximizes the (restricted) log-likelihood and
	// reports conditional-mode group estimates (BLUPs).
	StrategyLikelihood Strategy = "likelihood"
	// StrategySampling draws from the joint posterior under the spec's priors.
	StrategySampling Strategy = "sampling"
)

// Coefficient is one fixed-effect estimate with its uncertainty. Lower and
// Upper bound a 95% interval: asymptotic for likelihood fits, central
// credible for sampling fits.
type Coefficient struct {
	Name     string  `json:"name"`
	Estimate float64 `json:"estimate"`
	SE       float64 `json:"se"`
	Lower    float64 `json:"lower"`
	Upper    float64 `json:"upper"`
}

// GroupEffect is one group-level estimate: the deviation of one group from
// the population level, already shrunk toward zero.
type GroupEffect struct {
	Factor   string  `json:"factor"`
	Group    string  `json:"group"`
	Kind     string  `json:"kind"` // "intercept" or "slope"
	Slope    string  `json:"slope,omitempty"`
	Estimate float64 `json:"estimate"`
	SE       float64 `json:"se"`
	Lower    float64 `json:"lower"`
	Upper    float64 `json:"upper"`
}

// VarianceComponent is one estimated across-group scale, plus the
// intercept/slope correlation for joint terms.
type VarianceComponent struct {
	Factor string  `json:"factor"`
	Kind   string  `json:"kind"` // "intercept" or "slope"
	SD     float64 `json:"sd"`
	Corr   float64 `json:"corr,omitempty"` // set on the intercept row of joint terms
}

// Diagnostics carries convergence bookkeeping for one fit.
type Diagnostics struct {
	Converged     bool     `json:"converged"`
	Runs          int      `json:"runs"` // chains, or optimizer restarts
	Iterations    int      `json:"iterations"`
	MaxRunSpread  float64  `json:"max_run_spread"` // worst cross-run point-estimate disagreement
	MixingSuspect bool     `json:"mixing_suspect"`
	Warnings      []string `json:"warnings,omitempty"`
}

// FitResult is the read-only outcome of estimating one Spec against one
// dataset. It is a plain serializable record: reporting layers consume it
// without reaching into estimator internals, and the durable cache stores
// it verbatim.
type FitResult struct {
	Model    string   `json:"model"`
	Strategy Strategy `json:"strategy"`
	Seed     int64    `json:"seed"`

	Fixed      []Coefficient       `json:"fixed"`
	Groups     []GroupEffect       `json:"groups,omitempty"`
	Variance   []VarianceComponent `json:"variance,omitempty"`
	ResidualSD float64             `json:"residual_sd"`

	// FactorLevels records, per grouping factor, the exact category set seen
	// at fit time. Prediction refuses labels outside it.
	FactorLevels map[string][]string `json:"factor_levels"`

	// Deviance and EffectiveDF feed the conditional AIC of likelihood fits.
	Deviance    float64 `json:"deviance,omitempty"`
	EffectiveDF float64 `json:"effective_df,omitempty"`

	// LogLik holds per-draw pointwise log-likelihoods (draws x observations)
	// for sampling fits; WAIC is a pure function of this block.
	LogLik [][]float64 `json:"log_lik,omitempty"`

	// LiteralParams counts every parameter the model literally carries.
	LiteralParams int `json:"literal_params"`

	Degenerate  bool        `json:"degenerate"`
	Diagnostics Diagnostics `json:"diagnostics"`
}

// Predict evaluates the fitted linear predictor for one observation,
// combining population-level terms with the observation's group deviations.
// A job or gender label absent at fit time fails with
// grouping.ErrUnknownCategory; the caller decides the recovery policy.
func (r *FitResult) Predict(obs dataset.Observation) (float64, error) {
	if err := r.checkKnown(dataset.FactorJob, obs.Job); err != nil {
		return 0, err
	}
	if err := r.checkKnown(dataset.FactorGender, obs.Gender); err != nil {
		return 0, err
	}

	pred := 0.0
	for _, c := range r.Fixed {
		switch {
		case c.Name == "(intercept)":
			pred += c.Estimate
		case c.Name == dataset.PredictorTenure:
			pred += c.Estimate * obs.TenureYears
		default:
			// Dummy column "factor=level": contributes when the observation
			// sits on that level.
			factor, level, ok := splitDummy(c.Name)
			if ok && factorValue(obs, factor) == level {
				pred += c.Estimate
			}
		}
	}
	for _, g := range r.Groups {
		if factorValue(obs, g.Factor) != g.Group {
			continue
		}
		switch g.Kind {
		case "intercept":
			pred += g.Estimate
		case "slope":
			if g.Slope == dataset.PredictorTenure {
				pred += g.Estimate * obs.TenureYears
			}
		}
	}
	return pred, nil
}

func (r *FitResult) checkKnown(factor, label string) error {
	levels, ok := r.FactorLevels[factor]
	if !ok {
		// Factor never entered the model; nothing to check.
		return nil
	}
	for _, l := range levels {
		if l == label {
			return nil
		}
	}
	return fmt.Errorf("%w: %q in factor %q was absent at fit time", grouping.ErrUnknownCategory, label, factor)
}

func factorValue(obs dataset.Observation, factor string) string {
	switch factor {
	case dataset.FactorJob:
		return obs.Job
	case dataset.FactorGender:
		return obs.Gender
	}
	return ""
}

func splitDummy(name string) (factor, level string, ok bool) {
	for i := 0; i < len(name); i++ {
		if name[i] == '=' {
			return name[:i], name[i+1:], true
		}
	}
	return "", "", false
}
