package modelspec

import (
	"fmt"
	"math"
)

// Family names a prior distribution family.
type Family string

// Supported prior families.
const (
	// FamilyNormal is the location-scale prior for fixed-effect coefficients.
	FamilyNormal Family = "normal"
	// FamilyHalfNormal and FamilyHalfCauchy are weakly-informative priors for
	// group-level standard deviations (the partial-pooling hyperparameters).
	FamilyHalfNormal Family = "half_normal"
	FamilyHalfCauchy Family = "half_cauchy"
	// FamilyLKJ is the correlation prior tying a factor's intercept and slope
	// deviations together in the joint multivariate case.
	FamilyLKJ Family = "lkj"
)

// Prior is a tagged prior description. Loc is only meaningful for the
// normal family; Scale holds the sd/scale parameter, or eta for LKJ.
type Prior struct {
	Family Family  `json:"family"`
	Loc    float64 `json:"loc,omitempty"`
	Scale  float64 `json:"scale"`
}

// Normal builds a Normal(mean, sd) prior for a fixed-effect coefficient.
func Normal(mean, sd float64) Prior {
	return Prior{Family: FamilyNormal, Loc: mean, Scale: sd}
}

// HalfNormal builds a HalfNormal(scale) prior for a group-level sd.
func HalfNormal(scale float64) Prior {
	return Prior{Family: FamilyHalfNormal, Scale: scale}
}

// HalfCauchy builds a HalfCauchy(scale) prior for a group-level sd.
func HalfCauchy(scale float64) Prior {
	return Prior{Family: FamilyHalfCauchy, Scale: scale}
}

// LKJ builds an LKJ(eta) correlation prior. eta > 1 concentrates mass near
// zero correlation; eta = 1 is uniform over correlation matrices.
func LKJ(eta float64) Prior {
	return Prior{Family: FamilyLKJ, Scale: eta}
}

func (p Prior) validateAs(role string, allowed ...Family) error {
	ok := false
	for _, f := range allowed {
		if p.Family == f {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("%w: %s prior family %q not permitted", ErrInvalidSpec, role, p.Family)
	}
	if p.Scale <= 0 || math.IsNaN(p.Scale) || math.IsInf(p.Scale, 0) {
		return fmt.Errorf("%w: %s prior scale must be positive and finite, got %v", ErrInvalidSpec, role, p.Scale)
	}
	if math.IsNaN(p.Loc) || math.IsInf(p.Loc, 0) {
		return fmt.Errorf("%w: %s prior location must be finite, got %v", ErrInvalidSpec, role, p.Loc)
	}
	return nil
}

// LogDensitySD evaluates the log prior density of a group-level sd prior at
// sd > 0, up to the family's normalizing constant.
func (p Prior) LogDensitySD(sd float64) float64 {
	if sd <= 0 {
		return math.Inf(-1)
	}
	switch p.Family {
	case FamilyHalfNormal:
		z := sd / p.Scale
		return -0.5 * z * z
	case FamilyHalfCauchy:
		z := sd / p.Scale
		return -math.Log1p(z * z)
	default:
		return math.Inf(-1)
	}
}

// LogDensityNormal evaluates the log density of a normal coefficient prior
// at x, up to the normalizing constant.
func (p Prior) LogDensityNormal(x float64) float64 {
	if p.Family != FamilyNormal {
		return math.Inf(-1)
	}
	z := (x - p.Loc) / p.Scale
	return -0.5 * z * z
}

// LogDensityCorr evaluates the LKJ(eta) log density at correlation rho for
// the bivariate case: (eta - 1) * log det(R) with det(R) = 1 - rho^2.
func (p Prior) LogDensityCorr(rho float64) float64 {
	if p.Family != FamilyLKJ || rho <= -1 || rho >= 1 {
		return math.Inf(-1)
	}
	return (p.Scale - 1) * math.Log(1-rho*rho)
}
