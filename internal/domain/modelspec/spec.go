// Package modelspec declares the family of nested hierarchical linear models.
//
// A Spec is a frozen, declarative description of one model variant: which
// fixed-effect terms enter the linear predictor, which grouping factors get
// varying intercepts and/or slopes, and the prior assigned to every
// coefficient and group-level scale parameter. Specs never fit anything;
// they are consumed by the estimation engine.
package modelspec

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// FixedKind discriminates fixed-effect term variants.
type FixedKind string

// Fixed-effect term kinds.
const (
	KindIntercept   FixedKind = "intercept"
	KindContinuous  FixedKind = "continuous"
	KindCategorical FixedKind = "categorical"
)

// FixedTerm is one fixed-effect term. For categorical terms the reference
// level is dropped during dummy coding, so a K-level factor contributes
// K-1 coefficients, each carrying the same prior.
type FixedTerm struct {
	Kind  FixedKind `json:"kind"`
	Name  string    `json:"name"` // predictor or factor name; "" for intercept
	Prior Prior     `json:"prior"`
}

// VaryingTerm is one group-level term. Intercept and Slope may both be set
// for the same factor, in which case the pair is modeled jointly with an
// explicit correlation prior rather than as a product of univariate priors.
type VaryingTerm struct {
	Factor       string `json:"factor"`
	Intercept    bool   `json:"intercept"`
	Slope        string `json:"slope,omitempty"` // predictor name, "" for intercept-only
	SDPrior      Prior  `json:"sd_prior"`
	SlopeSDPrior Prior  `json:"slope_sd_prior,omitempty"`
	CorrPrior    Prior  `json:"corr_prior,omitempty"`
}

// Dims returns the number of parameters this term carries per group.
func (v VaryingTerm) Dims() int {
	d := 0
	if v.Intercept {
		d++
	}
	if v.Slope != "" {
		d++
	}
	return d
}

// Spec fully determines estimation inputs for one model variant.
// Construct via Builder; treat as read-only afterwards.
type Spec struct {
	Name          string        `json:"name"`
	Response      string        `json:"response"`
	Fixed         []FixedTerm   `json:"fixed"`
	Varying       []VaryingTerm `json:"varying"`
	ResidualPrior Prior         `json:"residual_prior"`
}

// Schema lists the fields a dataset is known to carry, used to validate a
// Spec before any fit is attempted.
type Schema struct {
	Response   string
	Factors    []string
	Predictors []string
}

func (s Schema) hasFactor(name string) bool {
	for _, f := range s.Factors {
		if f == name {
			return true
		}
	}
	return false
}

func (s Schema) hasPredictor(name string) bool {
	for _, p := range s.Predictors {
		if p == name {
			return true
		}
	}
	return false
}

// Builder accumulates terms for one Spec. Zero value is not usable; start
// from NewBuilder.
type Builder struct {
	spec Spec
	err  error
}

// NewBuilder starts a Spec for the named model and response variable.
func NewBuilder(name, response string) *Builder {
	return &Builder{spec: Spec{
		Name:          name,
		Response:      response,
		ResidualPrior: HalfCauchy(5), // weakly informative default on the residual sd
	}}
}

// Intercept adds the population intercept with the given prior.
func (b *Builder) Intercept(prior Prior) *Builder {
	b.spec.Fixed = append(b.spec.Fixed, FixedTerm{Kind: KindIntercept, Prior: prior})
	return b
}

// Continuous adds a continuous fixed-effect predictor.
func (b *Builder) Continuous(name string, prior Prior) *Builder {
	b.spec.Fixed = append(b.spec.Fixed, FixedTerm{Kind: KindContinuous, Name: name, Prior: prior})
	return b
}

// Categorical adds a dummy-coded fixed-effect factor. The factor's reference
// level is absorbed into the intercept.
func (b *Builder) Categorical(factor string, prior Prior) *Builder {
	b.spec.Fixed = append(b.spec.Fixed, FixedTerm{Kind: KindCategorical, Name: factor, Prior: prior})
	return b
}

// VaryingIntercept lets the intercept vary by factor, with sdPrior on the
// across-group standard deviation.
func (b *Builder) VaryingIntercept(factor string, sdPrior Prior) *Builder {
	b.spec.Varying = append(b.spec.Varying, VaryingTerm{
		Factor:    factor,
		Intercept: true,
		SDPrior:   sdPrior,
	})
	return b
}

// VaryingInterceptSlope lets both the intercept and the slope of predictor
// vary by factor. The two deviations share a joint bivariate prior whose
// correlation carries corrPrior (LKJ).
func (b *Builder) VaryingInterceptSlope(factor, predictor string, sdPrior, slopeSDPrior, corrPrior Prior) *Builder {
	b.spec.Varying = append(b.spec.Varying, VaryingTerm{
		Factor:       factor,
		Intercept:    true,
		Slope:        predictor,
		SDPrior:      sdPrior,
		SlopeSDPrior: slopeSDPrior,
		CorrPrior:    corrPrior,
	})
	return b
}

// VaryingSlope lets only the slope of predictor vary by factor.
func (b *Builder) VaryingSlope(factor, predictor string, sdPrior Prior) *Builder {
	b.spec.Varying = append(b.spec.Varying, VaryingTerm{
		Factor:  factor,
		Slope:   predictor,
		SDPrior: sdPrior,
	})
	return b
}

// ResidualPrior overrides the default prior on the residual sd.
func (b *Builder) ResidualPrior(prior Prior) *Builder {
	b.spec.ResidualPrior = prior
	return b
}

// Build validates the accumulated terms against the schema and freezes the
// Spec. All violations fail with ErrInvalidSpec before any fit is attempted.
func (b *Builder) Build(schema Schema) (*Spec, error) {
	s := b.spec
	if s.Name == "" {
		return nil, fmt.Errorf("%w: model name must not be empty", ErrInvalidSpec)
	}
	if s.Response != schema.Response {
		return nil, fmt.Errorf("%w: unknown response %q", ErrInvalidSpec, s.Response)
	}
	if len(s.Fixed) == 0 {
		return nil, fmt.Errorf("%w: model %q declares no fixed-effect terms", ErrInvalidSpec, s.Name)
	}

	seenFixed := map[string]bool{}
	continuous := map[string]bool{}
	for _, t := range s.Fixed {
		key := string(t.Kind) + ":" + t.Name
		if seenFixed[key] {
			return nil, fmt.Errorf("%w: duplicate fixed term %q", ErrInvalidSpec, key)
		}
		seenFixed[key] = true

		switch t.Kind {
		case KindIntercept:
			// nothing to resolve
		case KindContinuous:
			if !schema.hasPredictor(t.Name) {
				return nil, fmt.Errorf("%w: unknown predictor %q", ErrInvalidSpec, t.Name)
			}
			continuous[t.Name] = true
		case KindCategorical:
			if !schema.hasFactor(t.Name) {
				return nil, fmt.Errorf("%w: unknown grouping factor %q in fixed term", ErrInvalidSpec, t.Name)
			}
		default:
			return nil, fmt.Errorf("%w: unknown fixed term kind %q", ErrInvalidSpec, t.Kind)
		}
		if err := t.Prior.validateAs("fixed-effect", FamilyNormal); err != nil {
			return nil, err
		}
	}

	seenVarying := map[string]bool{}
	for _, v := range s.Varying {
		if !schema.hasFactor(v.Factor) {
			return nil, fmt.Errorf("%w: unknown grouping factor %q in varying term", ErrInvalidSpec, v.Factor)
		}
		if seenVarying[v.Factor] {
			return nil, fmt.Errorf("%w: factor %q appears in more than one varying term", ErrInvalidSpec, v.Factor)
		}
		seenVarying[v.Factor] = true

		if v.Dims() == 0 {
			return nil, fmt.Errorf("%w: varying term for %q declares neither intercept nor slope", ErrInvalidSpec, v.Factor)
		}
		if v.Slope != "" && !continuous[v.Slope] {
			// The varying slope must shadow a declared fixed-effect predictor so
			// the group deviations are centered on a population-level slope.
			return nil, fmt.Errorf("%w: varying slope for %q references predictor %q which is not a declared fixed effect", ErrInvalidSpec, v.Factor, v.Slope)
		}
		if err := v.SDPrior.validateAs("group-level sd", FamilyHalfNormal, FamilyHalfCauchy); err != nil {
			return nil, err
		}
		if v.Intercept && v.Slope != "" {
			if err := v.SlopeSDPrior.validateAs("group-level slope sd", FamilyHalfNormal, FamilyHalfCauchy); err != nil {
				return nil, err
			}
			if err := v.CorrPrior.validateAs("correlation", FamilyLKJ); err != nil {
				return nil, err
			}
		}
	}

	if err := s.ResidualPrior.validateAs("residual sd", FamilyHalfNormal, FamilyHalfCauchy); err != nil {
		return nil, err
	}
	if b.err != nil {
		return nil, b.err
	}
	return &s, nil
}

// Fingerprint returns a stable sha256 hex digest of the spec's canonical
// JSON encoding. Two specs with the same fingerprint describe the same model.
func (s *Spec) Fingerprint() string {
	raw, err := json.Marshal(s)
	if err != nil {
		// Spec contains only plain values; Marshal cannot fail in practice.
		panic(fmt.Sprintf("modelspec: marshal: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// HasVarying reports whether any group-level term is declared.
func (s *Spec) HasVarying() bool { return len(s.Varying) > 0 }
