// Package design turns a (Dataset, Spec) pair into the numeric matrices the
// estimation engine consumes: the response vector y, the fixed-effect matrix
// X, and one random-effect block per varying term.
package design

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/okian/hlm/internal/domain/dataset"
	"github.com/okian/hlm/internal/domain/grouping"
	"github.com/okian/hlm/internal/domain/modelspec"
)

// ResponseHourlyRate is the single response this dataset schema exposes.
const ResponseHourlyRate = "hourly_rate"

// SchemaFor describes the fields of ds for spec validation.
func SchemaFor(ds *dataset.Dataset) modelspec.Schema {
	return modelspec.Schema{
		Response:   ResponseHourlyRate,
		Factors:    ds.Factors(),
		Predictors: []string{dataset.PredictorTenure},
	}
}

// RandomTerm holds the per-observation structure of one varying term.
type RandomTerm struct {
	Term   modelspec.VaryingTerm
	Index  *grouping.Index
	Groups []int     // per-observation group index in [1, K]
	Covar  []float64 // per-observation slope predictor value; nil without a slope
	K      int       // number of groups
	Dims   int       // parameters per group: 1 or 2
	Offset int       // column offset of this term's block in the stacked u vector
}

// Matrices is the numeric view of one model against one dataset.
// Deterministic given the dataset row order.
type Matrices struct {
	Y      *mat.VecDense
	X      *mat.Dense // n x p fixed-effect matrix
	XNames []string   // column labels for X, aligned with beta
	Z      *mat.Dense // n x q stacked random-effect matrix; nil when q == 0
	Random []RandomTerm
	N      int
	P      int
	Q      int // total random-effect columns across terms

	Indexes map[string]*grouping.Index // factor name -> index, shared with Random
}

// Option configures matrix construction.
type Option func(*builder)

type builder struct {
	references map[string]string
}

// WithReference forces the given factor's reference level to group index 1.
// Display-only: estimation is invariant to the choice.
func WithReference(factor, level string) Option {
	return func(b *builder) {
		b.references[factor] = level
	}
}

// Build assembles the matrices for spec against ds. The group indices used
// here are exactly those implied by the dataset; no category is dropped or
// relabeled between preparation and estimation.
func Build(ds *dataset.Dataset, spec *modelspec.Spec, opts ...Option) (*Matrices, error) {
	b := builder{references: map[string]string{}}
	for _, opt := range opts {
		opt(&b)
	}
	if spec.Response != ResponseHourlyRate {
		return nil, fmt.Errorf("%w: unknown response %q", modelspec.ErrInvalidSpec, spec.Response)
	}

	n := ds.Len()
	m := &Matrices{
		Y:       mat.NewVecDense(n, ds.HourlyRates()),
		N:       n,
		Indexes: map[string]*grouping.Index{},
	}

	// Index every factor the spec touches, exactly once.
	for _, t := range spec.Fixed {
		if t.Kind == modelspec.KindCategorical {
			if err := m.ensureIndex(ds, t.Name, b.references[t.Name]); err != nil {
				return nil, err
			}
		}
	}
	for _, v := range spec.Varying {
		if err := m.ensureIndex(ds, v.Factor, b.references[v.Factor]); err != nil {
			return nil, err
		}
	}

	if err := m.buildFixed(ds, spec); err != nil {
		return nil, err
	}
	if err := m.buildRandom(ds, spec); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Matrices) ensureIndex(ds *dataset.Dataset, factor, reference string) error {
	if _, ok := m.Indexes[factor]; ok {
		return nil
	}
	col, ok := ds.Column(factor)
	if !ok {
		return fmt.Errorf("%w: dataset has no factor %q", modelspec.ErrInvalidSpec, factor)
	}
	var opts []grouping.Option
	if reference != "" {
		opts = append(opts, grouping.WithReference(reference))
	}
	ix, err := grouping.Build(factor, col, opts...)
	if err != nil {
		return err
	}
	m.Indexes[factor] = ix
	return nil
}

func (m *Matrices) buildFixed(ds *dataset.Dataset, spec *modelspec.Spec) error {
	type column struct {
		name   string
		values []float64
	}
	var cols []column

	for _, t := range spec.Fixed {
		switch t.Kind {
		case modelspec.KindIntercept:
			ones := make([]float64, m.N)
			for i := range ones {
				ones[i] = 1
			}
			cols = append(cols, column{name: "(intercept)", values: ones})
		case modelspec.KindContinuous:
			vals, ok := ds.Predictor(t.Name)
			if !ok {
				return fmt.Errorf("%w: dataset has no predictor %q", modelspec.ErrInvalidSpec, t.Name)
			}
			cols = append(cols, column{name: t.Name, values: vals})
		case modelspec.KindCategorical:
			// Dummy coding with the reference (index 1) level dropped.
			ix := m.Indexes[t.Name]
			raw, _ := ds.Column(t.Name)
			groups, err := ix.Assign(raw)
			if err != nil {
				return err
			}
			for level := 2; level <= ix.K(); level++ {
				label, _ := ix.LabelOf(level)
				vals := make([]float64, m.N)
				for i, g := range groups {
					if g == level {
						vals[i] = 1
					}
				}
				cols = append(cols, column{name: t.Name + "=" + label, values: vals})
			}
		}
	}

	m.P = len(cols)
	m.X = mat.NewDense(m.N, m.P, nil)
	m.XNames = make([]string, m.P)
	for j, c := range cols {
		m.XNames[j] = c.name
		m.X.SetCol(j, c.values)
	}
	return nil
}

func (m *Matrices) buildRandom(ds *dataset.Dataset, spec *modelspec.Spec) error {
	offset := 0
	for _, v := range spec.Varying {
		ix := m.Indexes[v.Factor]
		raw, _ := ds.Column(v.Factor)
		groups, err := ix.Assign(raw)
		if err != nil {
			return err
		}
		rt := RandomTerm{
			Term:   v,
			Index:  ix,
			Groups: groups,
			K:      ix.K(),
			Dims:   v.Dims(),
			Offset: offset,
		}
		if v.Slope != "" {
			covar, ok := ds.Predictor(v.Slope)
			if !ok {
				return fmt.Errorf("%w: dataset has no predictor %q", modelspec.ErrInvalidSpec, v.Slope)
			}
			rt.Covar = covar
		}
		offset += rt.K * rt.Dims
		m.Random = append(m.Random, rt)
	}
	m.Q = offset

	if m.Q == 0 {
		return nil
	}
	m.Z = mat.NewDense(m.N, m.Q, nil)
	for _, rt := range m.Random {
		for i := 0; i < m.N; i++ {
			base := rt.Offset + (rt.Groups[i]-1)*rt.Dims
			col := base
			if rt.Term.Intercept {
				m.Z.Set(i, col, 1)
				col++
			}
			if rt.Term.Slope != "" {
				m.Z.Set(i, col, rt.Covar[i])
			}
		}
	}
	return nil
}

// ColumnLabel names the stacked random-effect column j, e.g. "job[Clerk]" or
// "job[Clerk]:tenure" for a varying slope.
func (m *Matrices) ColumnLabel(j int) string {
	for _, rt := range m.Random {
		span := rt.K * rt.Dims
		if j < rt.Offset || j >= rt.Offset+span {
			continue
		}
		local := j - rt.Offset
		group := local/rt.Dims + 1
		label, _ := rt.Index.LabelOf(group)
		within := local % rt.Dims
		if rt.Term.Intercept && within == 0 {
			return rt.Term.Factor + "[" + label + "]"
		}
		return rt.Term.Factor + "[" + label + "]:" + rt.Term.Slope
	}
	return fmt.Sprintf("u[%d]", j)
}
