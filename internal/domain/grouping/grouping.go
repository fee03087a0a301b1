// Package grouping maps categorical labels to dense integer group indices.
//
// Indices run over [1, K] with no gaps: estimation code addresses group
// parameters by index, reporting code translates back to labels.
package grouping

import (
	"fmt"
)

// Index is a bijection between category labels and integers in [1, K].
// Assignment follows first-appearance order; an explicitly requested
// reference level is forced to index 1 and the remainder keep their
// first-appearance order. Immutable after Build.
type Index struct {
	factor    string
	toIndex   map[string]int
	toLabel   []string // position i holds the label for index i+1
	reference string
}

// Option configures index construction.
type Option func(*builder)

type builder struct {
	reference    string
	hasReference bool
}

// WithReference forces level to index 1. The level must occur in the values;
// Build fails otherwise. The choice only affects display order, never the
// estimates themselves.
func WithReference(level string) Option {
	return func(b *builder) {
		b.reference = level
		b.hasReference = true
	}
}

// Build constructs an Index for the named factor from a column of values.
func Build(factor string, values []string, opts ...Option) (*Index, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: factor %q has no values", ErrEmptyColumn, factor)
	}
	var b builder
	for _, opt := range opts {
		opt(&b)
	}

	seen := make(map[string]bool, 8)
	var order []string
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			order = append(order, v)
		}
	}

	if b.hasReference {
		if !seen[b.reference] {
			return nil, fmt.Errorf("%w: reference level %q not present in factor %q", ErrUnknownCategory, b.reference, factor)
		}
		// Move the reference to the front, preserving relative order elsewhere.
		reordered := make([]string, 0, len(order))
		reordered = append(reordered, b.reference)
		for _, v := range order {
			if v != b.reference {
				reordered = append(reordered, v)
			}
		}
		order = reordered
	}

	toIndex := make(map[string]int, len(order))
	for i, v := range order {
		toIndex[v] = i + 1
	}
	return &Index{
		factor:    factor,
		toIndex:   toIndex,
		toLabel:   order,
		reference: b.reference,
	}, nil
}

// Factor returns the grouping-factor name this index was built for.
func (ix *Index) Factor() string { return ix.factor }

// K returns the number of distinct levels.
func (ix *Index) K() int { return len(ix.toLabel) }

// IndexOf returns the dense index in [1, K] for label. A label absent from
// the training column fails with ErrUnknownCategory; the index never invents
// entries for unseen categories.
func (ix *Index) IndexOf(label string) (int, error) {
	i, ok := ix.toIndex[label]
	if !ok {
		return 0, fmt.Errorf("%w: %q in factor %q", ErrUnknownCategory, label, ix.factor)
	}
	return i, nil
}

// LabelOf returns the label for a dense index in [1, K].
func (ix *Index) LabelOf(i int) (string, error) {
	if i < 1 || i > len(ix.toLabel) {
		return "", fmt.Errorf("%w: index %d out of [1, %d] for factor %q", ErrUnknownCategory, i, len(ix.toLabel), ix.factor)
	}
	return ix.toLabel[i-1], nil
}

// Labels returns all labels in index order (index i maps to Labels()[i-1]).
func (ix *Index) Labels() []string {
	out := make([]string, len(ix.toLabel))
	copy(out, ix.toLabel)
	return out
}

// Reference returns the forced reference level, or "" if none was requested.
func (ix *Index) Reference() string { return ix.reference }

// Assign maps a full column of labels to their dense indices.
func (ix *Index) Assign(values []string) ([]int, error) {
	out := make([]int, len(values))
	for i, v := range values {
		gi, err := ix.IndexOf(v)
		if err != nil {
			return nil, err
		}
		out[i] = gi
	}
	return out, nil
}
