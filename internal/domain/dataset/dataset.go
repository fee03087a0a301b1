// Package dataset contains the cleaned payroll records passed between layers.
package dataset

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
)

// Observation represents one employee-year compensation record.
// Records are immutable once loaded.
type Observation struct {
	HourlyRate  float64 // standardized hourly compensation, strictly positive
	TenureYears float64 // tenure in years, non-negative
	Job         string  // job-class label
	Gender      string  // gender label from the inference collaborator, may be "unknown"
}

// Dataset is an immutable collection of observations with a content fingerprint.
type Dataset struct {
	obs         []Observation
	fingerprint string
}

// New validates rows and builds a Dataset. Any missing, non-finite or
// out-of-range field fails with ErrInvalidInput before any fit is attempted.
func New(obs []Observation) (*Dataset, error) {
	if len(obs) == 0 {
		return nil, fmt.Errorf("%w: empty dataset", ErrInvalidInput)
	}
	for i, o := range obs {
		if err := o.validate(); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
	}
	cp := make([]Observation, len(obs))
	copy(cp, obs)
	return &Dataset{obs: cp, fingerprint: fingerprint(cp)}, nil
}

func (o Observation) validate() error {
	switch {
	case math.IsNaN(o.HourlyRate) || math.IsInf(o.HourlyRate, 0):
		return fmt.Errorf("%w: hourly rate is not finite", ErrInvalidInput)
	case o.HourlyRate <= 0:
		return fmt.Errorf("%w: hourly rate must be positive, got %v", ErrInvalidInput, o.HourlyRate)
	case math.IsNaN(o.TenureYears) || math.IsInf(o.TenureYears, 0):
		return fmt.Errorf("%w: tenure is not finite", ErrInvalidInput)
	case o.TenureYears < 0:
		return fmt.Errorf("%w: tenure must be non-negative, got %v", ErrInvalidInput, o.TenureYears)
	case strings.TrimSpace(o.Job) == "":
		return fmt.Errorf("%w: missing job label", ErrInvalidInput)
	case strings.TrimSpace(o.Gender) == "":
		return fmt.Errorf("%w: missing gender label", ErrInvalidInput)
	}
	return nil
}

// Len returns the number of observations.
func (d *Dataset) Len() int { return len(d.obs) }

// At returns the observation at index i.
func (d *Dataset) At(i int) Observation { return d.obs[i] }

// HourlyRates returns a fresh copy of the response column.
func (d *Dataset) HourlyRates() []float64 {
	out := make([]float64, len(d.obs))
	for i, o := range d.obs {
		out[i] = o.HourlyRate
	}
	return out
}

// TenureYears returns a fresh copy of the tenure column.
func (d *Dataset) TenureYears() []float64 {
	out := make([]float64, len(d.obs))
	for i, o := range d.obs {
		out[i] = o.TenureYears
	}
	return out
}

// Jobs returns a fresh copy of the job-class column.
func (d *Dataset) Jobs() []string {
	out := make([]string, len(d.obs))
	for i, o := range d.obs {
		out[i] = o.Job
	}
	return out
}

// Genders returns a fresh copy of the gender column.
func (d *Dataset) Genders() []string {
	out := make([]string, len(d.obs))
	for i, o := range d.obs {
		out[i] = o.Gender
	}
	return out
}

// Column returns the categorical column for a named grouping factor.
// Known factors are "job" and "gender".
func (d *Dataset) Column(factor string) ([]string, bool) {
	switch factor {
	case FactorJob:
		return d.Jobs(), true
	case FactorGender:
		return d.Genders(), true
	}
	return nil, false
}

// Predictor returns the continuous column for a named predictor.
// The only continuous predictor is "tenure".
func (d *Dataset) Predictor(name string) ([]float64, bool) {
	if name == PredictorTenure {
		return d.TenureYears(), true
	}
	return nil, false
}

// Known column names.
const (
	FactorJob       = "job"
	FactorGender    = "gender"
	PredictorTenure = "tenure"
)

// Factors lists the categorical grouping factors this dataset carries.
func (d *Dataset) Factors() []string { return []string{FactorJob, FactorGender} }

// Fingerprint returns a stable sha256 hex digest of the dataset contents.
// Fits keyed by the same fingerprint saw byte-identical data.
func (d *Dataset) Fingerprint() string { return d.fingerprint }

func fingerprint(obs []Observation) string {
	h := sha256.New()
	var buf [8]byte
	for _, o := range obs {
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(o.HourlyRate))
		h.Write(buf[:])
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(o.TenureYears))
		h.Write(buf[:])
		h.Write([]byte(o.Job))
		h.Write([]byte{0})
		h.Write([]byte(o.Gender))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
