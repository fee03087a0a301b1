package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Expected CSV header columns. Order is free; matching is case-insensitive.
const (
	colHourlyRate = "hourly_rate"
	colTenure     = "tenure_years"
	colJob        = "job"
	colGender     = "gender"
)

// FromCSV reads a cleaned payroll CSV with a header row and builds a Dataset.
// Validation is identical to New: the first bad row aborts the load.
func FromCSV(r io.Reader) (*Dataset, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: reading header: %w", ErrInvalidInput, err)
	}
	idx := map[string]int{}
	for i, name := range header {
		idx[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{colHourlyRate, colTenure, colJob, colGender} {
		if _, ok := idx[required]; !ok {
			return nil, fmt.Errorf("%w: missing column %q", ErrInvalidInput, required)
		}
	}

	var obs []Observation
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %w", ErrInvalidInput, line, err)
		}
		rate, err := strconv.ParseFloat(rec[idx[colHourlyRate]], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: bad hourly_rate %q", ErrInvalidInput, line, rec[idx[colHourlyRate]])
		}
		tenure, err := strconv.ParseFloat(rec[idx[colTenure]], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: bad tenure_years %q", ErrInvalidInput, line, rec[idx[colTenure]])
		}
		obs = append(obs, Observation{
			HourlyRate:  rate,
			TenureYears: tenure,
			Job:         strings.TrimSpace(rec[idx[colJob]]),
			Gender:      strings.TrimSpace(rec[idx[colGender]]),
		})
	}
	return New(obs)
}

// FromCSVFile opens path and delegates to FromCSV.
func FromCSVFile(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	defer f.Close() //nolint:errcheck // read-only handle
	return FromCSV(f)
}
