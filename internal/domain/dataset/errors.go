package dataset

import "errors"

// Sentinel kinds for dataset errors.
var (
	// ErrInvalidInput marks malformed or missing required fields in a record.
	// It is fatal and reported before any fit is attempted.
	ErrInvalidInput = errors.New("invalid input")
)
