package grouping

import "errors"

// Sentinel kinds for grouping errors.
var (
	// ErrUnknownCategory marks a label that was absent when the index was
	// built. Recoverable by caller policy, never silently ignored.
	ErrUnknownCategory = errors.New("unknown category")

	// ErrEmptyColumn marks an attempt to index a factor with no values.
	ErrEmptyColumn = errors.New("empty categorical column")
)
