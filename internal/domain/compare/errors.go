package compare

import "errors"

// Sentinel kinds for comparison errors.
var (
	// ErrUncomparable marks a FitResult that lacks the stored data its
	// criterion needs. The comparison never fabricates values for it.
	ErrUncomparable = errors.New("result cannot be compared")
)
