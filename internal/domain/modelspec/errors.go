package modelspec

import "errors"

// Sentinel kinds for specification errors.
var (
	// ErrInvalidSpec marks a spec referencing unknown factors or predictors,
	// or carrying an ill-formed prior. Caught at build time, before any fit.
	ErrInvalidSpec = errors.New("invalid model specification")
)
