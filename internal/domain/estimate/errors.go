package estimate

import "errors"

// Sentinel kinds for estimation errors.
var (
	// ErrNonConvergence marks a fit whose optimization or sampling did not
	// stabilize within the configured budget, or was cancelled. The engine
	// never auto-retries; the caller may relax tolerances and resubmit.
	ErrNonConvergence = errors.New("fit did not converge")

	// ErrDegenerateVariance marks a group-level variance that collapsed to
	// (numerically) zero: the model is over-parameterized for the data.
	// Warning-level; a degenerate fit is still returned and comparable.
	ErrDegenerateVariance = errors.New("degenerate group-level variance")
)
