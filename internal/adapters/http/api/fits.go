// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/okian/hlm/internal/domain/estimate"
	"github.com/okian/hlm/internal/domain/modelspec"
)

// FitDependencies defines the interface for fit submission.
type FitDependencies interface {
	Schema(ctx context.Context) modelspec.Schema
	Submit(ctx context.Context, spec *modelspec.Spec, opts estimate.Options) (jobID string, duplicate, ok bool)
}

// FitsHandler handles fit submission requests.
type FitsHandler struct {
	deps FitDependencies
}

// NewFitsHandler creates a new fits handler.
func NewFitsHandler(deps FitDependencies) *FitsHandler {
	return &FitsHandler{deps: deps}
}

// HandlePostFit handles POST /fits requests.
func (h *FitsHandler) HandlePostFit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req fitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("%w: %w", ErrBadRequest, err))
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("%w: %w", ErrBadRequest, err))
		return
	}

	spec, err := req.toSpec(h.deps.Schema(r.Context()))
	if err != nil {
		// Spec construction failures are client errors: the request names
		// factors, predictors or priors the dataset does not carry.
		writeError(w, http.StatusUnprocessableEntity, "invalid_spec", err)
		return
	}

	jobID, duplicate, ok := h.deps.Submit(r.Context(), spec, req.toOptions())
	if duplicate {
		writeJSON(w, http.StatusOK, ackResponse{Status: "duplicate", Duplicate: true})
		return
	}
	if !ok {
		writeError(w, http.StatusTooManyRequests, "backpressure", ErrBackpressure)
		return
	}
	writeJSON(w, http.StatusAccepted, ackResponse{Status: "accepted", JobID: jobID, Duplicate: false})
}
