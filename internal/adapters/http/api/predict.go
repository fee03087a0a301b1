// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/okian/hlm/internal/adapters/repository"
	"github.com/okian/hlm/internal/domain/estimate"
	"github.com/okian/hlm/internal/domain/grouping"
)

// PredictDependencies defines the interface for prediction reads.
type PredictDependencies interface {
	Model(ctx context.Context, name string) (*estimate.FitResult, error)
}

// PredictHandler handles prediction requests.
type PredictHandler struct {
	deps PredictDependencies
}

// NewPredictHandler creates a new predict handler.
func NewPredictHandler(deps PredictDependencies) *PredictHandler {
	return &PredictHandler{deps: deps}
}

// HandleGetPrediction handles
// GET /models/predict/{name}?job=J&gender=G&tenure_years=T requests.
func (h *PredictHandler) HandleGetPrediction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/models/predict/")
	if name == "" || strings.Contains(name, "/") {
		writeError(w, http.StatusBadRequest, "bad_request", ErrBadRequest)
		return
	}
	obs, err := observationFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}

	res, err := h.deps.Model(r.Context(), name)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err)
		return
	}

	rate, err := res.Predict(obs)
	if err != nil {
		// A category absent at fit time is a client problem, not a server one.
		if errors.Is(err, grouping.ErrUnknownCategory) {
			writeError(w, http.StatusUnprocessableEntity, "unknown_category", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err)
		return
	}
	writeJSON(w, http.StatusOK, predictionResponse{
		Model:      name,
		Job:        obs.Job,
		Gender:     obs.Gender,
		Tenure:     obs.TenureYears,
		HourlyRate: rate,
	})
}
