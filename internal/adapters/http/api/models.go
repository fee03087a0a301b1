// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/okian/hlm/internal/adapters/repository"
	"github.com/okian/hlm/internal/domain/estimate"
)

// ModelDependencies defines the interface for fitted-model reads.
type ModelDependencies interface {
	Model(ctx context.Context, name string) (*estimate.FitResult, error)
	Models(ctx context.Context) []*estimate.FitResult
}

// ModelsHandler handles fitted-model read requests.
type ModelsHandler struct {
	deps ModelDependencies
}

// NewModelsHandler creates a new models handler.
func NewModelsHandler(deps ModelDependencies) *ModelsHandler {
	return &ModelsHandler{deps: deps}
}

// HandleListModels handles GET /models requests.
func (h *ModelsHandler) HandleListModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Models(r.Context()))
}

// HandleGetModel handles GET /models/{name} requests.
func (h *ModelsHandler) HandleGetModel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/models/")
	if name == "" || strings.Contains(name, "/") {
		writeError(w, http.StatusBadRequest, "bad_request", ErrBadRequest)
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
	writeJSON(w, http.StatusOK, res)
}
