// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"net/http"

	"github.com/okian/hlm/internal/domain/compare"
)

// ComparisonDependencies defines the interface for the model ranking.
type ComparisonDependencies interface {
	Comparison(ctx context.Context) (*compare.Table, error)
}

// ComparisonHandler handles model comparison requests.
type ComparisonHandler struct {
	deps ComparisonDependencies
}

// NewComparisonHandler creates a new comparison handler.
func NewComparisonHandler(deps ComparisonDependencies) *ComparisonHandler {
	return &ComparisonHandler{deps: deps}
}

// HandleGetComparison handles GET /comparison requests. The table is
// recomputed from the stored fits on every call; failed fits appear in the
// failures section, never as ranked rows.
func (h *ComparisonHandler) HandleGetComparison(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	table, err := h.deps.Comparison(r.Context())
	if err != nil {
		writeError(w, http.StatusConflict, "uncomparable", err)
		return
	}
	writeJSON(w, http.StatusOK, table)
}
