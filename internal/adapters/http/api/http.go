// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/okian/hlm/internal/domain/compare"
	"github.com/okian/hlm/internal/domain/dataset"
	"github.com/okian/hlm/internal/domain/estimate"
	"github.com/okian/hlm/internal/domain/modelspec"
)

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	// Schema exposes the dataset's declared factors and predictors so fit
	// requests can be validated before they are queued.
	Schema(ctx context.Context) modelspec.Schema

	// Submit queues a fit job. Duplicate is true when an identical job is
	// already in flight; ok is false on backpressure.
	Submit(ctx context.Context, spec *modelspec.Spec, opts estimate.Options) (jobID string, duplicate, ok bool)

	// Read operations expose fitted models and their comparison.
	Model(ctx context.Context, name string) (*estimate.FitResult, error)
	Models(ctx context.Context) []*estimate.FitResult
	Comparison(ctx context.Context) (*compare.Table, error)
}

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler     *HealthHandler
	fitsHandler       *FitsHandler
	modelsHandler     *ModelsHandler
	comparisonHandler *ComparisonHandler
	predictHandler    *PredictHandler
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies) *Server {
	return &Server{
		healthHandler:     NewHealthHandler(),
		fitsHandler:       NewFitsHandler(deps),
		modelsHandler:     NewModelsHandler(deps),
		comparisonHandler: NewComparisonHandler(deps),
		predictHandler:    NewPredictHandler(deps),
	}
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(ctx context.Context, mux *http.ServeMux) {
	// Specific paths first (most specific to least specific)
	mux.HandleFunc("/healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.HandleFunc("/fits", MetricsMiddleware(s.fitsHandler.HandlePostFit, "fits"))
	mux.HandleFunc("/models", MetricsMiddleware(s.modelsHandler.HandleListModels, "models"))
	mux.HandleFunc("/models/", MetricsMiddleware(s.modelsHandler.HandleGetModel, "model"))
	mux.HandleFunc("/comparison", MetricsMiddleware(s.comparisonHandler.HandleGetComparison, "comparison"))
	mux.HandleFunc("/models/predict/", MetricsMiddleware(s.predictHandler.HandleGetPrediction, "predict"))
}

// priorRequest mirrors the JSON shape of an optional prior override.
type priorRequest struct {
	Family string  `json:"family"`
	Loc    float64 `json:"loc"`
	Scale  float64 `json:"scale"`
}

func (p *priorRequest) toPrior() (modelspec.Prior, error) {
	if p == nil {
		return modelspec.Prior{}, errors.New("missing prior")
	}
	switch modelspec.Family(p.Family) {
	case modelspec.FamilyNormal:
		return modelspec.Normal(p.Loc, p.Scale), nil
	case modelspec.FamilyHalfNormal:
		return modelspec.HalfNormal(p.Scale), nil
	case modelspec.FamilyHalfCauchy:
		return modelspec.HalfCauchy(p.Scale), nil
	case modelspec.FamilyLKJ:
		return modelspec.LKJ(p.Scale), nil
	default:
		return modelspec.Prior{}, fmt.Errorf("unknown prior family %q", p.Family)
	}
}

// fixedTermRequest mirrors one population-level term of POST /fits.
type fixedTermRequest struct {
	Kind      string        `json:"kind"` // "intercept", "continuous", "categorical"
	Predictor string        `json:"predictor,omitempty"`
	Factor    string        `json:"factor,omitempty"`
	Prior     *priorRequest `json:"prior,omitempty"`
}

// varyingTermRequest mirrors one group-level term of POST /fits.
type varyingTermRequest struct {
	Factor       string        `json:"factor"`
	Intercept    bool          `json:"intercept"`
	Slope        string        `json:"slope,omitempty"`
	SDPrior      *priorRequest `json:"sd_prior,omitempty"`
	SlopeSDPrior *priorRequest `json:"slope_sd_prior,omitempty"`
	CorrPrior    *priorRequest `json:"corr_prior,omitempty"`
}

// fitRequest mirrors the JSON schema for POST /fits.
type fitRequest struct {
	Model   string               `json:"model"`
	Fixed   []fixedTermRequest   `json:"fixed"`
	Varying []varyingTermRequest `json:"varying,omitempty"`

	Strategy   string `json:"strategy,omitempty"` // "likelihood" (default) or "sampling"
	REML       bool   `json:"reml,omitempty"`
	Seed       int64  `json:"seed,omitempty"`
	Chains     int    `json:"chains,omitempty"`
	Iterations int    `json:"iterations,omitempty"`
	BurnIn     int    `json:"burn_in,omitempty"`

	ResidualPrior *priorRequest     `json:"residual_prior,omitempty"`
	References    map[string]string `json:"references,omitempty"`
}

func (f fitRequest) validate() error {
	switch {
	case strings.TrimSpace(f.Model) == "":
		return errors.New("missing model")
	case len(f.Fixed) == 0:
		return errors.New("missing fixed terms")
	}
	switch estimate.Strategy(f.Strategy) {
	case "", estimate.StrategyLikelihood, estimate.StrategySampling:
	default:
		return fmt.Errorf("unknown strategy %q", f.Strategy)
	}
	return nil
}

// Default priors applied when a fit request leaves them out.
var (
	defaultFixedPrior = modelspec.Normal(0, 100)
	defaultSDPrior    = modelspec.HalfCauchy(5)
	defaultCorrPrior  = modelspec.LKJ(2)
)

func orDefault(p *priorRequest, fallback modelspec.Prior) (modelspec.Prior, error) {
	if p == nil {
		return fallback, nil
	}
	return p.toPrior()
}

// toSpec materializes the request into a validated Spec against the schema.
func (f fitRequest) toSpec(schema modelspec.Schema) (*modelspec.Spec, error) {
	b := modelspec.NewBuilder(f.Model, schema.Response)
	for _, t := range f.Fixed {
		prior, err := orDefault(t.Prior, defaultFixedPrior)
		if err != nil {
			return nil, err
		}
		switch t.Kind {
		case "intercept":
			b.Intercept(prior)
		case "continuous":
			b.Continuous(t.Predictor, prior)
		case "categorical":
			b.Categorical(t.Factor, prior)
		default:
			return nil, fmt.Errorf("unknown fixed term kind %q", t.Kind)
		}
	}
	for _, t := range f.Varying {
		sdPrior, err := orDefault(t.SDPrior, defaultSDPrior)
		if err != nil {
			return nil, err
		}
		switch {
		case t.Intercept && t.Slope != "":
			slopeSDPrior, err := orDefault(t.SlopeSDPrior, defaultSDPrior)
			if err != nil {
				return nil, err
			}
			corrPrior, err := orDefault(t.CorrPrior, defaultCorrPrior)
			if err != nil {
				return nil, err
			}
			b.VaryingInterceptSlope(t.Factor, t.Slope, sdPrior, slopeSDPrior, corrPrior)
		case t.Intercept:
			b.VaryingIntercept(t.Factor, sdPrior)
		case t.Slope != "":
			b.VaryingSlope(t.Factor, t.Slope, sdPrior)
		default:
			return nil, fmt.Errorf("varying term on %q declares neither intercept nor slope", t.Factor)
		}
	}
	if f.ResidualPrior != nil {
		prior, err := f.ResidualPrior.toPrior()
		if err != nil {
			return nil, err
		}
		b.ResidualPrior(prior)
	}
	return b.Build(schema)
}

func (f fitRequest) toOptions() estimate.Options {
	return estimate.Options{
		Strategy:   estimate.Strategy(f.Strategy),
		REML:       f.REML,
		Seed:       f.Seed,
		Chains:     f.Chains,
		Iterations: f.Iterations,
		BurnIn:     f.BurnIn,
		References: f.References,
	}
}

type ackResponse struct {
	Status    string `json:"status"`
	JobID     string `json:"job_id,omitempty"`
	Duplicate bool   `json:"duplicate"`
}

type predictionResponse struct {
	Model      string  `json:"model"`
	Job        string  `json:"job"`
	Gender     string  `json:"gender"`
	Tenure     float64 `json:"tenure_years"`
	HourlyRate float64 `json:"hourly_rate"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// observationFromQuery builds the observation a prediction request describes.
func observationFromQuery(r *http.Request) (dataset.Observation, error) {
	q := r.URL.Query()
	obs := dataset.Observation{
		Job:    strings.TrimSpace(q.Get("job")),
		Gender: strings.TrimSpace(q.Get("gender")),
	}
	tenure := strings.TrimSpace(q.Get("tenure_years"))
	if tenure == "" {
		return obs, errors.New("missing tenure_years")
	}
	v, err := strconv.ParseFloat(tenure, 64)
	if err != nil || v < 0 {
		return obs, fmt.Errorf("invalid tenure_years %q", tenure)
	}
	obs.TenureYears = v
	return obs, nil
}
