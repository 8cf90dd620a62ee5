package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"recsys-proxy-cache/internal/backend"
	"recsys-proxy-cache/internal/fingerprint"
	"recsys-proxy-cache/internal/scoring"
	"recsys-proxy-cache/internal/validation"
	"recsys-proxy-cache/pkg/logging/logging"
)

// ScoreRequest is the body of POST /v1/scores.
type ScoreRequest struct {
	ModelName string       `json:"model_name" validate:"required"`
	Context   ScoreContext `json:"context"`
	Items     []int64      `json:"items" validate:"required"`
}

type ScoreContext struct {
	Fields map[string]FieldValues `json:"fields"`
}

type FieldValues struct {
	Values []string `json:"values"`
}

type ScoreResponse struct {
	Scores []float64 `json:"scores"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// ScoreService is the part of the coordinator the handler needs.
type ScoreService interface {
	GetScores(ctx context.Context, req *scoring.Request) ([]float64, scoring.Stats, error)
}

// ScoreHandler holds dependencies for the /v1/scores endpoint.
type ScoreHandler struct {
	Scores ScoreService
}

func NewScoreHandler(s ScoreService) *ScoreHandler {
	return &ScoreHandler{Scores: s}
}

// GetScores handles POST /v1/scores. The response carries one score per
// requested item in request order, or a single error body.
func (h *ScoreHandler) GetScores(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)
	start := time.Now()

	var req ScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid request", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		logger.Warn("invalid request", zap.Error(verr))
		writeError(w, http.StatusBadRequest, verr.Error())
		return
	}

	sreq := &scoring.Request{
		ModelName: req.ModelName,
		Context:   req.Context.toFingerprint(),
		Items:     req.Items,
	}

	scores, stats, err := h.Scores.GetScores(ctx, sreq)
	totalLatency := time.Since(start)
	if err != nil {
		status := statusFor(ctx, err)
		logger.Warn("score_error",
			zap.String("model_name", req.ModelName),
			zap.Int("items", len(req.Items)),
			zap.Int("status", status),
			zap.Duration("total_latency_ms", totalLatency),
			zap.Error(err),
		)
		writeError(w, status, errorMessage(status, err))
		return
	}

	logger.Info("score_decision",
		zap.String("model_name", req.ModelName),
		zap.Int("items", stats.Items),
		zap.Int("unique", stats.Unique),
		zap.Int("cache_hits", stats.Hits),
		zap.Int("joined", stats.Joined),
		zap.Int("store_hits", stats.StoreHits),
		zap.Int("computed", stats.Computed),
		zap.Int("backend_batches", stats.Batches),
		zap.Duration("total_latency_ms", totalLatency),
	)

	writeJSON(w, http.StatusOK, ScoreResponse{Scores: scores})
}

func (c ScoreContext) toFingerprint() fingerprint.Context {
	if len(c.Fields) == 0 {
		return nil
	}
	out := make(fingerprint.Context, len(c.Fields))
	for name, fv := range c.Fields {
		out[name] = fv.Values
	}
	return out
}

// statusFor maps coordinator errors to HTTP status codes. Deadlines are
// checked first since backend timeouts also wrap ErrUnavailable. 499 is only
// reported when the request's own context is done.
func statusFor(ctx context.Context, err error) int {
	var encErr *fingerprint.EncodingError
	var computeErr *backend.ComputeError
	switch {
	case errors.As(err, &encErr):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, backend.ErrUnavailable), errors.Is(err, scoring.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &computeErr):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		// client went away; status is for logs only
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func errorMessage(status int, err error) string {
	switch status {
	case http.StatusBadRequest, http.StatusBadGateway:
		return err.Error()
	case http.StatusGatewayTimeout:
		return "scoring deadline exceeded"
	case http.StatusServiceUnavailable:
		return "scoring backend unavailable"
	default:
		return "internal error"
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeJSON is a small helper to send JSON responses consistently.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
