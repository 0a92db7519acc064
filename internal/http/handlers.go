package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/pollen-risk-service/internal/client"
	"github.com/kjstillabower/pollen-risk-service/internal/lifecycle"
	"github.com/kjstillabower/pollen-risk-service/internal/models"
	"github.com/kjstillabower/pollen-risk-service/internal/observability"
	"github.com/kjstillabower/pollen-risk-service/internal/service"
	"github.com/kjstillabower/pollen-risk-service/internal/traffic"
	"github.com/kjstillabower/pollen-risk-service/internal/validation"
)

// maxBodyBytes bounds the /predict request body.
const maxBodyBytes = 1 << 20

// PredictionService is the service the handler calls. *service.PredictionService implements it.
type PredictionService interface {
	Predict(ctx context.Context, req models.PredictRequest) (models.PredictionResult, error)
}

// HealthConfig holds the inputs of GET /health.
type HealthConfig struct {
	Service string
	Version string
	// DegradedWindow and DegradedErrorRate report degraded when the share of
	// failed predictions in the window exceeds the rate. Zero window disables it.
	DegradedWindow      time.Duration
	DegradedErrorRate   float64
	DegradedMinRequests int
	// TableSize and Model describe the loaded reference data.
	TableSize int
	Model     string
	// CachePing, when set, is called to check cache reachability.
	CachePing func() error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	svc              PredictionService
	validation       validation.Options
	tracker          *traffic.Tracker
	state            *lifecycle.State
	health           HealthConfig
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. tracker and state may be nil.
func NewHandler(svc PredictionService, opts validation.Options, tracker *traffic.Tracker, state *lifecycle.State, health HealthConfig, logger *zap.Logger) *Handler {
	if tracker == nil {
		tracker = &traffic.Tracker{}
	}
	if state == nil {
		state = &lifecycle.State{}
		state.MarkReady()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if health.Service == "" {
		health.Service = "pollen-risk-service"
	}
	if health.Version == "" {
		health.Version = "dev"
	}
	return &Handler{
		svc:        svc,
		validation: opts,
		tracker:    tracker,
		state:      state,
		health:     health,
		logger:     logger,
	}
}

// PostPredict handles POST /predict.
func (h *Handler) PostPredict(w http.ResponseWriter, r *http.Request) {
	logger := observability.LoggerFromContext(r.Context(), h.logger)

	var req models.PredictRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		msg := "Invalid JSON body"
		if errors.Is(err, io.EOF) {
			msg = h.missingMessage()
		}
		logger.Debug("request body rejected", zap.Error(err))
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	req, err := validation.ValidatePredictRequest(req, h.validation)
	if err != nil {
		logger.Debug("validation failed", zap.Error(err))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.svc.Predict(r.Context(), req)
	if err != nil {
		status, msg := errorResponse(err)
		observability.RecordPredictionError(service.Category(err))
		if status >= http.StatusInternalServerError {
			h.tracker.RecordError()
			logger.Error("prediction request failed",
				zap.String("suburb", req.Suburb),
				zap.Int("status", status),
				zap.Error(err))
		} else {
			logger.Info("prediction request rejected",
				zap.String("suburb", req.Suburb),
				zap.Int("status", status),
				zap.Error(err))
		}
		writeError(w, status, msg)
		return
	}

	h.tracker.RecordSuccess()
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) missingMessage() string {
	if h.validation.RequireCoordinates {
		return validation.ErrMissingFields.Error()
	}
	return validation.ErrMissingSuburb.Error()
}

// errorResponse maps a service error to its status and response message.
func errorResponse(err error) (int, string) {
	var fetchErr *client.FetchError
	switch {
	case errors.Is(err, service.ErrSuburbNotFound):
		return http.StatusNotFound, err.Error()
	case errors.As(err, &fetchErr):
		return http.StatusInternalServerError, "Weather API failed: " + fetchErr.Error()
	case errors.Is(err, client.ErrTimestampNotAligned):
		return http.StatusInternalServerError, "Could not align timestamp: " + err.Error()
	case service.IsMissingData(err):
		return http.StatusInternalServerError, "Missing weather data: " + err.Error()
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusInternalServerError, "Weather API failed: " + err.Error()
	default:
		return http.StatusInternalServerError, "Prediction failed: " + err.Error()
	}
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := map[string]string{
		"reference_table": "healthy",
		"model":           "healthy",
	}
	if h.health.TableSize == 0 {
		checks["reference_table"] = "empty"
	}
	if h.health.Model != "" {
		checks["model"] = h.health.Model
	}
	if h.health.CachePing != nil {
		if h.health.CachePing() == nil {
			checks["cache"] = "healthy"
		} else {
			checks["cache"] = "unhealthy"
		}
	}
	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":    result.status,
		"service":   h.health.Service,
		"version":   h.health.Version,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates, in order: shutting-down, starting, degraded, healthy.
func (h *Handler) computeHealthStatus() healthResult {
	switch h.state.Phase() {
	case lifecycle.PhaseShuttingDown:
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	case lifecycle.PhaseStarting:
		return healthResult{"starting", http.StatusServiceUnavailable, "not_ready"}
	}
	if h.health.DegradedWindow > 0 && h.health.DegradedErrorRate > 0 &&
		h.tracker.Degraded(h.health.DegradedWindow, h.health.DegradedErrorRate, h.health.DegradedMinRequests) {
		return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the flat {"error": message} body.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, models.ErrorResponse{Error: message})
}
