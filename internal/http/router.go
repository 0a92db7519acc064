package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/pollen-risk-service/internal/observability"
	"github.com/kjstillabower/pollen-risk-service/internal/traffic"
)

// RouterConfig configures NewRouter.
type RouterConfig struct {
	Logger *zap.Logger
	// Limiter throttles /predict; nil disables rate limiting.
	Limiter *rate.Limiter
	// Tracker records rate-limit denials; may be nil.
	Tracker        *traffic.Tracker
	RequestTimeout time.Duration
	CORSOrigins    []string
}

// NewRouter wires /predict, /health and /metrics with the middleware chain.
// Rate limiting and the request timeout apply to /predict only.
func NewRouter(h *Handler, cfg RouterConfig) *mux.Router {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.Use(RecoverMiddleware(logger))
	router.Use(CORSMiddleware(cfg.CORSOrigins))

	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	predict := router.PathPrefix("/predict").Subrouter()
	predict.Use(RateLimitMiddleware(cfg.Limiter, cfg.Tracker))
	predict.Use(TimeoutMiddleware(cfg.RequestTimeout))
	predict.HandleFunc("", h.PostPredict).Methods(http.MethodPost, http.MethodOptions)

	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	return router
}
