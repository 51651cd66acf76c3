package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/aqi-forecast-service/internal/observability"
)

// RouterConfig holds the middleware settings for the API routes.
type RouterConfig struct {
	RequestTimeout time.Duration
	Limiter        *rate.Limiter
	Logger         *zap.Logger
}

// NewRouter mounts the handler's routes. /health and /metrics bypass rate limiting and timeouts.
func NewRouter(h *Handler, cfg RouterConfig) *mux.Router {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	api := router.NewRoute().Subrouter()
	api.Use(RateLimitMiddleware(cfg.Limiter))
	api.Use(TimeoutMiddleware(cfg.RequestTimeout))
	api.HandleFunc("/cities", h.GetCities).Methods(http.MethodGet)
	api.HandleFunc("/cities/{city}/summary", h.GetSummary).Methods(http.MethodGet)
	api.HandleFunc("/forecast/{city}", h.GetForecast).Methods(http.MethodGet)
	api.HandleFunc("/classify", h.GetClassify).Methods(http.MethodGet)
	api.HandleFunc("/categories", h.GetCategories).Methods(http.MethodGet)
	api.HandleFunc("/live", h.GetLive).Methods(http.MethodGet)
	api.HandleFunc("/live/{city}", h.GetLiveCity).Methods(http.MethodGet)
	return router
}
