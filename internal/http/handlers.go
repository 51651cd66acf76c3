package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/aqi-forecast-service/internal/aqi"
	"github.com/kjstillabower/aqi-forecast-service/internal/circuitbreaker"
	"github.com/kjstillabower/aqi-forecast-service/internal/client"
	"github.com/kjstillabower/aqi-forecast-service/internal/forecast"
	"github.com/kjstillabower/aqi-forecast-service/internal/lifecycle"
	"github.com/kjstillabower/aqi-forecast-service/internal/observability"
	"github.com/kjstillabower/aqi-forecast-service/internal/service"
	"github.com/kjstillabower/aqi-forecast-service/internal/source"
	"github.com/kjstillabower/aqi-forecast-service/internal/traffic"
	"github.com/kjstillabower/aqi-forecast-service/internal/validation"
)

const (
	cityMinLength = 1
	cityMaxLength = 100
)

// HealthConfig holds the thresholds and probes used by GET /health.
type HealthConfig struct {
	ErrorWindow time.Duration
	ErrorPct    int
	// LiveBreaker reports the WAQI circuit state. Nil when live data is disabled.
	LiveBreaker func() circuitbreaker.State
	// CachePing checks cache reachability. Set when the backend is memcached.
	CachePing func() error
}

// Handler serves the forecast, summary, classification and live endpoints.
type Handler struct {
	forecasts    *service.ForecastService
	live         *service.LiveService
	healthConfig *HealthConfig
	logger       *zap.Logger
	now          func() time.Time

	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a Handler. live may be nil or disabled; health may be nil to skip the error-rate check.
func NewHandler(forecasts *service.ForecastService, live *service.LiveService, health *HealthConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		forecasts:    forecasts,
		live:         live,
		healthConfig: health,
		logger:       logger,
		now:          time.Now,
	}
}

// GetCities handles GET /cities.
func (h *Handler) GetCities(w http.ResponseWriter, r *http.Request) {
	cities, err := h.forecasts.Cities()
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cities": cities,
		"count":  len(cities),
	})
}

// GetForecast handles GET /forecast/{city}?days=&anchor=.
func (h *Handler) GetForecast(w http.ResponseWriter, r *http.Request) {
	city, ok := h.city(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	days, err := validation.ParseDays(q.Get("days"), h.forecasts.DefaultDays())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_HORIZON", err.Error())
		return
	}
	if days < 1 {
		writeError(w, r, http.StatusBadRequest, "INVALID_HORIZON",
			fmt.Sprintf("days must be between 1 and %d", h.forecasts.Engine().MaxHorizon()))
		return
	}
	anchor, err := validation.ParseAnchor(q.Get("anchor"), h.now())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_ANCHOR", err.Error())
		return
	}

	result, err := h.forecasts.Forecast(r.Context(), service.ForecastRequest{City: city, Days: days, Anchor: anchor})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetSummary handles GET /cities/{city}/summary.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	city, ok := h.city(w, r)
	if !ok {
		return
	}
	summary, err := h.forecasts.Summary(r.Context(), city)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type classifyResponse struct {
	Input    float64 `json:"input"`
	AQI      float64 `json:"aqi"`
	Category string  `json:"category"`
	Color    string  `json:"color"`
	Emoji    string  `json:"emoji"`
}

// GetClassify handles GET /classify?aqi=. The value is clamped to [0, 500] before classification.
func (h *Handler) GetClassify(w http.ResponseWriter, r *http.Request) {
	v, err := validation.ParseAQI(r.URL.Query().Get("aqi"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_AQI", err.Error())
		return
	}
	band := aqi.ClassifyClamped(v)
	writeJSON(w, http.StatusOK, classifyResponse{
		Input:    v,
		AQI:      aqi.Clamp(v),
		Category: string(band.Category),
		Color:    band.Color,
		Emoji:    band.Emoji,
	})
}

type categoryView struct {
	Category string   `json:"category"`
	Color    string   `json:"color"`
	Emoji    string   `json:"emoji"`
	Lower    float64  `json:"lower"`
	Upper    *float64 `json:"upper"`
}

// GetCategories handles GET /categories. The open-ended top band has a null upper bound.
func (h *Handler) GetCategories(w http.ResponseWriter, r *http.Request) {
	bands := aqi.Bands()
	out := make([]categoryView, len(bands))
	lower := aqi.Min
	for i, b := range bands {
		out[i] = categoryView{Category: string(b.Category), Color: b.Color, Emoji: b.Emoji, Lower: lower}
		if i < len(bands)-1 {
			upper := b.Upper
			out[i].Upper = &upper
			lower = b.Upper
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"categories": out})
}

// GetLiveCity handles GET /live/{city}.
func (h *Handler) GetLiveCity(w http.ResponseWriter, r *http.Request) {
	city, ok := h.city(w, r)
	if !ok {
		return
	}
	reading, err := h.live.Current(r.Context(), city)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

// GetLive handles GET /live. With lat and lon it returns the nearest station's reading;
// otherwise it lists stations in bounds (south,west,north,east) or the configured area.
func (h *Handler) GetLive(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Has("lat") || q.Has("lon") {
		lat, lon, err := validation.ParseGeo(q.Get("lat"), q.Get("lon"))
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_COORDINATES", err.Error())
			return
		}
		reading, err := h.live.CurrentAt(r.Context(), lat, lon)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, reading)
		return
	}

	var bounds *client.Bounds
	if raw := q.Get("bounds"); raw != "" {
		b, err := client.ParseBounds(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_COORDINATES", err.Error())
			return
		}
		bounds = &b
	}
	stations, err := h.live.Stations(r.Context(), bounds)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stations": stations,
		"count":    len(stations),
	})
}

// city validates the {city} path variable, writing 400 INVALID_CITY on failure.
func (h *Handler) city(w http.ResponseWriter, r *http.Request) (string, bool) {
	city, err := validation.ValidateCity(mux.Vars(r)["city"], cityMinLength, cityMaxLength)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_CITY", err.Error())
		return "", false
	}
	return city, true
}

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

	loaded, cities := lifecycle.DataLoaded()
	checks := map[string]string{"data": "healthy", "live": "disabled"}
	if !loaded {
		checks["data"] = "unhealthy"
	}
	if h.live.Enabled() {
		checks["live"] = "healthy"
		if h.liveOpen() {
			checks["live"] = "unhealthy"
		}
	}
	if h.healthConfig != nil && h.healthConfig.CachePing != nil {
		checks["cache"] = "healthy"
		if err := h.healthConfig.CachePing(); err != nil {
			checks["cache"] = "unhealthy"
		}
	}
	resp := map[string]interface{}{
		"status":    result.status,
		"service":   "aqi-forecast-service",
		"version":   "dev",
		"strategy":  h.forecasts.Engine().Strategy(),
		"cities":    cities,
		"checks":    checks,
		"timestamp": h.now().UTC().Format(time.RFC3339),
	}
	if result.reason != "" {
		resp["reason"] = result.reason
	}
	writeJSON(w, result.statusCode, resp)
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > data not loaded > error rate breach > live circuit open > healthy.
// An open live circuit reports degraded with 200, since forecasts are still served.
func (h *Handler) computeHealthStatus() healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if loaded, _ := lifecycle.DataLoaded(); !loaded {
		return healthResult{"starting", http.StatusServiceUnavailable, "data_not_loaded"}
	}
	if h.healthConfig != nil && h.healthConfig.ErrorWindow > 0 && h.healthConfig.ErrorPct > 0 {
		errs, total := traffic.ErrorRate(h.healthConfig.ErrorWindow)
		if total > 0 && float64(errs)*100/float64(total) >= float64(h.healthConfig.ErrorPct) {
			return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
		}
	}
	if h.liveOpen() {
		return healthResult{"degraded", http.StatusOK, "live_circuit_open"}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

func (h *Handler) liveOpen() bool {
	return h.healthConfig != nil && h.healthConfig.LiveBreaker != nil &&
		h.healthConfig.LiveBreaker() == circuitbreaker.StateOpen
}

// writeJSON writes v as JSON with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes {"error":{"code","message","requestId"}}.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationID(r.Context()),
		},
	})
}

type errorMapping struct {
	target  error
	status  int
	code    string
	message string
}

// serviceErrors is checked in order; the first match decides the response.
var serviceErrors = []errorMapping{
	{service.ErrLiveDisabled, http.StatusServiceUnavailable, "LIVE_DISABLED", "Live data is not configured"},
	{client.ErrStationNotFound, http.StatusNotFound, "STATION_NOT_FOUND", "No live station matches the request"},
	{forecast.ErrInvalidHorizon, http.StatusBadRequest, "INVALID_HORIZON", ""},
	{source.ErrCityNotFound, http.StatusNotFound, "CITY_NOT_FOUND", ""},
	{forecast.ErrInsufficientData, http.StatusUnprocessableEntity, "INSUFFICIENT_DATA", ""},
	{source.ErrNoData, http.StatusUnprocessableEntity, "INSUFFICIENT_DATA", ""},
	{source.ErrSourceUnavailable, http.StatusServiceUnavailable, "DATA_UNAVAILABLE", "Observation data is not available"},
	{context.DeadlineExceeded, http.StatusServiceUnavailable, "TIMEOUT", "Request timed out"},
	{client.ErrCircuitOpen, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to fetch live air quality data"},
	{client.ErrRateLimited, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to fetch live air quality data"},
	{client.ErrInvalidToken, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to fetch live air quality data"},
	{client.ErrUpstreamFailure, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to fetch live air quality data"},
}

// writeServiceError maps a service-layer error to a status and code. An empty mapping message
// means the error text is safe to show. Unmapped errors are 500 and logged at Error.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	logger := observability.Logger(r.Context(), nil)
	for _, m := range serviceErrors {
		if !errors.Is(err, m.target) {
			continue
		}
		msg := m.message
		if msg == "" {
			msg = err.Error()
		}
		logger.Debug("request failed", zap.String("code", m.code), zap.Error(err))
		writeError(w, r, m.status, m.code, msg)
		return
	}
	logger.Error("unhandled service error", zap.Error(err))
	writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
}
