package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/aqi-forecast-service/internal/cache"
	"github.com/kjstillabower/aqi-forecast-service/internal/circuitbreaker"
	"github.com/kjstillabower/aqi-forecast-service/internal/client"
	"github.com/kjstillabower/aqi-forecast-service/internal/forecast"
	"github.com/kjstillabower/aqi-forecast-service/internal/lifecycle"
	"github.com/kjstillabower/aqi-forecast-service/internal/models"
	"github.com/kjstillabower/aqi-forecast-service/internal/service"
	"github.com/kjstillabower/aqi-forecast-service/internal/source"
	"github.com/kjstillabower/aqi-forecast-service/internal/traffic"
)

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func observations(city string, vals ...float64) []models.Observation {
	out := make([]models.Observation, len(vals))
	for i, v := range vals {
		v := v
		out[i] = models.Observation{City: city, Date: day0.AddDate(0, 0, i), AQI: &v}
	}
	return out
}

type mockAirClient struct {
	reading  models.LiveReading
	stations []models.Station
	err      error
	lastLat  float64
	bounds   client.Bounds
}

func (m *mockAirClient) FeedByCity(ctx context.Context, city string) (models.LiveReading, error) {
	return m.reading, m.err
}

func (m *mockAirClient) FeedByGeo(ctx context.Context, lat, lon float64) (models.LiveReading, error) {
	m.lastLat = lat
	return m.reading, m.err
}

func (m *mockAirClient) Stations(ctx context.Context, bounds client.Bounds) ([]models.Station, error) {
	m.bounds = bounds
	return m.stations, m.err
}

func (m *mockAirClient) ValidateToken(ctx context.Context) error {
	return m.err
}

// newTestForecasts serves Delhi (a rising linear series) and Mumbai (one reading, too few to fit).
func newTestForecasts(t *testing.T) *service.ForecastService {
	t.Helper()
	var obs []models.Observation
	obs = append(obs, observations("Delhi", 100, 110, 120)...)
	obs = append(obs, observations("Mumbai", 80)...)
	engine, err := forecast.NewEngine(forecast.Config{Strategy: forecast.StrategyPolynomial, MaxHorizon: 30})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	data := service.NewStaticData(source.NewDataset(obs))
	return service.NewForecastService(data, engine, cache.NewInMemoryCache(100), nil, service.ForecastConfig{}, nil)
}

func newTestHandler(t *testing.T, live client.AirQualityClient, health *HealthConfig, logger *zap.Logger) http.Handler {
	t.Helper()
	var liveSvc *service.LiveService
	if live != nil {
		liveSvc = service.NewLiveService(live, client.IndiaBounds, nil)
	}
	h := NewHandler(newTestForecasts(t), liveSvc, health, logger)
	h.now = func() time.Time { return day0.AddDate(0, 0, 10) }
	return NewRouter(h, RouterConfig{RequestTimeout: 5 * time.Second, Logger: logger})
}

func serve(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("X-Correlation-ID", "test-correlation-id")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

type errorBody struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"requestId"`
	} `json:"error"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

func TestHandler_GetForecast_Success(t *testing.T) {
	h := newTestHandler(t, nil, nil, zap.NewNop())

	w := serve(t, h, "/forecast/delhi?days=2")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body %s", w.Code, http.StatusOK, w.Body.String())
	}
	var got models.CityForecast
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.City != "Delhi" {
		t.Errorf("City = %q, want Delhi", got.City)
	}
	if len(got.Points) != 2 {
		t.Fatalf("len(Points) = %d, want 2", len(got.Points))
	}
	for i, want := range []float64{130, 140} {
		if d := got.Points[i].AQI - want; d > 1e-6 || d < -1e-6 {
			t.Errorf("Points[%d].AQI = %v, want %v", i, got.Points[i].AQI, want)
		}
		if got.Points[i].Category != "Moderate" {
			t.Errorf("Points[%d].Category = %q, want Moderate", i, got.Points[i].Category)
		}
	}
	if got.FirstCategory != "Moderate" {
		t.Errorf("FirstCategory = %q, want Moderate", got.FirstCategory)
	}
}

func TestHandler_GetForecast_DefaultDays(t *testing.T) {
	h := newTestHandler(t, nil, nil, zap.NewNop())

	w := serve(t, h, "/forecast/Delhi")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var got models.CityForecast
	_ = json.NewDecoder(w.Body).Decode(&got)
	if len(got.Points) != 7 {
		t.Errorf("len(Points) = %d, want 7", len(got.Points))
	}
}

func TestHandler_GetForecast_Errors(t *testing.T) {
	tests := []struct {
		name   string
		target string
		status int
		code   string
	}{
		{"invalid city chars", "/forecast/del%3Bhi", http.StatusBadRequest, "INVALID_CITY"},
		{"non-numeric days", "/forecast/delhi?days=abc", http.StatusBadRequest, "INVALID_HORIZON"},
		{"zero days", "/forecast/delhi?days=0", http.StatusBadRequest, "INVALID_HORIZON"},
		{"days above max", "/forecast/delhi?days=31", http.StatusBadRequest, "INVALID_HORIZON"},
		{"bad anchor", "/forecast/delhi?anchor=yesterday", http.StatusBadRequest, "INVALID_ANCHOR"},
		{"unknown city", "/forecast/atlantis", http.StatusNotFound, "CITY_NOT_FOUND"},
		{"insufficient data", "/forecast/mumbai", http.StatusUnprocessableEntity, "INSUFFICIENT_DATA"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, nil, nil, zap.NewNop())
			w := serve(t, h, tt.target)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			body := decodeError(t, w)
			if body.Error.Code != tt.code {
				t.Errorf("code = %q, want %q", body.Error.Code, tt.code)
			}
			if body.Error.RequestID != "test-correlation-id" {
				t.Errorf("requestId = %q, want test-correlation-id", body.Error.RequestID)
			}
		})
	}
}

func TestHandler_GetForecast_AnchorToday(t *testing.T) {
	h := newTestHandler(t, nil, nil, zap.NewNop())

	// now is day 10; the last observation is day 2.
	w := serve(t, h, "/forecast/delhi?days=1&anchor=today")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var got models.CityForecast
	_ = json.NewDecoder(w.Body).Decode(&got)
	if !got.Anchor.Equal(day0.AddDate(0, 0, 10)) {
		t.Errorf("Anchor = %v, want %v", got.Anchor, day0.AddDate(0, 0, 10))
	}
	if len(got.Points) != 1 || !got.Points[0].Date.Equal(day0.AddDate(0, 0, 11)) {
		t.Errorf("Points = %+v, want one point on day 11", got.Points)
	}
}

func TestHandler_GetCities(t *testing.T) {
	h := newTestHandler(t, nil, nil, zap.NewNop())

	w := serve(t, h, "/cities")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var got struct {
		Cities []string `json:"cities"`
		Count  int      `json:"count"`
	}
	_ = json.NewDecoder(w.Body).Decode(&got)
	if got.Count != 2 || got.Cities[0] != "Delhi" || got.Cities[1] != "Mumbai" {
		t.Errorf("cities = %+v, want [Delhi Mumbai]", got)
	}
}

func TestHandler_GetSummary(t *testing.T) {
	h := newTestHandler(t, nil, nil, zap.NewNop())

	w := serve(t, h, "/cities/DELHI/summary")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var got models.CitySummary
	_ = json.NewDecoder(w.Body).Decode(&got)
	if got.City != "Delhi" || got.Observations != 3 {
		t.Errorf("summary = %+v, want Delhi with 3 observations", got)
	}
	if got.Latest.AQI == nil || *got.Latest.AQI != 120 {
		t.Errorf("Latest.AQI = %v, want 120", got.Latest.AQI)
	}
	if len(got.Trend) != 3 {
		t.Errorf("len(Trend) = %d, want 3", len(got.Trend))
	}

	w = serve(t, h, "/cities/atlantis/summary")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown city status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestHandler_GetClassify(t *testing.T) {
	tests := []struct {
		target   string
		status   int
		category string
		aqi      float64
	}{
		{"/classify?aqi=42", http.StatusOK, "Good", 42},
		{"/classify?aqi=50", http.StatusOK, "Good", 50},
		{"/classify?aqi=50.5", http.StatusOK, "Satisfactory", 50.5},
		{"/classify?aqi=401", http.StatusOK, "Severe", 401},
		{"/classify?aqi=-5", http.StatusOK, "Good", 0},
		{"/classify?aqi=750", http.StatusOK, "Severe", 500},
		{"/classify?aqi=abc", http.StatusBadRequest, "", 0},
		{"/classify?aqi=NaN", http.StatusBadRequest, "", 0},
		{"/classify", http.StatusBadRequest, "", 0},
	}
	h := newTestHandler(t, nil, nil, zap.NewNop())
	for _, tt := range tests {
		w := serve(t, h, tt.target)
		if w.Code != tt.status {
			t.Errorf("%s: status = %d, want %d", tt.target, w.Code, tt.status)
			continue
		}
		if tt.status != http.StatusOK {
			if body := decodeError(t, w); body.Error.Code != "INVALID_AQI" {
				t.Errorf("%s: code = %q, want INVALID_AQI", tt.target, body.Error.Code)
			}
			continue
		}
		var got classifyResponse
		_ = json.NewDecoder(w.Body).Decode(&got)
		if got.Category != tt.category {
			t.Errorf("%s: category = %q, want %q", tt.target, got.Category, tt.category)
		}
		if got.AQI != tt.aqi {
			t.Errorf("%s: aqi = %v, want clamped %v", tt.target, got.AQI, tt.aqi)
		}
	}
}

func TestHandler_GetCategories(t *testing.T) {
	h := newTestHandler(t, nil, nil, zap.NewNop())

	w := serve(t, h, "/categories")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var got struct {
		Categories []categoryView `json:"categories"`
	}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Categories) != 6 {
		t.Fatalf("len = %d, want 6", len(got.Categories))
	}
	if got.Categories[0].Upper == nil || *got.Categories[0].Upper != 50 {
		t.Errorf("Good upper = %v, want 50", got.Categories[0].Upper)
	}
	last := got.Categories[5]
	if last.Category != "Severe" || last.Upper != nil || last.Lower != 400 {
		t.Errorf("Severe = %+v, want lower 400 and no upper bound", last)
	}
}

func TestHandler_Live(t *testing.T) {
	aqiValue := 312.0
	mock := &mockAirClient{
		reading: models.LiveReading{Station: "Anand Vihar, Delhi", AQI: &aqiValue},
		stations: []models.Station{
			{UID: 2, Name: "Worli, Mumbai", AQI: &aqiValue},
			{UID: 1, Name: "Anand Vihar, Delhi"},
		},
	}
	h := newTestHandler(t, mock, nil, zap.NewNop())

	w := serve(t, h, "/live/delhi")
	if w.Code != http.StatusOK {
		t.Fatalf("/live/delhi status = %d, want %d", w.Code, http.StatusOK)
	}
	var reading models.LiveReading
	_ = json.NewDecoder(w.Body).Decode(&reading)
	if reading.Category != "Very Poor" {
		t.Errorf("Category = %q, want Very Poor", reading.Category)
	}

	w = serve(t, h, "/live?lat=28.65&lon=77.31")
	if w.Code != http.StatusOK {
		t.Fatalf("/live geo status = %d, want %d", w.Code, http.StatusOK)
	}
	if mock.lastLat != 28.65 {
		t.Errorf("lat = %v, want 28.65", mock.lastLat)
	}

	w = serve(t, h, "/live?bounds=28,76,29,78")
	if w.Code != http.StatusOK {
		t.Fatalf("/live stations status = %d, want %d", w.Code, http.StatusOK)
	}
	var list struct {
		Stations []models.Station `json:"stations"`
		Count    int              `json:"count"`
	}
	_ = json.NewDecoder(w.Body).Decode(&list)
	if list.Count != 2 || list.Stations[0].UID != 1 {
		t.Errorf("stations = %+v, want sorted by name", list.Stations)
	}
	if mock.bounds.North != 29 {
		t.Errorf("bounds = %+v, want north 29", mock.bounds)
	}
}

func TestHandler_Live_Errors(t *testing.T) {
	tests := []struct {
		name   string
		client client.AirQualityClient
		target string
		status int
		code   string
	}{
		{"disabled", nil, "/live/delhi", http.StatusServiceUnavailable, "LIVE_DISABLED"},
		{"station not found", &mockAirClient{err: client.ErrStationNotFound}, "/live/nowhere", http.StatusNotFound, "STATION_NOT_FOUND"},
		{"upstream failure", &mockAirClient{err: client.ErrUpstreamFailure}, "/live/delhi", http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE"},
		{"circuit open", &mockAirClient{err: client.ErrCircuitOpen}, "/live", http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE"},
		{"bad coordinates", &mockAirClient{}, "/live?lat=91&lon=10", http.StatusBadRequest, "INVALID_COORDINATES"},
		{"bad bounds", &mockAirClient{}, "/live?bounds=1,2,3", http.StatusBadRequest, "INVALID_COORDINATES"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, tt.client, nil, zap.NewNop())
			w := serve(t, h, tt.target)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			if body := decodeError(t, w); body.Error.Code != tt.code {
				t.Errorf("code = %q, want %q", body.Error.Code, tt.code)
			}
		})
	}
}

func TestWriteServiceError_UnmappedIs500(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	writeServiceError(w, req, errors.New("boom"))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if body := decodeError(t, w); body.Error.Code != "INTERNAL_ERROR" || body.Error.Message == "boom" {
		t.Errorf("body = %+v, want INTERNAL_ERROR without internal detail", body)
	}
}

type healthBody struct {
	Status string            `json:"status"`
	Reason string            `json:"reason"`
	Checks map[string]string `json:"checks"`
	Cities int               `json:"cities"`
}

func getHealth(t *testing.T, h http.Handler) (int, healthBody) {
	t.Helper()
	w := serve(t, h, "/health")
	var body healthBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	return w.Code, body
}

func resetHealthState(t *testing.T) {
	t.Helper()
	lifecycle.SetShuttingDown(false)
	lifecycle.MarkDataLoaded(2)
	traffic.Reset()
	t.Cleanup(func() {
		lifecycle.SetShuttingDown(false)
		lifecycle.MarkDataLoaded(0)
		traffic.Reset()
	})
}

func TestHandler_GetHealth_Healthy(t *testing.T) {
	resetHealthState(t)
	h := newTestHandler(t, nil, &HealthConfig{ErrorWindow: time.Minute, ErrorPct: 5}, zap.NewNop())

	code, body := getHealth(t, h)

	if code != http.StatusOK || body.Status != "healthy" {
		t.Errorf("health = %d %q, want 200 healthy", code, body.Status)
	}
	if body.Checks["data"] != "healthy" || body.Checks["live"] != "disabled" {
		t.Errorf("checks = %v", body.Checks)
	}
	if body.Cities != 2 {
		t.Errorf("cities = %d, want 2", body.Cities)
	}
}

func TestHandler_GetHealth_ShuttingDown(t *testing.T) {
	resetHealthState(t)
	lifecycle.SetShuttingDown(true)
	h := newTestHandler(t, nil, nil, zap.NewNop())

	code, body := getHealth(t, h)

	if code != http.StatusServiceUnavailable || body.Status != "shutting-down" {
		t.Errorf("health = %d %q, want 503 shutting-down", code, body.Status)
	}
}

func TestHandler_GetHealth_DataNotLoaded(t *testing.T) {
	resetHealthState(t)
	lifecycle.MarkDataLoaded(0)
	h := newTestHandler(t, nil, nil, zap.NewNop())

	code, body := getHealth(t, h)

	if code != http.StatusServiceUnavailable || body.Reason != "data_not_loaded" {
		t.Errorf("health = %d %q, want 503 data_not_loaded", code, body.Reason)
	}
	if body.Checks["data"] != "unhealthy" {
		t.Errorf("checks[data] = %q, want unhealthy", body.Checks["data"])
	}
}

func TestHandler_GetHealth_ErrorRateBreach(t *testing.T) {
	resetHealthState(t)
	for i := 0; i < 9; i++ {
		traffic.RecordSuccess()
	}
	traffic.RecordError()
	h := newTestHandler(t, nil, &HealthConfig{ErrorWindow: time.Minute, ErrorPct: 10}, zap.NewNop())

	code, body := getHealth(t, h)

	if code != http.StatusServiceUnavailable || body.Reason != "error_rate_breach" {
		t.Errorf("health = %d %q, want 503 error_rate_breach", code, body.Reason)
	}
}

func TestHandler_GetHealth_BelowErrorThreshold(t *testing.T) {
	resetHealthState(t)
	for i := 0; i < 19; i++ {
		traffic.RecordSuccess()
	}
	traffic.RecordError()
	h := newTestHandler(t, nil, &HealthConfig{ErrorWindow: time.Minute, ErrorPct: 10}, zap.NewNop())

	code, body := getHealth(t, h)

	if code != http.StatusOK || body.Status != "healthy" {
		t.Errorf("health = %d %q, want 200 healthy", code, body.Status)
	}
}

func TestHandler_GetHealth_LiveCircuitOpen(t *testing.T) {
	resetHealthState(t)
	health := &HealthConfig{
		LiveBreaker: func() circuitbreaker.State { return circuitbreaker.StateOpen },
		CachePing:   func() error { return errors.New("no servers") },
	}
	h := newTestHandler(t, &mockAirClient{}, health, zap.NewNop())

	code, body := getHealth(t, h)

	if code != http.StatusOK || body.Status != "degraded" || body.Reason != "live_circuit_open" {
		t.Errorf("health = %d %q %q, want 200 degraded live_circuit_open", code, body.Status, body.Reason)
	}
	if body.Checks["live"] != "unhealthy" || body.Checks["cache"] != "unhealthy" {
		t.Errorf("checks = %v", body.Checks)
	}
}

func TestHandler_GetHealth_LogsTransition(t *testing.T) {
	resetHealthState(t)
	core, logs := observer.New(zapcore.InfoLevel)
	h := newTestHandler(t, nil, nil, zap.New(core))

	getHealth(t, h)
	lifecycle.SetShuttingDown(true)
	getHealth(t, h)

	entries := logs.FilterMessage("health status transition").All()
	if len(entries) != 1 {
		t.Fatalf("transition logs = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["previous_status"] != "healthy" || fields["current_status"] != "shutting-down" {
		t.Errorf("fields = %v", fields)
	}
}
