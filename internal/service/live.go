package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/kjstillabower/aqi-forecast-service/internal/aqi"
	"github.com/kjstillabower/aqi-forecast-service/internal/client"
	"github.com/kjstillabower/aqi-forecast-service/internal/models"
	"github.com/kjstillabower/aqi-forecast-service/internal/observability"
)

// ErrLiveDisabled is returned when no WAQI token is configured.
var ErrLiveDisabled = errors.New("live data disabled")

// LiveService reads current conditions from the live provider and attaches AQI categories.
// It never feeds the forecast engine.
type LiveService struct {
	client client.AirQualityClient
	bounds client.Bounds
	logger *zap.Logger
}

// NewLiveService creates a LiveService. A nil client disables live lookups.
func NewLiveService(c client.AirQualityClient, bounds client.Bounds, logger *zap.Logger) *LiveService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LiveService{client: c, bounds: bounds, logger: logger}
}

// Enabled reports whether a live client is configured.
func (s *LiveService) Enabled() bool {
	return s != nil && s.client != nil
}

// Current returns the live reading for a city name.
func (s *LiveService) Current(ctx context.Context, city string) (models.LiveReading, error) {
	if !s.Enabled() {
		return models.LiveReading{}, ErrLiveDisabled
	}
	r, err := s.client.FeedByCity(ctx, city)
	if err != nil {
		observability.Logger(ctx, s.logger).Debug("live lookup failed", zap.String("city", city), zap.Error(err))
		return models.LiveReading{}, fmt.Errorf("live reading for %s: %w", city, err)
	}
	return classifyReading(r), nil
}

// CurrentAt returns the live reading of the station nearest to lat, lon.
func (s *LiveService) CurrentAt(ctx context.Context, lat, lon float64) (models.LiveReading, error) {
	if !s.Enabled() {
		return models.LiveReading{}, ErrLiveDisabled
	}
	r, err := s.client.FeedByGeo(ctx, lat, lon)
	if err != nil {
		return models.LiveReading{}, fmt.Errorf("live reading at %.4f,%.4f: %w", lat, lon, err)
	}
	return classifyReading(r), nil
}

// Stations lists stations inside bounds, or the configured default area when bounds is nil.
// Results are ordered by name.
func (s *LiveService) Stations(ctx context.Context, bounds *client.Bounds) ([]models.Station, error) {
	if !s.Enabled() {
		return nil, ErrLiveDisabled
	}
	b := s.bounds
	if bounds != nil {
		b = *bounds
	}
	stations, err := s.client.Stations(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("stations in %s: %w", b, err)
	}
	for i := range stations {
		if stations[i].AQI != nil {
			band := aqi.ClassifyClamped(*stations[i].AQI)
			stations[i].Category = string(band.Category)
			stations[i].Color = band.Color
		}
	}
	sort.SliceStable(stations, func(i, j int) bool { return stations[i].Name < stations[j].Name })
	return stations, nil
}

func classifyReading(r models.LiveReading) models.LiveReading {
	if r.AQI != nil {
		band := aqi.ClassifyClamped(*r.AQI)
		r.Category = string(band.Category)
		r.Color = band.Color
	}
	return r
}
