// Package service holds the application use cases: serving city forecasts, historical summaries,
// live readings and batch training. Handlers call into this layer; it owns caching and metrics.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/aqi-forecast-service/internal/aqi"
	"github.com/kjstillabower/aqi-forecast-service/internal/cache"
	"github.com/kjstillabower/aqi-forecast-service/internal/forecast"
	"github.com/kjstillabower/aqi-forecast-service/internal/models"
	"github.com/kjstillabower/aqi-forecast-service/internal/modelstore"
	"github.com/kjstillabower/aqi-forecast-service/internal/observability"
)

const (
	cacheType   = "forecast"
	trendLength = 7
	dateLayout  = "2006-01-02"
)

// ForecastRequest asks for Days projected values for City. A zero Anchor means the service default.
type ForecastRequest struct {
	City   string
	Days   int
	Anchor time.Time
}

// ForecastConfig tunes ForecastService. Zero values pick the defaults noted per field.
type ForecastConfig struct {
	CacheTTL        time.Duration // default 1h
	CoalesceTimeout time.Duration // default 10s
	DefaultDays     int           // default 7
	AnchorToday     bool          // anchor on today instead of the last observation
	Now             func() time.Time
}

// ForecastService serves classified city forecasts using a cache-aside pattern.
// A persisted model is reused when it was fitted on the same latest observation date.
type ForecastService struct {
	data      *Data
	engine    *forecast.Engine
	cache     cache.Cache
	models    modelstore.Store
	cfg       ForecastConfig
	coalescer *requestCoalescer[models.CityForecast]
	logger    *zap.Logger
}

// NewForecastService wires the forecast use case. store may be nil to always fit on demand.
func NewForecastService(data *Data, engine *forecast.Engine, c cache.Cache, store modelstore.Store, cfg ForecastConfig, logger *zap.Logger) *ForecastService {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.CoalesceTimeout <= 0 {
		cfg.CoalesceTimeout = 10 * time.Second
	}
	if cfg.DefaultDays <= 0 {
		cfg.DefaultDays = 7
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ForecastService{
		data:      data,
		engine:    engine,
		cache:     c,
		models:    store,
		cfg:       cfg,
		coalescer: newRequestCoalescer[models.CityForecast](cfg.CoalesceTimeout),
		logger:    logger,
	}
}

// Engine exposes the configured engine, e.g. for its horizon limit.
func (s *ForecastService) Engine() *forecast.Engine {
	return s.engine
}

// DefaultDays is the horizon used when a request leaves Days at zero.
func (s *ForecastService) DefaultDays() int {
	return s.cfg.DefaultDays
}

// Cities lists the cities in the current dataset.
func (s *ForecastService) Cities() ([]string, error) {
	ds, err := s.data.Current()
	if err != nil {
		return nil, err
	}
	return ds.Cities(), nil
}

// Forecast returns req.Days classified points for req.City.
func (s *ForecastService) Forecast(ctx context.Context, req ForecastRequest) (models.CityForecast, error) {
	result, err := s.forecast(ctx, req)
	if err != nil {
		observability.ForecastFailuresTotal.WithLabelValues(failureReason(err)).Inc()
		return models.CityForecast{}, err
	}
	for _, p := range result.Points {
		observability.ForecastPointsByCategoryTotal.WithLabelValues(p.Category).Inc()
	}
	return result, nil
}

func (s *ForecastService) forecast(ctx context.Context, req ForecastRequest) (models.CityForecast, error) {
	logger := observability.Logger(ctx, s.logger)
	days := req.Days
	if days == 0 {
		days = s.cfg.DefaultDays
	}
	if err := forecast.ValidateHorizon(days, s.engine.MaxHorizon()); err != nil {
		return models.CityForecast{}, err
	}

	ds, err := s.data.Current()
	if err != nil {
		return models.CityForecast{}, err
	}
	series, err := ds.Series(req.City)
	if err != nil {
		return models.CityForecast{}, err
	}
	observability.RecordForecastQuery(series.City)

	last, ok := series.Last()
	if !ok {
		return models.CityForecast{}, &forecast.InsufficientDataError{City: series.City, Need: 2}
	}
	anchor := req.Anchor
	if anchor.IsZero() && s.cfg.AnchorToday {
		anchor = s.cfg.Now()
	}
	key := s.cacheKey(series.City, days, last.Date, anchor)

	cached, hit, err := s.cache.Get(ctx, key)
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues(cacheType, "get").Inc()
		logger.Warn("cache get failed", zap.String("city", series.City), zap.Error(err))
	} else if hit {
		observability.CacheHitsTotal.WithLabelValues(cacheType).Inc()
		logger.Debug("cache hit", zap.String("key", key))
		cached.Cached = true
		return cached, nil
	}
	observability.CacheMissesTotal.WithLabelValues(cacheType).Inc()
	logger.Debug("cache miss, computing forecast", zap.String("key", key))

	// The shared computation must outlive any single caller's cancellation.
	computeCtx := context.WithoutCancel(ctx)
	return s.coalescer.GetOrDo(ctx, key, func() (models.CityForecast, error) {
		start := time.Now()
		model, err := s.model(computeCtx, series)
		if err != nil {
			return models.CityForecast{}, err
		}
		points, err := s.engine.Predict(model, anchor, days)
		if err != nil {
			return models.CityForecast{}, err
		}
		result := buildForecast(model, anchor, points, s.cfg.Now())
		if err := s.cache.Set(computeCtx, key, result, s.cfg.CacheTTL); err != nil {
			observability.CacheErrorsTotal.WithLabelValues(cacheType, "set").Inc()
			logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
		}
		logger.Debug("forecast computed",
			zap.String("city", series.City),
			zap.Int("days", days),
			zap.Duration("duration", time.Since(start)))
		return result, nil
	})
}

// model returns a persisted model fitted on the same latest date and strategy, or fits a new one.
func (s *ForecastService) model(ctx context.Context, series models.TimeSeries) (*forecast.Model, error) {
	if s.models != nil {
		m, err := s.models.Load(ctx, series.City)
		switch {
		case err == nil && s.fresh(m, series):
			observability.ForecastModelSourceTotal.WithLabelValues("persisted").Inc()
			return m, nil
		case err != nil && !errors.Is(err, modelstore.ErrNotFound):
			s.logger.Warn("model load failed, fitting on demand", zap.String("city", series.City), zap.Error(err))
		}
	}
	m, err := fitSeries(s.engine, series)
	if err != nil {
		return nil, err
	}
	observability.ForecastModelSourceTotal.WithLabelValues("fitted").Inc()
	return m, nil
}

func (s *ForecastService) fresh(m *forecast.Model, series models.TimeSeries) bool {
	last, ok := series.Last()
	return ok && strings.EqualFold(m.City, series.City) && m.Strategy == s.engine.Strategy() &&
		forecast.CivilDate(m.LastDate).Equal(forecast.CivilDate(last.Date))
}

// WarmCity computes and caches the default forecast for city. Used by the cache warmer.
func (s *ForecastService) WarmCity(ctx context.Context, city string) error {
	_, err := s.Forecast(ctx, ForecastRequest{City: city})
	return err
}

// cacheKey includes the latest observation date, so a refreshed dataset never serves stale entries.
func (s *ForecastService) cacheKey(city string, days int, lastDate, anchor time.Time) string {
	anchorKey := "last"
	if !anchor.IsZero() {
		anchorKey = forecast.CivilDate(anchor).Format(dateLayout)
	}
	return fmt.Sprintf("%s:%s:%d:%s:%s",
		strings.ToLower(city), s.engine.Strategy(), days,
		forecast.CivilDate(lastDate).Format(dateLayout), anchorKey)
}

func buildForecast(m *forecast.Model, anchor time.Time, points []models.ForecastPoint, now time.Time) models.CityForecast {
	out := models.CityForecast{
		City:         m.City,
		Strategy:     m.Strategy,
		Anchor:       forecast.CivilDate(m.LastDate),
		LastObserved: forecast.CivilDate(m.LastDate),
		Points:       make([]models.ClassifiedPoint, len(points)),
		GeneratedAt:  now.UTC(),
	}
	if !anchor.IsZero() && forecast.CivilDate(anchor).After(out.Anchor) {
		out.Anchor = forecast.CivilDate(anchor)
	}
	for i, p := range points {
		band := aqi.Classify(p.AQI)
		out.Points[i] = models.ClassifiedPoint{
			Date:     p.Date,
			AQI:      p.AQI,
			Category: string(band.Category),
			Color:    band.Color,
		}
	}
	if len(out.Points) > 0 {
		out.FirstCategory = out.Points[0].Category
		out.FirstColor = out.Points[0].Color
	}
	return out
}

// Summary returns historical context for city: latest reading, recent trend and pollutant averages.
func (s *ForecastService) Summary(ctx context.Context, city string) (models.CitySummary, error) {
	ds, err := s.data.Current()
	if err != nil {
		return models.CitySummary{}, err
	}
	series, err := ds.Series(city)
	if err != nil {
		return models.CitySummary{}, err
	}
	latest, err := ds.Latest(series.City)
	if err != nil {
		return models.CitySummary{}, err
	}
	tail, err := ds.Tail(series.City, trendLength)
	if err != nil {
		return models.CitySummary{}, err
	}
	means, err := ds.PollutantMeans(series.City)
	if err != nil {
		return models.CitySummary{}, err
	}

	trend := make([]models.TrendPoint, len(tail))
	for i, o := range tail {
		trend[i] = models.TrendPoint{Date: o.Date, AQI: *o.AQI}
	}
	last, _ := series.Last()
	return models.CitySummary{
		City:           series.City,
		Observations:   series.Len(),
		FirstDate:      series.Observations[0].Date,
		LastDate:       last.Date,
		Latest:         latest,
		Trend:          trend,
		PollutantMeans: means,
	}, nil
}
