package service

import (
	"context"
	"errors"
	"time"

	"github.com/kjstillabower/aqi-forecast-service/internal/forecast"
	"github.com/kjstillabower/aqi-forecast-service/internal/models"
	"github.com/kjstillabower/aqi-forecast-service/internal/observability"
	"github.com/kjstillabower/aqi-forecast-service/internal/source"
)

// fitSeries fits series with engine and records fit count and duration by strategy.
func fitSeries(engine *forecast.Engine, series models.TimeSeries) (*forecast.Model, error) {
	start := time.Now()
	m, err := engine.Fit(series)
	observability.ForecastFitDuration.WithLabelValues(engine.Strategy()).Observe(time.Since(start).Seconds())
	observability.ForecastFitsTotal.WithLabelValues(engine.Strategy(), fitResult(err)).Inc()
	return m, err
}

func fitResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, forecast.ErrInsufficientData):
		return "insufficient_data"
	default:
		return "error"
	}
}

// failureReason returns a stable label for forecastFailuresTotal.
func failureReason(err error) string {
	switch {
	case errors.Is(err, source.ErrCityNotFound):
		return "city_not_found"
	case errors.Is(err, forecast.ErrInvalidHorizon):
		return "invalid_horizon"
	case errors.Is(err, forecast.ErrInsufficientData):
		return "insufficient_data"
	case errors.Is(err, source.ErrSourceUnavailable), errors.Is(err, source.ErrNoData):
		return "no_data"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	default:
		return "error"
	}
}
