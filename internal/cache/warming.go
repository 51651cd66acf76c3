package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/aqi-forecast-service/internal/observability"
)

// Warmer precomputes the forecast for one city, populating the cache as a side effect.
// Implemented by the service layer to avoid an import cycle.
type Warmer interface {
	WarmCity(ctx context.Context, city string) error
}

// CacheWarmer prefetches forecasts for a list of cities with bounded concurrency.
type CacheWarmer struct {
	warmer      Warmer
	logger      *zap.Logger
	concurrency int
}

// NewCacheWarmer creates a CacheWarmer. concurrency <= 0 means 4.
func NewCacheWarmer(warmer Warmer, logger *zap.Logger, concurrency int) *CacheWarmer {
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheWarmer{warmer: warmer, logger: logger, concurrency: concurrency}
}

// Warm warms every city. One failing city does not stop the others; failures are joined.
func (w *CacheWarmer) Warm(ctx context.Context, cities []string) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	w.logger.Info("warming cache", zap.Int("cities", len(cities)))

	errs := make([]error, len(cities))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for i, city := range cities {
		i, city := i, city
		g.Go(func() error {
			if err := w.warmer.WarmCity(gctx, city); err != nil {
				errs[i] = fmt.Errorf("warm %s: %w", city, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	err := errors.Join(errs...)
	failed := 0
	for _, e := range errs {
		if e != nil {
			failed++
		}
	}
	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	w.logger.Info("cache warming complete",
		zap.Int("cities", len(cities)),
		zap.Int("errors", failed),
		zap.Float64("duration_seconds", duration))
	if err != nil {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %w", err)
	}
	return nil
}
