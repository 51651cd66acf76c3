package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/aqi-forecast-service/internal/lifecycle"
	"github.com/kjstillabower/aqi-forecast-service/internal/source"
)

// Data holds the current observation dataset. Refresh swaps in a new dataset atomically;
// readers holding the previous one keep a consistent view.
type Data struct {
	src         source.Source
	interpolate bool
	logger      *zap.Logger

	mu      sync.Mutex
	current atomic.Pointer[source.Dataset]
}

// NewData creates a holder that loads from src. With interpolate set, pollutant gaps are
// filled per city after each load.
func NewData(src source.Source, interpolate bool, logger *zap.Logger) *Data {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Data{src: src, interpolate: interpolate, logger: logger}
}

// NewStaticData wraps an already loaded dataset. Refresh is a no-op.
func NewStaticData(ds *source.Dataset) *Data {
	d := &Data{logger: zap.NewNop()}
	d.current.Store(ds)
	return d
}

// Current returns the loaded dataset or ErrSourceUnavailable before the first successful load.
func (d *Data) Current() (*source.Dataset, error) {
	ds := d.current.Load()
	if ds == nil {
		return nil, fmt.Errorf("%w: dataset not loaded", source.ErrSourceUnavailable)
	}
	return ds, nil
}

// Refresh reloads from the source. On failure the previous dataset stays in place.
func (d *Data) Refresh(ctx context.Context) (*source.Dataset, error) {
	if d.src == nil {
		return d.Current()
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	ds, err := source.LoadDataset(ctx, d.src)
	if err != nil {
		d.logger.Warn("dataset refresh failed", zap.String("source", d.src.Name()), zap.Error(err))
		return nil, fmt.Errorf("load %s: %w", d.src.Name(), err)
	}
	if d.interpolate {
		ds = ds.InterpolatePollutants()
	}
	d.current.Store(ds)
	lifecycle.MarkDataLoaded(len(ds.Cities()))
	d.logger.Info("dataset loaded",
		zap.String("source", d.src.Name()),
		zap.Int("cities", len(ds.Cities())),
		zap.Int("observations", ds.Len()),
		zap.Duration("duration", time.Since(start)))
	return ds, nil
}
