// Package scheduler periodically reloads observations, retrains city models and warms the forecast cache.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/kjstillabower/aqi-forecast-service/internal/service"
	"github.com/kjstillabower/aqi-forecast-service/internal/source"
)

// Refresher reloads the observation dataset.
type Refresher interface {
	Refresh(ctx context.Context) (*source.Dataset, error)
}

// Trainer fits and persists every city's model.
type Trainer interface {
	TrainAll(ctx context.Context) (service.TrainReport, error)
}

// Warmer precomputes forecasts for cities.
type Warmer interface {
	Warm(ctx context.Context, cities []string) error
}

// Config controls the refresh cycle. WarmCities empty means every city in the dataset.
type Config struct {
	Interval   time.Duration
	Timeout    time.Duration
	WarmCities []string
}

// Scheduler runs refresh, train and warm in that order on a fixed interval.
// Trainer and Warmer are optional.
type Scheduler struct {
	scheduler *gocron.Scheduler
	cfg       Config
	data      Refresher
	trainer   Trainer
	warmer    Warmer
	logger    *zap.Logger
}

// New creates a Scheduler. Interval <= 0 means 24h; Timeout <= 0 means 10m.
func New(cfg Config, data Refresher, trainer Trainer, warmer Warmer, logger *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		cfg:       cfg,
		data:      data,
		trainer:   trainer,
		warmer:    warmer,
		logger:    logger,
	}
}

// Start schedules the cycle and starts the scheduler. The first run happens one interval from now,
// since startup performs its own initial load.
func (s *Scheduler) Start() error {
	_, err := s.scheduler.Every(s.cfg.Interval).SingletonMode().WaitForSchedule().Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
		defer cancel()
		if err := s.RunOnce(ctx); err != nil {
			s.logger.Warn("scheduled refresh failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule refresh: %w", err)
	}
	s.scheduler.StartAsync()
	s.logger.Info("scheduler started", zap.Duration("interval", s.cfg.Interval))
	return nil
}

// Stop stops the scheduler and cancels future runs. A run in progress finishes.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}

// RunOnce executes one cycle. A failed refresh aborts the cycle; training and warming
// failures are reported but do not prevent each other.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()
	s.logger.Info("refresh cycle started")

	ds, err := s.data.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("refresh dataset: %w", err)
	}

	var errs []error
	if s.trainer != nil {
		if _, err := s.trainer.TrainAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("train: %w", err))
		}
	}
	if s.warmer != nil {
		cities := s.cfg.WarmCities
		if len(cities) == 0 {
			cities = ds.Cities()
		}
		if err := s.warmer.Warm(ctx, cities); err != nil {
			errs = append(errs, fmt.Errorf("warm: %w", err))
		}
	}

	s.logger.Info("refresh cycle finished",
		zap.Int("cities", len(ds.Cities())),
		zap.Int("errors", len(errs)),
		zap.Duration("duration", time.Since(start)))
	return errors.Join(errs...)
}
