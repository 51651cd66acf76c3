package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/aqi-forecast-service/internal/forecast"
	"github.com/kjstillabower/aqi-forecast-service/internal/models"
	"github.com/kjstillabower/aqi-forecast-service/internal/modelstore"
	"github.com/kjstillabower/aqi-forecast-service/internal/observability"
)

// TrainReport summarizes one batch training run. Skipped and Failed map city to reason.
type TrainReport struct {
	RunID    string            `json:"runId"`
	Strategy string            `json:"strategy"`
	Started  time.Time         `json:"started"`
	Finished time.Time         `json:"finished"`
	Trained  []string          `json:"trained"`
	Skipped  map[string]string `json:"skipped,omitempty"`
	Failed   map[string]string `json:"failed,omitempty"`
}

// Trainer fits every city in the current dataset and persists the models.
// Cities are independent, so they are fitted in parallel with a concurrency limit.
type Trainer struct {
	data        *Data
	engine      *forecast.Engine
	store       modelstore.Store
	concurrency int
	logger      *zap.Logger
}

// NewTrainer creates a Trainer. concurrency <= 0 means 4.
func NewTrainer(data *Data, engine *forecast.Engine, store modelstore.Store, concurrency int, logger *zap.Logger) *Trainer {
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trainer{data: data, engine: engine, store: store, concurrency: concurrency, logger: logger}
}

// TrainAll fits and saves a model per city. Cities with too little data are skipped, not failed.
// The returned error is non-nil only when the run could not proceed or every city failed.
func (t *Trainer) TrainAll(ctx context.Context) (TrainReport, error) {
	report := TrainReport{
		RunID:    uuid.New().String(),
		Strategy: t.engine.Strategy(),
		Started:  time.Now().UTC(),
		Skipped:  map[string]string{},
		Failed:   map[string]string{},
	}
	logger := t.logger.With(zap.String("run_id", report.RunID), zap.String("strategy", report.Strategy))

	ds, err := t.data.Current()
	if err != nil {
		observability.TrainingRunsTotal.WithLabelValues("error").Inc()
		return report, err
	}
	cities := ds.Cities()
	logger.Info("training started", zap.Int("cities", len(cities)))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.concurrency)
	for _, city := range cities {
		city := city
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			outcome, reason := t.trainCity(gctx, ds.Series, city)
			observability.TrainingCitiesTotal.WithLabelValues(outcome).Inc()

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case "trained":
				report.Trained = append(report.Trained, city)
			case "skipped":
				report.Skipped[city] = reason
				logger.Debug("city skipped", zap.String("city", city), zap.String("reason", reason))
			default:
				report.Failed[city] = reason
				logger.Warn("city failed", zap.String("city", city), zap.String("reason", reason))
			}
			return nil
		})
	}
	waitErr := g.Wait()

	sort.Strings(report.Trained)
	report.Finished = time.Now().UTC()
	observability.TrainingDuration.Observe(report.Finished.Sub(report.Started).Seconds())
	logger.Info("training finished",
		zap.Int("trained", len(report.Trained)),
		zap.Int("skipped", len(report.Skipped)),
		zap.Int("failed", len(report.Failed)),
		zap.Duration("duration", report.Finished.Sub(report.Started)))

	switch {
	case waitErr != nil:
		observability.TrainingRunsTotal.WithLabelValues("cancelled").Inc()
		return report, fmt.Errorf("training run %s: %w", report.RunID, waitErr)
	case len(report.Trained) == 0 && len(report.Failed) > 0:
		observability.TrainingRunsTotal.WithLabelValues("error").Inc()
		return report, fmt.Errorf("training run %s: all %d cities failed", report.RunID, len(report.Failed))
	}
	observability.TrainingRunsTotal.WithLabelValues("ok").Inc()
	return report, nil
}

func (t *Trainer) trainCity(ctx context.Context, series func(string) (models.TimeSeries, error), city string) (outcome, reason string) {
	s, err := series(city)
	if err != nil {
		return "failed", err.Error()
	}
	m, err := fitSeries(t.engine, s)
	if errors.Is(err, forecast.ErrInsufficientData) {
		return "skipped", err.Error()
	}
	if err != nil {
		return "failed", err.Error()
	}
	if t.store != nil {
		if err := t.store.Save(ctx, m); err != nil {
			return "failed", err.Error()
		}
	}
	return "trained", ""
}
