// Command train loads the configured observations, fits a model per city and persists the models
// for the service to reuse. It can also export the cleaned dataset as CSV and seed Postgres from CSV.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/kjstillabower/aqi-forecast-service/internal/aqi"
	"github.com/kjstillabower/aqi-forecast-service/internal/config"
	"github.com/kjstillabower/aqi-forecast-service/internal/forecast"
	"github.com/kjstillabower/aqi-forecast-service/internal/models"
	"github.com/kjstillabower/aqi-forecast-service/internal/modelstore"
	"github.com/kjstillabower/aqi-forecast-service/internal/observability"
	"github.com/kjstillabower/aqi-forecast-service/internal/service"
	"github.com/kjstillabower/aqi-forecast-service/internal/source"
)

type options struct {
	strategy       string
	export         string
	concurrency    int
	importPostgres bool
	skipTrain      bool
}

func main() {
	env := flag.String("env", "", "config environment name (config/{env}.yaml); defaults to ENV_NAME or dev")
	var opts options
	flag.StringVar(&opts.strategy, "strategy", "", "forecast strategy override (polynomial|arima)")
	flag.StringVar(&opts.export, "export", "", "write the loaded dataset with AQI buckets to this CSV path")
	flag.IntVar(&opts.concurrency, "concurrency", 0, "cities fitted in parallel; 0 uses the config value")
	flag.BoolVar(&opts.importPostgres, "import-postgres", false, "copy the CSV dataset into postgres_url before training")
	flag.BoolVar(&opts.skipTrain, "skip-train", false, "load, export or import only")
	flag.Parse()

	logger, err := observability.NewLogger("train")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if *env != "" {
		_ = os.Setenv("ENV_NAME", *env)
	}
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.RetrainTimeout)
	defer cancel()

	report, err := run(ctx, cfg, opts, logger)
	if err != nil {
		logger.Error("training failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	if report != nil {
		logger.Info("training report",
			zap.String("run_id", report.RunID),
			zap.String("strategy", report.Strategy),
			zap.Strings("trained", report.Trained),
			zap.Any("skipped", report.Skipped),
			zap.Any("failed", report.Failed))
	}
}

// run executes one load, export, import and train pass. The report is nil when training is skipped.
func run(ctx context.Context, cfg *config.Config, opts options, logger *zap.Logger) (*service.TrainReport, error) {
	strategy := cfg.ForecastStrategy
	if opts.strategy != "" {
		strategy = opts.strategy
	}
	engine, err := forecast.NewEngine(forecast.Config{Strategy: strategy, MaxHorizon: cfg.MaxHorizon})
	if err != nil {
		return nil, err
	}

	rng, err := source.ParseDateRange(cfg.DataFrom, cfg.DataTo)
	if err != nil {
		return nil, err
	}
	src, closeSrc, err := openSource(ctx, cfg, rng)
	if err != nil {
		return nil, err
	}
	defer closeSrc()

	data := service.NewData(src, cfg.InterpolatePollutants, logger)
	ds, err := data.Refresh(ctx)
	if err != nil {
		return nil, err
	}

	if opts.export != "" {
		n, err := exportCSV(opts.export, ds)
		if err != nil {
			return nil, err
		}
		logger.Info("dataset exported", zap.String("path", opts.export), zap.Int("observations", n), zap.Int("dropped", ds.Len()-n))
	}
	if opts.importPostgres {
		if err := importPostgres(ctx, cfg, ds, logger); err != nil {
			return nil, err
		}
	}
	if opts.skipTrain {
		return nil, nil
	}

	store, err := modelstore.NewFileStore(cfg.ModelsDir)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	concurrency := cfg.TrainConcurrency
	if opts.concurrency > 0 {
		concurrency = opts.concurrency
	}
	report, err := service.NewTrainer(data, engine, store, concurrency, logger).TrainAll(ctx)
	return &report, err
}

func openSource(ctx context.Context, cfg *config.Config, rng source.DateRange) (source.Source, func(), error) {
	if cfg.DataSource != "postgres" {
		return &source.CSVSource{Path: cfg.CSVPath, Range: rng}, func() {}, nil
	}
	pool, err := source.ConnectPostgres(ctx, cfg.PostgresURL, cfg.PostgresMaxConns)
	if err != nil {
		return nil, nil, err
	}
	return source.NewPostgresSource(pool, rng), pool.Close, nil
}

// exportCSV writes the rows that have a city, a date and an AQI value, and returns how many it wrote.
func exportCSV(path string, ds *source.Dataset) (int, error) {
	var rows []models.Observation
	for _, o := range ds.All() {
		if o.AQI == nil || o.City == "" || o.Date.IsZero() {
			continue
		}
		rows = append(rows, o)
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("export: %w", err)
	}
	bucket := func(v float64) string { return string(aqi.Classify(v).Category) }
	if err := source.WriteCSV(f, rows, bucket); err != nil {
		f.Close()
		return 0, fmt.Errorf("export: %w", err)
	}
	return len(rows), f.Close()
}

// importPostgres copies ds into the observations table. Only valid when the dataset came from CSV.
func importPostgres(ctx context.Context, cfg *config.Config, ds *source.Dataset, logger *zap.Logger) error {
	if cfg.DataSource == "postgres" {
		return errors.New("import-postgres requires data.source csv")
	}
	if cfg.PostgresURL == "" {
		return errors.New("import-postgres requires data.postgres_url")
	}
	pool, err := source.ConnectPostgres(ctx, cfg.PostgresURL, cfg.PostgresMaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	pg := source.NewPostgresSource(pool, source.DateRange{})
	if err := pg.Migrate(ctx); err != nil {
		return err
	}
	n, err := pg.Store(ctx, ds.All())
	if err != nil {
		return err
	}
	logger.Info("observations imported", zap.Int64("rows", n))
	return nil
}
