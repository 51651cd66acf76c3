package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/aqi-forecast-service/internal/cache"
	"github.com/kjstillabower/aqi-forecast-service/internal/circuitbreaker"
	"github.com/kjstillabower/aqi-forecast-service/internal/client"
	"github.com/kjstillabower/aqi-forecast-service/internal/config"
	"github.com/kjstillabower/aqi-forecast-service/internal/forecast"
	httphandler "github.com/kjstillabower/aqi-forecast-service/internal/http"
	"github.com/kjstillabower/aqi-forecast-service/internal/lifecycle"
	"github.com/kjstillabower/aqi-forecast-service/internal/modelstore"
	"github.com/kjstillabower/aqi-forecast-service/internal/observability"
	"github.com/kjstillabower/aqi-forecast-service/internal/scheduler"
	"github.com/kjstillabower/aqi-forecast-service/internal/service"
	"github.com/kjstillabower/aqi-forecast-service/internal/source"
)

const liveComponent = "waqi"

func main() {
	logger, err := observability.NewLogger("service")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), cfg.RetrainTimeout)
	defer startCancel()

	var breaker *circuitbreaker.CircuitBreaker
	var airClient client.AirQualityClient
	if cfg.LiveEnabled() {
		breaker, airClient, err = newLiveClient(cfg)
		if err != nil {
			logger.Fatal("waqi client", zap.Error(err))
		}
		logger.Info("live data enabled", zap.String("url", cfg.WAQIURL), zap.Int("failure_threshold", cfg.BreakerFailureThreshold))
	} else {
		logger.Warn("no WAQI token configured; live endpoints disabled")
	}

	src, pool, err := newSource(startCtx, cfg, airClient)
	if err != nil {
		logger.Fatal("observation source", zap.Error(err))
	}
	data := service.NewData(src, cfg.InterpolatePollutants, logger)
	if _, err := data.Refresh(startCtx); err != nil {
		// The scheduler retries on its next tick; health reports data_not_loaded until then.
		logger.Error("initial dataset load failed", zap.Error(err))
	}

	engine, err := forecast.NewEngine(forecast.Config{Strategy: cfg.ForecastStrategy, MaxHorizon: cfg.MaxHorizon})
	if err != nil {
		logger.Fatal("forecast engine", zap.Error(err))
	}

	var store modelstore.Store
	var fileStore *modelstore.FileStore
	if cfg.PersistModels {
		fileStore, err = modelstore.NewFileStore(cfg.ModelsDir)
		if err != nil {
			logger.Fatal("model store", zap.Error(err))
		}
		store = fileStore
		logger.Info("model persistence enabled", zap.String("dir", cfg.ModelsDir))
	}

	var cacheSvc cache.Cache
	var memcacheCloser *cache.MemcachedCache
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			logger.Fatal("memcached cache", zap.Error(err))
		}
		memcacheCloser = mc
		cacheSvc = mc
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		cacheSvc = cache.NewInMemoryCache(cfg.CacheMaxItems)
		logger.Info("cache backend: in_memory", zap.Int("max_items", cfg.CacheMaxItems))
	}

	forecasts := service.NewForecastService(data, engine, cacheSvc, store, service.ForecastConfig{
		CacheTTL:    cfg.CacheTTL,
		DefaultDays: cfg.DefaultHorizon,
		AnchorToday: cfg.AnchorToday(),
	}, logger)

	bounds, err := client.ParseBounds(cfg.WAQIBounds)
	if err != nil {
		bounds = client.IndiaBounds
	}
	live := service.NewLiveService(airClient, bounds, logger)

	var trainer scheduler.Trainer
	if store != nil {
		trainer = service.NewTrainer(data, engine, store, cfg.TrainConcurrency, logger)
	}
	warmer := cache.NewCacheWarmer(forecasts, logger, cfg.WarmConcurrency)
	sched := scheduler.New(scheduler.Config{
		Interval:   cfg.RetrainInterval,
		Timeout:    cfg.RetrainTimeout,
		WarmCities: cfg.WarmCities,
	}, data, trainer, warmer, logger)
	if err := sched.Start(); err != nil {
		logger.Fatal("scheduler", zap.Error(err))
	}

	observability.RegisterTrafficGauges(cfg.HealthWindow)
	if len(cfg.TrackedCities) > 0 {
		observability.SetTrackedCities(cfg.TrackedCities)
	}

	healthConfig := &httphandler.HealthConfig{
		ErrorWindow: cfg.HealthWindow,
		ErrorPct:    cfg.HealthErrorPct,
	}
	if breaker != nil {
		healthConfig.LiveBreaker = breaker.State
	}
	if memcacheCloser != nil {
		healthConfig.CachePing = memcacheCloser.Ping
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(forecasts, live, healthConfig, logger)
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		RequestTimeout: cfg.RequestTimeout,
		Limiter:        limiter,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting",
			zap.String("addr", ":"+cfg.ServerPort),
			zap.String("strategy", engine.Strategy()),
			zap.String("source", src.Name()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	if err := httphandler.WaitForInFlight(shutdownCtx, 100*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	var flushers []observability.Flusher
	if memcacheCloser != nil {
		flushers = append(flushers, func(context.Context) error { return memcacheCloser.Close() })
	}
	if fileStore != nil {
		flushers = append(flushers, func(context.Context) error { return fileStore.Close() })
	}
	if pool != nil {
		flushers = append(flushers, func(context.Context) error { pool.Close(); return nil })
	}
	if err := observability.FlushTelemetry(context.Background(), logger, flushers...); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// newLiveClient builds the WAQI client behind a circuit breaker. Unknown stations do not trip it.
func newLiveClient(cfg *config.Config) (*circuitbreaker.CircuitBreaker, client.AirQualityClient, error) {
	breaker := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		Timeout:          cfg.BreakerTimeout,
		Component:        liveComponent,
		Ignore: func(err error) bool {
			return errors.Is(err, client.ErrStationNotFound)
		},
		OnStateChange: func(_, to circuitbreaker.State) {
			observability.RecordBreakerState(liveComponent, circuitbreaker.Gauge(to))
		},
	})
	observability.RecordBreakerState(liveComponent, circuitbreaker.Gauge(circuitbreaker.StateClosed))

	c, err := client.NewWAQIClient(client.Config{
		Token:          cfg.WAQIToken,
		BaseURL:        cfg.WAQIURL,
		Timeout:        cfg.WAQITimeout,
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
		RatePerSecond:  cfg.WAQIRatePerSecond,
		Burst:          cfg.WAQIBurst,
		Breaker:        breaker,
	})
	if err != nil {
		return nil, nil, err
	}
	return breaker, c, nil
}

// newSource picks the historical backend and, when configured, appends today's live snapshot.
// The returned pool is nil unless the backend is Postgres.
func newSource(ctx context.Context, cfg *config.Config, live client.AirQualityClient) (source.Source, *pgxpool.Pool, error) {
	rng, err := source.ParseDateRange(cfg.DataFrom, cfg.DataTo)
	if err != nil {
		return nil, nil, err
	}

	var (
		src  source.Source
		pool *pgxpool.Pool
	)
	switch cfg.DataSource {
	case "postgres":
		pool, err = source.ConnectPostgres(ctx, cfg.PostgresURL, cfg.PostgresMaxConns)
		if err != nil {
			return nil, nil, err
		}
		pg := source.NewPostgresSource(pool, rng)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		src = pg
	default:
		src = &source.CSVSource{Path: cfg.CSVPath, Range: rng}
	}

	if cfg.IncludeLive && live != nil && len(cfg.WAQICities) > 0 {
		src = source.MultiSource{src, &source.LiveSource{Client: live, Cities: cfg.WAQICities}}
	}
	return src, pool, nil
}
