package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/pollen-risk-service/internal/cache"
	"github.com/kjstillabower/pollen-risk-service/internal/circuitbreaker"
	"github.com/kjstillabower/pollen-risk-service/internal/client"
	"github.com/kjstillabower/pollen-risk-service/internal/config"
	"github.com/kjstillabower/pollen-risk-service/internal/events"
	"github.com/kjstillabower/pollen-risk-service/internal/features"
	httphandler "github.com/kjstillabower/pollen-risk-service/internal/http"
	"github.com/kjstillabower/pollen-risk-service/internal/lifecycle"
	"github.com/kjstillabower/pollen-risk-service/internal/observability"
	"github.com/kjstillabower/pollen-risk-service/internal/predictor"
	"github.com/kjstillabower/pollen-risk-service/internal/reftable"
	"github.com/kjstillabower/pollen-risk-service/internal/service"
	"github.com/kjstillabower/pollen-risk-service/internal/traffic"
	"github.com/kjstillabower/pollen-risk-service/internal/validation"
)

const weatherComponent = "weather_api"

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}
	state := &lifecycle.State{}

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	table, err := loadReferenceTable(startupCtx, cfg)
	startupCancel()
	if err != nil {
		logger.Fatal("reference table", zap.Error(err))
	}
	logTableLoaded(logger, table, cfg.DatabaseURL != "")

	forest, err := predictor.LoadFile(cfg.ModelPath)
	if err != nil {
		logger.Fatal("model", zap.String("path", cfg.ModelPath), zap.Error(err))
	}
	schema, err := features.NewSchema(forest.Features())
	if err != nil {
		logger.Fatal("feature schema", zap.Error(err))
	}
	logger.Info("model loaded",
		zap.String("model", forest.Name()),
		zap.Strings("features", schema.Names()),
		zap.Ints("classes", forest.Classes()))

	alignment, err := client.ParseAlignment(cfg.Alignment)
	if err != nil {
		logger.Fatal("weather alignment", zap.Error(err))
	}
	if alignment == client.AlignFirstHour {
		logger.Warn("first_hour alignment is deprecated; features are read from the first hour of the local day")
	}

	weatherClient, err := client.NewOpenMeteoClientWithRetry(
		cfg.WeatherAPIURL,
		cfg.WeatherAPITimeout,
		cfg.RetryAttempts,
		cfg.RetryBaseDelay,
		cfg.RetryMaxDelay,
	)
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}
	if cfg.CircuitBreakerEnabled {
		cb := newCircuitBreaker(cfg, logger)
		weatherClient.SetCircuitBreaker(cb)
		observability.CircuitBreakerState.WithLabelValues(cb.Component()).Set(float64(circuitbreaker.StateClosed))
		logger.Info("circuit breaker enabled",
			zap.String("component", cb.Component()),
			zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold),
			zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	forecastCache, memcached, err := newCache(cfg)
	if err != nil {
		logger.Fatal("cache", zap.Error(err))
	}
	logger.Info("cache backend", zap.String("backend", cfg.CacheBackend), zap.Duration("ttl", cfg.CacheTTL))

	publisher, err := newPublisher(cfg, logger)
	if err != nil {
		logger.Fatal("event publisher", zap.Error(err))
	}

	predictionService, err := service.New(service.Deps{
		Table:     table,
		Predictor: forest,
		Schema:    schema,
		Client:    weatherClient,
		Alignment: alignment,
		Cache:     forecastCache,
		CacheType: cfg.CacheBackend,
		CacheTTL:  cfg.CacheTTL,
		Coalesce:  cfg.CacheCoalesce,
		Publisher: publisher,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("prediction service", zap.Error(err))
	}

	tracker := &traffic.Tracker{Retention: cfg.DegradedWindow}
	observability.RegisterTrafficGauges(tracker, cfg.DegradedWindow)

	healthConfig := httphandler.HealthConfig{
		Version:             cfg.Version,
		DegradedWindow:      cfg.DegradedWindow,
		DegradedErrorRate:   cfg.DegradedErrorRate,
		DegradedMinRequests: cfg.DegradedMinRequests,
		TableSize:           table.Len(),
		Model:               predictionService.Model(),
		CachePing:           cachePing(forecastCache),
	}
	validationOpts := validation.Options{
		RequireCoordinates: cfg.RequireCoordinates,
		MaxSuburbLength:    cfg.MaxSuburbLength,
	}
	handler := httphandler.NewHandler(predictionService, validationOpts, tracker, state, healthConfig, logger)
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		Logger:         logger,
		Limiter:        newLimiter(cfg),
		Tracker:        tracker,
		RequestTimeout: cfg.RequestTimeout,
		CORSOrigins:    cfg.CORSOrigins,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if mem, ok := forecastCache.(*cache.InMemoryCache); ok {
		go mem.SweepPeriodic(ctx, cfg.CacheTTL)
	}

	if forecastCache != nil && len(cfg.CacheWarmSuburbs) > 0 {
		warmer := cache.NewWarmer(predictionService, logger)
		warmCtx, warmCancel := context.WithTimeout(ctx, 30*time.Second)
		if err := warmer.Warm(warmCtx, cfg.CacheWarmSuburbs); err != nil {
			logger.Warn("cache warming failed", zap.Error(err))
		}
		warmCancel()
		if cfg.CacheWarmInterval > 0 {
			go func() {
				if err := warmer.WarmPeriodic(ctx, cfg.CacheWarmSuburbs, cfg.CacheWarmInterval); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("periodic cache warming stopped", zap.Error(err))
				}
			}()
		}
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", cfg.Addr()), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()
	state.MarkReady()

	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	state.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", httphandler.InFlightCount()))
	if err := httphandler.WaitForInFlight(shutdownCtx, 50*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	closers := []io.Closer{publisher}
	if memcached != nil {
		closers = append(closers, memcached)
	}
	if err := observability.FlushTelemetry(shutdownCtx, logger, closers...); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// loadReferenceTable reads the suburb table from Postgres when DATABASE_URL is set,
// otherwise from the CSV file.
func loadReferenceTable(ctx context.Context, cfg *config.Config) (*reftable.Table, error) {
	if cfg.DatabaseURL == "" {
		return reftable.LoadCSVFile(cfg.ReferenceTablePath)
	}
	pool, err := reftable.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	defer pool.Close()
	return reftable.LoadPostgres(ctx, pool, cfg.ReferenceTableName)
}

func newCircuitBreaker(cfg *config.Config, logger *zap.Logger) *circuitbreaker.CircuitBreaker {
	return circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.CircuitBreakerFailureThreshold,
		SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
		Timeout:          cfg.CircuitBreakerTimeout,
		Component:        weatherComponent,
		OnStateChange: func(from, to circuitbreaker.State) {
			observability.CircuitBreakerTransitionsTotal.WithLabelValues(weatherComponent, from.String(), to.String()).Inc()
			observability.CircuitBreakerState.WithLabelValues(weatherComponent).Set(float64(to))
			logger.Warn("circuit breaker state change",
				zap.String("component", weatherComponent),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

// newCache returns the configured forecast cache, or nil when caching is disabled.
// The memcached backend is also returned so it can be closed on shutdown.
func newCache(cfg *config.Config) (cache.Cache, *cache.MemcachedCache, error) {
	switch cfg.CacheBackend {
	case cache.BackendNone:
		return nil, nil, nil
	case cache.BackendMemcached:
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			return nil, nil, err
		}
		return mc, mc, nil
	case cache.BackendInMemory:
		return cache.NewInMemoryCacheWithSize(cfg.CacheMaxEntries), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
}

// cachePing returns the /health reachability check for caches with a remote backend.
func cachePing(c cache.Cache) func() error {
	if p, ok := c.(cache.Pinger); ok {
		return p.Ping
	}
	return nil
}

// logTableLoaded reports the reference table size and warns about dropped duplicate rows.
func logTableLoaded(logger *zap.Logger, table *reftable.Table, postgres bool) {
	if table.Duplicates() > 0 {
		logger.Warn("reference table has duplicate suburbs; first row wins", zap.Int("duplicates", table.Duplicates()))
	}
	logger.Info("reference table loaded", zap.Int("suburbs", table.Len()), zap.Bool("postgres", postgres))
}

// newPublisher returns a Kafka publisher when brokers are configured, otherwise a no-op.
func newPublisher(cfg *config.Config, logger *zap.Logger) (events.Publisher, error) {
	brokers := events.ParseBrokers(cfg.KafkaBrokers)
	if len(brokers) == 0 {
		return events.Noop{}, nil
	}
	logger.Info("publishing prediction events", zap.Strings("brokers", brokers), zap.String("topic", cfg.KafkaTopic))
	return events.NewKafkaPublisher(events.KafkaConfig{
		Brokers:      brokers,
		Topic:        cfg.KafkaTopic,
		BatchTimeout: cfg.KafkaBatchTimeout,
	}, logger)
}

// newLimiter returns the /predict token bucket, or nil when rate limiting is off.
func newLimiter(cfg *config.Config) *rate.Limiter {
	if cfg.RateLimitRPS <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
}
