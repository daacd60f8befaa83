// Package app assembles the service components from configuration. Both the
// HTTP server and the operator CLI build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/fractal-lba/demandcast/internal/api"
	"github.com/fractal-lba/demandcast/internal/backtest"
	"github.com/fractal-lba/demandcast/internal/bayes"
	"github.com/fractal-lba/demandcast/internal/config"
	"github.com/fractal-lba/demandcast/internal/elasticity"
	"github.com/fractal-lba/demandcast/internal/forecast"
	"github.com/fractal-lba/demandcast/internal/history"
	"github.com/fractal-lba/demandcast/internal/imputation"
	"github.com/fractal-lba/demandcast/internal/metrics"
	"github.com/fractal-lba/demandcast/internal/priors"
	"github.com/fractal-lba/demandcast/internal/promotion"
	"github.com/fractal-lba/demandcast/internal/store"
	"github.com/fractal-lba/demandcast/pkg/logger"
	"github.com/fractal-lba/demandcast/pkg/otel"
)

const serviceName = "demandcast"

// App holds the wired components.
type App struct {
	Config     *config.Config
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
	Source     history.Source
	Results    store.ResultStore
	Publisher  store.Publisher
	Priors     *priors.Store
	Refresher  *priors.Refresher
	Detector   *promotion.Detector
	Elasticity *elasticity.Service
	Engine     *forecast.Engine
	Backtest   *backtest.Harness

	tracer  *sdktrace.TracerProvider
	closers []func() error
}

// New builds every component. reg receives the Prometheus collectors; pass a
// fresh registry when more than one App lives in a process.
func New(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (*App, error) {
	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:  cfg,
		Logger:  log,
		Metrics: metrics.New(reg),
	}
	if err := a.init(ctx); err != nil {
		a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.Config

	tc := otel.DefaultConfig(serviceName)
	tc.Exporter = cfg.Tracing.Exporter
	tc.CollectorEndpoint = cfg.Tracing.Endpoint
	tc.SamplingRate = cfg.Tracing.SamplingRate
	tc.Environment = cfg.Tracing.Environment
	tp, err := otel.InitTracer(ctx, tc)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	a.tracer = tp

	if err := a.initSource(ctx); err != nil {
		return err
	}
	redisClient, err := a.initResults(ctx)
	if err != nil {
		return err
	}
	if err := a.initPublisher(); err != nil {
		return err
	}

	imputer := imputation.NewImputer(imputation.DefaultConfig(), imputation.NewStockoutDetector())

	posteriors, err := bayes.NewCache(cfg.Forecast.CacheSize, cfg.Forecast.CacheTTL)
	if err != nil {
		return fmt.Errorf("failed to create posterior cache: %w", err)
	}

	bc := priors.DefaultBuilderConfig()
	bc.MaxPriorDays = cfg.Priors.MaxPriorDays
	bc.SnapshotTTL = cfg.Priors.SnapshotTTL
	builder := priors.NewBuilder(bc, a.Source, imputer, a.component("priors"))

	var sink priors.SnapshotSink
	if redisClient != nil {
		sink = priors.NewRedisSink(redisClient)
	}
	a.Priors = priors.NewStore()
	a.Refresher = priors.NewRefresher(cfg.Priors.RefreshInterval, builder, a.Priors, sink, a.component("priors")).
		WithMetrics(a.Metrics)
	if err := a.Refresher.Restore(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("could not restore prior snapshot")
	}

	a.Detector = promotion.NewDetector(promotion.DefaultConfig(), a.component("promotion"))

	a.Elasticity = elasticity.NewService(elasticity.ServiceConfig{
		LookbackDays: cfg.Elasticity.LookbackDays,
		MaxAge:       cfg.Elasticity.MaxAge,
	}, elasticity.Deps{
		Source:    a.Source,
		Detector:  a.Detector,
		Estimates: a.Results,
		Publisher: a.Publisher,
		Metrics:   a.Metrics,
		Logger:    a.component("elasticity"),
	})

	a.Engine = forecast.NewEngine(forecast.Config{
		Samples:    cfg.Forecast.Samples,
		Seed:       cfg.Forecast.Seed,
		MaxHorizon: cfg.Forecast.MaxHorizon,
		Workers:    cfg.Forecast.Workers,
	}, forecast.Deps{
		Source:     a.Source,
		Priors:     a.Priors,
		Imputer:    imputer,
		Cache:      posteriors,
		Elasticity: a.Elasticity,
		Metrics:    a.Metrics,
		Logger:     a.component("forecast"),
	})

	a.Backtest, err = backtest.NewHarness(backtest.DefaultConfig(), a.Engine, a.Metrics, a.component("backtest"))
	if err != nil {
		return err
	}
	return nil
}

func (a *App) initSource(ctx context.Context) error {
	cfg := a.Config.History
	switch cfg.Backend {
	case "memory":
		if cfg.File == "" {
			a.Source = history.NewMemorySource()
			return nil
		}
		src, err := history.LoadFile(cfg.File)
		if err != nil {
			return err
		}
		a.Source = src
	case "postgres":
		src, err := history.NewPostgresSource(ctx, a.Config.Postgres.URL, cfg.Lookback)
		if err != nil {
			return err
		}
		a.Source = src
		a.closers = append(a.closers, func() error { src.Close(); return nil })
	default:
		return fmt.Errorf("unknown history backend: %s", cfg.Backend)
	}
	return nil
}

// initResults opens the result store. The Redis client, when one is opened,
// is also returned for the prior snapshot sink.
func (a *App) initResults(ctx context.Context) (*redis.Client, error) {
	cfg := a.Config
	var client *redis.Client
	switch cfg.Store.Backend {
	case "memory":
		a.Results = store.NewMemoryStore()
	case "redis":
		c, err := store.DialRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		client = c
		a.Results = store.NewRedisStore(c, cfg.Store.ForecastTTL)
	case "postgres":
		s, err := store.NewPostgresStore(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, err
		}
		a.Results = s
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Store.Backend)
	}
	a.closers = append(a.closers, a.Results.Close)
	return client, nil
}

func (a *App) initPublisher() error {
	cfg := a.Config.Kafka
	if len(cfg.Brokers) == 0 {
		a.Publisher = store.NopPublisher{}
		return nil
	}
	p, err := store.NewKafkaPublisher(store.KafkaConfig{
		Brokers:         cfg.Brokers,
		ForecastTopic:   cfg.ForecastTopic,
		ElasticityTopic: cfg.ElasticityTopic,
		WriteTimeout:    cfg.WriteTimeout,
	})
	if err != nil {
		return err
	}
	a.Publisher = p
	a.closers = append(a.closers, p.Close)
	return nil
}

func (a *App) component(name string) zerolog.Logger {
	return a.Logger.With().Str("component", name).Logger()
}

// Forecast runs the engine for one item, then stores and publishes the
// results. Store and publish failures are logged; the forecast is still returned.
func (a *App) Forecast(ctx context.Context, itemID string, horizonDays int) ([]api.ForecastResult, error) {
	results, err := a.Engine.Forecast(ctx, itemID, horizonDays)
	if err != nil {
		return nil, err
	}
	if err := a.Results.PutForecasts(ctx, itemID, results); err != nil {
		a.storeError("put_forecasts", itemID, err)
	}
	if err := a.Publisher.PublishForecasts(ctx, results); err != nil {
		a.storeError("publish_forecasts", itemID, err)
	}
	return results, nil
}

// ForecastBatch forecasts several items in parallel and persists each set.
func (a *App) ForecastBatch(ctx context.Context, itemIDs []string, horizonDays int) (map[string][]api.ForecastResult, error) {
	out, err := a.Engine.ForecastBatch(ctx, itemIDs, horizonDays)
	if err != nil {
		return nil, err
	}
	for id, results := range out {
		if err := a.Results.PutForecasts(ctx, id, results); err != nil {
			a.storeError("put_forecasts", id, err)
		}
		if err := a.Publisher.PublishForecasts(ctx, results); err != nil {
			a.storeError("publish_forecasts", id, err)
		}
	}
	return out, nil
}

// RunBacktest loads an item's history and backtests it.
func (a *App) RunBacktest(ctx context.Context, itemID string) (*backtest.Report, error) {
	meta, err := a.Source.Item(ctx, itemID)
	if errors.Is(err, history.ErrUnknownItem) {
		meta = api.ItemMeta{ItemID: itemID}
	} else if err != nil {
		return nil, err
	}
	obs, err := a.Source.History(ctx, itemID)
	if err != nil {
		return nil, err
	}
	return a.Backtest.Run(ctx, meta, obs)
}

// DetectPromotions returns the item's known promotions merged with the
// periods inferred from its price history.
func (a *App) DetectPromotions(ctx context.Context, itemID string) ([]api.PromotionPeriod, error) {
	known, err := a.Source.Promotions(ctx, itemID)
	if err != nil {
		return nil, err
	}
	obs, err := a.Source.History(ctx, itemID)
	if err != nil {
		return nil, err
	}
	inferred := a.Detector.InferPeriods(itemID, history.Densify(obs))
	for _, p := range inferred {
		a.Metrics.PromotionsDetected.WithLabelValues(p.DetectionMethod).Inc()
	}
	return append(known, inferred...), nil
}

// DetectLinePromotions runs the line-level tiers over raw POS lines for one
// item and returns the resulting periods.
func (a *App) DetectLinePromotions(itemID string, lines []promotion.TransactionLine) []api.PromotionPeriod {
	periods := promotion.LinePeriods(itemID, lines)
	for _, p := range periods {
		a.Metrics.PromotionsDetected.WithLabelValues(p.DetectionMethod).Inc()
	}
	return periods
}

func (a *App) storeError(op, itemID string, err error) {
	a.Logger.Error().Err(err).Str("op", op).Str("item_id", itemID).Msg("result store failure")
	a.Metrics.StoreErrors.WithLabelValues(op).Inc()
}

// Close stops the refresher and releases connections in reverse order of opening.
func (a *App) Close(ctx context.Context) error {
	if a.Refresher != nil {
		a.Refresher.Stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if a.tracer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := otel.Shutdown(shutdownCtx, a.tracer); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
