package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the service
type Metrics struct {
	// Forecasting
	ForecastsTotal      *prometheus.CounterVec // by stage
	ForecastLatency     prometheus.Histogram
	StalePriorFallbacks prometheus.Counter
	PosteriorCacheHits  prometheus.Counter
	PosteriorCacheMiss  prometheus.Counter
	PromoAdjustments    prometheus.Counter

	// Elasticity
	ElasticityEstimates *prometheus.CounterVec // by method
	WaterfallFallbacks  *prometheus.CounterVec // by tier that was skipped
	ElasticityLatency   prometheus.Histogram

	// Priors
	PriorRefreshes       *prometheus.CounterVec // by outcome
	PriorSnapshotVersion prometheus.Gauge
	CategoryPriors       prometheus.Gauge

	// Promotions
	PromotionsDetected *prometheus.CounterVec // by detection method

	// Backtesting
	BacktestWAPE         *prometheus.GaugeVec // by window_days
	BacktestCoverage     *prometheus.GaugeVec // by window_days
	BacktestGateFailures *prometheus.CounterVec

	// Result stores
	StoreErrors *prometheus.CounterVec // by operation
}

// New creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in binaries and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		ForecastsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dmc_forecasts_total",
				Help: "Number of item forecasts produced, by maturity stage",
			},
			[]string{"stage"},
		),
		ForecastLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dmc_forecast_latency_seconds",
			Help:    "Time to forecast one item over its full horizon",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		StalePriorFallbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "dmc_stale_prior_fallbacks_total",
			Help: "Forecasts that fell back to the global prior because the snapshot was missing or expired",
		}),
		PosteriorCacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "dmc_posterior_cache_hits_total",
			Help: "Posterior lookups served from cache",
		}),
		PosteriorCacheMiss: f.NewCounter(prometheus.CounterOpts{
			Name: "dmc_posterior_cache_misses_total",
			Help: "Posterior lookups that required a fit",
		}),
		PromoAdjustments: f.NewCounter(prometheus.CounterOpts{
			Name: "dmc_promo_adjustments_total",
			Help: "Forecast dates adjusted for an active promotion",
		}),

		ElasticityEstimates: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dmc_elasticity_estimates_total",
				Help: "Elasticity estimates produced, by waterfall method",
			},
			[]string{"method"},
		),
		WaterfallFallbacks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dmc_elasticity_waterfall_fallbacks_total",
				Help: "Waterfall tiers that were unavailable or below their confidence threshold",
			},
			[]string{"tier"},
		),
		ElasticityLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dmc_elasticity_latency_seconds",
			Help:    "Time to run the elasticity waterfall for one item",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),

		PriorRefreshes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dmc_prior_refreshes_total",
				Help: "Category prior refresh runs, by outcome",
			},
			[]string{"outcome"},
		),
		PriorSnapshotVersion: f.NewGauge(prometheus.GaugeOpts{
			Name: "dmc_prior_snapshot_version",
			Help: "Version of the currently published prior snapshot",
		}),
		CategoryPriors: f.NewGauge(prometheus.GaugeOpts{
			Name: "dmc_category_priors",
			Help: "Number of categories with an estimated prior in the current snapshot",
		}),

		PromotionsDetected: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dmc_promotions_detected_total",
				Help: "Promotion periods inferred from price history",
			},
			[]string{"method"},
		),

		BacktestWAPE: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dmc_backtest_wape",
				Help: "WAPE of the latest backtest, by training window",
			},
			[]string{"window_days"},
		),
		BacktestCoverage: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dmc_backtest_interval_coverage",
				Help: "Share of actuals inside [p10, p90] in the latest backtest, by training window",
			},
			[]string{"window_days"},
		),
		BacktestGateFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dmc_backtest_gate_failures_total",
				Help: "Backtest acceptance gates that failed",
			},
			[]string{"gate"},
		),

		StoreErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dmc_store_errors_total",
				Help: "Result store and publisher failures, by operation",
			},
			[]string{"op"},
		),
	}
}
