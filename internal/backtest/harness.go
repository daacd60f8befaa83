package backtest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fractal-lba/demandcast/internal/api"
	"github.com/fractal-lba/demandcast/internal/forecast"
	"github.com/fractal-lba/demandcast/internal/history"
	"github.com/fractal-lba/demandcast/internal/imputation"
	"github.com/fractal-lba/demandcast/internal/metrics"
	"github.com/fractal-lba/demandcast/pkg/otel"
)

const tracerName = "demandcast/backtest"

// Config controls the rolling-origin protocol.
type Config struct {
	Windows  []int // training-window lengths in days
	Horizon  int   // days predicted per fold
	Step     int   // days between consecutive origins
	MaxFolds int   // per window, counted back from the end of history
	Gates    Gates
}

// DefaultConfig returns the validation protocol used to gate model changes.
func DefaultConfig() Config {
	return Config{
		Windows:  []int{30, 60},
		Horizon:  7,
		Step:     7,
		MaxFolds: 4,
		Gates:    DefaultGates(),
	}
}

// Harness runs backtests against a forecast engine.
type Harness struct {
	cfg     Config
	engine  *forecast.Engine
	imputer *imputation.Imputer
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// NewHarness creates a harness. m may be nil.
func NewHarness(cfg Config, engine *forecast.Engine, m *metrics.Metrics, logger zerolog.Logger) (*Harness, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if len(cfg.Windows) == 0 || cfg.Horizon < 1 || cfg.Step < 1 || cfg.MaxFolds < 1 {
		return nil, fmt.Errorf("invalid backtest config: %+v", cfg)
	}
	return &Harness{
		cfg:     cfg,
		engine:  engine,
		imputer: imputation.NewImputer(imputation.DefaultConfig(), imputation.NewStockoutDetector()),
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Run backtests one item. Actuals are the stockout-adjusted quantities, so a
// censored day is scored against its imputed demand.
func (h *Harness) Run(ctx context.Context, meta api.ItemMeta, obs []api.Observation) (*Report, error) {
	if meta.ItemID == "" {
		return nil, errors.New("item_id is required")
	}
	ctx, span := otel.StartSpan(ctx, tracerName, "backtest.run", otel.ItemAttributes(meta.ItemID, meta.CategoryID)...)
	defer span.End()

	dense := history.Densify(obs)
	actual := imputation.Quantities(h.imputer.Impute(dense))

	report := &Report{
		ItemID:  meta.ItemID,
		RanAt:   h.now(),
		Horizon: h.cfg.Horizon,
		Windows: make([]WindowResult, len(h.cfg.Windows)),
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, w := range h.cfg.Windows {
		g.Go(func() error {
			res, err := h.window(gctx, meta, dense, actual, w)
			if err != nil {
				return fmt.Errorf("window %dd: %w", w, err)
			}
			report.Windows[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		otel.RecordError(span, err, "backtest failed")
		return nil, err
	}

	for _, w := range report.Windows {
		otel.AddEvent(span, "window_scored", otel.AttrWindowDays.Int(w.WindowDays), otel.AttrBacktestFolds.Int(len(w.Folds)))
	}
	report.Decision = h.cfg.Gates.Evaluate(report.Windows)
	h.record(report)

	h.logger.Info().
		Str("item_id", meta.ItemID).
		Bool("accepted", report.Decision.Accepted).
		Strs("failures", report.Decision.Failures).
		Msg("backtest complete")
	return report, nil
}

// window evaluates the folds of one training-window length. Origins are
// spaced Step days apart, latest first, and need a full window before them
// and a full horizon after.
func (h *Harness) window(ctx context.Context, meta api.ItemMeta, dense []api.Observation, actual []float64, w int) (WindowResult, error) {
	res := WindowResult{WindowDays: w}
	n := len(dense)

	var origins []int
	for k := 0; k < h.cfg.MaxFolds; k++ {
		t := n - h.cfg.Horizon - k*h.cfg.Step
		if t < w {
			break
		}
		origins = append(origins, t)
	}
	if len(origins) == 0 {
		res.Skipped = true
		h.logger.Debug().Str("item_id", meta.ItemID).Int("window_days", w).Int("days", n).Msg("window skipped")
		return res, nil
	}

	var pooled []DayResult
	// oldest fold first
	for i := len(origins) - 1; i >= 0; i-- {
		t := origins[i]
		forecasts, err := h.engine.Run(ctx, forecast.Input{
			Meta:    meta,
			History: dense[t-w : t],
			Start:   dense[t].Date,
			Horizon: h.cfg.Horizon,
		})
		if err != nil {
			return WindowResult{}, err
		}

		fold := Fold{
			Index:      len(res.Folds),
			WindowDays: w,
			TrainStart: dense[t-w].Date,
			Origin:     dense[t].Date,
		}
		for j, f := range forecasts {
			fold.Days = append(fold.Days, DayResult{
				Date:   f.ForecastDate,
				Actual: actual[t+j],
				P10:    f.P10,
				P50:    f.P50,
				P90:    f.P90,
			})
		}
		fold.WAPE = WAPE(fold.Days)
		fold.Coverage = Coverage(fold.Days)
		pooled = append(pooled, fold.Days...)
		res.Folds = append(res.Folds, fold)

		h.logger.Debug().
			Str("item_id", meta.ItemID).
			Int("window_days", w).
			Int("fold", fold.Index).
			Float64("wape", fold.WAPE).
			Float64("coverage", fold.Coverage).
			Msg("fold scored")
	}

	res.WAPE = WAPE(pooled)
	res.Coverage = Coverage(pooled)
	return res, nil
}

func (h *Harness) record(r *Report) {
	if h.metrics == nil {
		return
	}
	for _, w := range r.Windows {
		if w.Skipped {
			continue
		}
		label := strconv.Itoa(w.WindowDays)
		h.metrics.BacktestWAPE.WithLabelValues(label).Set(w.WAPE)
		h.metrics.BacktestCoverage.WithLabelValues(label).Set(w.Coverage)
	}
	for _, f := range r.Decision.Failures {
		h.metrics.BacktestGateFailures.WithLabelValues(f).Inc()
	}
}
