package forecast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fractal-lba/demandcast/internal/api"
	"github.com/fractal-lba/demandcast/internal/bayes"
	"github.com/fractal-lba/demandcast/internal/history"
	"github.com/fractal-lba/demandcast/internal/imputation"
	"github.com/fractal-lba/demandcast/internal/metrics"
	"github.com/fractal-lba/demandcast/internal/priors"
	"github.com/fractal-lba/demandcast/internal/seasonality"
	"github.com/fractal-lba/demandcast/pkg/otel"
)

const tracerName = "demandcast/forecast"

// ErrInvalidRequest is returned for an empty item id or an out-of-range horizon.
var ErrInvalidRequest = errors.New("invalid forecast request")

// ElasticityProvider supplies the current elasticity estimate for promotion lift.
type ElasticityProvider interface {
	Current(ctx context.Context, itemID string) (api.ElasticityEstimate, error)
}

// Config controls the forecast engine.
type Config struct {
	Samples    int    // Monte Carlo draws per date
	Seed       uint64 // base seed for reproducible streams
	MaxHorizon int    // longest accepted horizon in days
	Workers    int    // parallel items in ForecastBatch
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		Samples:    MinSamples,
		Seed:       20240101,
		MaxHorizon: 90,
		Workers:    8,
	}
}

// Deps are the engine's collaborators. Cache, Elasticity and Metrics are optional.
type Deps struct {
	Source     history.Source
	Priors     *priors.Store
	Imputer    *imputation.Imputer
	Cache      *bayes.Cache
	Elasticity ElasticityProvider
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger
}

// Engine produces per-item quantile forecasts. It holds no per-item state;
// concurrent calls for different items never contend.
type Engine struct {
	cfg     Config
	deps    Deps
	sampler *Sampler
	now     func() time.Time
}

// NewEngine creates a forecast engine.
func NewEngine(cfg Config, deps Deps) *Engine {
	if deps.Priors == nil {
		deps.Priors = priors.NewStore()
	}
	if deps.Imputer == nil {
		deps.Imputer = imputation.NewImputer(imputation.DefaultConfig(), imputation.NewStockoutDetector())
	}
	if cfg.MaxHorizon <= 0 {
		cfg.MaxHorizon = DefaultConfig().MaxHorizon
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Engine{
		cfg:     cfg,
		deps:    deps,
		sampler: NewSampler(cfg.Samples),
		now:     time.Now,
	}
}

// Input is everything one forecast needs, fetched up front.
type Input struct {
	Meta       api.ItemMeta
	History    []api.Observation
	Category   [][]api.Observation // peer histories for the seasonal fallback
	Promotions []api.PromotionPeriod
	Start      time.Time // first forecast date; zero means the day after the last observation
	Horizon    int
}

// Forecast returns one result per date over the horizon. Missing history,
// unknown items and source failures degrade to a cold-start forecast; only
// invalid arguments and context cancellation return an error.
func (e *Engine) Forecast(ctx context.Context, itemID string, horizonDays int) ([]api.ForecastResult, error) {
	if err := e.validate(itemID, horizonDays); err != nil {
		return nil, err
	}
	in := e.fetch(ctx, itemID)
	in.Horizon = horizonDays
	return e.Run(ctx, in)
}

// ForecastBatch forecasts several items in parallel.
func (e *Engine) ForecastBatch(ctx context.Context, itemIDs []string, horizonDays int) (map[string][]api.ForecastResult, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)

	var mu sync.Mutex
	out := make(map[string][]api.ForecastResult, len(itemIDs))
	for _, id := range itemIDs {
		g.Go(func() error {
			res, err := e.Forecast(ctx, id, horizonDays)
			if err != nil {
				return fmt.Errorf("forecast %s: %w", id, err)
			}
			mu.Lock()
			out[id] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) validate(itemID string, horizonDays int) error {
	if itemID == "" {
		return fmt.Errorf("%w: item_id is required", ErrInvalidRequest)
	}
	if horizonDays < 1 || horizonDays > e.cfg.MaxHorizon {
		return fmt.Errorf("%w: horizon_days must be in [1, %d], got %d", ErrInvalidRequest, e.cfg.MaxHorizon, horizonDays)
	}
	return nil
}

// fetch gathers all inputs for one item. Failures are logged and degrade to empty inputs.
func (e *Engine) fetch(ctx context.Context, itemID string) Input {
	log := e.deps.Logger.With().Str("item_id", itemID).Logger()
	in := Input{Meta: api.ItemMeta{ItemID: itemID}}
	if e.deps.Source == nil {
		return in
	}

	meta, err := e.deps.Source.Item(ctx, itemID)
	switch {
	case errors.Is(err, history.ErrUnknownItem):
		log.Debug().Msg("unknown item, forecasting from defaults")
	case err != nil:
		log.Warn().Err(err).Msg("item lookup failed, forecasting from defaults")
	default:
		in.Meta = meta
	}

	if in.History, err = e.deps.Source.History(ctx, itemID); err != nil {
		log.Warn().Err(err).Msg("history fetch failed")
		in.History = nil
	}
	if in.Promotions, err = e.deps.Source.Promotions(ctx, itemID); err != nil {
		log.Warn().Err(err).Msg("promotion fetch failed")
		in.Promotions = nil
	}

	if history.OpenDays(history.Densify(in.History)) < seasonality.MinItemDays && in.Meta.CategoryID != "" {
		peers, err := e.deps.Source.CategoryItems(ctx, in.Meta.CategoryID)
		if err != nil {
			log.Warn().Err(err).Msg("category members fetch failed")
		}
		for _, id := range peers {
			if id == itemID {
				continue
			}
			h, err := e.deps.Source.History(ctx, id)
			if err != nil {
				log.Warn().Err(err).Str("peer_id", id).Msg("peer history fetch failed")
				continue
			}
			in.Category = append(in.Category, h)
		}
	}
	return in
}

// Run is the pure forecasting core: impute, profile, fit, sample.
func (e *Engine) Run(ctx context.Context, in Input) ([]api.ForecastResult, error) {
	if err := e.validate(in.Meta.ItemID, in.Horizon); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	started := time.Now()
	itemID := in.Meta.ItemID
	ctx, span := otel.StartSpan(ctx, tracerName, "forecast.item", otel.ItemAttributes(itemID, in.Meta.CategoryID)...)
	defer span.End()
	span.SetAttributes(otel.AttrHorizonDays.Int(in.Horizon))

	dense := history.Densify(in.History)
	series := e.points(dense)

	var peers [][]seasonality.Point
	for _, h := range in.Category {
		peers = append(peers, e.points(history.Densify(h)))
	}
	profile := seasonality.EstimateWithFallback(itemID, series, seasonality.Aggregate(peers...))

	lookup := e.deps.Priors.Lookup(in.Meta.CategoryID, e.now())
	var post api.PosteriorState
	cacheHit := false
	if e.deps.Cache != nil {
		post, cacheHit = e.deps.Cache.Fit(itemID, lookup.Prior, series, profile)
	} else {
		post = bayes.Fit(itemID, lookup.Prior, series, profile)
	}
	post.PriorStale = lookup.Stale
	post.SnapshotVersion = lookup.SnapshotVersion
	confidence := bayes.Confidence(post.NObservations)

	span.SetAttributes(otel.PosteriorAttributes(string(post.Stage), string(post.PriorLevel),
		post.NObservations, post.PriorStale, cacheHit, post.SnapshotVersion)...)
	e.record(post, cacheHit)

	start := in.Start
	if start.IsZero() {
		start = api.Day(e.now())
		if len(dense) > 0 {
			start = dense[len(dense)-1].Date.AddDate(0, 0, 1)
		}
	}
	start = api.Day(start)

	elasticity, haveElasticity := e.promoElasticity(ctx, itemID, in.Promotions, start, in.Horizon)

	results := make([]api.ForecastResult, 0, in.Horizon)
	for i := 0; i < in.Horizon; i++ {
		date := start.AddDate(0, 0, i)
		dow := api.DayOfWeek(date)
		m := profile.Multiplier[dow]

		sum := e.sampler.Summarize(post, m, profile.Dispersion, Seed(e.cfg.Seed, itemID, date))

		var effect *PromoEffect
		if period, ok := activePromotion(in.Promotions, date); ok && haveElasticity {
			effect = &PromoEffect{Period: period, Elasticity: elasticity, Lift: Lift(elasticity, period.DiscountPct)}
			sum = ApplyPromotion(sum, effect.Lift)
			otel.AddEvent(span, "promo_applied", otel.AttrPromoApplied.Bool(true))
			if e.deps.Metrics != nil {
				e.deps.Metrics.PromoAdjustments.Inc()
			}
		}

		r := api.ForecastResult{
			ItemID:          itemID,
			ForecastDate:    date,
			Mean:            round2(sum.Mean),
			P10:             round2(sum.P10),
			P50:             round2(sum.P50),
			P90:             round2(sum.P90),
			P99:             round2(sum.P99),
			ConfidenceScore: round2(confidence),
			LogicTrigger:    Explain(m, post, effect),
			ModelName:       api.ModelName,
		}
		CheckInvariants(r)
		results = append(results, r)
	}

	if e.deps.Metrics != nil {
		e.deps.Metrics.ForecastLatency.Observe(time.Since(started).Seconds())
	}
	e.deps.Logger.Debug().
		Str("item_id", itemID).
		Str("stage", string(post.Stage)).
		Str("prior_level", string(post.PriorLevel)).
		Str("profile_source", profile.Source).
		Int("n_observations", post.NObservations).
		Bool("cache_hit", cacheHit).
		Msg("forecast produced")
	return results, nil
}

// points imputes dense history into the demand series the model consumes.
func (e *Engine) points(dense []api.Observation) []seasonality.Point {
	adj := e.deps.Imputer.Impute(dense)
	out := make([]seasonality.Point, len(adj))
	for i, a := range adj {
		out[i] = seasonality.Point{Date: a.Date, Value: a.AdjustedQuantity, Closed: a.Closed}
	}
	return out
}

// promoElasticity fetches an elasticity only when a promotion overlaps the horizon.
func (e *Engine) promoElasticity(ctx context.Context, itemID string, periods []api.PromotionPeriod, start time.Time, horizon int) (float64, bool) {
	active := false
	for i := 0; i < horizon && !active; i++ {
		_, active = activePromotion(periods, start.AddDate(0, 0, i))
	}
	if !active {
		return 0, false
	}
	if e.deps.Elasticity == nil {
		e.deps.Logger.Debug().Str("item_id", itemID).Msg("promotion active but no elasticity provider")
		return 0, false
	}

	est, err := e.deps.Elasticity.Current(ctx, itemID)
	if err != nil {
		e.deps.Logger.Warn().Err(err).Str("item_id", itemID).Msg("elasticity unavailable, promotion not applied")
		return 0, false
	}
	return est.Elasticity, true
}

func (e *Engine) record(post api.PosteriorState, cacheHit bool) {
	m := e.deps.Metrics
	if m == nil {
		return
	}
	m.ForecastsTotal.WithLabelValues(string(post.Stage)).Inc()
	if post.PriorStale {
		m.StalePriorFallbacks.Inc()
	}
	if e.deps.Cache != nil {
		if cacheHit {
			m.PosteriorCacheHits.Inc()
		} else {
			m.PosteriorCacheMiss.Inc()
		}
	}
}
