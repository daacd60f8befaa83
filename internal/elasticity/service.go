package elasticity

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/fractal-lba/demandcast/internal/api"
	"github.com/fractal-lba/demandcast/internal/history"
	"github.com/fractal-lba/demandcast/internal/metrics"
	"github.com/fractal-lba/demandcast/internal/promotion"
	"github.com/fractal-lba/demandcast/internal/store"
	"github.com/fractal-lba/demandcast/pkg/otel"
)

const tracerName = "demandcast/elasticity"

// ErrInvalidRequest is returned for an empty item id.
var ErrInvalidRequest = errors.New("invalid elasticity request")

// ServiceConfig controls estimation.
type ServiceConfig struct {
	LookbackDays int           // history window fed to the waterfall
	MaxAge       time.Duration // stored estimates older than this are recomputed by Current
}

// DefaultServiceConfig returns production settings.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		LookbackDays: 180,
		MaxAge:       7 * 24 * time.Hour,
	}
}

// Deps are the service's collaborators. Publisher and Metrics are optional.
type Deps struct {
	Source    history.Source
	Detector  *promotion.Detector
	Estimates store.EstimateStore
	Publisher store.Publisher
	Waterfall Waterfall
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

// Service computes, stores and publishes elasticity estimates.
type Service struct {
	cfg  ServiceConfig
	deps Deps
	now  func() time.Time
}

// NewService creates an elasticity service.
func NewService(cfg ServiceConfig, deps Deps) *Service {
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = DefaultServiceConfig().LookbackDays
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultServiceConfig().MaxAge
	}
	if deps.Detector == nil {
		deps.Detector = promotion.NewDetector(promotion.DefaultConfig(), deps.Logger)
	}
	if deps.Estimates == nil {
		deps.Estimates = store.NewMemoryStore()
	}
	if deps.Publisher == nil {
		deps.Publisher = store.NopPublisher{}
	}
	if len(deps.Waterfall) == 0 {
		deps.Waterfall = DefaultWaterfall()
	}
	return &Service{cfg: cfg, deps: deps, now: time.Now}
}

// Estimate runs the waterfall for one item and supersedes its stored
// estimate. Missing data degrades down the waterfall; only an invalid id and
// context cancellation return an error.
func (s *Service) Estimate(ctx context.Context, itemID string) (api.ElasticityEstimate, error) {
	if itemID == "" {
		return api.ElasticityEstimate{}, fmt.Errorf("%w: item_id is required", ErrInvalidRequest)
	}
	if err := ctx.Err(); err != nil {
		return api.ElasticityEstimate{}, err
	}

	started := time.Now()
	ic := s.itemContext(ctx, itemID)

	ctx, span := otel.StartSpan(ctx, tracerName, "elasticity.item", otel.ItemAttributes(itemID, ic.Meta.CategoryID)...)
	defer span.End()

	out := s.deps.Waterfall.Run(ic)
	tierIndex := slices.IndexFunc(s.deps.Waterfall, func(t Tier) bool { return t.Name == out.Tier })
	span.SetAttributes(otel.ElasticityAttributes(out.Estimate.Method, tierIndex+1, out.Estimate.Confidence)...)

	if m := s.deps.Metrics; m != nil {
		m.ElasticityEstimates.WithLabelValues(out.Estimate.Method).Inc()
		for _, t := range out.Skipped {
			m.WaterfallFallbacks.WithLabelValues(t).Inc()
		}
		m.ElasticityLatency.Observe(time.Since(started).Seconds())
	}

	if err := s.deps.Estimates.PutEstimate(ctx, out.Estimate); err != nil {
		otel.RecordError(span, err, "store estimate")
		s.storeError("put_estimate", itemID, err)
	}
	if err := s.deps.Publisher.PublishEstimate(ctx, out.Estimate); err != nil {
		s.storeError("publish_estimate", itemID, err)
	}

	s.deps.Logger.Debug().
		Str("item_id", itemID).
		Str("method", out.Estimate.Method).
		Float64("elasticity", out.Estimate.Elasticity).
		Float64("confidence", out.Estimate.Confidence).
		Strs("skipped", out.Skipped).
		Int("days", len(ic.Observations)).
		Msg("elasticity estimated")
	return out.Estimate, nil
}

// Current returns the stored estimate while it is fresh and recomputes it otherwise.
func (s *Service) Current(ctx context.Context, itemID string) (api.ElasticityEstimate, error) {
	est, err := s.deps.Estimates.GetEstimate(ctx, itemID)
	switch {
	case err == nil && s.now().Sub(est.ComputedAt) <= s.cfg.MaxAge:
		return est, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		s.storeError("get_estimate", itemID, err)
	}
	return s.Estimate(ctx, itemID)
}

// EstimateAll estimates every catalog item. Items that landed on a pooled or
// default tier are estimated a second time so they see the own-data
// estimates produced later in the first pass.
func (s *Service) EstimateAll(ctx context.Context) ([]api.ElasticityEstimate, error) {
	items, err := s.deps.Source.Items(ctx)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}

	out := make([]api.ElasticityEstimate, len(items))
	for i, it := range items {
		if out[i], err = s.Estimate(ctx, it.ItemID); err != nil {
			return nil, err
		}
	}
	for i, it := range items {
		if ownData(out[i].Method) {
			continue
		}
		if out[i], err = s.Estimate(ctx, it.ItemID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// itemContext gathers catalog data, recent history with promotion flags,
// and peer estimates. Fetch failures are logged and degrade to empty inputs.
func (s *Service) itemContext(ctx context.Context, itemID string) ItemContext {
	log := s.deps.Logger.With().Str("item_id", itemID).Logger()
	now := s.now()
	ic := ItemContext{Meta: api.ItemMeta{ItemID: itemID}, Now: now}

	if s.deps.Source != nil {
		meta, err := s.deps.Source.Item(ctx, itemID)
		switch {
		case errors.Is(err, history.ErrUnknownItem):
			log.Debug().Msg("unknown item, estimating from benchmarks")
		case err != nil:
			log.Warn().Err(err).Msg("item lookup failed")
		default:
			ic.Meta = meta
		}

		obs, err := s.deps.Source.History(ctx, itemID)
		if err != nil {
			log.Warn().Err(err).Msg("history fetch failed")
		}
		dense := history.Densify(obs)
		cutoff := api.Day(now).AddDate(0, 0, -s.cfg.LookbackDays)
		i := slices.IndexFunc(dense, func(o api.Observation) bool { return !o.Date.Before(cutoff) })
		if i >= 0 {
			ic.Observations = s.markPromotions(ctx, itemID, dense[i:])
		}
	}

	peers, err := s.deps.Estimates.ListEstimates(ctx)
	if err != nil {
		s.storeError("list_estimates", itemID, err)
	}
	ic.Peers = peers
	return ic
}

// markPromotions merges confirmed promotions with periods inferred from the
// price series and flags the covered days.
func (s *Service) markPromotions(ctx context.Context, itemID string, days []api.Observation) []api.Observation {
	periods, err := s.deps.Source.Promotions(ctx, itemID)
	if err != nil {
		s.deps.Logger.Warn().Err(err).Str("item_id", itemID).Msg("promotion fetch failed")
		periods = nil
	}
	detected := s.deps.Detector.InferPeriods(itemID, days)
	if m := s.deps.Metrics; m != nil {
		for _, p := range detected {
			m.PromotionsDetected.WithLabelValues(p.DetectionMethod).Inc()
		}
	}
	return promotion.MarkPromotions(days, append(periods, detected...))
}

func (s *Service) storeError(op, itemID string, err error) {
	s.deps.Logger.Error().Err(err).Str("item_id", itemID).Str("op", op).Msg("elasticity store failure")
	if s.deps.Metrics != nil {
		s.deps.Metrics.StoreErrors.WithLabelValues(op).Inc()
	}
}

func ownData(method string) bool {
	return method == api.MethodTwoStageLS || method == api.MethodBayesian
}
