package elasticity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fractal-lba/demandcast/internal/api"
	"github.com/fractal-lba/demandcast/internal/history"
	"github.com/fractal-lba/demandcast/internal/metrics"
	"github.com/fractal-lba/demandcast/internal/promotion"
	"github.com/fractal-lba/demandcast/internal/store"
)

type recordingPublisher struct {
	store.NopPublisher
	mu        sync.Mutex
	estimates []api.ElasticityEstimate
}

func (p *recordingPublisher) PublishEstimate(_ context.Context, est api.ElasticityEstimate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.estimates = append(p.estimates, est)
	return nil
}

type failingStore struct {
	*store.MemoryStore
}

func (failingStore) PutEstimate(context.Context, api.ElasticityEstimate) error {
	return errors.New("connection refused")
}

type fixture struct {
	svc       *Service
	src       *history.MemorySource
	estimates *store.MemoryStore
	pub       *recordingPublisher
	metrics   *metrics.Metrics
	now       time.Time
}

func newFixture(t *testing.T, mutate ...func(*Deps)) *fixture {
	t.Helper()
	f := &fixture{
		src:       history.NewMemorySource(),
		estimates: store.NewMemoryStore(),
		pub:       &recordingPublisher{},
		metrics:   metrics.New(prometheus.NewRegistry()),
		now:       start.AddDate(0, 0, 200),
	}
	deps := Deps{
		Source:    f.src,
		Estimates: f.estimates,
		Publisher: f.pub,
		Metrics:   f.metrics,
		Logger:    zerolog.Nop(),
	}
	for _, m := range mutate {
		m(&deps)
	}
	f.svc = NewService(DefaultServiceConfig(), deps)
	f.svc.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) addItem(meta api.ItemMeta, obs []api.Observation) {
	f.src.AddItem(meta)
	for i := range obs {
		obs[i].CategoryID = meta.CategoryID
	}
	f.src.AddObservations(obs...)
}

func TestServiceEstimateTwoStage(t *testing.T) {
	f := newFixture(t)
	f.addItem(api.ItemMeta{ItemID: "burger", CategoryID: "c-burg", CategoryName: "Burgers"},
		demand("burger", 200, blockPrices, -1.5, 0.05))

	est, err := f.svc.Estimate(context.Background(), "burger")
	require.NoError(t, err)
	assert.Equal(t, api.MethodTwoStageLS, est.Method)
	assert.InDelta(t, -1.5, est.Elasticity, 0.2)
	assert.Equal(t, 152, est.SampleSize, "180-day lookback minus 28 lag days")
	assert.Equal(t, "c-burg", est.CategoryID)
	assert.Equal(t, f.now, est.ComputedAt)

	stored, err := f.estimates.GetEstimate(context.Background(), "burger")
	require.NoError(t, err)
	assert.Equal(t, est, stored)
	require.Len(t, f.pub.estimates, 1)
	assert.Equal(t, est, f.pub.estimates[0])

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ElasticityEstimates.WithLabelValues(api.MethodTwoStageLS)))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.PromotionsDetected.WithLabelValues(promotion.MethodChangepoint)))
}

func TestServiceEstimateUnknownItem(t *testing.T) {
	f := newFixture(t)

	est, err := f.svc.Estimate(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, api.MethodIndustryDefault, est.Method)
	assert.Equal(t, GenericBenchmark.Mean, est.Elasticity)
	assert.Equal(t, 0.15, est.Confidence)
	assert.Equal(t, 5.0, testutil.ToFloat64(f.metrics.WaterfallFallbacks.WithLabelValues(TierTwoStage))+
		testutil.ToFloat64(f.metrics.WaterfallFallbacks.WithLabelValues(TierBayesian))+
		testutil.ToFloat64(f.metrics.WaterfallFallbacks.WithLabelValues(TierPooled))+
		testutil.ToFloat64(f.metrics.WaterfallFallbacks.WithLabelValues(TierPriceTier))+
		testutil.ToFloat64(f.metrics.WaterfallFallbacks.WithLabelValues(TierRestaurant)))
}

func TestServiceEstimateValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Estimate(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.svc.Estimate(ctx, "burger")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestServiceDetectsPromotions(t *testing.T) {
	f := newFixture(t)
	f.now = start.AddDate(0, 0, 40)
	obs := make([]api.Observation, 40)
	for i := range obs {
		p := []float64{10, 10.1, 9.9}[i%3]
		if i >= 20 && i <= 23 {
			p = 7
		}
		obs[i] = api.Observation{Date: start.AddDate(0, 0, i), ItemID: "wings", Quantity: 10, HoursOpen: 10, Price: p}
	}
	f.addItem(api.ItemMeta{ItemID: "wings", CategoryName: "Appetizers"}, obs)

	_, err := f.svc.Estimate(context.Background(), "wings")
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PromotionsDetected.WithLabelValues(promotion.MethodChangepoint)))
}

func TestServiceStoreFailureDegrades(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.Estimates = failingStore{store.NewMemoryStore()}
	})

	est, err := f.svc.Estimate(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, api.MethodIndustryDefault, est.Method)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StoreErrors.WithLabelValues("put_estimate")))
	assert.Len(t, f.pub.estimates, 1, "published even when the store write fails")
}

func TestServiceCurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	fresh := api.ElasticityEstimate{
		ItemID: "kept", Elasticity: -1.7, Confidence: 0.55,
		Method: api.MethodBayesian, ComputedAt: f.now.Add(-time.Hour),
	}
	require.NoError(t, f.estimates.PutEstimate(ctx, fresh))
	got, err := f.svc.Current(ctx, "kept")
	require.NoError(t, err)
	assert.Equal(t, fresh, got)
	assert.Empty(t, f.pub.estimates, "fresh estimate is not recomputed")

	stale := fresh
	stale.ItemID = "old"
	stale.ComputedAt = f.now.Add(-8 * 24 * time.Hour)
	require.NoError(t, f.estimates.PutEstimate(ctx, stale))
	got, err = f.svc.Current(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, api.MethodIndustryDefault, got.Method)
	assert.Equal(t, f.now, got.ComputedAt)

	got, err = f.svc.Current(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, api.MethodIndustryDefault, got.Method)
}

func TestServiceEstimateAllSecondPass(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"a1", "a2", "a3"} {
		f.addItem(api.ItemMeta{ItemID: id, CategoryID: "cat-7"}, demand(id, 200, blockPrices, -1.5, 0.05))
	}
	f.addItem(api.ItemMeta{ItemID: "0new", CategoryID: "cat-7"}, nil)

	all, err := f.svc.EstimateAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 4)

	assert.Equal(t, "0new", all[0].ItemID)
	assert.Equal(t, api.MethodCategoryPooled, all[0].Method, "re-estimated once peers exist")
	for _, est := range all[1:] {
		assert.Equal(t, api.MethodTwoStageLS, est.Method)
	}

	stored, err := f.estimates.ListEstimates(context.Background())
	require.NoError(t, err)
	assert.Len(t, stored, 4)
}
