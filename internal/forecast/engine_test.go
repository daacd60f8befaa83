package forecast

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fractal-lba/demandcast/internal/api"
	"github.com/fractal-lba/demandcast/internal/bayes"
	"github.com/fractal-lba/demandcast/internal/history"
	"github.com/fractal-lba/demandcast/internal/metrics"
	"github.com/fractal-lba/demandcast/internal/priors"
)

var (
	monday = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	today  = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
)

func newTestEngine(src history.Source, deps ...func(*Deps)) *Engine {
	d := Deps{Source: src, Logger: zerolog.Nop()}
	for _, f := range deps {
		f(&d)
	}
	e := NewEngine(DefaultConfig(), d)
	e.now = func() time.Time { return today }
	return e
}

func addHistory(src *history.MemorySource, item, cat string, qty []int) {
	src.AddItem(api.ItemMeta{ItemID: item, CategoryID: cat, BasePrice: 12})
	for i, q := range qty {
		src.AddObservations(api.Observation{
			Date: monday.AddDate(0, 0, i), ItemID: item, CategoryID: cat,
			Quantity: q, HoursOpen: 10, Price: 12,
		})
	}
}

func weekendPattern(days int) []int {
	out := make([]int, days)
	for i := range out {
		out[i] = 20
		if i%7 >= 5 {
			out[i] = 36
		}
	}
	return out
}

func assertValid(t *testing.T, results []api.ForecastResult) {
	t.Helper()
	for _, r := range results {
		assert.True(t, 0 <= r.P10 && r.P10 <= r.P50 && r.P50 <= r.P90 && r.P90 <= r.P99,
			"quantiles out of order on %s: %+v", r.ForecastDate, r)
		assert.GreaterOrEqual(t, r.Mean, 0.0)
		assert.Equal(t, api.ModelName, r.ModelName)
		assert.NotEmpty(t, r.LogicTrigger)
	}
}

func TestForecastColdStartNoHistory(t *testing.T) {
	e := newTestEngine(history.NewMemorySource())

	results, err := e.Forecast(context.Background(), "new-item", 7)
	require.NoError(t, err)
	require.Len(t, results, 7)
	assertValid(t, results)

	assert.Equal(t, api.Day(today), results[0].ForecastDate)
	for _, r := range results {
		assert.InDelta(t, 4.0, r.Mean, 0.2, "global prior mean is alpha/beta = 4")
		assert.Equal(t, 0.27, r.ConfidenceScore)
		assert.Equal(t, "Cold Start (Global Prior)", r.LogicTrigger)
	}
}

func TestForecastClosedSundays(t *testing.T) {
	src := history.NewMemorySource()
	src.AddItem(api.ItemMeta{ItemID: "bagel", CategoryID: "bakery", BasePrice: 3})
	for i := 0; i < 56; i++ {
		o := api.Observation{Date: monday.AddDate(0, 0, i), ItemID: "bagel", CategoryID: "bakery", Quantity: 10, HoursOpen: 8, Price: 3}
		if i%7 == 6 {
			o.Quantity, o.HoursOpen = 0, 0
		}
		src.AddObservations(o)
	}
	e := newTestEngine(src)

	results, err := e.Forecast(context.Background(), "bagel", 7)
	require.NoError(t, err)
	require.Len(t, results, 7)
	assertValid(t, results)

	for _, r := range results[:6] {
		assert.InDelta(t, 10.0, r.Mean, 0.5, "open day %s", r.ForecastDate)
	}
	sunday := results[6]
	assert.Equal(t, 6, api.DayOfWeek(sunday.ForecastDate))
	assert.Zero(t, sunday.Mean)
	assert.Zero(t, sunday.P99)
	assert.Equal(t, "Closed", sunday.LogicTrigger)
}

func TestForecastNilSource(t *testing.T) {
	e := newTestEngine(nil)
	results, err := e.Forecast(context.Background(), "anything", 3)
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

type failingSource struct{ history.Source }

func (failingSource) Item(context.Context, string) (api.ItemMeta, error) {
	return api.ItemMeta{}, errors.New("connection refused")
}
func (failingSource) History(context.Context, string) ([]api.Observation, error) {
	return nil, errors.New("connection refused")
}
func (failingSource) Promotions(context.Context, string) ([]api.PromotionPeriod, error) {
	return nil, errors.New("connection refused")
}

func TestForecastDegradesOnSourceFailure(t *testing.T) {
	e := newTestEngine(failingSource{})
	results, err := e.Forecast(context.Background(), "x", 7)
	require.NoError(t, err)
	require.Len(t, results, 7)
	assert.Contains(t, results[0].LogicTrigger, "Cold Start")
}

func TestForecastValidation(t *testing.T) {
	e := newTestEngine(history.NewMemorySource())

	for _, tc := range []struct {
		item    string
		horizon int
	}{{"", 7}, {"x", 0}, {"x", 91}} {
		_, err := e.Forecast(context.Background(), tc.item, tc.horizon)
		assert.ErrorIs(t, err, ErrInvalidRequest, "item=%q horizon=%d", tc.item, tc.horizon)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Forecast(ctx, "x", 7)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestForecastMatureWeekendItem(t *testing.T) {
	src := history.NewMemorySource()
	addHistory(src, "burger", "mains", weekendPattern(56))
	e := newTestEngine(src)

	results, err := e.Forecast(context.Background(), "burger", 7)
	require.NoError(t, err)
	require.Len(t, results, 7)
	assertValid(t, results)

	// history ends on Sunday 2024-02-25, so the horizon starts Monday
	assert.Equal(t, monday.AddDate(0, 0, 56), results[0].ForecastDate)

	weekday, saturday := results[0], results[5]
	assert.InDelta(t, 20, weekday.P50, 2.5)
	assert.InDelta(t, 36, saturday.P50, 4)
	assert.Greater(t, saturday.P90, weekday.P90)
	assert.True(t, strings.HasPrefix(saturday.LogicTrigger, "Seasonality 1.4"), saturday.LogicTrigger)
	assert.Greater(t, weekday.ConfidenceScore, 0.99)
}

func TestForecastReproducible(t *testing.T) {
	src := history.NewMemorySource()
	addHistory(src, "soup", "", weekendPattern(21))

	a, err := newTestEngine(src).Forecast(context.Background(), "soup", 7)
	require.NoError(t, err)
	b, err := newTestEngine(src).Forecast(context.Background(), "soup", 7)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestForecastUsesCategoryPrior(t *testing.T) {
	src := history.NewMemorySource()
	addHistory(src, "new-pizza", "pizza", []int{30, 28})

	store := priors.NewStore()
	store.Publish(&priors.Snapshot{
		Version:   1,
		ExpiresAt: today.Add(24 * time.Hour),
		Categories: map[string]api.HierarchicalPrior{
			"pizza": {Level: api.LevelCategory, Alpha: 125, Beta: 5, ScopeKey: "pizza"},
		},
	})
	e := newTestEngine(src, func(d *Deps) { d.Priors = store })

	results, err := e.Forecast(context.Background(), "new-pizza", 7)
	require.NoError(t, err)
	assertValid(t, results)

	assert.Equal(t, "Cold Start (Category Prior)", results[0].LogicTrigger)
	// (125 + 58) / (5 + 2), not the global 4/day
	assert.InDelta(t, 183.0/7, results[0].Mean, 1.0)
}

func TestForecastCategorySeasonalityFallback(t *testing.T) {
	src := history.NewMemorySource()
	addHistory(src, "veteran", "mains", weekendPattern(56))
	addHistory(src, "rookie", "mains", []int{20, 20, 20})

	results, err := newTestEngine(src).Forecast(context.Background(), "rookie", 7)
	require.NoError(t, err)

	// rookie's horizon starts on Thursday; Saturday is index 2
	sat := results[2]
	assert.Equal(t, 5, api.DayOfWeek(sat.ForecastDate))
	assert.Contains(t, sat.LogicTrigger, "Seasonality")
	assert.Greater(t, sat.P50, results[0].P50)
}

type fixedElasticity float64

func (f fixedElasticity) Current(context.Context, string) (api.ElasticityEstimate, error) {
	return api.ElasticityEstimate{Elasticity: float64(f), Method: api.MethodIndustryDefault}, nil
}

func TestForecastAppliesPromotion(t *testing.T) {
	src := history.NewMemorySource()
	addHistory(src, "wings", "apps", weekendPattern(28))
	promoDay := monday.AddDate(0, 0, 30)
	src.AddPromotion(api.PromotionPeriod{ItemID: "wings", StartDate: promoDay, EndDate: promoDay, DiscountPct: 0.2, DetectionMethod: "manual", Confidence: 1})

	plain, err := newTestEngine(src).Forecast(context.Background(), "wings", 7)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	promo, err := newTestEngine(src, func(d *Deps) {
		d.Elasticity = fixedElasticity(-1.5)
		d.Metrics = m
	}).Forecast(context.Background(), "wings", 7)
	require.NoError(t, err)
	assertValid(t, promo)

	lift := math.Pow(0.8, -1.5)
	assert.InDelta(t, plain[2].P50*lift, promo[2].P50, 0.05)
	assert.Contains(t, promo[2].LogicTrigger, "Promo -20%")
	assert.Equal(t, plain[1], promo[1], "days without a promotion are untouched")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PromoAdjustments))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ForecastsTotal.WithLabelValues(string(api.StageBlending))))
}

func TestForecastCacheAndMetrics(t *testing.T) {
	src := history.NewMemorySource()
	addHistory(src, "tea", "drinks", weekendPattern(35))
	cache, err := bayes.NewCache(32, time.Minute)
	require.NoError(t, err)
	m := metrics.New(prometheus.NewRegistry())

	e := newTestEngine(src, func(d *Deps) { d.Cache = cache; d.Metrics = m })
	first, err := e.Forecast(context.Background(), "tea", 7)
	require.NoError(t, err)
	second, err := e.Forecast(context.Background(), "tea", 7)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PosteriorCacheHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PosteriorCacheMiss))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StalePriorFallbacks), "no snapshot published")
}

func TestForecastBatch(t *testing.T) {
	src := history.NewMemorySource()
	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		addHistory(src, id, "mains", weekendPattern(14))
	}

	out, err := newTestEngine(src).ForecastBatch(context.Background(), ids, 7)
	require.NoError(t, err)
	assert.Len(t, out, len(ids))
	for _, id := range ids {
		assert.Len(t, out[id], 7)
	}

	_, err = newTestEngine(src).ForecastBatch(context.Background(), []string{"a", ""}, 7)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestForecastInvariantsOnRandomHistories(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	e := newTestEngine(nil)

	for trial := 0; trial < 20; trial++ {
		n := rng.IntN(90)
		obs := make([]api.Observation, n)
		for i := range obs {
			q := rng.IntN(40)
			if rng.Float64() < 0.2 {
				q = 0
			}
			obs[i] = api.Observation{Date: monday.AddDate(0, 0, i), ItemID: "r", Quantity: q, StockoutFlag: rng.Float64() < 0.05}
		}
		results, err := e.Run(context.Background(), Input{Meta: api.ItemMeta{ItemID: "r"}, History: obs, Horizon: 7})
		require.NoError(t, err)
		assertValid(t, results)
	}
}

func TestConfidenceNonDecreasingInHistory(t *testing.T) {
	e := newTestEngine(nil)
	qty := weekendPattern(60)

	prev := 0.0
	for n := 0; n <= 60; n += 5 {
		obs := make([]api.Observation, n)
		for i := range obs {
			obs[i] = api.Observation{Date: monday.AddDate(0, 0, i), ItemID: "c", Quantity: qty[i]}
		}
		res, err := e.Run(context.Background(), Input{Meta: api.ItemMeta{ItemID: "c"}, History: obs, Horizon: 1})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, res[0].ConfidenceScore, prev, "n=%d", n)
		prev = res[0].ConfidenceScore
	}
}
