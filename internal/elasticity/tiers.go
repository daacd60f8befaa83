package elasticity

import (
	"fmt"
	"math"
	"slices"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/fractal-lba/demandcast/internal/api"
	"github.com/fractal-lba/demandcast/internal/elasticity/regression"
)

// Tier data requirements and shrinkage strengths.
const (
	TwoStageMinRows   = 60
	TwoStageMinPrices = 3
	BayesMinDays      = 20
	BayesMinPrices    = 2
	BayesKappa        = 10.0
	PooledMinPeers    = 3
	PooledMinConf     = 0.4
	PooledKappa       = 5.0
	TierMinPeers      = 5
	TierMinConf       = 0.3
	TierPriceBand     = 0.2
	RestaurantMinPeer = 2
	RestaurantMinConf = 0.4
	RestaurantStdErr  = 0.6
)

const z95 = 1.96

// ItemContext is everything a tier may look at, fetched up front.
type ItemContext struct {
	Meta api.ItemMeta
	// Observations are daily rows sorted by date, promotion flags already merged.
	Observations []api.Observation
	// Peers are current estimates of other items.
	Peers []api.ElasticityEstimate
	Now   time.Time
}

// priced drops unpriced and closed days.
func (ic ItemContext) priced() []api.Observation {
	out := make([]api.Observation, 0, len(ic.Observations))
	for _, o := range ic.Observations {
		if o.Price > 0 && !o.Closed {
			out = append(out, o)
		}
	}
	return out
}

// basePrice is the catalog price, or the median observed price.
func (ic ItemContext) basePrice() float64 {
	if ic.Meta.BasePrice > 0 {
		return ic.Meta.BasePrice
	}
	var prices []float64
	for _, o := range ic.priced() {
		prices = append(prices, o.Price)
	}
	if len(prices) == 0 {
		return 0
	}
	slices.Sort(prices)
	mid := len(prices) / 2
	if len(prices)%2 == 1 {
		return prices[mid]
	}
	return (prices[mid-1] + prices[mid]) / 2
}

func distinctPrices(obs []api.Observation) int {
	seen := map[int64]bool{}
	for _, o := range obs {
		seen[int64(math.Round(o.Price*100))] = true
	}
	return len(seen)
}

// TwoStage is the item-level 2SLS estimate of log(Q+1) on log price,
// instrumented by log price 7 and 28 days earlier, with weekday, month,
// promotion and opening-hours controls.
func TwoStage(ic ItemContext) (api.ElasticityEstimate, bool) {
	priced := ic.priced()
	if distinctPrices(priced) < TwoStageMinPrices {
		return api.ElasticityEstimate{}, false
	}

	logPrice := make(map[time.Time]float64, len(priced))
	for _, o := range priced {
		logPrice[api.Day(o.Date)] = math.Log(o.Price)
	}

	var rows []api.Observation
	var lag7, lag28 []float64
	for _, o := range priced {
		d := api.Day(o.Date)
		l7, ok7 := logPrice[d.AddDate(0, 0, -7)]
		l28, ok28 := logPrice[d.AddDate(0, 0, -28)]
		if ok7 && ok28 {
			rows = append(rows, o)
			lag7 = append(lag7, l7)
			lag28 = append(lag28, l28)
		}
	}
	if len(rows) < TwoStageMinRows {
		return api.ElasticityEstimate{}, false
	}

	y, endog := logQuantities(rows), logPrices(rows)
	instruments := mat.NewDense(len(rows), 2, nil)
	for i := range rows {
		instruments.Set(i, 0, lag7[i])
		instruments.Set(i, 1, lag28[i])
	}

	iv, err := regression.TwoStageLS(y, endog, controls(rows, true), instruments)
	if err != nil {
		return api.ElasticityEstimate{}, false
	}
	coef, se := iv.Endogenous()

	est := api.ElasticityEstimate{
		Elasticity:       coef,
		StdError:         se,
		CILower:          coef - z95*se,
		CIUpper:          coef + z95*se,
		SampleSize:       len(rows),
		RSquared:         iv.R2,
		FStat:            iv.FirstStageF,
		IsWeakInstrument: iv.FirstStageF < WeakInstrumentF,
		Method:           api.MethodTwoStageLS,
	}
	est.Confidence = Confidence2SLS(est)
	return est, true
}

// Bayesian shrinks an OLS item estimate toward the category benchmark with
// weight n/(n+BayesKappa). It needs a known category.
func Bayesian(ic ItemContext) (api.ElasticityEstimate, bool) {
	prior, ok := categoryBenchmarkFor(ic)
	if !ok {
		return api.ElasticityEstimate{}, false
	}
	priced := ic.priced()
	n := len(priced)
	if n < BayesMinDays || distinctPrices(priced) < BayesMinPrices {
		return api.ElasticityEstimate{}, false
	}

	x := withColumn(controls(priced, false), logPrices(priced))
	fit, err := regression.OLS(logQuantities(priced), x)
	if err != nil {
		return api.ElasticityEstimate{}, false
	}
	_, k := x.Dims()
	local, localSE := fit.Coef[k-1], fit.StdErr[k-1]

	e, w := shrink(local, prior.Mean, n, BayesKappa)
	se := w*localSE + (1-w)*prior.Std
	conf := (math.Min(0.7, float64(n)/100)*w + 0.4*(1-w)) * plausibility(e)

	return api.ElasticityEstimate{
		Elasticity: e,
		StdError:   se,
		CILower:    e - z95*se,
		CIUpper:    e + z95*se,
		SampleSize: n,
		RSquared:   fit.R2,
		Confidence: conf,
		Method:     api.MethodBayesian,
		Source:     prior.Source,
	}, true
}

// CategoryPooled is the confidence-weighted mean of measured estimates in
// the same category, shrunk toward the item's literature prior.
func CategoryPooled(ic ItemContext) (api.ElasticityEstimate, bool) {
	if ic.Meta.CategoryID == "" {
		return api.ElasticityEstimate{}, false
	}
	peers := ic.peers(func(p api.ElasticityEstimate) bool {
		return p.CategoryID == ic.Meta.CategoryID && p.Confidence >= PooledMinConf
	})
	if len(peers) < PooledMinPeers {
		return api.ElasticityEstimate{}, false
	}

	parent := parentBenchmark(ic)
	mean, sd, size := pool(peers)
	e, w := shrink(mean, parent.Mean, len(peers), PooledKappa)
	se := w*sd + (1-w)*parent.Std

	return api.ElasticityEstimate{
		Elasticity: e,
		StdError:   se,
		CILower:    e - z95*se,
		CIUpper:    e + z95*se,
		SampleSize: size,
		Confidence: 0.45,
		Method:     api.MethodCategoryPooled,
		Source:     fmt.Sprintf("category %s, %d items", ic.Meta.CategoryID, len(peers)),
	}, true
}

// PriceTierAverage pools measured estimates of items priced within
// TierPriceBand of this one, shrunk toward the price-tier benchmark.
func PriceTierAverage(ic ItemContext) (api.ElasticityEstimate, bool) {
	price := ic.basePrice()
	tier, parent, ok := PriceTierBenchmark(price)
	if !ok {
		return api.ElasticityEstimate{}, false
	}
	lo, hi := price*(1-TierPriceBand), price*(1+TierPriceBand)
	peers := ic.peers(func(p api.ElasticityEstimate) bool {
		return p.BasePrice >= lo && p.BasePrice <= hi && p.Confidence >= TierMinConf
	})
	if len(peers) < TierMinPeers {
		return api.ElasticityEstimate{}, false
	}

	mean, sd, size := pool(peers)
	e, w := shrink(mean, parent.Mean, len(peers), PooledKappa)
	se := w*sd + (1-w)*parent.Std

	return api.ElasticityEstimate{
		Elasticity: e,
		StdError:   se,
		CILower:    e - z95*se,
		CIUpper:    e + z95*se,
		SampleSize: size,
		Confidence: 0.35,
		Method:     api.MethodPriceTier,
		Source:     fmt.Sprintf("price tier %s, %d items", tier, len(peers)),
	}, true
}

// RestaurantAverage is the confidence-weighted mean of all measured estimates.
func RestaurantAverage(ic ItemContext) (api.ElasticityEstimate, bool) {
	peers := ic.peers(func(p api.ElasticityEstimate) bool { return p.Confidence >= RestaurantMinConf })
	if len(peers) < RestaurantMinPeer {
		return api.ElasticityEstimate{}, false
	}
	mean, _, size := pool(peers)
	return api.ElasticityEstimate{
		Elasticity: mean,
		StdError:   RestaurantStdErr,
		CILower:    mean - z95*RestaurantStdErr,
		CIUpper:    mean + z95*RestaurantStdErr,
		SampleSize: size,
		Confidence: 0.2,
		Method:     api.MethodRestaurantAvg,
		Source:     fmt.Sprintf("%d items", len(peers)),
	}, true
}

// IndustryDefault always succeeds: the category benchmark, else the price
// tier benchmark, else the generic default.
func IndustryDefault(ic ItemContext) (api.ElasticityEstimate, bool) {
	b, conf := GenericBenchmark, 0.15
	if cb, ok := categoryBenchmarkFor(ic); ok {
		b, conf = cb, 0.25
	} else if _, tb, ok := PriceTierBenchmark(ic.basePrice()); ok {
		b, conf = tb, 0.20
	}
	return api.ElasticityEstimate{
		Elasticity: b.Mean,
		StdError:   b.Std,
		CILower:    b.Mean - z95*b.Std,
		CIUpper:    b.Mean + z95*b.Std,
		Confidence: conf,
		Method:     api.MethodIndustryDefault,
		Source:     b.Source,
	}, true
}

// peers returns other items' own-data estimates (2SLS or Bayesian) that match keep.
// Pooled and default estimates are excluded so fallbacks never feed each other.
func (ic ItemContext) peers(keep func(api.ElasticityEstimate) bool) []api.ElasticityEstimate {
	var out []api.ElasticityEstimate
	for _, p := range ic.Peers {
		if p.ItemID == ic.Meta.ItemID {
			continue
		}
		if ownData(p.Method) && keep(p) {
			out = append(out, p)
		}
	}
	return out
}

// pool returns the confidence-weighted mean, weighted standard deviation and total sample size.
func pool(peers []api.ElasticityEstimate) (mean, sd float64, size int) {
	var wsum float64
	for _, p := range peers {
		mean += p.Elasticity * p.Confidence
		wsum += p.Confidence
		size += p.SampleSize
	}
	mean /= wsum
	var v float64
	for _, p := range peers {
		v += p.Confidence * (p.Elasticity - mean) * (p.Elasticity - mean)
	}
	return mean, math.Sqrt(v / wsum), size
}

func logQuantities(obs []api.Observation) []float64 {
	out := make([]float64, len(obs))
	for i, o := range obs {
		out[i] = math.Log(float64(o.Quantity) + 1)
	}
	return out
}

func logPrices(obs []api.Observation) []float64 {
	out := make([]float64, len(obs))
	for i, o := range obs {
		out[i] = math.Log(o.Price)
	}
	return out
}

// controls builds the exogenous design: an intercept, weekday dummies, month
// dummies when withMonths is set, and promotion and opening-hours columns
// when they vary. Each dummy set drops its first observed level.
func controls(obs []api.Observation, withMonths bool) *mat.Dense {
	cols := [][]float64{}
	cols = append(cols, dummies(obs, func(o api.Observation) int { return api.DayOfWeek(o.Date) })...)
	if withMonths {
		cols = append(cols, dummies(obs, func(o api.Observation) int { return int(o.Date.Month()) })...)
	}

	promo := make([]float64, len(obs))
	hours := make([]float64, len(obs))
	for i, o := range obs {
		if o.PromoFlag {
			promo[i] = 1
		}
		hours[i] = o.HoursOpen
	}
	for _, c := range [][]float64{promo, hours} {
		if varies(c) {
			cols = append(cols, c)
		}
	}

	x := mat.NewDense(len(obs), len(cols)+1, nil)
	for i := range obs {
		x.Set(i, 0, 1)
		for j, c := range cols {
			x.Set(i, j+1, c[i])
		}
	}
	return x
}

func dummies(obs []api.Observation, level func(api.Observation) int) [][]float64 {
	var levels []int
	seen := map[int]bool{}
	for _, o := range obs {
		if l := level(o); !seen[l] {
			seen[l] = true
			levels = append(levels, l)
		}
	}
	slices.Sort(levels)
	if len(levels) < 2 {
		return nil
	}

	cols := make([][]float64, 0, len(levels)-1)
	for _, l := range levels[1:] {
		c := make([]float64, len(obs))
		for i, o := range obs {
			if level(o) == l {
				c[i] = 1
			}
		}
		cols = append(cols, c)
	}
	return cols
}

func varies(c []float64) bool {
	for _, v := range c {
		if v != c[0] {
			return true
		}
	}
	return false
}

func withColumn(x *mat.Dense, col []float64) *mat.Dense {
	n, k := x.Dims()
	out := mat.NewDense(n, k+1, nil)
	out.Slice(0, n, 0, k).(*mat.Dense).Copy(x)
	out.SetCol(k, col)
	return out
}
