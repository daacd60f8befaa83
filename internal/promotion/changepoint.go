package promotion

import (
	"math"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/fractal-lba/demandcast/internal/api"
)

// madScale makes the median absolute deviation a consistent sigma estimate under normality.
const madScale = 1.4826

// Config controls statistical promotion inference.
type Config struct {
	HuberK         float64 // Huber tuning constant
	MinCleanDays   int     // below this the baseline is the plain median
	SigmaThreshold float64 // run pre-filter: price below baseline - SigmaThreshold*sigma
	MinRunDays     int     // consecutive days required by the pre-filter
	MinPosterior   float64 // change-point posterior needed to accept a run
	SigmaFloor     float64 // sigma floor as a fraction of the baseline
}

// DefaultConfig returns production detection settings.
func DefaultConfig() Config {
	return Config{
		HuberK:         1.345,
		MinCleanDays:   10,
		SigmaThreshold: 2,
		MinRunDays:     3,
		MinPosterior:   0.5,
		SigmaFloor:     0.01,
	}
}

// Baseline is the robust non-promotional price level of an item.
type Baseline struct {
	Price     float64
	Sigma     float64
	CleanDays int
	Robust    bool // Huber estimate rather than median
}

// Detector infers promotion periods from daily prices.
type Detector struct {
	cfg    Config
	logger zerolog.Logger
}

// NewDetector creates a detector.
func NewDetector(cfg Config, logger zerolog.Logger) *Detector {
	return &Detector{cfg: cfg, logger: logger}
}

// InferPeriods returns the promotion periods for one item, ordered by start.
//
// Runs of explicitly flagged days become periods with confidence 1. For the
// remaining days, runs at least SigmaThreshold sigmas below the baseline
// price are candidates; a candidate is kept only if the change-point
// posterior that its mean differs from the baseline reaches MinPosterior.
func (d *Detector) InferPeriods(itemID string, days []api.Observation) []api.PromotionPeriod {
	priced := make([]api.Observation, 0, len(days))
	for _, o := range days {
		if o.Price > 0 {
			priced = append(priced, o)
		}
	}
	slices.SortFunc(priced, func(a, b api.Observation) int { return a.Date.Compare(b.Date) })

	base, ok := d.Baseline(priced)

	var periods []api.PromotionPeriod
	for _, run := range runs(priced, func(o api.Observation) bool { return o.PromoFlag }) {
		discount := 0.0
		if ok {
			discount = clamp((base.Price-meanPrice(run))/base.Price, 0, 0.99)
		}
		periods = append(periods, period(itemID, run, discount, MethodFlagged, 1.0))
	}
	if !ok {
		return periods
	}
	cut := base.Price - d.cfg.SigmaThreshold*base.Sigma
	candidates := runs(priced, func(o api.Observation) bool { return !o.PromoFlag && o.Price < cut })

	for _, run := range candidates {
		if len(run) < d.cfg.MinRunDays {
			continue
		}
		prices := make([]float64, len(run))
		for i, o := range run {
			prices[i] = o.Price
		}
		post := ChangepointPosterior(prices, base.Price, base.Sigma, len(priced))
		discount := clamp((base.Price-meanPrice(run))/base.Price, 0, 0.99)

		ev := d.logger.Debug().
			Str("item_id", itemID).
			Time("start", run[0].Date).
			Int("days", len(run)).
			Float64("baseline", base.Price).
			Float64("posterior", post)
		if post < d.cfg.MinPosterior {
			ev.Msg("price dip rejected by change-point test")
			continue
		}
		ev.Msg("promotion inferred")
		periods = append(periods, period(itemID, run, discount, MethodChangepoint, round3(post)))
	}

	slices.SortFunc(periods, func(a, b api.PromotionPeriod) int { return a.StartDate.Compare(b.StartDate) })
	return periods
}

// Baseline estimates the regular price from unflagged days.
func (d *Detector) Baseline(days []api.Observation) (Baseline, bool) {
	var clean []float64
	for _, o := range days {
		if !o.PromoFlag && o.Price > 0 {
			clean = append(clean, o.Price)
		}
	}
	if len(clean) == 0 {
		return Baseline{}, false
	}

	b := Baseline{CleanDays: len(clean), Price: median(clean)}
	if len(clean) >= d.cfg.MinCleanDays {
		b.Price = Huber(clean, d.cfg.HuberK)
		b.Robust = true
	}
	b.Sigma = math.Max(madScale*MAD(clean), d.cfg.SigmaFloor*b.Price)
	return b, true
}

// ChangepointPosterior is the posterior probability that a segment's mean
// shifted away from the baseline, from a BIC-penalized log Bayes factor of a
// segment-mean model (two extra parameters) against the baseline model. n is
// the length of the full series the segment was cut from.
func ChangepointPosterior(segment []float64, baseline, sigma float64, n int) float64 {
	if len(segment) == 0 || sigma <= 0 {
		return 0
	}
	mean := stat.Mean(segment, nil)
	var ssBase, ssSeg float64
	for _, x := range segment {
		ssBase += (x - baseline) * (x - baseline)
		ssSeg += (x - mean) * (x - mean)
	}
	n = max(n, len(segment))
	logBF := (ssBase-ssSeg)/(2*sigma*sigma) - 0.5*2*math.Log(float64(n))
	return 1 / (1 + math.Exp(-logBF))
}

// MarkPromotions returns a copy of days with PromoFlag set on every date a
// period for the same item (or for any item, when the period's ItemID is empty) covers.
func MarkPromotions(days []api.Observation, periods []api.PromotionPeriod) []api.Observation {
	out := slices.Clone(days)
	for i := range out {
		for _, p := range periods {
			if (p.ItemID == "" || p.ItemID == out[i].ItemID) && p.Covers(out[i].Date) {
				out[i].PromoFlag = true
				break
			}
		}
	}
	return out
}

// Huber is the Huber M-estimate of location, by iteratively reweighted means
// starting from the median with a MAD scale.
func Huber(x []float64, k float64) float64 {
	mu := median(x)
	s := madScale * MAD(x)
	if s == 0 {
		return mu
	}
	for iter := 0; iter < 50; iter++ {
		var num, den float64
		for _, v := range x {
			w := 1.0
			if r := math.Abs(v-mu) / s; r > k {
				w = k / r
			}
			num += w * v
			den += w
		}
		next := num / den
		if math.Abs(next-mu) < 1e-9*math.Max(1, math.Abs(mu)) {
			return next
		}
		mu = next
	}
	return mu
}

// MAD is the median absolute deviation from the median.
func MAD(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	m := median(x)
	dev := make([]float64, len(x))
	for i, v := range x {
		dev[i] = math.Abs(v - m)
	}
	return median(dev)
}

// runs splits consecutive calendar days matching pred into groups.
func runs(days []api.Observation, pred func(api.Observation) bool) [][]api.Observation {
	var out [][]api.Observation
	var cur []api.Observation
	var last time.Time
	for _, o := range days {
		if !pred(o) {
			if len(cur) > 0 {
				out = append(out, cur)
				cur = nil
			}
			continue
		}
		if len(cur) > 0 && !api.Day(o.Date).Equal(api.Day(last).AddDate(0, 0, 1)) {
			out = append(out, cur)
			cur = nil
		}
		cur = append(cur, o)
		last = o.Date
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

func period(itemID string, run []api.Observation, discount float64, method string, confidence float64) api.PromotionPeriod {
	return api.PromotionPeriod{
		ItemID:          itemID,
		StartDate:       api.Day(run[0].Date),
		EndDate:         api.Day(run[len(run)-1].Date),
		DiscountPct:     discount,
		DetectionMethod: method,
		Confidence:      confidence,
	}
}

func meanPrice(run []api.Observation) float64 {
	sum := 0.0
	for _, o := range run {
		sum += o.Price
	}
	return sum / float64(len(run))
}

func median(vals []float64) float64 {
	if len(vals) == 0 {
		return math.NaN()
	}
	s := slices.Clone(vals)
	slices.Sort(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}

func round3(x float64) float64 {
	return math.Round(x*1000) / 1000
}
