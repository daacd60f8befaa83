package forecast

import (
	"math"
	"time"

	"github.com/fractal-lba/demandcast/internal/api"
)

const (
	maxLift = 3.0
	minLift = 0.2
)

// PromoEffect is the lift applied to one forecast date.
type PromoEffect struct {
	Period     api.PromotionPeriod
	Elasticity float64
	Lift       float64
}

// Lift is the demand multiplier (1-discount)^elasticity, clamped to [0.2, 3].
func Lift(elasticity, discount float64) float64 {
	if discount <= 0 || discount >= 1 {
		return 1
	}
	l := math.Pow(1-discount, elasticity)
	if math.IsNaN(l) || math.IsInf(l, 0) {
		return 1
	}
	return math.Max(minLift, math.Min(maxLift, l))
}

// ApplyPromotion scales the mean and median by the lift and widens the band
// asymmetrically: the low quantile moves by half the lift, the high quantiles
// by one and a half times it.
func ApplyPromotion(s Summary, lift float64) Summary {
	a := 1 + (lift-1)*0.5
	b := 1 + (lift-1)*1.5
	lo, hi := math.Max(0, math.Min(a, b)), math.Max(0, math.Max(a, b))

	return Summary{
		Mean: s.Mean * lift,
		P10:  s.P10 * lo,
		P50:  s.P50 * lift,
		P90:  s.P90 * hi,
		P99:  s.P99 * hi,
	}
}

// activePromotion returns the highest-discount period covering date, if any.
func activePromotion(periods []api.PromotionPeriod, date time.Time) (api.PromotionPeriod, bool) {
	var best api.PromotionPeriod
	found := false
	for _, p := range periods {
		if !p.Covers(date) {
			continue
		}
		if !found || p.DiscountPct > best.DiscountPct {
			best, found = p, true
		}
	}
	return best, found
}
