// Package elasticity estimates price elasticity of demand with a confidence-scored
// fallback waterfall, from item-level 2SLS down to industry benchmarks.
package elasticity

import (
	"github.com/fractal-lba/demandcast/internal/api"
)

// Tier is one waterfall step. Estimate reports false when its data
// requirements are not met; the waterfall also moves on when the returned
// confidence is below MinConfidence.
type Tier struct {
	Name          string
	MinConfidence float64
	Estimate      func(ItemContext) (api.ElasticityEstimate, bool)
}

// Waterfall is an ordered list of tiers tried until one is accepted.
type Waterfall []Tier

// Tier names, also used as metric labels.
const (
	TierTwoStage   = "2sls"
	TierBayesian   = "bayesian"
	TierPooled     = "category_pooled"
	TierPriceTier  = "price_tier"
	TierRestaurant = "restaurant_average"
	TierIndustry   = "industry_default"
)

// DefaultWaterfall returns the six production tiers.
func DefaultWaterfall() Waterfall {
	return Waterfall{
		{Name: TierTwoStage, MinConfidence: 0.6, Estimate: TwoStage},
		{Name: TierBayesian, MinConfidence: 0.5, Estimate: Bayesian},
		{Name: TierPooled, MinConfidence: 0.4, Estimate: CategoryPooled},
		{Name: TierPriceTier, MinConfidence: 0.3, Estimate: PriceTierAverage},
		{Name: TierRestaurant, Estimate: RestaurantAverage},
		{Name: TierIndustry, Estimate: IndustryDefault},
	}
}

// Outcome is the accepted estimate and the tiers passed over to reach it.
type Outcome struct {
	Estimate api.ElasticityEstimate
	Tier     string
	Skipped  []string
}

// Run folds over the tiers and returns the first accepted estimate, stamped
// with the item's identity. If every tier declines, IndustryDefault is used.
func (w Waterfall) Run(ic ItemContext) Outcome {
	var out Outcome
	for _, t := range w {
		est, ok := t.Estimate(ic)
		if ok && est.Confidence >= t.MinConfidence {
			out.Estimate, out.Tier = est, t.Name
			break
		}
		out.Skipped = append(out.Skipped, t.Name)
	}
	if out.Tier == "" {
		out.Estimate, _ = IndustryDefault(ic)
		out.Tier = TierIndustry
	}

	est := &out.Estimate
	est.ItemID = ic.Meta.ItemID
	est.CategoryID = ic.Meta.CategoryID
	est.BasePrice = ic.basePrice()
	est.ComputedAt = ic.Now
	est.Elasticity = round3(est.Elasticity)
	est.StdError = round3(est.StdError)
	est.CILower = round3(est.CILower)
	est.CIUpper = round3(est.CIUpper)
	est.RSquared = round3(est.RSquared)
	est.FStat = round3(est.FStat)
	est.Confidence = round3(est.Confidence)
	return out
}
