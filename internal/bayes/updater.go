// Package bayes fits the Poisson-Gamma posterior for an item's base demand rate.
package bayes

import (
	"math"

	"github.com/fractal-lba/demandcast/internal/api"
	"github.com/fractal-lba/demandcast/internal/seasonality"
)

// Fit deseasonalizes the adjusted series and applies the conjugate update
//
//	alpha_post = alpha_prior + sum(y / M_dow)
//	beta_post  = beta_prior + n
//
// at every maturity stage. With few observations the prior dominates the
// posterior; with many, the data does. Closed days, and days whose weekday
// multiplier is below seasonality.ClosedMultiplier, are skipped rather than
// counted as zero demand.
func Fit(itemID string, prior api.HierarchicalPrior, series []seasonality.Point, profile api.SeasonalProfile) api.PosteriorState {
	sum := 0.0
	n := 0
	for _, pt := range series {
		m := profile.Multiplier[api.DayOfWeek(pt.Date)]
		if pt.Closed || m < seasonality.ClosedMultiplier {
			continue
		}
		sum += pt.Value / m
		n++
	}

	return api.PosteriorState{
		ItemID:        itemID,
		AlphaPost:     prior.Alpha + sum,
		BetaPost:      prior.Beta + float64(n),
		NObservations: n,
		Stage:         api.StageFor(n),
		PriorLevel:    prior.Level,
	}
}

// Confidence maps an observation count to (0, 1): about 0.27 with no data,
// 0.5 at five observations, above 0.99 past thirty.
func Confidence(n int) float64 {
	return 1 / (1 + math.Exp(-(float64(n)-5)/5))
}
