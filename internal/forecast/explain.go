package forecast

import (
	"fmt"
	"math"
	"strings"

	"github.com/fractal-lba/demandcast/internal/api"
	"github.com/fractal-lba/demandcast/internal/seasonality"
)

// Explain builds the logic_trigger text, e.g.
// "Seasonality 1.80x, Blending (Category Prior, n=12), Promo -20% (lift 1.25x)".
// A weekday the business regularly closes reads "Closed".
func Explain(multiplier float64, post api.PosteriorState, promo *PromoEffect) string {
	if multiplier < seasonality.ClosedMultiplier {
		return "Closed"
	}

	var parts []string

	if math.Abs(multiplier-1) > 0.1 {
		parts = append(parts, fmt.Sprintf("Seasonality %.2fx", multiplier))
	}

	prior := "Global Prior"
	if post.PriorLevel == api.LevelCategory {
		prior = "Category Prior"
	}
	switch post.Stage {
	case api.StageColdStart:
		parts = append(parts, fmt.Sprintf("Cold Start (%s)", prior))
	case api.StageBlending:
		parts = append(parts, fmt.Sprintf("Blending (%s, n=%d)", prior, post.NObservations))
	}
	if post.PriorStale && post.SnapshotVersion > 0 {
		parts = append(parts, "Stale Prior")
	}

	if promo != nil {
		parts = append(parts, fmt.Sprintf("Promo -%.0f%% (lift %.2fx)", promo.Period.DiscountPct*100, promo.Lift))
	}

	if len(parts) == 0 {
		return "Normal"
	}
	return strings.Join(parts, ", ")
}
