package elasticity

import (
	"math"

	"github.com/fractal-lba/demandcast/internal/api"
)

// WeakInstrumentF is the first-stage F below which instruments are flagged weak.
const WeakInstrumentF = 10.0

// Confidence2SLS scores a 2SLS estimate in [0, 1], starting at 1 and
// multiplying in each penalty that applies.
func Confidence2SLS(est api.ElasticityEstimate) float64 {
	score := 1.0

	switch {
	case est.SampleSize < 60:
		score *= 0.4
	case est.SampleSize < 90:
		score *= 0.7
	}
	if est.IsWeakInstrument {
		score *= 0.5
	}
	if est.CIUpper-est.CILower > 2.0 {
		score *= 0.6
	}
	if est.RSquared < 0.3 {
		score *= 0.7
	}
	score *= plausibility(est.Elasticity)

	return math.Max(0, math.Min(1, score))
}

// plausibility penalizes a wrong sign and implausibly large or small magnitudes.
func plausibility(e float64) float64 {
	switch {
	case e > 0:
		return 0.2
	case math.Abs(e) > 5:
		return 0.5
	case math.Abs(e) < 0.1:
		return 0.6
	default:
		return 1
	}
}

// shrink blends a local estimate toward its parent with weight n/(n+kappa).
func shrink(local, parent float64, n int, kappa float64) (value, weight float64) {
	weight = float64(n) / (float64(n) + kappa)
	return weight*local + (1-weight)*parent, weight
}

func round3(x float64) float64 {
	return math.Round(x*1000) / 1000
}
