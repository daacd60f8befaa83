package backtest

import (
	"fmt"
	"math"
)

// Gates are the acceptance thresholds a model change must pass.
type Gates struct {
	MaxWAPE     map[int]float64 // by training-window length in days
	MinCoverage float64
	MaxCoverage float64
}

// DefaultGates returns the production thresholds.
func DefaultGates() Gates {
	return Gates{
		MaxWAPE:     map[int]float64{30: 0.25, 60: 0.18},
		MinCoverage: 0.85,
		MaxCoverage: 0.95,
	}
}

// Evaluate checks every evaluated window. A window without folds is neither
// a pass nor a failure, but at least one window must be evaluated.
func (g Gates) Evaluate(windows []WindowResult) Decision {
	var d Decision
	evaluated := 0
	for _, w := range windows {
		if w.Skipped {
			continue
		}
		evaluated++
		if limit, ok := g.MaxWAPE[w.WindowDays]; ok && w.WAPE > limit {
			d.Failures = append(d.Failures, fmt.Sprintf("wape_%dd", w.WindowDays))
		}
		if w.Coverage < g.MinCoverage || w.Coverage > g.MaxCoverage {
			d.Failures = append(d.Failures, fmt.Sprintf("coverage_%dd", w.WindowDays))
		}
	}
	if evaluated == 0 {
		d.Failures = append(d.Failures, "no_evaluated_window")
	}
	d.Accepted = len(d.Failures) == 0
	return d
}

// WAPE is Σ|actual−p50| / Σactual. With no actual demand it is 0 for a
// perfect zero forecast and 1 otherwise.
func WAPE(days []DayResult) float64 {
	var absErr, total float64
	for _, d := range days {
		absErr += math.Abs(d.Actual - d.P50)
		total += d.Actual
	}
	if total == 0 {
		if absErr == 0 {
			return 0
		}
		return 1
	}
	return absErr / total
}

// Coverage is the share of actuals inside [p10, p90].
func Coverage(days []DayResult) float64 {
	if len(days) == 0 {
		return 0
	}
	in := 0
	for _, d := range days {
		if d.Actual >= d.P10 && d.Actual <= d.P90 {
			in++
		}
	}
	return float64(in) / float64(len(days))
}
