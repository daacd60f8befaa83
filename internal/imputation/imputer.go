// Package imputation corrects stockout-censored sales before they reach the model.
package imputation

import (
	"math"
	"slices"
	"time"

	"github.com/fractal-lba/demandcast/internal/api"
)

// Config controls stockout imputation.
type Config struct {
	LookbackDays          int     // same-weekday comparison window
	MinComparisons        int     // comparisons required before adjusting
	MinInferredConfidence float64 // inferred stockouts below this are ignored
}

// DefaultConfig returns the production imputation settings.
func DefaultConfig() Config {
	return Config{
		LookbackDays:          56,
		MinComparisons:        1,
		MinInferredConfidence: 0.6,
	}
}

// Adjusted is an observation with its demand estimate after imputation.
type Adjusted struct {
	api.Observation
	AdjustedQuantity float64 `json:"adjusted_quantity"`
	ImputedValue     float64 `json:"imputed_value,omitempty"`
	Imputed          bool    `json:"imputed"`
	Inferred         bool    `json:"inferred_stockout"`
}

// Imputer replaces censored counts with a same-weekday median.
type Imputer struct {
	cfg      Config
	detector *StockoutDetector
}

// NewImputer creates an imputer. A nil detector disables inferred stockouts.
func NewImputer(cfg Config, detector *StockoutDetector) *Imputer {
	return &Imputer{cfg: cfg, detector: detector}
}

// Impute returns one Adjusted per observation, in input order. Observations
// must be sorted by date. Adjusted quantity is never below the observed count.
// Closed days are never imputed and never serve as comparisons.
func (im *Imputer) Impute(days []api.Observation) []Adjusted {
	out := make([]Adjusted, len(days))
	censored := make([]bool, len(days))

	inferred := map[time.Time]bool{}
	if im.detector != nil {
		for _, s := range im.detector.Detect(days) {
			if s.Confidence >= im.cfg.MinInferredConfidence {
				inferred[api.Day(s.Date)] = true
			}
		}
	}

	for i, o := range days {
		out[i] = Adjusted{Observation: o, AdjustedQuantity: float64(o.Quantity)}
		if !o.StockoutFlag && inferred[api.Day(o.Date)] {
			out[i].Inferred = true
		}
		censored[i] = (o.StockoutFlag || out[i].Inferred) && !o.Closed
	}

	for i := range days {
		if !censored[i] {
			continue
		}
		comparisons := im.comparisons(days, censored, i)
		if len(comparisons) == 0 || len(comparisons) < im.cfg.MinComparisons {
			continue
		}
		med := median(comparisons)
		out[i].ImputedValue = med
		if med > out[i].AdjustedQuantity {
			out[i].AdjustedQuantity = med
			out[i].Imputed = true
		}
	}
	return out
}

// comparisons collects earlier uncensored same-weekday quantities inside the lookback window.
func (im *Imputer) comparisons(days []api.Observation, censored []bool, i int) []float64 {
	target := api.Day(days[i].Date)
	earliest := target.AddDate(0, 0, -im.cfg.LookbackDays)
	dow := api.DayOfWeek(target)

	var vals []float64
	for j := i - 1; j >= 0; j-- {
		d := api.Day(days[j].Date)
		if d.Before(earliest) {
			break
		}
		if censored[j] || days[j].Closed || api.DayOfWeek(d) != dow || !d.Before(target) {
			continue
		}
		vals = append(vals, float64(days[j].Quantity))
	}
	return vals
}

// Quantities extracts the adjusted demand series.
func Quantities(adj []Adjusted) []float64 {
	out := make([]float64, len(adj))
	for i, a := range adj {
		out[i] = a.AdjustedQuantity
	}
	return out
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
