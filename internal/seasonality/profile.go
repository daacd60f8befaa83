// Package seasonality estimates day-of-week demand multipliers.
package seasonality

import (
	"math"
	"slices"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/fractal-lba/demandcast/internal/api"
)

const (
	MinMultiplier = 0.3
	MaxMultiplier = 3.0

	// DefaultDispersion is the multiplier CV assumed before any history exists.
	DefaultDispersion = 0.25
	// dispersionPseudoDays weights DefaultDispersion against observed residual spread.
	dispersionPseudoDays = 7.0
	MinDispersion        = 0.05
	MaxDispersion        = 0.75

	// MinItemDays is the open-day count below which the category profile is used.
	MinItemDays = 14

	// ClosedMultiplier is the multiplier below which a weekday counts as closed.
	ClosedMultiplier = 0.01
	// minClosedWeeks closed samples, with no open ones, make a weekday a regular closing day.
	minClosedWeeks = 2
)

// Profile sources.
const (
	SourceItem     = "item"
	SourceCategory = "category"
	SourceFlat     = "flat"
)

// Point is one day of (imputed) demand. Closed days carry no demand signal.
type Point struct {
	Date   time.Time
	Value  float64
	Closed bool
}

// OpenDays counts the points that are not closed.
func OpenDays(series []Point) int {
	n := 0
	for _, pt := range series {
		if !pt.Closed {
			n++
		}
	}
	return n
}

// Flat returns a profile with every multiplier at 1.0.
func Flat(itemID string) api.SeasonalProfile {
	p := api.SeasonalProfile{
		ItemID:     itemID,
		Dispersion: DefaultDispersion,
		Source:     SourceFlat,
	}
	for d := range p.Multiplier {
		p.Multiplier[d] = 1.0
	}
	return p
}

// Estimate computes m_d = mean(dow=d) / mean(all) over open days, clipped to
// [0.3, 3.0] and shrunk toward 1.0 when a weekday has fewer than 8 samples.
// A weekday seen only closed, at least twice, gets a zero multiplier.
func Estimate(itemID string, series []Point) api.SeasonalProfile {
	p := Flat(itemID)
	p.Source = SourceItem

	var sums [7]float64
	var closed [7]int
	total := 0.0
	open := 0
	for _, pt := range series {
		d := api.DayOfWeek(pt.Date)
		if pt.Closed {
			closed[d]++
			continue
		}
		sums[d] += pt.Value
		p.SampleCount[d]++
		total += pt.Value
		open++
	}
	if open == 0 {
		p.Source = SourceFlat
		return p
	}
	overall := total / float64(open)
	if overall <= 0 {
		return p
	}

	for d := 0; d < 7; d++ {
		if p.SampleCount[d] == 0 && closed[d] >= minClosedWeeks {
			p.Multiplier[d] = 0
			continue
		}
		m := 1.0
		if p.SampleCount[d] > 0 {
			m = (sums[d] / float64(p.SampleCount[d])) / overall
		}
		p.Multiplier[d] = shrink(clip(m), p.SampleCount[d])
	}
	p.Dispersion = dispersion(series, p.Multiplier, overall)
	return p
}

// EstimateWithFallback uses the item's own history when it spans at least
// MinItemDays, the aggregated category series otherwise, and a flat profile
// when neither is long enough.
func EstimateWithFallback(itemID string, item, category []Point) api.SeasonalProfile {
	if OpenDays(item) >= MinItemDays {
		return Estimate(itemID, item)
	}
	if OpenDays(category) >= MinItemDays {
		p := Estimate(itemID, category)
		p.Source = SourceCategory
		return p
	}
	return Flat(itemID)
}

// Aggregate sums several item series by calendar day. A day is closed only
// when every series that has it is closed.
func Aggregate(series ...[]Point) []Point {
	type agg struct {
		value  float64
		closed bool
	}
	byDay := make(map[time.Time]agg)
	var order []time.Time
	for _, s := range series {
		for _, pt := range s {
			d := api.Day(pt.Date)
			a, ok := byDay[d]
			if !ok {
				order = append(order, d)
				a.closed = true
			}
			a.value += pt.Value
			a.closed = a.closed && pt.Closed
			byDay[d] = a
		}
	}
	slices.SortFunc(order, func(a, b time.Time) int { return a.Compare(b) })
	out := make([]Point, 0, len(order))
	for _, d := range order {
		out = append(out, Point{Date: d, Value: byDay[d].value, Closed: byDay[d].closed})
	}
	return out
}

func clip(m float64) float64 {
	return math.Max(MinMultiplier, math.Min(MaxMultiplier, m))
}

func shrink(m float64, count int) float64 {
	switch {
	case count < 4:
		return 0.7*m + 0.3
	case count < 8:
		return 0.85*m + 0.15
	default:
		return m
	}
}

// dispersion is the residual CV of value/(m_dow*mean), shrunk toward the default.
func dispersion(series []Point, mult [7]float64, overall float64) float64 {
	ratios := make([]float64, 0, len(series))
	for _, pt := range series {
		m := mult[api.DayOfWeek(pt.Date)]
		if pt.Closed || m < ClosedMultiplier {
			continue
		}
		ratios = append(ratios, pt.Value/(m*overall))
	}
	if len(ratios) < 2 {
		return DefaultDispersion
	}

	mean, variance := stat.PopMeanVariance(ratios, nil)
	observed := DefaultDispersion
	if mean > 0 {
		observed = math.Sqrt(variance) / mean
	}
	n := float64(len(ratios))
	c := (n*observed + dispersionPseudoDays*DefaultDispersion) / (n + dispersionPseudoDays)
	return math.Max(MinDispersion, math.Min(MaxDispersion, c))
}
