package imputation

import (
	"fmt"
	"time"

	"github.com/fractal-lba/demandcast/internal/api"
)

// StockoutDetector infers unflagged stockouts from velocity anomalies.
//
// High-velocity items are flagged on any zero-sale day. Medium-velocity items
// are flagged only inside a gap longer than GapMultiplier times the average
// gap between sale days. Low-velocity items are never flagged.
type StockoutDetector struct {
	HighVelocity   float64 // units/day
	LowVelocity    float64 // units/day
	GapMultiplier  float64
	VelocityWindow int // trailing days used for velocity
	MinActiveDays  int
}

// InferredStockout is a zero-sale day that was probably a stockout.
type InferredStockout struct {
	Date       time.Time `json:"date"`
	Confidence float64   `json:"confidence"`
	Reason     string    `json:"reason"`
}

// NewStockoutDetector returns a detector with production thresholds.
func NewStockoutDetector() *StockoutDetector {
	return &StockoutDetector{
		HighVelocity:   3.0,
		LowVelocity:    1.0,
		GapMultiplier:  3.0,
		VelocityWindow: 14,
		MinActiveDays:  7,
	}
}

// Detect scans dense, date-sorted history for unflagged zero-sale days.
// Closed days are not candidates.
func (d *StockoutDetector) Detect(days []api.Observation) []InferredStockout {
	if len(days) == 0 {
		return nil
	}

	window := days
	if len(days) > d.VelocityWindow {
		window = days[len(days)-d.VelocityWindow:]
	}
	v := Velocity(window)
	if v.ActiveDays < d.MinActiveDays || v.Velocity < d.LowVelocity {
		return nil
	}

	var saleDates []time.Time
	for _, o := range days {
		if o.Quantity > 0 {
			saleDates = append(saleDates, api.Day(o.Date))
		}
	}
	avgGap := averageGap(saleDates)

	var out []InferredStockout
	for _, o := range days {
		if o.Quantity > 0 || o.StockoutFlag || o.Closed {
			continue
		}
		day := api.Day(o.Date)

		if v.Velocity >= d.HighVelocity {
			out = append(out, InferredStockout{
				Date:       day,
				Confidence: 0.85,
				Reason:     fmt.Sprintf("zero sales for high-velocity item (%.1f/day)", v.Velocity),
			})
			continue
		}

		gap := gapAround(day, saleDates)
		if avgGap > 0 && float64(gap) > avgGap*d.GapMultiplier {
			out = append(out, InferredStockout{
				Date:       day,
				Confidence: 0.65,
				Reason:     fmt.Sprintf("gap of %dd exceeds %.0fx average %.1fd", gap, d.GapMultiplier, avgGap),
			})
		}
	}
	return out
}

// averageGap is the mean number of idle days between consecutive sale days.
func averageGap(saleDates []time.Time) float64 {
	if len(saleDates) < 2 {
		return 0
	}
	total := 0
	for i := 1; i < len(saleDates); i++ {
		total += daysBetween(saleDates[i-1], saleDates[i]) - 1
	}
	return float64(total) / float64(len(saleDates)-1)
}

// gapAround returns the length of the zero-sale run containing day, or 0 when
// day lies before the first sale or after the last one.
func gapAround(day time.Time, saleDates []time.Time) int {
	var prev, next time.Time
	for _, s := range saleDates {
		if s.Before(day) {
			prev = s
		} else if s.After(day) {
			next = s
			break
		}
	}
	if prev.IsZero() || next.IsZero() {
		return 0
	}
	return daysBetween(prev, next) - 1
}

func daysBetween(a, b time.Time) int {
	return int(b.Sub(a).Hours() / 24)
}
