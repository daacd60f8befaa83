package imputation

import (
	"github.com/fractal-lba/demandcast/internal/api"
)

// VelocityStats summarizes how fast an item sells.
type VelocityStats struct {
	TotalUnits   int     `json:"total_units"`
	ActiveDays   int     `json:"active_days"`
	CalendarDays int     `json:"calendar_days"`
	Velocity     float64 `json:"velocity"` // units per active day
}

// Velocity divides total units by the number of days with non-zero sales.
// Dividing by calendar days would make sparse items look artificially slow.
func Velocity(days []api.Observation) VelocityStats {
	var s VelocityStats
	if len(days) == 0 {
		return s
	}

	first, last := api.Day(days[0].Date), api.Day(days[0].Date)
	for _, o := range days {
		d := api.Day(o.Date)
		if d.Before(first) {
			first = d
		}
		if d.After(last) {
			last = d
		}
		if o.Quantity > 0 {
			s.TotalUnits += o.Quantity
			s.ActiveDays++
		}
	}
	s.CalendarDays = int(last.Sub(first).Hours()/24) + 1

	if s.ActiveDays > 0 {
		s.Velocity = float64(s.TotalUnits) / float64(s.ActiveDays)
	}
	return s
}
