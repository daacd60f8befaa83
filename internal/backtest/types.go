// Package backtest validates the forecaster with a rolling-origin protocol
// and gates model changes on WAPE and interval coverage.
package backtest

import (
	"fmt"
	"strings"
	"time"
)

// DayResult is one held-out day of a fold.
type DayResult struct {
	Date   time.Time `json:"date"`
	Actual float64   `json:"actual"`
	P10    float64   `json:"p10"`
	P50    float64   `json:"p50"`
	P90    float64   `json:"p90"`
}

// Fold is one forecast origin: train on the WindowDays before Origin, predict
// the next horizon and score against the held-out actuals.
type Fold struct {
	Index      int         `json:"index"`
	WindowDays int         `json:"window_days"`
	TrainStart time.Time   `json:"train_start"`
	Origin     time.Time   `json:"origin"` // first forecast date
	Days       []DayResult `json:"days"`
	WAPE       float64     `json:"wape"`
	Coverage   float64     `json:"coverage"`
}

// WindowResult pools the folds of one training-window length.
type WindowResult struct {
	WindowDays int     `json:"window_days"`
	Folds      []Fold  `json:"folds"`
	WAPE       float64 `json:"wape"`
	Coverage   float64 `json:"coverage"`
	Skipped    bool    `json:"skipped"` // history too short for a single fold
}

// Decision is the outcome of the acceptance gates.
type Decision struct {
	Accepted bool     `json:"accepted"`
	Failures []string `json:"failures,omitempty"`
}

// Report is the full backtest of one item.
type Report struct {
	ItemID   string         `json:"item_id"`
	RanAt    time.Time      `json:"ran_at"`
	Horizon  int            `json:"horizon_days"`
	Windows  []WindowResult `json:"windows"`
	Decision Decision       `json:"decision"`
}

// Summary renders the report as plain text for the CLI.
func (r *Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Backtest %s (horizon %dd)\n", r.ItemID, r.Horizon)
	for _, w := range r.Windows {
		if w.Skipped {
			fmt.Fprintf(&b, "  window %3dd: skipped, not enough history\n", w.WindowDays)
			continue
		}
		fmt.Fprintf(&b, "  window %3dd: %d folds, WAPE %.1f%%, coverage %.1f%%\n",
			w.WindowDays, len(w.Folds), 100*w.WAPE, 100*w.Coverage)
		for _, f := range w.Folds {
			fmt.Fprintf(&b, "    fold %d  origin %s  WAPE %.1f%%  coverage %.1f%%\n",
				f.Index, f.Origin.Format(time.DateOnly), 100*f.WAPE, 100*f.Coverage)
		}
	}
	if r.Decision.Accepted {
		b.WriteString("ACCEPTED\n")
	} else {
		fmt.Fprintf(&b, "REJECTED: %s\n", strings.Join(r.Decision.Failures, ", "))
	}
	return b.String()
}
