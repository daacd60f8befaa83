// Package history supplies per-item daily observations and catalog membership.
package history

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/fractal-lba/demandcast/internal/api"
)

// ErrUnknownItem is returned when the catalog has no record of an item.
var ErrUnknownItem = errors.New("unknown item")

// Source is the ingestion layer's read interface.
type Source interface {
	// Item returns catalog metadata, or ErrUnknownItem.
	Item(ctx context.Context, itemID string) (api.ItemMeta, error)
	// History returns the item's observations sorted by date.
	History(ctx context.Context, itemID string) ([]api.Observation, error)
	// CategoryItems lists the items in a category.
	CategoryItems(ctx context.Context, categoryID string) ([]string, error)
	// Categories lists all known category ids.
	Categories(ctx context.Context) ([]string, error)
	// Items lists every item in the catalog.
	Items(ctx context.Context) ([]api.ItemMeta, error)
	// Promotions returns confirmed or planned promotion periods for an item.
	Promotions(ctx context.Context, itemID string) ([]api.PromotionPeriod, error)
}

// Densify sorts observations by date and fills calendar gaps between the first
// and last date with zero-sale days marked Filled. Duplicate dates are merged
// by summing quantities; the last non-zero price wins.
//
// A recorded day with no hours open and no sales is marked Closed, provided
// the series reports opening hours at all. Filled days are never Closed: a
// missing record says nothing about whether the business opened.
func Densify(obs []api.Observation) []api.Observation {
	if len(obs) == 0 {
		return nil
	}

	byDay := make(map[time.Time]api.Observation, len(obs))
	first, last := api.Day(obs[0].Date), api.Day(obs[0].Date)
	hoursReported := false
	for _, o := range obs {
		d := api.Day(o.Date)
		o.Date = d
		if prev, ok := byDay[d]; ok {
			o.Quantity += prev.Quantity
			o.StockoutFlag = o.StockoutFlag || prev.StockoutFlag
			o.PromoFlag = o.PromoFlag || prev.PromoFlag
			o.Filled = o.Filled && prev.Filled
			if o.Price == 0 {
				o.Price = prev.Price
			}
			if prev.HoursOpen > o.HoursOpen {
				o.HoursOpen = prev.HoursOpen
			}
		}
		byDay[d] = o
		if o.HoursOpen > 0 {
			hoursReported = true
		}
		if d.Before(first) {
			first = d
		}
		if d.After(last) {
			last = d
		}
	}

	itemID, categoryID := obs[0].ItemID, obs[0].CategoryID
	out := make([]api.Observation, 0, int(last.Sub(first).Hours()/24)+1)
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		o, ok := byDay[d]
		if !ok {
			o = api.Observation{Date: d, ItemID: itemID, CategoryID: categoryID, Filled: true}
		}
		o.Closed = hoursReported && !o.Filled && o.HoursOpen == 0 && o.Quantity == 0 && !o.StockoutFlag
		out = append(out, o)
	}
	return out
}

// OpenDays counts the days that are not Closed.
func OpenDays(days []api.Observation) int {
	n := 0
	for _, o := range days {
		if !o.Closed {
			n++
		}
	}
	return n
}

// Before returns the observations dated strictly before cutoff.
func Before(obs []api.Observation, cutoff time.Time) []api.Observation {
	c := api.Day(cutoff)
	i := slices.IndexFunc(obs, func(o api.Observation) bool { return !api.Day(o.Date).Before(c) })
	if i < 0 {
		return obs
	}
	return obs[:i]
}
