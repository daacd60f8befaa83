// Package promotion flags promotional sales, line by line and from price history.
package promotion

import (
	"math"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/fractal-lba/demandcast/internal/api"
)

// Detection methods recorded on PromotionPeriod.DetectionMethod.
const (
	MethodExplicitDiscount = "explicit_discount"
	MethodNegativePrice    = "negative_price"
	MethodKeyword          = "keyword"
	MethodFlagged          = "flagged"
	MethodChangepoint      = "changepoint"
)

// Keywords that mark a line as promotional when they appear as whole words in the item name.
var Keywords = []string{
	"discount", "promo", "promotion", "comp", "void", "off", "coupon",
	"special", "deal", "happy hour", "sale", "clearance", "markdown", "reduced",
}

// TransactionLine is one raw POS row.
type TransactionLine struct {
	ItemID     string    `json:"item_id"`
	ItemName   string    `json:"item_name"`
	Date       time.Time `json:"date"`
	Quantity   float64   `json:"quantity"`
	UnitPrice  float64   `json:"unit_price"`
	TotalPrice float64   `json:"total_price"`
	Discount   float64   `json:"discount"`
}

// Detection is the verdict for one line.
type Detection struct {
	IsPromo    bool    `json:"is_promo"`
	Confidence float64 `json:"confidence"`
	Method     string  `json:"method,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

// DetectLine applies the line-level tiers in order: an explicit discount,
// then a negative price, then a name keyword.
func DetectLine(l TransactionLine) Detection {
	if l.Discount > 0 {
		return Detection{IsPromo: true, Confidence: 1.0, Method: MethodExplicitDiscount, Reason: "discount field set"}
	}
	if l.UnitPrice < 0 || l.TotalPrice < 0 {
		return Detection{IsPromo: true, Confidence: 1.0, Method: MethodNegativePrice, Reason: "negative price (comp or void)"}
	}
	if kw, ok := matchKeyword(l.ItemName); ok {
		return Detection{IsPromo: true, Confidence: 0.7, Method: MethodKeyword, Reason: "name contains " + `"` + kw + `"`}
	}
	return Detection{}
}

// matchKeyword matches whole words only, so "coffee" does not match "off".
func matchKeyword(name string) (string, bool) {
	words := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		return "", false
	}
	padded := " " + strings.Join(words, " ") + " "
	for _, kw := range Keywords {
		if strings.Contains(padded, " "+kw+" ") {
			return kw, true
		}
	}
	return "", false
}

// LinePeriods runs DetectLine over an item's POS lines and merges consecutive
// days holding at least one promotional line into periods. A period carries
// the method of its most confident line, and its discount is the discounted
// share of gross sales on those days. Lines for other items are ignored.
func LinePeriods(itemID string, lines []TransactionLine) []api.PromotionPeriod {
	type dayAgg struct {
		date     time.Time
		best     Detection
		discount float64
		gross    float64
	}
	byDay := map[time.Time]*dayAgg{}
	for _, l := range lines {
		if l.ItemID != itemID {
			continue
		}
		det := DetectLine(l)
		if !det.IsPromo {
			continue
		}
		d := api.Day(l.Date)
		agg, ok := byDay[d]
		if !ok {
			agg = &dayAgg{date: d}
			byDay[d] = agg
		}
		if det.Confidence > agg.best.Confidence {
			agg.best = det
		}
		agg.discount += math.Max(l.Discount, 0)
		agg.gross += math.Max(l.TotalPrice, 0) + math.Max(l.Discount, 0)
	}
	if len(byDay) == 0 {
		return nil
	}

	days := make([]*dayAgg, 0, len(byDay))
	for _, agg := range byDay {
		days = append(days, agg)
	}
	slices.SortFunc(days, func(a, b *dayAgg) int { return a.date.Compare(b.date) })

	var out []api.PromotionPeriod
	flush := func(run []*dayAgg) {
		best := run[0].best
		var discount, gross float64
		for _, agg := range run {
			if agg.best.Confidence > best.Confidence {
				best = agg.best
			}
			discount += agg.discount
			gross += agg.gross
		}
		pct := 0.0
		if gross > 0 {
			pct = clamp(discount/gross, 0, 0.99)
		}
		out = append(out, api.PromotionPeriod{
			ItemID:          itemID,
			StartDate:       run[0].date,
			EndDate:         run[len(run)-1].date,
			DiscountPct:     round3(pct),
			DetectionMethod: best.Method,
			Confidence:      best.Confidence,
		})
	}

	start := 0
	for i := 1; i <= len(days); i++ {
		if i == len(days) || !days[i].date.Equal(days[i-1].date.AddDate(0, 0, 1)) {
			flush(days[start:i])
			start = i
		}
	}
	return out
}
