package imputation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fractal-lba/demandcast/internal/api"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) // Monday

func dense(qty ...int) []api.Observation {
	out := make([]api.Observation, len(qty))
	for i, q := range qty {
		out[i] = api.Observation{Date: start.AddDate(0, 0, i), ItemID: "item", Quantity: q, HoursOpen: 10, Price: 9.5}
	}
	return out
}

func TestImputeUsesSameWeekdayMedian(t *testing.T) {
	// four weeks; Mondays sold 10, 12, 14, then a stockout Monday with 5 sold
	days := dense(
		10, 3, 3, 3, 3, 3, 3,
		12, 3, 3, 3, 3, 3, 3,
		14, 3, 3, 3, 3, 3, 3,
		5, 3,
	)
	days[21].StockoutFlag = true

	adj := NewImputer(DefaultConfig(), nil).Impute(days)
	require.Len(t, adj, len(days))

	assert.True(t, adj[21].Imputed)
	assert.Equal(t, 12.0, adj[21].AdjustedQuantity)
	assert.Equal(t, 12.0, adj[21].ImputedValue)
	assert.Equal(t, 3.0, adj[22].AdjustedQuantity)
}

func TestImputeNeverReducesObserved(t *testing.T) {
	days := dense(4, 1, 1, 1, 1, 1, 1, 30)
	days[7].StockoutFlag = true

	adj := NewImputer(DefaultConfig(), nil).Impute(days)

	assert.False(t, adj[7].Imputed)
	assert.Equal(t, 30.0, adj[7].AdjustedQuantity)
	assert.Equal(t, 4.0, adj[7].ImputedValue)
}

func TestImputeWithoutComparisons(t *testing.T) {
	days := dense(5, 3, 3)
	days[0].StockoutFlag = true

	adj := NewImputer(DefaultConfig(), nil).Impute(days)
	assert.False(t, adj[0].Imputed)
	assert.Equal(t, 5.0, adj[0].AdjustedQuantity)
}

func TestImputeSkipsCensoredComparisonsAndLookback(t *testing.T) {
	qty := make([]int, 71)
	for i := range qty {
		qty[i] = 2
	}
	qty[0] = 40 // Monday outside the 56-day window of day 70
	qty[63] = 1 // censored Monday, must not be a comparison
	qty[70] = 0
	days := dense(qty...)
	days[63].StockoutFlag = true
	days[70].StockoutFlag = true

	adj := NewImputer(DefaultConfig(), nil).Impute(days)
	assert.Equal(t, 2.0, adj[70].AdjustedQuantity)
	assert.True(t, adj[70].Imputed)
}

func TestImputeInferredStockouts(t *testing.T) {
	qty := []int{
		8, 8, 8, 8, 8, 8, 8,
		8, 8, 8, 8, 8, 8, 8,
		0, 8, 8, 8, 8, 8, 8,
	}
	days := dense(qty...)

	adj := NewImputer(DefaultConfig(), NewStockoutDetector()).Impute(days)
	assert.True(t, adj[14].Inferred)
	assert.True(t, adj[14].Imputed)
	assert.Equal(t, 8.0, adj[14].AdjustedQuantity)
}

func TestQuantities(t *testing.T) {
	adj := []Adjusted{{AdjustedQuantity: 1}, {AdjustedQuantity: 2.5}}
	assert.Equal(t, []float64{1, 2.5}, Quantities(adj))
}

func TestMedian(t *testing.T) {
	assert.Equal(t, 12.0, median([]float64{14, 10, 12}))
	assert.Equal(t, 11.0, median([]float64{14, 10, 12, 8}))
}

func TestClosedDaysAreNotStockouts(t *testing.T) {
	// fourteen days at 5 a day, closed every Sunday
	days := dense(5, 5, 5, 5, 5, 5, 0, 5, 5, 5, 5, 5, 5, 0)
	for _, i := range []int{6, 13} {
		days[i].HoursOpen = 0
		days[i].Closed = true
	}

	assert.Empty(t, NewStockoutDetector().Detect(days))

	days[13].StockoutFlag = true
	adj := NewImputer(DefaultConfig(), NewStockoutDetector()).Impute(days)
	for _, i := range []int{6, 13} {
		assert.False(t, adj[i].Imputed, "day %d", i)
		assert.False(t, adj[i].Inferred, "day %d", i)
		assert.Equal(t, 0.0, adj[i].AdjustedQuantity)
	}

	// the same zero-sale Sunday with the doors open is a stockout
	open := dense(5, 5, 5, 5, 5, 5, 0, 5, 5, 5, 5, 5, 5, 5)
	got := NewStockoutDetector().Detect(open)
	require.Len(t, got, 1)
	assert.Equal(t, open[6].Date, got[0].Date)
}
