package history

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fractal-lba/demandcast/internal/api"
)

var day0 = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

func TestDensifyFillsGapsAndMerges(t *testing.T) {
	obs := []api.Observation{
		{Date: day0.AddDate(0, 0, 3), ItemID: "a", CategoryID: "c", Quantity: 4, Price: 10},
		{Date: day0, ItemID: "a", CategoryID: "c", Quantity: 2, Price: 10},
		{Date: day0.Add(15 * time.Hour), ItemID: "a", CategoryID: "c", Quantity: 1, StockoutFlag: true},
	}

	got := Densify(obs)
	require.Len(t, got, 4)

	assert.Equal(t, 3, got[0].Quantity)
	assert.True(t, got[0].StockoutFlag)
	assert.Equal(t, 10.0, got[0].Price)
	assert.Equal(t, 0, got[1].Quantity)
	assert.Equal(t, "c", got[1].CategoryID)
	assert.Equal(t, day0.AddDate(0, 0, 2), got[2].Date)
	assert.Equal(t, 4, got[3].Quantity)
	assert.Nil(t, Densify(nil))
}

func TestDensifyMarksClosedDays(t *testing.T) {
	obs := []api.Observation{
		{Date: day0, ItemID: "a", Quantity: 5, HoursOpen: 10},
		{Date: day0.AddDate(0, 0, 1), ItemID: "a", Quantity: 0, HoursOpen: 0},
		{Date: day0.AddDate(0, 0, 2), ItemID: "a", Quantity: 0, HoursOpen: 10},
		{Date: day0.AddDate(0, 0, 4), ItemID: "a", Quantity: 3, HoursOpen: 0},
		{Date: day0.AddDate(0, 0, 5), ItemID: "a", Quantity: 0, HoursOpen: 0, StockoutFlag: true},
	}

	got := Densify(obs)
	require.Len(t, got, 6)

	closed := make([]bool, len(got))
	for i, o := range got {
		closed[i] = o.Closed
	}
	assert.Equal(t, []bool{false, true, false, false, false, false}, closed)
	assert.True(t, got[3].Filled, "gap row")
	assert.Equal(t, 5, OpenDays(got))

	again := Densify(got)
	assert.Equal(t, got, again, "densifying dense history is a no-op")

	// without any reported hours a zero-sale day is just a zero-sale day
	noHours := Densify([]api.Observation{
		{Date: day0, ItemID: "a", Quantity: 2},
		{Date: day0.AddDate(0, 0, 1), ItemID: "a"},
	})
	assert.False(t, noHours[1].Closed)
}

func TestBefore(t *testing.T) {
	obs := Densify([]api.Observation{
		{Date: day0, ItemID: "a", Quantity: 1},
		{Date: day0.AddDate(0, 0, 4), ItemID: "a", Quantity: 1},
	})

	assert.Len(t, Before(obs, day0.AddDate(0, 0, 2)), 2)
	assert.Len(t, Before(obs, day0), 0)
	assert.Len(t, Before(obs, day0.AddDate(0, 1, 0)), 5)
}

func TestMemorySource(t *testing.T) {
	ctx := context.Background()
	src := NewMemorySource()
	src.AddItem(api.ItemMeta{ItemID: "fries", CategoryID: "sides", BasePrice: 4.5})
	src.AddObservations(
		api.Observation{Date: day0.AddDate(0, 0, 1), ItemID: "fries", Quantity: 7},
		api.Observation{Date: day0, ItemID: "fries", Quantity: 5},
		api.Observation{Date: day0, ItemID: "soda", CategoryID: "drinks", Quantity: 9},
	)
	src.AddPromotion(api.PromotionPeriod{ItemID: "fries", StartDate: day0, EndDate: day0, DiscountPct: 0.2})

	hist, err := src.History(ctx, "fries")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, 5, hist[0].Quantity)

	meta, err := src.Item(ctx, "soda")
	require.NoError(t, err)
	assert.Equal(t, "drinks", meta.CategoryID)

	_, err = src.Item(ctx, "missing")
	assert.True(t, errors.Is(err, ErrUnknownItem))

	cats, err := src.Categories(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"drinks", "sides"}, cats)

	ids, err := src.CategoryItems(ctx, "sides")
	require.NoError(t, err)
	assert.Equal(t, []string{"fries"}, ids)

	items, err := src.Items(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	promos, err := src.Promotions(ctx, "fries")
	require.NoError(t, err)
	assert.Len(t, promos, 1)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	data := `{
		"items": [{"item_id": "pizza", "category_id": "mains", "category_name": "Pizza", "base_price": 14}],
		"observations": [
			{"date": "2024-03-04T00:00:00Z", "item_id": "pizza", "quantity": 11, "hours_open": 10, "price": 14},
			{"date": "2024-03-05T00:00:00Z", "item_id": "pizza", "quantity": 9, "hours_open": 10, "price": 14}
		]
	}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	src, err := LoadFile(path)
	require.NoError(t, err)

	hist, err := src.History(context.Background(), "pizza")
	require.NoError(t, err)
	assert.Len(t, hist, 2)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"observations": [{"date": "2024-03-04T00:00:00Z", "item_id": "x", "quantity": -1}]}`), 0o600))
	_, err = LoadFile(bad)
	assert.Error(t, err)
}
