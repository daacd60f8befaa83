package elasticity

import "strings"

// Benchmark is a literature prior on an elasticity: Normal(Mean, Std²).
type Benchmark struct {
	Mean   float64
	Std    float64
	Source string
}

// categoryBenchmarks are restaurant pricing meta-analysis priors keyed by
// normalized category name.
var categoryBenchmarks = map[string]Benchmark{
	"burgers":              {Mean: -1.2, Std: 0.4, Source: "Andreyeva et al. (2010)"},
	"sandwiches":           {Mean: -1.2, Std: 0.4, Source: "Andreyeva et al. (2010)"},
	"pizza":                {Mean: -1.5, Std: 0.5, Source: "Powell et al. (2013)"},
	"salads":               {Mean: -0.8, Std: 0.3, Source: "Elbel et al. (2013)"},
	"desserts":             {Mean: -0.9, Std: 0.4, Source: "Finkelstein et al. (2011)"},
	"beverages_alcohol":    {Mean: -1.6, Std: 0.6, Source: "Nelson (2013)"},
	"beverages_nonalcohol": {Mean: -1.1, Std: 0.4, Source: "Andreyeva et al. (2010)"},
	"entrees_upscale":      {Mean: -0.7, Std: 0.3, Source: "Okrent & Alston (2012)"},
	"entrees_casual":       {Mean: -1.3, Std: 0.5, Source: "Powell et al. (2013)"},
	"appetizers":           {Mean: -1.0, Std: 0.4, Source: "Generic QSR studies"},
}

// categoryOrder fixes the partial-match scan order.
var categoryOrder = []string{
	"burgers", "sandwiches", "pizza", "salads", "desserts", "beverages_alcohol",
	"beverages_nonalcohol", "entrees_upscale", "entrees_casual", "appetizers",
}

type priceTier struct {
	name string
	max  float64 // exclusive upper bound
	Benchmark
}

var priceTiers = []priceTier{
	{"budget", 8, Benchmark{Mean: -1.5, Std: 0.5, Source: "price tier budget (< 8)"}},
	{"moderate", 15, Benchmark{Mean: -1.2, Std: 0.4, Source: "price tier moderate (8-15)"}},
	{"premium", 25, Benchmark{Mean: -0.9, Std: 0.4, Source: "price tier premium (15-25)"}},
	{"luxury", 0, Benchmark{Mean: -0.6, Std: 0.3, Source: "price tier luxury (>= 25)"}},
}

// GenericBenchmark is used when neither category nor price is known.
var GenericBenchmark = Benchmark{Mean: -1.1, Std: 0.5, Source: "generic restaurant default"}

// CategoryBenchmark looks up a category by name: lowercased with spaces as
// underscores, matched exactly, then by containment in either direction.
func CategoryBenchmark(name string) (Benchmark, bool) {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
	if key == "" {
		return Benchmark{}, false
	}
	if b, ok := categoryBenchmarks[key]; ok {
		return b, true
	}
	for _, k := range categoryOrder {
		if strings.Contains(key, k) || strings.Contains(k, key) {
			return categoryBenchmarks[k], true
		}
	}
	return Benchmark{}, false
}

// PriceTierBenchmark returns the tier name and prior for a menu price.
func PriceTierBenchmark(price float64) (string, Benchmark, bool) {
	if price <= 0 {
		return "", Benchmark{}, false
	}
	for _, t := range priceTiers {
		if t.max == 0 || price < t.max {
			return t.name, t.Benchmark, true
		}
	}
	return "", Benchmark{}, false
}

// parentBenchmark is the most specific literature prior for an item.
func parentBenchmark(ic ItemContext) Benchmark {
	if b, ok := categoryBenchmarkFor(ic); ok {
		return b
	}
	if _, b, ok := PriceTierBenchmark(ic.basePrice()); ok {
		return b
	}
	return GenericBenchmark
}

func categoryBenchmarkFor(ic ItemContext) (Benchmark, bool) {
	if b, ok := CategoryBenchmark(ic.Meta.CategoryName); ok {
		return b, true
	}
	return CategoryBenchmark(ic.Meta.CategoryID)
}
