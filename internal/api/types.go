package api

import (
	"fmt"
	"time"
)

// Global prior for the daily demand rate, used whenever no category prior is available.
const (
	GlobalPriorAlpha = 2.0
	GlobalPriorBeta  = 0.5
)

// ModelName is stamped on every forecast result.
const ModelName = "BayesianSeasonal_v1"

// Observation is one day of history for one item.
type Observation struct {
	Date         time.Time `json:"date"`
	ItemID       string    `json:"item_id"`
	CategoryID   string    `json:"category_id,omitempty"`
	Quantity     int       `json:"quantity"`
	StockoutFlag bool      `json:"stockout_flag"`
	PromoFlag    bool      `json:"promo_flag"`
	HoursOpen    float64   `json:"hours_open"`
	Price        float64   `json:"price"`

	// Set by history.Densify. Filled rows stand in for dates with no record;
	// Closed rows are recorded days the business did not open.
	Filled bool `json:"-"`
	Closed bool `json:"-"`
}

// Validate performs basic structural validation
func (o *Observation) Validate() error {
	if o.ItemID == "" {
		return fmt.Errorf("item_id is required")
	}
	if o.Date.IsZero() {
		return fmt.Errorf("date is required")
	}
	if o.Quantity < 0 {
		return fmt.Errorf("quantity must be non-negative, got %d", o.Quantity)
	}
	if o.HoursOpen < 0 || o.HoursOpen > 24 {
		return fmt.Errorf("hours_open must be in [0, 24], got %.2f", o.HoursOpen)
	}
	if o.Price < 0 {
		return fmt.Errorf("price must be non-negative, got %.2f", o.Price)
	}
	return nil
}

// DayOfWeek maps a date to 0=Monday .. 6=Sunday.
func DayOfWeek(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// Day truncates t to midnight UTC so dates compare by calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// SeasonalProfile holds day-of-week demand multipliers relative to the item's own mean.
// Multipliers are never renormalized to average 1.
type SeasonalProfile struct {
	ItemID      string     `json:"item_id"`
	Multiplier  [7]float64 `json:"multiplier"`
	SampleCount [7]int     `json:"sample_count"`
	// Dispersion is the coefficient of variation of day-level demand around
	// the seasonal mean; it sets the spread of the sampled multiplier.
	Dispersion float64 `json:"dispersion"`
	Source     string  `json:"source"` // item, category, flat
}

// PriorLevel identifies where a prior came from.
type PriorLevel string

const (
	LevelGlobal   PriorLevel = "global"
	LevelCategory PriorLevel = "category"
	LevelItem     PriorLevel = "item"
)

// HierarchicalPrior is a Gamma(shape=Alpha, rate=Beta) prior on the daily demand rate.
type HierarchicalPrior struct {
	Level    PriorLevel `json:"level"`
	Alpha    float64    `json:"alpha"`
	Beta     float64    `json:"beta"`
	ScopeKey string     `json:"scope_key"`
}

// Mean returns the prior expected daily rate.
func (p HierarchicalPrior) Mean() float64 {
	if p.Beta <= 0 {
		return 0
	}
	return p.Alpha / p.Beta
}

// GlobalPrior returns the fixed global prior.
func GlobalPrior() HierarchicalPrior {
	return HierarchicalPrior{
		Level:    LevelGlobal,
		Alpha:    GlobalPriorAlpha,
		Beta:     GlobalPriorBeta,
		ScopeKey: "global",
	}
}

// Stage is the data-maturity state of an item.
type Stage string

const (
	StageColdStart Stage = "cold_start" // fewer than 5 observations
	StageBlending  Stage = "blending"   // 5 to 29 observations
	StageMature    Stage = "mature"     // 30 or more
)

// StageFor classifies an observation count.
func StageFor(n int) Stage {
	switch {
	case n < 5:
		return StageColdStart
	case n < 30:
		return StageBlending
	default:
		return StageMature
	}
}

// PosteriorState is the Gamma posterior for an item's deseasonalized daily rate.
// It is derived per request and only ever cached.
type PosteriorState struct {
	ItemID          string     `json:"item_id"`
	AlphaPost       float64    `json:"alpha_post"`
	BetaPost        float64    `json:"beta_post"`
	NObservations   int        `json:"n_observations"`
	Stage           Stage      `json:"stage"`
	PriorLevel      PriorLevel `json:"prior_level"`
	PriorStale      bool       `json:"prior_stale"`
	SnapshotVersion int64      `json:"snapshot_version"`
}

// Mean returns the posterior expected base rate.
func (p PosteriorState) Mean() float64 {
	if p.BetaPost <= 0 {
		return 0
	}
	return p.AlphaPost / p.BetaPost
}

// ForecastResult is the quantile forecast for one item on one date.
type ForecastResult struct {
	ItemID          string    `json:"item_id"`
	ForecastDate    time.Time `json:"forecast_date"`
	Mean            float64   `json:"mean"`
	P10             float64   `json:"p10"`
	P50             float64   `json:"p50"`
	P90             float64   `json:"p90"`
	P99             float64   `json:"p99"`
	ConfidenceScore float64   `json:"confidence_score"`
	LogicTrigger    string    `json:"logic_trigger"`
	ModelName       string    `json:"model_name"`
}

// Elasticity estimation methods, one per waterfall tier.
const (
	MethodTwoStageLS      = "2sls"
	MethodBayesian        = "bayesian_category_prior"
	MethodCategoryPooled  = "category_pooled"
	MethodPriceTier       = "price_tier_average"
	MethodRestaurantAvg   = "restaurant_average"
	MethodIndustryDefault = "industry_default"
)

// ElasticityEstimate is the current price-elasticity estimate for an item.
// A recomputation supersedes the previous record.
type ElasticityEstimate struct {
	ItemID           string    `json:"item_id"`
	CategoryID       string    `json:"category_id,omitempty"`
	BasePrice        float64   `json:"base_price,omitempty"`
	Elasticity       float64   `json:"elasticity"`
	StdError         float64   `json:"std_error"`
	CILower          float64   `json:"ci_lower"`
	CIUpper          float64   `json:"ci_upper"`
	SampleSize       int       `json:"sample_size"`
	RSquared         float64   `json:"r_squared"`
	FStat            float64   `json:"f_stat"`
	IsWeakInstrument bool      `json:"is_weak_instrument"`
	Confidence       float64   `json:"confidence"`
	Method           string    `json:"method"`
	Source           string    `json:"source,omitempty"`
	ComputedAt       time.Time `json:"computed_at"`
}

// PromotionPeriod is a confirmed or detected promotional window.
type PromotionPeriod struct {
	ItemID          string    `json:"item_id"`
	StartDate       time.Time `json:"start_date"`
	EndDate         time.Time `json:"end_date"`
	DiscountPct     float64   `json:"discount_pct"` // fraction in [0, 1)
	DetectionMethod string    `json:"detection_method"`
	Confidence      float64   `json:"confidence"`
}

// Covers reports whether the period is active on the given date (inclusive).
func (p PromotionPeriod) Covers(t time.Time) bool {
	d := Day(t)
	return !d.Before(Day(p.StartDate)) && !d.After(Day(p.EndDate))
}

// ItemMeta carries category membership and catalog attributes.
type ItemMeta struct {
	ItemID       string  `json:"item_id"`
	Name         string  `json:"name,omitempty"`
	CategoryID   string  `json:"category_id,omitempty"`
	CategoryName string  `json:"category_name,omitempty"`
	BasePrice    float64 `json:"base_price,omitempty"`
}
