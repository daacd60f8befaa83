package forecast

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/fractal-lba/demandcast/internal/api"
)

func TestLift(t *testing.T) {
	tests := []struct {
		name       string
		elasticity float64
		discount   float64
		want       float64
	}{
		{"typical", -1.5, 0.2, math.Pow(0.8, -1.5)},
		{"no discount", -1.5, 0, 1},
		{"capped", -5, 0.5, maxLift},
		{"wrong sign floors", 4, 0.7, math.Max(minLift, math.Pow(0.3, 4))},
		{"invalid discount", -1, 1.2, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Lift(tt.elasticity, tt.discount); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Lift(%.1f, %.2f) = %.4f, want %.4f", tt.elasticity, tt.discount, got, tt.want)
			}
		})
	}
}

func TestApplyPromotionKeepsOrder(t *testing.T) {
	base := Summary{Mean: 10, P10: 5, P50: 9, P90: 16, P99: 24}

	for _, lift := range []float64{0.2, 0.6, 1, 1.4, 3} {
		s := ApplyPromotion(base, lift)
		if !(0 <= s.P10 && s.P10 <= s.P50 && s.P50 <= s.P90 && s.P90 <= s.P99) {
			t.Errorf("lift %.1f: quantiles out of order: %+v", lift, s)
		}
		if math.Abs(s.P50-base.P50*lift) > 1e-9 {
			t.Errorf("lift %.1f: P50 = %.3f, want %.3f", lift, s.P50, base.P50*lift)
		}
	}

	s := ApplyPromotion(base, 1.4)
	if math.Abs(s.P10-6) > 1e-9 || math.Abs(s.P90-25.6) > 1e-9 {
		t.Errorf("asymmetric widening wrong: %+v", s)
	}
}

func TestActivePromotion(t *testing.T) {
	d := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)
	periods := []api.PromotionPeriod{
		{StartDate: d, EndDate: d.AddDate(0, 0, 3), DiscountPct: 0.1},
		{StartDate: d.AddDate(0, 0, 2), EndDate: d.AddDate(0, 0, 2), DiscountPct: 0.3},
	}

	if p, ok := activePromotion(periods, d.AddDate(0, 0, 2)); !ok || p.DiscountPct != 0.3 {
		t.Errorf("overlap: got %+v %v, want the 30%% period", p, ok)
	}
	if _, ok := activePromotion(periods, d.AddDate(0, 0, 4)); ok {
		t.Error("no period covers day 4")
	}
}

func TestCheckInvariants(t *testing.T) {
	good := api.ForecastResult{ItemID: "x", Mean: 5, P10: 1, P50: 4, P90: 9, P99: 12, ConfidenceScore: 0.5}
	CheckInvariants(good)

	tests := []struct {
		name   string
		mutate func(*api.ForecastResult)
		reason string
	}{
		{"p10 above p50", func(r *api.ForecastResult) { r.P10 = 6 }, "p10"},
		{"p50 above p90", func(r *api.ForecastResult) { r.P50 = 10 }, "p50"},
		{"p90 above p99", func(r *api.ForecastResult) { r.P99 = 8 }, "p90"},
		{"negative", func(r *api.ForecastResult) { r.P10 = -1 }, "negative"},
		{"nan", func(r *api.ForecastResult) { r.Mean = math.NaN() }, "non-finite"},
		{"confidence", func(r *api.ForecastResult) { r.ConfidenceScore = 1.5 }, "confidence"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := good
			tt.mutate(&r)
			defer func() {
				rec := recover()
				v, ok := rec.(*InvariantViolation)
				if !ok {
					t.Fatalf("recover() = %v, want *InvariantViolation", rec)
				}
				if !strings.Contains(v.Error(), tt.reason) {
					t.Errorf("violation %q does not mention %q", v.Error(), tt.reason)
				}
			}()
			CheckInvariants(r)
		})
	}
}

func TestExplain(t *testing.T) {
	cold := api.PosteriorState{Stage: api.StageColdStart, PriorLevel: api.LevelGlobal}
	blend := api.PosteriorState{Stage: api.StageBlending, PriorLevel: api.LevelCategory, NObservations: 12}
	mature := api.PosteriorState{Stage: api.StageMature, PriorLevel: api.LevelCategory, NObservations: 45}
	promo := &PromoEffect{Period: api.PromotionPeriod{DiscountPct: 0.2}, Lift: 1.25}

	tests := []struct {
		name string
		m    float64
		post api.PosteriorState
		eff  *PromoEffect
		want string
	}{
		{"seasonal cold start", 2.0, cold, nil, "Seasonality 2.00x, Cold Start (Global Prior)"},
		{"blending", 1.05, blend, nil, "Blending (Category Prior, n=12)"},
		{"normal", 0.95, mature, nil, "Normal"},
		{"promo", 1.8, mature, promo, "Seasonality 1.80x, Promo -20% (lift 1.25x)"},
		{"closed weekday", 0, mature, promo, "Closed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Explain(tt.m, tt.post, tt.eff); got != tt.want {
				t.Errorf("Explain = %q, want %q", got, tt.want)
			}
		})
	}

	stale := mature
	stale.PriorStale, stale.SnapshotVersion = true, 3
	if got := Explain(1, stale, nil); got != "Stale Prior" {
		t.Errorf("Explain(stale) = %q", got)
	}
}
