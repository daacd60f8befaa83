package api

import (
	"testing"
	"time"
)

func TestObservationValidate(t *testing.T) {
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	valid := Observation{Date: day, ItemID: "burger", Quantity: 3, HoursOpen: 10, Price: 9.5}

	tests := []struct {
		name    string
		mutate  func(*Observation)
		wantErr bool
	}{
		{"valid", func(*Observation) {}, false},
		{"closed day", func(o *Observation) { o.HoursOpen = 0; o.Quantity = 0 }, false},
		{"missing item", func(o *Observation) { o.ItemID = "" }, true},
		{"missing date", func(o *Observation) { o.Date = time.Time{} }, true},
		{"negative quantity", func(o *Observation) { o.Quantity = -1 }, true},
		{"too many hours", func(o *Observation) { o.HoursOpen = 25 }, true},
		{"negative price", func(o *Observation) { o.Price = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := valid
			tt.mutate(&o)
			if err := o.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDayOfWeek(t *testing.T) {
	monday := time.Date(2024, 1, 1, 15, 0, 0, 0, time.UTC)
	for i := 0; i < 7; i++ {
		if got := DayOfWeek(monday.AddDate(0, 0, i)); got != i {
			t.Errorf("DayOfWeek(+%d) = %d, want %d", i, got, i)
		}
	}
}

func TestStageFor(t *testing.T) {
	tests := []struct {
		n    int
		want Stage
	}{
		{0, StageColdStart},
		{4, StageColdStart},
		{5, StageBlending},
		{29, StageBlending},
		{30, StageMature},
		{365, StageMature},
	}
	for _, tt := range tests {
		if got := StageFor(tt.n); got != tt.want {
			t.Errorf("StageFor(%d) = %s, want %s", tt.n, got, tt.want)
		}
	}
}

func TestPromotionCovers(t *testing.T) {
	p := PromotionPeriod{
		StartDate: time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC),
	}

	if !p.Covers(time.Date(2024, 3, 6, 23, 59, 0, 0, time.UTC)) {
		t.Error("end date should be inclusive")
	}
	if !p.Covers(p.StartDate) {
		t.Error("start date should be inclusive")
	}
	if p.Covers(time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC)) {
		t.Error("day after end should not be covered")
	}
}

func TestPriorMeans(t *testing.T) {
	if got := GlobalPrior().Mean(); got != 4 {
		t.Errorf("GlobalPrior().Mean() = %v, want 4", got)
	}
	if got := (PosteriorState{AlphaPost: 10}).Mean(); got != 0 {
		t.Errorf("Mean with zero rate = %v, want 0", got)
	}
}
