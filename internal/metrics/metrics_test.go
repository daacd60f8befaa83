package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ForecastsTotal.WithLabelValues("mature").Inc()
	m.ElasticityEstimates.WithLabelValues("2sls").Add(2)

	if got := testutil.ToFloat64(m.ForecastsTotal.WithLabelValues("mature")); got != 1 {
		t.Errorf("forecasts{stage=mature} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ElasticityEstimates.WithLabelValues("2sls")); got != 2 {
		t.Errorf("elasticity{method=2sls} = %v, want 2", got)
	}

	// a second set on a fresh registry must not collide
	New(prometheus.NewRegistry())

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected registered metric families")
	}
}
