package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fractal-lba/demandcast/internal/api"
	"github.com/fractal-lba/demandcast/internal/app"
	"github.com/fractal-lba/demandcast/internal/config"
	"github.com/fractal-lba/demandcast/internal/history"
)

func newTestServer(t *testing.T, env map[string]string) http.Handler {
	t.Helper()

	start := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	ds := history.Dataset{Items: []api.ItemMeta{{ItemID: "latte", CategoryID: "drinks", BasePrice: 4}}}
	for i := 0; i < 40; i++ {
		ds.Observations = append(ds.Observations, api.Observation{
			Date: start.AddDate(0, 0, i), ItemID: "latte", CategoryID: "drinks", Quantity: 30 + i%4, HoursOpen: 10, Price: 4,
		})
	}
	data, err := json.Marshal(ds)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "data.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	t.Setenv("DEMANDCAST_HISTORY_FILE", path)
	t.Setenv("DEMANDCAST_LOG_LEVEL", "error")
	for k, v := range env {
		t.Setenv(k, v)
	}

	cfg, err := config.Load()
	require.NoError(t, err)
	a, err := app.New(context.Background(), cfg, prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })
	return NewServer(a).Routes()
}

func do(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h := newTestServer(t, nil)
	rec := do(h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestForecastEndpoint(t *testing.T) {
	h := newTestServer(t, nil)

	rec := do(h, http.MethodGet, "/v1/items/latte/forecast?horizon=3", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var results []api.ForecastResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	assert.Len(t, results, 3)

	rec = do(h, http.MethodGet, "/v1/items/latte/forecast", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	assert.Len(t, results, defaultHorizon)
}

func TestForecastEndpointRejectsBadHorizon(t *testing.T) {
	h := newTestServer(t, nil)

	for _, q := range []string{"abc", "0", "1000"} {
		rec := do(h, http.MethodGet, "/v1/items/latte/forecast?horizon="+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, "horizon=%s", q)
	}
}

func TestForecastBatchEndpoint(t *testing.T) {
	h := newTestServer(t, nil)

	rec := do(h, http.MethodPost, "/v1/forecasts", `{"item_ids":["latte","scone"],"horizon_days":2}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out map[string][]api.ForecastResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Len(t, out["latte"], 2)
	assert.Len(t, out["scone"], 2)

	rec = do(h, http.MethodPost, "/v1/forecasts", `{"item_ids":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(h, http.MethodPost, "/v1/forecasts", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestElasticityEndpoints(t *testing.T) {
	h := newTestServer(t, nil)

	rec := do(h, http.MethodPost, "/v1/items/latte/elasticity", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var est api.ElasticityEstimate
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &est))
	assert.Equal(t, "latte", est.ItemID)
	assert.Less(t, est.Elasticity, 0.0)

	rec = do(h, http.MethodGet, "/v1/items/latte/elasticity", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var current api.ElasticityEstimate
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &current))
	assert.Equal(t, est.Method, current.Method)
}

func TestLinePromotionsEndpoint(t *testing.T) {
	h := newTestServer(t, nil)

	body := `{"lines":[
		{"item_id":"latte","item_name":"Latte","date":"2024-03-10T09:00:00Z","quantity":1,"unit_price":4,"total_price":3,"discount":1},
		{"item_id":"latte","item_name":"Latte Happy Hour","date":"2024-03-11T16:00:00Z","quantity":1,"unit_price":3,"total_price":3},
		{"item_id":"latte","item_name":"Latte","date":"2024-03-20T09:00:00Z","quantity":2,"unit_price":4,"total_price":8}
	]}`
	rec := do(h, http.MethodPost, "/v1/items/latte/promotions/lines", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var periods []api.PromotionPeriod
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &periods))
	require.Len(t, periods, 1)
	assert.Equal(t, "explicit_discount", periods[0].DetectionMethod)
	assert.Equal(t, "2024-03-11", periods[0].EndDate.Format("2006-01-02"))

	rec = do(h, http.MethodPost, "/v1/items/latte/promotions/lines", `{"lines":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPriorsEndpoints(t *testing.T) {
	h := newTestServer(t, nil)

	rec := do(h, http.MethodPost, "/v1/priors/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(h, http.MethodGet, "/v1/priors", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"successful_runs":1`)
}

func TestRateLimit(t *testing.T) {
	h := newTestServer(t, map[string]string{"DEMANDCAST_SERVER_RATE_LIMIT": "1"})

	codes := make([]int, 3)
	for i := range codes {
		codes[i] = do(h, http.MethodGet, "/v1/priors", "").Code
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// health is outside the limited group
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/health", "").Code)
}

func TestMetricsBasicAuth(t *testing.T) {
	h := newTestServer(t, map[string]string{
		"DEMANDCAST_SERVER_METRICS_USER": "prom",
		"DEMANDCAST_SERVER_METRICS_PASS": "secret",
	})

	rec := do(h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.SetBasicAuth("prom", "secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
