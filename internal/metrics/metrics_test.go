package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-polymarket-ingest/internal/config"
)

func TestCollectorsAreIndependent(t *testing.T) {
	// each collector has its own registry, so building two must not panic
	a := NewMetricsCollector(config.MetricsConfig{}, nil)
	b := NewMetricsCollector(config.MetricsConfig{}, nil)

	a.ObserveTarget("prices", "stored", 10, time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.targets.WithLabelValues("prices", "stored")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.targets.WithLabelValues("prices", "stored")))
}

func TestObservations(t *testing.T) {
	mc := NewMetricsCollector(config.MetricsConfig{}, nil)

	mc.ObserveRequest("/trades", 429, 10*time.Millisecond)
	mc.ObserveRequest("/trades", 200, 20*time.Millisecond)
	mc.ObserveBackoff("/trades", 2*time.Second)
	mc.ObserveBackoff("/trades", 4*time.Second)
	mc.ObserveTarget("trades", "stored", 1500, time.Minute)
	mc.ObserveTarget("trades", "no_data", 0, time.Second)
	mc.SetPending("trades", 42)

	assert.Equal(t, 1.0, testutil.ToFloat64(mc.requests.WithLabelValues("/trades", "429")))
	assert.Equal(t, 2.0, testutil.ToFloat64(mc.rateLimited.WithLabelValues("/trades")))
	assert.Equal(t, 6.0, testutil.ToFloat64(mc.backoffSeconds.WithLabelValues("/trades")))
	assert.Equal(t, 1500.0, testutil.ToFloat64(mc.records.WithLabelValues("trades")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mc.targets.WithLabelValues("trades", "no_data")))
	assert.Equal(t, 42.0, testutil.ToFloat64(mc.pending.WithLabelValues("trades")))
}

func TestHandlerServesMetricsAndHealth(t *testing.T) {
	mc := NewMetricsCollector(config.MetricsConfig{Path: "/metrics"}, nil)
	mc.ObserveTarget("prices", "stored", 3, time.Second)

	srv := httptest.NewServer(mc.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `polyingest_targets_total{outcome="stored",workflow="prices"} 1`)
	assert.Contains(t, string(body), "polyingest_build_info")

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

type failingHealth struct{}

func (failingHealth) HealthCheck(context.Context) error { return errors.New("ledger closed") }

func TestHealthReportsUnhealthyDependency(t *testing.T) {
	mc := NewMetricsCollector(config.MetricsConfig{}, nil)
	mc.RegisterHealthChecker(failingHealth{})

	rec := httptest.NewRecorder()
	mc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "ledger closed")
}

func TestStartDisabledIsNoop(t *testing.T) {
	mc := NewMetricsCollector(config.MetricsConfig{Enabled: false}, nil)
	require.NoError(t, mc.Start(context.Background()))
	require.NoError(t, mc.Stop(context.Background()))
}
