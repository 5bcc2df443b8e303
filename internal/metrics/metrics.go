// Package metrics exposes ingestion counters and latencies as Prometheus metrics on a
// private registry, with an optional HTTP endpoint for scraping during long runs.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/johnayoung/go-polymarket-ingest/internal/config"
	"github.com/johnayoung/go-polymarket-ingest/internal/logger"
	"github.com/johnayoung/go-polymarket-ingest/internal/version"
)

const namespace = "polyingest"

// HealthChecker interface for components that provide health status
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// MetricsCollector owns the registry and every ingestion metric.
type MetricsCollector struct {
	config      config.MetricsConfig
	logger      *slog.Logger
	registry    *prometheus.Registry
	server      *http.Server
	healthCheck HealthChecker
	startTime   time.Time

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	rateLimited     *prometheus.CounterVec
	backoffSeconds  *prometheus.CounterVec
	targets         *prometheus.CounterVec
	targetDuration  *prometheus.HistogramVec
	records         *prometheus.CounterVec
	pending         *prometheus.GaugeVec
}

// NewMetricsCollector registers all metrics on a fresh registry.
func NewMetricsCollector(cfg config.MetricsConfig, loggerMgr *logger.LoggerManager) *MetricsCollector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	var log *slog.Logger
	if loggerMgr != nil {
		log = loggerMgr.GetComponentLogger("metrics")
	} else {
		log = slog.Default()
	}

	buildInfo := factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build information.",
	}, []string{"version", "commit"})
	buildInfo.WithLabelValues(version.Version, version.Commit).Set(1)

	return &MetricsCollector{
		config:    cfg,
		logger:    log,
		registry:  reg,
		startTime: time.Now(),

		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Upstream HTTP requests by endpoint and status code (0 for transport failures).",
		}, []string{"endpoint", "code"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Upstream HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		rateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Rate limited responses that triggered a backoff wait.",
		}, []string{"endpoint"}),
		backoffSeconds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backoff_seconds_total",
			Help:      "Total time spent waiting in backoff.",
		}, []string{"endpoint"}),
		targets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "targets_total",
			Help:      "Targets processed by workflow and outcome.",
		}, []string{"workflow", "outcome"}),
		targetDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "target_duration_seconds",
			Help:      "Wall-clock time to process one target.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"workflow"}),
		records: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Records stored by workflow.",
		}, []string{"workflow"}),
		pending: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "targets_pending",
			Help:      "Targets not yet processed in the current run.",
		}, []string{"workflow"}),
	}
}

// Registry returns the private registry.
func (mc *MetricsCollector) Registry() *prometheus.Registry { return mc.registry }

// RegisterHealthChecker registers a component reported by /health.
func (mc *MetricsCollector) RegisterHealthChecker(checker HealthChecker) {
	mc.healthCheck = checker
}

// ObserveRequest records one upstream request.
func (mc *MetricsCollector) ObserveRequest(endpoint string, status int, elapsed time.Duration) {
	mc.requests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	mc.requestDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// ObserveBackoff records one backoff wait.
func (mc *MetricsCollector) ObserveBackoff(endpoint string, wait time.Duration) {
	mc.rateLimited.WithLabelValues(endpoint).Inc()
	mc.backoffSeconds.WithLabelValues(endpoint).Add(wait.Seconds())
}

// ObserveTarget records the outcome of one target.
func (mc *MetricsCollector) ObserveTarget(workflow, outcome string, records int, elapsed time.Duration) {
	mc.targets.WithLabelValues(workflow, outcome).Inc()
	mc.targetDuration.WithLabelValues(workflow).Observe(elapsed.Seconds())
	if records > 0 {
		mc.records.WithLabelValues(workflow).Add(float64(records))
	}
}

// SetPending sets the number of targets left in the current run.
func (mc *MetricsCollector) SetPending(workflow string, n int) {
	mc.pending.WithLabelValues(workflow).Set(float64(n))
}

// Handler serves the metrics and health endpoints.
func (mc *MetricsCollector) Handler() http.Handler {
	path := mc.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(mc.registry, promhttp.HandlerOpts{Registry: mc.registry}))
	mux.HandleFunc("/health", mc.handleHealth)
	return mux
}

// Start serves Handler on the configured port when metrics are enabled.
func (mc *MetricsCollector) Start(ctx context.Context) error {
	if !mc.config.Enabled {
		mc.logger.Debug("metrics endpoint disabled")
		return nil
	}

	mc.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", mc.config.Port),
		Handler:           mc.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		mc.logger.Info("metrics HTTP server starting", "addr", mc.server.Addr, "path", mc.config.Path)
		if err := mc.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			mc.logger.Error("metrics HTTP server failed", "error", err)
		}
	}()
	return nil
}

// Stop gracefully stops the HTTP server.
func (mc *MetricsCollector) Stop(ctx context.Context) error {
	if mc.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := mc.server.Shutdown(ctx); err != nil {
		mc.logger.Error("error shutting down metrics server", "error", err)
		return err
	}
	mc.server = nil
	return nil
}

func (mc *MetricsCollector) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now(),
		"uptime":    time.Since(mc.startTime).String(),
		"version":   version.Version,
	}

	code := http.StatusOK
	if mc.healthCheck != nil {
		if err := mc.healthCheck.HealthCheck(r.Context()); err != nil {
			status["status"] = "unhealthy"
			status["error"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}
