// Package metrics provides Prometheus instrumentation for the memory engine.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dotmemory"

// Manager owns a private registry and the engine's collectors.
type Manager struct {
	registry *prometheus.Registry
	enabled  bool

	recalls      *prometheus.CounterVec
	stores       *prometheus.CounterVec
	knowledgeOps *prometheus.CounterVec
	cleanup      *prometheus.CounterVec
	cacheEntries prometheus.Gauge
	storeLatency *prometheus.HistogramVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Addr    string
	Path    string

	StoreLatencyBuckets []float64
}

// DefaultConfig returns default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		Addr:                "127.0.0.1:9464",
		Path:                "/metrics",
		StoreLatencyBuckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}
}

// NewManager creates a new metrics manager.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{enabled: false}
	}
	buckets := cfg.StoreLatencyBuckets
	if len(buckets) == 0 {
		buckets = DefaultConfig().StoreLatencyBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Manager{
		registry: registry,
		enabled:  true,
		recalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recall_total",
			Help:      "Conversation recalls by outcome source (cache, store, miss).",
		}, []string{"source"}),
		stores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_total",
			Help:      "Conversation stores by durability result (ok, degraded).",
		}, []string{"result"}),
		knowledgeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "knowledge_ops_total",
			Help:      "Knowledge upserts and queries.",
		}, []string{"op"}),
		cleanup: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_deleted_total",
			Help:      "Records deleted by retention sweeps per family.",
		}, []string{"family"}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Conversation records currently held by the short-term cache.",
		}),
		storeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_op_duration_seconds",
			Help:      "Persistent store operation latency.",
			Buckets:   buckets,
		}, []string{"op"}),
	}
	registry.MustRegister(m.recalls, m.stores, m.knowledgeOps, m.cleanup, m.cacheEntries, m.storeLatency)
	return m
}

// NoOpManager returns a manager that records nothing.
func NoOpManager() *Manager {
	return &Manager{enabled: false}
}

func (m *Manager) Enabled() bool {
	return m != nil && m.enabled
}

func (m *Manager) RecordRecall(source string) {
	if !m.Enabled() {
		return
	}
	m.recalls.WithLabelValues(source).Inc()
}

func (m *Manager) RecordStore(result string) {
	if !m.Enabled() {
		return
	}
	m.stores.WithLabelValues(result).Inc()
}

func (m *Manager) RecordKnowledgeOp(op string) {
	if !m.Enabled() {
		return
	}
	m.knowledgeOps.WithLabelValues(op).Inc()
}

func (m *Manager) RecordCleanupDeleted(family string, n int64) {
	if !m.Enabled() || n <= 0 {
		return
	}
	m.cleanup.WithLabelValues(family).Add(float64(n))
}

func (m *Manager) SetCacheEntries(n int) {
	if !m.Enabled() {
		return
	}
	m.cacheEntries.Set(float64(n))
}

func (m *Manager) ObserveStoreOp(op string, d time.Duration) {
	if !m.Enabled() {
		return
	}
	m.storeLatency.WithLabelValues(op).Observe(d.Seconds())
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Manager) Registry() *prometheus.Registry {
	if !m.Enabled() {
		return nil
	}
	return m.registry
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Manager) Handler() http.Handler {
	if !m.Enabled() {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves the metrics endpoint until ctx is cancelled.
func (m *Manager) StartServer(ctx context.Context, addr, path string) error {
	if !m.Enabled() {
		return nil
	}
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
