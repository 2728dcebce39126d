// Package output holds the pipeline observers: Prometheus metrics, the
// health endpoint, the JSON event feed and the bbolt block journal.
package output

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/xoelrdgz/sshguard/internal/domain"
)

// DetectorStats is the read side of the detector exported as gauges.
type DetectorStats interface {
	Tracked() int
	BlockedCount() int
}

type PrometheusMetrics struct {
	registry      *prometheus.Registry
	linesTotal    *prometheus.CounterVec
	blockAttempts *prometheus.CounterVec
	blockLatency  prometheus.Histogram

	logger zerolog.Logger
	server *http.Server
	mu     sync.Mutex
}

type MetricsConfig struct {
	Addr string
	Path string
}

func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Addr: ":9110",
		Path: "/metrics",
	}
}

// NewPrometheusMetrics registers the sshguard collectors on a private
// registry, so several instances can coexist in tests.
func NewPrometheusMetrics(namespace string, stats DetectorStats, logger zerolog.Logger) *PrometheusMetrics {
	if namespace == "" {
		namespace = "sshguard"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	m := &PrometheusMetrics{
		registry: reg,
		logger:   logger.With().Str("component", "metrics").Logger(),
	}

	m.linesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lines_total",
		Help:      "Log lines read, by classification",
	}, []string{"result"})

	m.blockAttempts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "block_attempts_total",
		Help:      "Block attempts by backend and outcome",
	}, []string{"backend", "outcome"})

	m.blockLatency = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "decision_age_seconds",
		Help:      "Time from threshold crossing to block result",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
	})

	if stats != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_addresses",
			Help:      "Addresses with failures inside the window",
		}, func() float64 { return float64(stats.Tracked()) })

		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "blocked_addresses",
			Help:      "Addresses blocked since start",
		}, func() float64 { return float64(stats.BlockedCount()) })
	}

	return m
}

func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *PrometheusMetrics) OnLine(result string) {
	m.linesTotal.WithLabelValues(result).Inc()
}

func (m *PrometheusMetrics) OnBlock(decision *domain.BlockDecision, backend string, simulated bool, err error) {
	outcome := "success"
	switch {
	case err != nil:
		outcome = "failed"
	case simulated:
		outcome = "simulated"
	}
	m.blockAttempts.WithLabelValues(backend, outcome).Inc()
	if decision != nil && !decision.Timestamp.IsZero() {
		m.blockLatency.Observe(time.Since(decision.Timestamp).Seconds())
	}
}

// StartServer serves the registry on config.Path and, when health is set,
// the health report on /healthz.
func (m *PrometheusMetrics) StartServer(config MetricsConfig, health http.Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if config.Path == "" {
		config.Path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(config.Path, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry}))
	if health != nil {
		mux.Handle("/healthz", health)
	}

	m.server = &http.Server{
		Addr:              config.Addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	server := m.server
	go func() {
		m.logger.Info().Str("addr", config.Addr).Str("path", config.Path).Msg("Starting Prometheus metrics server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()

	return nil
}

func (m *PrometheusMetrics) StopServer() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.server != nil {
		err := m.server.Close()
		m.server = nil
		return err
	}
	return nil
}
