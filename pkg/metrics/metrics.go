// Package metrics exposes Prometheus instrumentation for the honeypot:
// admission accounting, per-protocol capture counters, and gauges for
// live connections and subscribers.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/credtrap/credtrap/internal/logger"
	"github.com/credtrap/credtrap/pkg/capture"
)

// Metrics implements the scheduler and capture metrics interfaces over a
// private Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	admissions  prometheus.Counter
	rejections  *prometheus.CounterVec
	evictions   prometheus.Counter
	captures    *prometheus.CounterVec
	activeConns prometheus.Gauge
	subscribers prometheus.Gauge
}

// New builds the metric set and registers it together with the standard
// Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		admissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "credtrap",
			Name:      "admissions_total",
			Help:      "Connections admitted onto the worker pool.",
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "credtrap",
			Name:      "rejections_total",
			Help:      "Connections rejected at admission, by reason.",
		}, []string{"reason"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "credtrap",
			Name:      "idle_evictions_total",
			Help:      "Connections evicted by the idle-timeout monitor.",
		}),
		captures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "credtrap",
			Name:      "captures_total",
			Help:      "Credential attempts captured, by protocol.",
		}, []string{"protocol"}),
		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "credtrap",
			Name:      "active_connections",
			Help:      "Live connection records in the scheduler.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "credtrap",
			Name:      "subscribers",
			Help:      "Connected WebSocket observers.",
		}),
	}

	m.registry.MustRegister(
		m.admissions, m.rejections, m.evictions,
		m.captures, m.activeConns, m.subscribers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Pre-create per-protocol series so dashboards see zeroes instead of
	// absent series before the first capture.
	for _, p := range capture.Protocols() {
		m.captures.WithLabelValues(string(p))
	}
	return m
}

// RecordAdmission counts one admitted connection.
func (m *Metrics) RecordAdmission() { m.admissions.Inc() }

// RecordRejection counts one rejected admission.
func (m *Metrics) RecordRejection(reason string) { m.rejections.WithLabelValues(reason).Inc() }

// RecordEviction counts one idle eviction.
func (m *Metrics) RecordEviction() { m.evictions.Inc() }

// SetActiveConnections tracks the live connection record count.
func (m *Metrics) SetActiveConnections(n int) { m.activeConns.Set(float64(n)) }

// RecordCapture counts one captured credential attempt.
func (m *Metrics) RecordCapture(protocol capture.Protocol) {
	m.captures.WithLabelValues(string(protocol)).Inc()
}

// SetSubscribers tracks the connected observer count.
func (m *Metrics) SetSubscribers(n int) { m.subscribers.Set(float64(n)) }

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Server is the optional standalone /metrics HTTP server.
type Server struct {
	srv *http.Server
}

// NewServer starts a /metrics server on addr.
func NewServer(addr string, m *Metrics) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Metrics server started", "address", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "error", err)
		}
	}()
	return &Server{srv: srv}
}

// Shutdown stops the metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil || s.srv == nil {
		return nil
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	return nil
}
