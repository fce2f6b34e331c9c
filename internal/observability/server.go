// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

// Package observability provides plugin metrics and the HTTP endpoints
// that expose them alongside health checks.
package observability

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"
)

// ReadinessChecker returns whether the service is ready to serve.
type ReadinessChecker func() bool

// statusStoreErrors is a package-level counter for status store failures.
// This allows stores to increment the metric without needing access to the
// Server instance.
var statusStoreErrors = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "keystone_status_store_errors_total",
		Help: "Total number of plugin status store failures by operation",
	},
	[]string{"operation"},
)

// RecordStatusStoreError increments the status store failure counter.
func RecordStatusStoreError(operation string) {
	statusStoreErrors.WithLabelValues(operation).Inc()
}

// Metrics contains the plugin framework's Prometheus metrics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Transitions           *prometheus.CounterVec
	HookFailures          *prometheus.CounterVec
	PluginsByState        *prometheus.GaugeVec
	ExtensionLookups      *prometheus.CounterVec
	InstantiationFailures *prometheus.CounterVec
	DroppedStateEvents    prometheus.Counter
}

// NewMetrics creates and registers the plugin metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keystone_plugin_transitions_total",
				Help: "Total number of plugin state transitions by source and target state",
			},
			[]string{"from", "to"},
		),
		HookFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keystone_plugin_hook_failures_total",
				Help: "Total number of failed plugin lifecycle hooks by plugin and hook",
			},
			[]string{"plugin", "hook"},
		),
		PluginsByState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "keystone_plugins",
				Help: "Number of loaded plugins by state",
			},
			[]string{"state"},
		),
		ExtensionLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keystone_extension_lookups_total",
				Help: "Total number of extension lookups by contract",
			},
			[]string{"contract"},
		),
		InstantiationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keystone_extension_instantiation_failures_total",
				Help: "Total number of extension instantiation failures by contract",
			},
			[]string{"contract"},
		),
		DroppedStateEvents: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "keystone_plugin_state_events_dropped_total",
				Help: "Total number of state events dropped because a subscriber queue was full",
			},
		),
	}

	reg.MustRegister(m.Transitions)
	reg.MustRegister(m.HookFailures)
	reg.MustRegister(m.PluginsByState)
	reg.MustRegister(m.ExtensionLookups)
	reg.MustRegister(m.InstantiationFailures)
	reg.MustRegister(m.DroppedStateEvents)
	reg.MustRegister(statusStoreErrors)

	return m
}

// RecordTransition counts a state transition and moves the per-state gauge.
// An empty from means the plugin was not loaded before; an empty to means
// it is no longer loaded.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
	if from != "" {
		m.PluginsByState.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.PluginsByState.WithLabelValues(to).Inc()
	}
}

// RecordHookFailure counts a failed start, stop or delete hook.
func (m *Metrics) RecordHookFailure(plugin, hook string) {
	if m == nil {
		return
	}
	m.HookFailures.WithLabelValues(plugin, hook).Inc()
}

// RecordExtensionLookup counts one extension query.
func (m *Metrics) RecordExtensionLookup(contract string) {
	if m == nil {
		return
	}
	m.ExtensionLookups.WithLabelValues(contract).Inc()
}

// RecordInstantiationFailure counts an extension that could not be created.
func (m *Metrics) RecordInstantiationFailure(contract string) {
	if m == nil {
		return
	}
	m.InstantiationFailures.WithLabelValues(contract).Inc()
}

// RecordDroppedStateEvent counts a state event a subscriber could not accept.
func (m *Metrics) RecordDroppedStateEvent() {
	if m == nil {
		return
	}
	m.DroppedStateEvents.Inc()
}

// Server provides HTTP endpoints for observability (metrics and health checks).
type Server struct {
	addr       string
	listener   net.Listener
	httpServer *http.Server
	registry   *prometheus.Registry
	metrics    *Metrics
	isReady    ReadinessChecker
	running    atomic.Bool
}

// NewServer creates a new observability server.
// addr: listen address in "host:port" format (e.g., "127.0.0.1:9100", ":9100" for all interfaces).
func NewServer(addr string, readinessChecker ReadinessChecker) *Server {
	// Create a new registry to avoid polluting the global one
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	metrics := NewMetrics(registry)

	return &Server{
		addr:     addr,
		registry: registry,
		metrics:  metrics,
		isReady:  readinessChecker,
	}
}

// Metrics returns the plugin metrics served by this server.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// SetReadinessChecker replaces the readiness checker. It must be called
// before Start.
func (s *Server) SetReadinessChecker(fn ReadinessChecker) {
	s.isReady = fn
}

// Start begins serving observability endpoints.
// It returns an error channel that will receive any errors from the HTTP server
// after it starts. The channel is closed when the server stops gracefully.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Errorf("observability server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.With("addr", s.addr).Wrap(err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/healthz/liveness", s.handleLiveness)
	mux.HandleFunc("/healthz/readiness", s.handleReadiness)

	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpSrv

	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		// Use local httpSrv to avoid race with subsequent Start() calls
		if serveErr := httpSrv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("observability server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	slog.Info("observability server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop gracefully shuts down the observability server.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			// Restore running state on failure so the server can be stopped again
			s.running.Store(true)
			return oops.With("operation", "shutdown_observability_server").Wrap(err)
		}
	}

	slog.Info("observability server stopped")
	return nil
}

// Addr returns the address the server is listening on.
// Returns empty string if not running.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // health check write error is acceptable, client may disconnect
	w.Write([]byte("ok\n"))
}

// handleReadiness returns 200 once every plugin that should run is running,
// or 503 if not ready.
func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if s.isReady == nil || s.isReady() {
		w.WriteHeader(http.StatusOK)
		//nolint:errcheck // health check write error is acceptable, client may disconnect
		w.Write([]byte("ok\n"))
		return
	}

	w.WriteHeader(http.StatusServiceUnavailable)
	//nolint:errcheck // health check write error is acceptable, client may disconnect
	w.Write([]byte("not ready\n"))
}
