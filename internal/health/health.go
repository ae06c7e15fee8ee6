// SPDX-License-Identifier: MIT

// Package health provides an HTTP health check endpoint for the streamrelay
// daemon.
//
// The health check exposes service status at /healthz as JSON, suitable for
// systemd watchdog, load balancer probes, or monitoring systems.
//
// A Prometheus /metrics endpoint is also served via prometheus/client_golang,
// providing per-stream uptime, retry counts, and failure counts for fleet
// monitoring via Grafana/Prometheus.
package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServiceInfo describes the health state of a single republish pipeline.
type ServiceInfo struct {
	Name     string        `json:"name"`              // stream key, e.g. D0001
	State    string        `json:"state"`              // Idle/Opening/Muxing/Draining/Closed
	Uptime   time.Duration `json:"uptime_ns"`
	Healthy  bool          `json:"healthy"`
	Error    string        `json:"error,omitempty"`
	Retries  int           `json:"retries,omitempty"`  // registry retry_count for this stream
	Failures int           `json:"failures,omitempty"` // total exits observed by the supervisor
}

// StatusProvider returns the current health status of all pipelines.
// The daemon implements this interface to supply live data.
type StatusProvider interface {
	Services() []ServiceInfo
}

// Response is the JSON body returned by the health endpoint.
type Response struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Services  []ServiceInfo `json:"services"`
}

// Collector adapts a StatusProvider into Prometheus metrics. It implements
// prometheus.Collector directly rather than pre-registering one gauge per
// stream, since the stream set changes as operators add/remove streams.
type Collector struct {
	provider StatusProvider

	healthy  *prometheus.Desc
	uptime   *prometheus.Desc
	retries  *prometheus.Desc
	failures *prometheus.Desc
}

// NewCollector builds a Collector reading from provider.
func NewCollector(provider StatusProvider) *Collector {
	return &Collector{
		provider: provider,
		healthy: prometheus.NewDesc(
			"streamrelay_pipeline_healthy",
			"Is the republish pipeline currently healthy (1=healthy, 0=not).",
			[]string{"stream"}, nil,
		),
		uptime: prometheus.NewDesc(
			"streamrelay_pipeline_uptime_seconds",
			"Seconds since the pipeline last entered the Muxing state.",
			[]string{"stream"}, nil,
		),
		retries: prometheus.NewDesc(
			"streamrelay_pipeline_retries_total",
			"Registry retry_count for the stream.",
			[]string{"stream"}, nil,
		),
		failures: prometheus.NewDesc(
			"streamrelay_pipeline_failures_total",
			"Total exits observed by the supervisor for the stream.",
			[]string{"stream"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.healthy
	ch <- c.uptime
	ch <- c.retries
	ch <- c.failures
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.provider == nil {
		return
	}

	for _, svc := range c.provider.Services() {
		healthy := 0.0
		if svc.Healthy {
			healthy = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.healthy, prometheus.GaugeValue, healthy, svc.Name)
		ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, svc.Uptime.Seconds(), svc.Name)
		ch <- prometheus.MustNewConstMetric(c.retries, prometheus.CounterValue, float64(svc.Retries), svc.Name)
		ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(svc.Failures), svc.Name)
	}
}

// Handler serves the /healthz and metrics-mount-path endpoints.
type Handler struct {
	provider     StatusProvider
	metricsPath  string
	metricsMux   http.Handler
}

// NewHandler creates a health check HTTP handler. If metricsPath is
// non-empty, a Prometheus registry is created, the StatusProvider wired in as
// a Collector, and the exposition served at that path.
func NewHandler(provider StatusProvider, metricsPath string) *Handler {
	h := &Handler{provider: provider, metricsPath: metricsPath}

	if metricsPath != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(NewCollector(provider))
		h.metricsMux = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	return h
}

// ServeHTTP implements http.Handler, routing to /healthz and the metrics path.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.metricsMux != nil && r.URL.Path == h.metricsPath {
		h.metricsMux.ServeHTTP(w, r)
		return
	}
	h.serveHealth(w, r)
}

func (h *Handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	resp := Response{
		Timestamp: time.Now(),
	}

	var services []ServiceInfo
	if h.provider != nil {
		services = h.provider.Services()
	}
	resp.Services = services

	healthy := len(services) > 0
	for _, svc := range services {
		if !svc.Healthy {
			healthy = false
			break
		}
	}

	if healthy {
		resp.Status = "healthy"
	} else {
		resp.Status = "unhealthy"
	}

	w.Header().Set("Content-Type", "application/json")
	if healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// ListenAndServe starts the health check HTTP server on the given address.
// It shuts down gracefully when ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	return ListenAndServeReady(ctx, addr, handler, nil)
}

// ListenAndServeReady starts the health check HTTP server and signals
// readiness once bound, so callers can detect port-in-use failures
// immediately instead of only after ctx is cancelled.
func ListenAndServeReady(ctx context.Context, addr string, handler http.Handler, ready chan<- struct{}) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	if ready != nil {
		close(ready)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	return <-errCh
}
