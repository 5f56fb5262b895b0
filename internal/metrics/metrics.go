// Package metrics holds the Prometheus collectors for remote jobs and the
// relay. Each Metrics owns its registry so tests and binaries never share
// global state.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "explorer"

// Metrics implements remote.Recorder and relay.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	jobsTotal       *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	pollTicks       *prometheus.CounterVec
	relayRequests   *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
}

// New creates the collectors and registers them on a fresh registry along
// with the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_jobs_total",
			Help:      "Remote jobs run to completion, by application and outcome.",
		}, []string{"application", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_job_duration_seconds",
			Help:      "Wall time from submission to terminal outcome.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"application", "outcome"}),
		pollTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_poll_ticks_total",
			Help:      "Status polls issued, by application and observed state.",
		}, []string{"application", "state"}),
		relayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_requests_total",
			Help:      "Requests handled by the relay, by method and status code.",
		}, []string{"method", "code"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_upstream_duration_seconds",
			Help:      "Latency of forwarded upstream calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}

	m.registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		m.jobsTotal,
		m.jobDuration,
		m.pollTicks,
		m.relayRequests,
		m.upstreamLatency,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// PollTick counts one status poll.
func (m *Metrics) PollTick(application, state string) {
	m.pollTicks.WithLabelValues(application, state).Inc()
}

// JobFinished records a finished job run.
func (m *Metrics) JobFinished(application, outcome string, duration time.Duration) {
	m.jobsTotal.WithLabelValues(application, outcome).Inc()
	m.jobDuration.WithLabelValues(application, outcome).Observe(duration.Seconds())
}

// RelayRequest counts one request answered by the relay.
func (m *Metrics) RelayRequest(method string, status int) {
	m.relayRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

// UpstreamLatency records the duration of one forwarded call.
func (m *Metrics) UpstreamLatency(method string, duration time.Duration) {
	m.upstreamLatency.WithLabelValues(method).Observe(duration.Seconds())
}
