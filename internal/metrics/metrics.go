// Package metrics exposes Prometheus counters for the gateway's token,
// verification and proxy paths. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gate"

// Metrics holds every collector registered by the gateway.
type Metrics struct {
	registry *prometheus.Registry

	brokerRequests   *prometheus.CounterVec
	loginFlows       *prometheus.CounterVec
	bearerChecks     *prometheus.CounterVec
	jwksRefreshes    *prometheus.CounterVec
	proxyRequests    *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
}

// New creates a Metrics backed by its own registry, including the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		brokerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_requests_total",
			Help:      "M2M token requests by registry client and outcome.",
		}, []string{"client", "outcome"}),
		loginFlows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_flow_total",
			Help:      "Authorization code flow steps by step and outcome.",
		}, []string{"step", "outcome"}),
		bearerChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bearer_verifications_total",
			Help:      "Bearer token verifications by outcome.",
		}, []string{"outcome"}),
		jwksRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jwks_fetches_total",
			Help:      "Signing key set fetches by result.",
		}, []string{"result"}),
		proxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_requests_total",
			Help:      "Proxied requests by route and response status code.",
		}, []string{"route", "code"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Latency of calls to the authorization server token endpoint.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"grant_type"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.brokerRequests,
		m.loginFlows,
		m.bearerChecks,
		m.jwksRefreshes,
		m.proxyRequests,
		m.upstreamDuration,
	)

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Broker records one M2M token request.
func (m *Metrics) Broker(client, outcome string) {
	if m == nil {
		return
	}

	m.brokerRequests.WithLabelValues(client, outcome).Inc()
}

// LoginFlow records one step (login, callback, refresh) of the browser flow.
func (m *Metrics) LoginFlow(step, outcome string) {
	if m == nil {
		return
	}

	m.loginFlows.WithLabelValues(step, outcome).Inc()
}

// Bearer records one bearer verification.
func (m *Metrics) Bearer(outcome string) {
	if m == nil {
		return
	}

	m.bearerChecks.WithLabelValues(outcome).Inc()
}

// JWKSFetch records one signing key set fetch.
func (m *Metrics) JWKSFetch(err error) {
	if m == nil {
		return
	}

	result := "ok"
	if err != nil {
		result = "error"
	}

	m.jwksRefreshes.WithLabelValues(result).Inc()
}

// Proxy records one proxied response.
func (m *Metrics) Proxy(route string, status int) {
	if m == nil {
		return
	}

	m.proxyRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

// Upstream records the latency of one token endpoint call started at start.
func (m *Metrics) Upstream(grantType string, start time.Time) {
	if m == nil {
		return
	}

	m.upstreamDuration.WithLabelValues(grantType).Observe(time.Since(start).Seconds())
}
