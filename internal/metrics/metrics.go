// Package metrics exposes proxy counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Request outcomes
const (
	OutcomeForward  = "forward"
	OutcomeCache    = "cache"
	OutcomeStatic   = "static"
	OutcomePlugin   = "plugin"
	OutcomeNoRoute  = "no_route"
	OutcomeUpstream = "upstream_error"
	OutcomeFailed   = "internal_error"
)

// Metrics holds the proxy collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	upstreamDuration prometheus.Histogram
	cacheHitsTotal   prometheus.Counter
	observers        prometheus.Gauge
	eventsDropped    prometheus.Counter
}

// New registers the collectors on reg, or on the default registerer when nil
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "devproxy_requests_total", Help: "Proxied requests by outcome"},
			[]string{"outcome"},
		),
		upstreamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "devproxy_upstream_duration_seconds",
			Help:    "Upstream round trip time in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		cacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "devproxy_cache_hits_total", Help: "Requests served from the response cache"},
		),
		observers: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "devproxy_observers", Help: "Connected live event observers"},
		),
		eventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "devproxy_events_dropped_total", Help: "Events skipped for observers that could not keep up"},
		),
	}

	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.requestsTotal,
		m.upstreamDuration,
		m.cacheHitsTotal,
		m.observers,
		m.eventsDropped,
	)

	return m
}

// Handler serves the registry, or the default gatherer when reg is nil
func Handler(reg *prometheus.Registry) http.Handler {
	if reg == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Request(outcome string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(outcome).Inc()
	if outcome == OutcomeCache {
		m.cacheHitsTotal.Inc()
	}
}

func (m *Metrics) Upstream(d time.Duration) {
	if m == nil {
		return
	}
	m.upstreamDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserverConnected() {
	if m == nil {
		return
	}
	m.observers.Inc()
}

func (m *Metrics) ObserverDisconnected() {
	if m == nil {
		return
	}
	m.observers.Dec()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}
