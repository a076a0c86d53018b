// Package metrics records orchestrator and tier measurements in Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meigma/artifactcache"
)

// Prom implements artifactcache.Metrics with Prometheus collectors.
type Prom struct {
	registry    *prometheus.Registry
	hits        *prometheus.CounterVec
	misses      prometheus.Counter
	joined      prometheus.Counter
	fetchBytes  *prometheus.CounterVec
	fetchTime   *prometheus.HistogramVec
	failures    *prometheus.CounterVec
	unavailable prometheus.Counter
	evictions   *prometheus.CounterVec
}

// NewProm creates the collectors under namespace and registers them on a
// private registry, so several instances can coexist in one process.
func NewProm(namespace string) *Prom {
	p := &Prom{
		registry: prometheus.NewRegistry(),
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_hits_total",
			Help:      "Keys served from a local tier",
		}, []string{"tier"}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "misses_total",
			Help:      "Keys that needed a remote fetch",
		}),
		joined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "joined_transfers_total",
			Help:      "Callers that attached to an in-flight fetch",
		}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetched_bytes_total",
			Help:      "Bytes fetched by backend",
		}, []string{"backend"}),
		fetchTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Remote fetch latency by backend",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"backend"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_failures_total",
			Help:      "Failed backend attempts by backend, operation and kind",
		}, []string{"backend", "op", "kind"}),
		unavailable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unavailable_total",
			Help:      "Keys no backend could serve",
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evicted_bytes_total",
			Help:      "Bytes evicted by tier",
		}, []string{"tier"}),
	}
	p.registry.MustRegister(
		p.hits, p.misses, p.joined, p.fetchBytes, p.fetchTime,
		p.failures, p.unavailable, p.evictions,
		collectors.NewGoCollector(),
	)
	return p
}

func (p *Prom) Hit(tier string) {
	p.hits.WithLabelValues(tier).Inc()
}

func (p *Prom) Miss() {
	p.misses.Inc()
}

func (p *Prom) Joined() {
	p.joined.Inc()
}

func (p *Prom) Fetched(backend string, bytes int64, elapsed time.Duration) {
	p.fetchBytes.WithLabelValues(backend).Add(float64(bytes))
	p.fetchTime.WithLabelValues(backend).Observe(elapsed.Seconds())
}

func (p *Prom) Failed(backend, op, kind string) {
	p.failures.WithLabelValues(backend, op, kind).Inc()
}

func (p *Prom) Unavailable() {
	p.unavailable.Inc()
}

// Evicted records bytes evicted from tier. Its signature matches the tier
// eviction hooks once the tier name is bound.
func (p *Prom) Evicted(tier string) func(key string, size int64) {
	return func(_ string, size int64) {
		p.evictions.WithLabelValues(tier).Add(float64(size))
	}
}

// Gatherer exposes the registry, mainly for tests.
func (p *Prom) Gatherer() prometheus.Gatherer {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prom) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

var _ artifactcache.Metrics = (*Prom)(nil)
