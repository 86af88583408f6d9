// Package metrics exposes engine, cache and maintenance measurements to
// Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vaultbot/internal/cache"
	"vaultbot/internal/rotation"
)

const namespace = "vaultbot"

// Collector implements rotation.Recorder and records maintenance runs.
type Collector struct {
	requests         *prometheus.CounterVec
	requestLatency   *prometheus.HistogramVec
	retired          *prometheus.CounterVec
	resets           *prometheus.CounterVec
	deliveryFailures *prometheus.CounterVec
	jobRuns          *prometheus.CounterVec
	jobAffected      *prometheus.CounterVec

	caches *cacheCollector
}

func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Item requests by catalog and outcome.",
		}, []string{"catalog", "outcome"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time spent serving an item request, delivery included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"catalog"}),
		retired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_retired_total",
			Help:      "Items retired after a permanent delivery failure.",
		}, []string{"catalog"}),
		resets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watch_resets_total",
			Help:      "Watch list resets.",
		}, []string{"catalog", "forced"}),
		deliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Failed deliveries by status.",
		}, []string{"catalog", "status"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_runs_total",
			Help:      "Maintenance job runs by result.",
		}, []string{"job", "result"}),
		jobAffected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_affected_total",
			Help:      "Rows or entries changed by maintenance jobs.",
		}, []string{"job"}),
		caches: &cacheCollector{sources: map[string]cache.Sweeper{}},
	}

	reg.MustRegister(
		c.requests,
		c.requestLatency,
		c.retired,
		c.resets,
		c.deliveryFailures,
		c.jobRuns,
		c.jobAffected,
		c.caches,
	)
	return c
}

func (c *Collector) ObserveRequest(catalog string, outcome rotation.Outcome, took time.Duration) {
	c.requests.WithLabelValues(catalog, outcome.String()).Inc()
	c.requestLatency.WithLabelValues(catalog).Observe(took.Seconds())
}

func (c *Collector) IncRetired(catalog string) { c.retired.WithLabelValues(catalog).Inc() }

func (c *Collector) IncReset(catalog string, forced bool) {
	c.resets.WithLabelValues(catalog, strconv.FormatBool(forced)).Inc()
}

func (c *Collector) IncDeliveryFailure(catalog string, status rotation.Status) {
	c.deliveryFailures.WithLabelValues(catalog, status.String()).Inc()
}

// RecordJob counts one maintenance run. affected is ignored on error.
func (c *Collector) RecordJob(job string, affected int, err error) {
	if err != nil {
		c.jobRuns.WithLabelValues(job, "error").Inc()
		return
	}
	c.jobRuns.WithLabelValues(job, "ok").Inc()
	if affected > 0 {
		c.jobAffected.WithLabelValues(job).Add(float64(affected))
	}
}

// TrackCache exports entries, hits and misses of s under the given name.
func (c *Collector) TrackCache(name string, s cache.Sweeper) {
	c.caches.mu.Lock()
	c.caches.sources[name] = s
	c.caches.mu.Unlock()
}

var _ rotation.Recorder = (*Collector)(nil)

var (
	cacheEntriesDesc = prometheus.NewDesc(namespace+"_cache_entries", "Entries currently held, expired ones included until swept.", []string{"cache"}, nil)
	cacheHitsDesc    = prometheus.NewDesc(namespace+"_cache_hits_total", "Cache hits.", []string{"cache"}, nil)
	cacheMissesDesc  = prometheus.NewDesc(namespace+"_cache_misses_total", "Cache misses.", []string{"cache"}, nil)
)

// cacheCollector reads cache counters at scrape time.
type cacheCollector struct {
	mu      sync.Mutex
	sources map[string]cache.Sweeper
}

func (cc *cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- cacheEntriesDesc
	ch <- cacheHitsDesc
	ch <- cacheMissesDesc
}

func (cc *cacheCollector) Collect(ch chan<- prometheus.Metric) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	for name, s := range cc.sources {
		st := s.Stats()
		ch <- prometheus.MustNewConstMetric(cacheEntriesDesc, prometheus.GaugeValue, float64(st.Entries), name)
		ch <- prometheus.MustNewConstMetric(cacheHitsDesc, prometheus.CounterValue, float64(st.Hits), name)
		ch <- prometheus.MustNewConstMetric(cacheMissesDesc, prometheus.CounterValue, float64(st.Misses), name)
	}
}

// Handler serves the registry in the Prometheus text format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
