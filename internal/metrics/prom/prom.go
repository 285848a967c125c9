// Package prom exports tile cache events as Prometheus metrics.
package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"movingmap/internal/tilecache"
)

// Adapter implements tilecache.Metrics with Prometheus counters and gauges.
// Safe for concurrent use.
type Adapter struct {
	hits       prometheus.Counter
	misses     prometheus.Counter
	evicts     prometheus.Counter
	promotes   prometheus.Counter
	attempts   *prometheus.CounterVec
	loads      *prometheus.CounterVec
	failures   prometheus.Counter
	entries    prometheus.Gauge
	queued     prometheus.Gauge
	imageBytes prometheus.Gauge
}

// New registers the adapter's metrics with reg (nil means
// prometheus.DefaultRegisterer) under namespace ns and subsystem sub.
func New(reg prometheus.Registerer, ns, sub string) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: name, Help: help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, Name: name, Help: help,
		})
	}

	a := &Adapter{
		hits:     counter("hits_total", "Tile requests served from a loaded image"),
		misses:   counter("misses_total", "Tile requests that queued a fetch"),
		evicts:   counter("evictions_total", "Tiles evicted from the memory cache"),
		promotes: counter("promotions_total", "Queued prefetches promoted to high priority"),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "fetch_attempts_total",
			Help: "Network fetch attempts by result",
		}, []string{"result"}),
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "loads_total",
			Help: "Tiles loaded by source",
		}, []string{"source"}),
		failures:   counter("failures_total", "Tiles that failed to load"),
		entries:    gauge("entries", "Tiles resident in the memory cache"),
		queued:     gauge("queued", "Tiles waiting for a worker"),
		imageBytes: gauge("image_bytes", "Estimated bytes of decoded images"),
	}
	reg.MustRegister(a.hits, a.misses, a.evicts, a.promotes, a.attempts, a.loads,
		a.failures, a.entries, a.queued, a.imageBytes)
	return a
}

func (a *Adapter) Hit()     { a.hits.Inc() }
func (a *Adapter) Miss()    { a.misses.Inc() }
func (a *Adapter) Evict()   { a.evicts.Inc() }
func (a *Adapter) Promote() { a.promotes.Inc() }
func (a *Adapter) Failed()  { a.failures.Inc() }

func (a *Adapter) Attempt(r tilecache.AttemptResult) {
	a.attempts.WithLabelValues(string(r)).Inc()
}

func (a *Adapter) Loaded(src tilecache.Source) {
	a.loads.WithLabelValues(string(src)).Inc()
}

// Size updates the occupancy gauges.
func (a *Adapter) Size(entries, queued int, imageBytes int64) {
	a.entries.Set(float64(entries))
	a.queued.Set(float64(queued))
	a.imageBytes.Set(float64(imageBytes))
}

var _ tilecache.Metrics = (*Adapter)(nil)
