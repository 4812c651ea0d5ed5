package cache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/entitysync/metric"
)

type cacheMetrics struct {
	hits    prometheus.Counter
	misses  prometheus.Counter
	sets    prometheus.Counter
	deletes prometheus.Counter
	size    prometheus.Gauge
}

func newCacheMetrics(registry *metric.MetricsRegistry, prefix string) (*cacheMetrics, error) {
	labels := prometheus.Labels{"component": prefix}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "entitysync",
			Subsystem:   "index",
			Name:        name,
			ConstLabels: labels,
			Help:        help,
		})
	}

	m := &cacheMetrics{
		hits:    counter("hits_total", "Index lookups that found their key"),
		misses:  counter("misses_total", "Index lookups that missed"),
		sets:    counter("sets_total", "Index writes"),
		deletes: counter("deletes_total", "Index removals"),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "entitysync",
			Subsystem:   "index",
			Name:        "size",
			ConstLabels: labels,
			Help:        "Current number of entries in the index",
		}),
	}

	for name, c := range map[string]prometheus.Counter{
		"index_hits":    m.hits,
		"index_misses":  m.misses,
		"index_sets":    m.sets,
		"index_deletes": m.deletes,
	} {
		if err := registry.RegisterCounter(prefix, name, c); err != nil {
			return nil, err
		}
	}
	if err := registry.RegisterGauge(prefix, "index_size", m.size); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *cacheMetrics) recordHit()          { m.hits.Inc() }
func (m *cacheMetrics) recordMiss()         { m.misses.Inc() }
func (m *cacheMetrics) recordSet()          { m.sets.Inc() }
func (m *cacheMetrics) recordDelete()       { m.deletes.Inc() }
func (m *cacheMetrics) updateSize(size int) { m.size.Set(float64(size)) }
