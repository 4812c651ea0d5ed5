package cache

import (
	"github.com/c360/entitysync/metric"
)

// Option configures an index using the functional options pattern.
type Option[V any] func(*cacheOptions[V])

type cacheOptions[V any] struct {
	// metricsReg is optional; when set, stats are also exported to Prometheus
	metricsReg *metric.MetricsRegistry

	// metricsPrefix becomes the component label of exported metrics
	metricsPrefix string

	evictCallback EvictCallback[V]
}

// WithMetrics enables Prometheus export of index statistics.
// A nil registry or empty prefix disables it.
func WithMetrics[V any](registry *metric.MetricsRegistry, prefix string) Option[V] {
	return func(opts *cacheOptions[V]) {
		if registry != nil && prefix != "" {
			opts.metricsReg = registry
			opts.metricsPrefix = prefix
		}
	}
}

// WithEvictionCallback sets a function called when entries are removed.
func WithEvictionCallback[V any](callback EvictCallback[V]) Option[V] {
	return func(opts *cacheOptions[V]) {
		opts.evictCallback = callback
	}
}
