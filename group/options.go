package group

import (
	"log/slog"

	"github.com/c360/entitysync/entity"
	"github.com/c360/entitysync/metric"
	"github.com/c360/entitysync/service"
)

// DefaultPageSize is the page size used by Bootstrap and Invalidate.
const DefaultPageSize = 1000

type options struct {
	logger     *slog.Logger
	registry   *metric.MetricsRegistry
	notifier   service.Notifier
	pageSize   int
	entityOpts []entity.Option
}

// Option configures a Store.
type Option func(*options)

// WithLogger sets the logger, which is also passed to entity stores.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics reports sync and index metrics to registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *options) {
		o.registry = registry
	}
}

// WithNotifier sets where failures are reported.
func WithNotifier(n service.Notifier) Option {
	return func(o *options) {
		o.notifier = n
	}
}

// WithPageSize sets the listing page size. Values below one keep the default.
func WithPageSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

// WithEntityOptions passes extra options to every entity store the group
// creates.
func WithEntityOptions(opts ...entity.Option) Option {
	return func(o *options) {
		o.entityOpts = append(o.entityOpts, opts...)
	}
}
