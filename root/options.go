package root

import (
	"context"
	"log/slog"

	"github.com/c360/entitysync/entity"
	"github.com/c360/entitysync/metric"
	"github.com/c360/entitysync/service"
	"github.com/c360/entitysync/syncchannel"
)

// Watcher turns backend changes into sync events. kvservice.Service
// implements it.
type Watcher interface {
	Watch(ctx context.Context, sink syncchannel.Sink) error
}

type options struct {
	logger       *slog.Logger
	registry     *metric.MetricsRegistry
	notifier     service.Notifier
	prefix       string
	tenant       string
	pageSize     int
	historyLimit int
	watchers     map[string]Watcher
}

// Option configures a Store.
type Option func(*options)

// WithLogger sets the logger for every store.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics reports to registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *options) {
		o.registry = registry
	}
}

// WithNotifier sets where user-visible failures go. Defaults to a
// LogNotifier.
func WithNotifier(n service.Notifier) Option {
	return func(o *options) {
		if n != nil {
			o.notifier = n
		}
	}
}

// WithChannels sets the channel prefix and tenant used to name sync
// channels.
func WithChannels(prefix, tenant string) Option {
	return func(o *options) {
		if prefix != "" {
			o.prefix = prefix
		}
		o.tenant = tenant
	}
}

// WithPageSize sets the bootstrap page size.
func WithPageSize(n int) Option {
	return func(o *options) {
		o.pageSize = n
	}
}

// WithHistoryLimit bounds each entity store's history.
func WithHistoryLimit(n int) Option {
	return func(o *options) {
		o.historyLimit = n
	}
}

// WithWatcher feeds changes seen by w into the named group while the store
// runs.
func WithWatcher(name string, w Watcher) Option {
	return func(o *options) {
		if w != nil {
			o.watchers[name] = w
		}
	}
}

// DefaultPrefix is the default channel prefix.
const DefaultPrefix = "entitysync"

func defaultOptions() options {
	return options{
		logger:   slog.Default(),
		prefix:   DefaultPrefix,
		watchers: make(map[string]Watcher),
	}
}

func (o options) entityOptions() []entity.Option {
	if o.historyLimit > 0 {
		return []entity.Option{entity.WithHistoryLimit(o.historyLimit)}
	}
	return nil
}
