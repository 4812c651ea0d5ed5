package entity

import (
	"log/slog"
	"time"

	"github.com/c360/entitysync/metric"
	"github.com/c360/entitysync/service"
)

// DefaultHistoryLimit bounds the per-store operation history.
const DefaultHistoryLimit = 100

type options struct {
	logger       *slog.Logger
	metrics      *metric.SyncMetrics
	notifier     service.Notifier
	historyLimit int
	now          func() time.Time
}

func defaultOptions() options {
	return options{
		logger:       slog.Default(),
		historyLimit: DefaultHistoryLimit,
		now:          time.Now,
	}
}

// Option configures a Store.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics reports mutations, rollbacks and commit latency.
func WithMetrics(m *metric.SyncMetrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithNotifier sets where commit failures are reported.
func WithNotifier(n service.Notifier) Option {
	return func(o *options) {
		o.notifier = n
	}
}

// WithHistoryLimit bounds the operation history; the oldest entries are
// dropped first. Values below one keep the default.
func WithHistoryLimit(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.historyLimit = n
		}
	}
}

// WithClock overrides the time source used to stamp operations.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// UpdateOption configures a single Update call.
type UpdateOption func(*updateOptions)

type updateOptions struct {
	local bool
}

// LocalOnly applies an update locally without committing it. A later
// commit, or its rollback, covers it.
func LocalOnly() UpdateOption {
	return func(o *updateOptions) {
		o.local = true
	}
}
