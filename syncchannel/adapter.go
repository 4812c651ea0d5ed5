package syncchannel

import (
	"context"
	"log/slog"
	"sync"

	"github.com/c360/entitysync/errors"
	"github.com/c360/entitysync/metric"
)

// Handler receives raw frames from a transport.
type Handler func(ctx context.Context, data []byte)

// Subscription is a live transport subscription.
type Subscription interface {
	Unsubscribe() error
}

// Publisher sends raw frames to a channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, data []byte) error
}

// Transport is a topic-based push transport. Implementations own reconnection
// and re-joining of live subscriptions.
type Transport interface {
	Publisher
	Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error)
}

// Sink consumes decoded events; collection stores implement it.
type Sink interface {
	Sync(ctx context.Context, event Event) error
}

// Publish encodes ev and sends it on channel.
func Publish(ctx context.Context, p Publisher, channel string, ev Event) error {
	data, err := ev.Encode()
	if err != nil {
		return err
	}
	if err := p.Publish(ctx, channel, data); err != nil {
		return errors.WrapTransient(err, "syncchannel", "Publish", "publish to "+channel)
	}
	return nil
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMetrics counts undecodable frames.
func WithMetrics(m *metric.SyncMetrics) Option {
	return func(a *Adapter) {
		a.metrics = m
	}
}

// Adapter subscribes one channel and forwards decoded events to a Sink.
// It performs no retries; a frame that cannot be decoded is logged, counted
// and dropped.
type Adapter struct {
	channel   string
	transport Transport
	sink      Sink
	logger    *slog.Logger
	metrics   *metric.SyncMetrics

	mu  sync.Mutex
	sub Subscription
}

// NewAdapter binds channel on transport to sink.
func NewAdapter(channel string, transport Transport, sink Sink, opts ...Option) (*Adapter, error) {
	if channel == "" {
		return nil, errors.WrapInvalid(nil, "Adapter", "NewAdapter", "channel name required")
	}
	if transport == nil || sink == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Adapter", "NewAdapter", "transport and sink required")
	}

	a := &Adapter{
		channel:   channel,
		transport: transport,
		sink:      sink,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "syncchannel", "channel", channel)
	return a, nil
}

// Channel returns the bound channel name.
func (a *Adapter) Channel() string {
	return a.channel
}

// Subscribed reports whether a subscription is live.
func (a *Adapter) Subscribed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sub != nil
}

// Subscribe starts delivery. Subscribing again replaces the previous
// subscription, so there is never more than one live handler.
func (a *Adapter) Subscribe(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sub != nil {
		if err := a.sub.Unsubscribe(); err != nil {
			a.logger.Warn("Dropping previous subscription failed", "error", err)
		}
		a.sub = nil
	}

	sub, err := a.transport.Subscribe(ctx, a.channel, a.handle)
	if err != nil {
		return errors.WrapTransient(err, "Adapter", "Subscribe", "subscribe to "+a.channel)
	}
	a.sub = sub
	a.logger.Debug("Subscribed")
	return nil
}

// Close stops delivery. Safe to call when not subscribed.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sub == nil {
		return nil
	}
	err := a.sub.Unsubscribe()
	a.sub = nil
	if err != nil {
		return errors.WrapTransient(err, "Adapter", "Close", "unsubscribe from "+a.channel)
	}
	return nil
}

func (a *Adapter) handle(ctx context.Context, data []byte) {
	ev, err := Decode(data)
	if err != nil {
		a.metrics.RecordDecodeFailure(a.channel)
		a.logger.Warn("Dropping malformed sync frame", "error", err, "bytes", len(data))
		return
	}

	if err := a.sink.Sync(ctx, ev); err != nil {
		a.logger.Error("Sync event failed", "action", ev.Action, "ids", ev.IDs, "error", err)
	}
}
