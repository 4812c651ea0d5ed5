// Package transport provides the push transports a sync channel can run on:
// NATS subjects, a topic protocol over WebSocket, and an in-process bus.
package transport

import (
	"context"
	"sync"

	"github.com/c360/entitysync/errors"
	"github.com/c360/entitysync/syncchannel"
)

// Bus is an in-process transport. Publish delivers synchronously on the
// caller's goroutine, so frames published by one goroutine arrive in order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]map[uint64]syncchannel.Handler
	nextID   uint64
	closed   bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string]map[uint64]syncchannel.Handler)}
}

// Subscribe registers handler for channel.
func (b *Bus) Subscribe(_ context.Context, channel string, handler syncchannel.Handler) (syncchannel.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.WrapInvalid(errors.ErrClosed, "Bus", "Subscribe", "check bus state")
	}
	b.nextID++
	id := b.nextID
	if b.handlers[channel] == nil {
		b.handlers[channel] = make(map[uint64]syncchannel.Handler)
	}
	b.handlers[channel][id] = handler
	return &busSub{bus: b, channel: channel, id: id}, nil
}

// Publish delivers data to every handler of channel.
func (b *Bus) Publish(ctx context.Context, channel string, data []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errors.WrapInvalid(errors.ErrClosed, "Bus", "Publish", "check bus state")
	}
	targets := make([]syncchannel.Handler, 0, len(b.handlers[channel]))
	for _, h := range b.handlers[channel] {
		targets = append(targets, h)
	}
	b.mu.RUnlock()

	for _, h := range targets {
		h(ctx, append([]byte(nil), data...))
	}
	return nil
}

// Subscribers returns the number of handlers on channel.
func (b *Bus) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[channel])
}

// Close drops every handler and rejects further use.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[string]map[uint64]syncchannel.Handler)
	return nil
}

type busSub struct {
	bus     *Bus
	channel string
	id      uint64
}

func (s *busSub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if hs := s.bus.handlers[s.channel]; hs != nil {
		delete(hs, s.id)
		if len(hs) == 0 {
			delete(s.bus.handlers, s.channel)
		}
	}
	return nil
}
