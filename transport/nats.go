package transport

import (
	"context"

	"github.com/c360/entitysync/natsclient"
	"github.com/c360/entitysync/syncchannel"
)

// NATS runs sync channels as core NATS subjects. The client re-establishes
// subscriptions itself after a reconnect.
type NATS struct {
	client *natsclient.Client
}

// NewNATS wraps a connected client.
func NewNATS(client *natsclient.Client) *NATS {
	return &NATS{client: client}
}

// Subscribe subscribes to the subject named channel.
func (n *NATS) Subscribe(ctx context.Context, channel string, handler syncchannel.Handler) (syncchannel.Subscription, error) {
	sub, err := n.client.Subscribe(ctx, channel, handler)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Publish publishes data on the subject named channel.
func (n *NATS) Publish(ctx context.Context, channel string, data []byte) error {
	return n.client.Publish(ctx, channel, data)
}
