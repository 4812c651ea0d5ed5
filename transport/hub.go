package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/entitysync/errors"
	"github.com/c360/entitysync/syncchannel"
)

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubLogger sets the hub logger.
func WithHubLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithPingInterval sets how often the hub pings clients. Clients that miss
// two pings are dropped.
func WithPingInterval(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.pingInterval = d
		}
	}
}

// WithCheckOrigin overrides the upgrader origin check.
func WithCheckOrigin(fn func(*http.Request) bool) HubOption {
	return func(h *Hub) {
		h.upgrader.CheckOrigin = fn
	}
}

// Hub is the server side of the WebSocket topic protocol. Remote clients
// join topics; event frames from a client are relayed to every other member
// of the topic and to local subscribers. Hub is itself a Transport for
// in-process subscribers.
type Hub struct {
	upgrader     websocket.Upgrader
	logger       *slog.Logger
	pingInterval time.Duration

	mu      sync.RWMutex
	clients map[*hubClient]struct{}
	local   map[string]map[uint64]syncchannel.Handler
	nextID  uint64
	closed  bool
}

type hubClient struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	topics    map[string]bool // guarded by Hub.mu
	closeOnce sync.Once
	done      chan struct{}
}

// NewHub creates a hub; mount it with http.Handle.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:       slog.Default(),
		pingInterval: 30 * time.Second,
		clients:      make(map[*hubClient]struct{}),
		local:        make(map[string]map[uint64]syncchannel.Handler),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "transport.hub")
	return h
}

// ServeHTTP upgrades the request and serves the client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c := &hubClient{conn: conn, topics: make(map[string]bool), done: make(chan struct{})}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("Client connected", "remote", r.RemoteAddr)
	go h.pingLoop(c)
	h.readLoop(r.Context(), c)
}

func (h *Hub) readLoop(ctx context.Context, c *hubClient) {
	defer h.removeClient(c)

	deadline := 2 * h.pingInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(deadline))

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Topic == "" {
			h.logger.Debug("Ignoring malformed frame", "bytes", len(data))
			continue
		}

		switch f.Type {
		case FrameJoin:
			h.mu.Lock()
			c.topics[f.Topic] = true
			h.mu.Unlock()
		case FrameLeave:
			h.mu.Lock()
			delete(c.topics, f.Topic)
			h.mu.Unlock()
		case FrameEvent:
			h.deliver(ctx, f.Topic, f.Payload, c)
		}
	}
}

func (h *Hub) pingLoop(c *hubClient) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				h.removeClient(c)
				return
			}
		}
	}
}

func (h *Hub) removeClient(c *hubClient) {
	c.closeOnce.Do(func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		close(c.done)
		_ = c.conn.Close()
	})
}

// deliver relays payload to every client joined to topic except from, then
// to local handlers.
func (h *Hub) deliver(ctx context.Context, topic string, payload json.RawMessage, from *hubClient) {
	frame, err := json.Marshal(Frame{Type: FrameEvent, Topic: topic, Payload: payload})
	if err != nil {
		h.logger.Warn("Dropping unencodable event", "topic", topic, "error", err)
		return
	}

	h.mu.RLock()
	var targets []*hubClient
	for c := range h.clients {
		if c != from && c.topics[topic] {
			targets = append(targets, c)
		}
	}
	handlers := make([]syncchannel.Handler, 0, len(h.local[topic]))
	for _, fn := range h.local[topic] {
		handlers = append(handlers, fn)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.write(frame); err != nil {
			h.logger.Debug("Dropping client after write failure", "error", err)
			h.removeClient(c)
		}
	}
	for _, fn := range handlers {
		fn(ctx, append([]byte(nil), payload...))
	}
}

func (c *hubClient) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Publish sends data to every client joined to channel and to local handlers.
func (h *Hub) Publish(ctx context.Context, channel string, data []byte) error {
	if !json.Valid(data) {
		return errors.WrapInvalid(fmt.Errorf("payload for %s is not JSON", channel), "Hub", "Publish", "validate payload")
	}
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return errors.WrapInvalid(errors.ErrClosed, "Hub", "Publish", "check hub state")
	}
	h.deliver(ctx, channel, data, nil)
	return nil
}

// Subscribe registers an in-process handler for channel.
func (h *Hub) Subscribe(_ context.Context, channel string, handler syncchannel.Handler) (syncchannel.Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errors.WrapInvalid(errors.ErrClosed, "Hub", "Subscribe", "check hub state")
	}
	h.nextID++
	id := h.nextID
	if h.local[channel] == nil {
		h.local[channel] = make(map[uint64]syncchannel.Handler)
	}
	h.local[channel][id] = handler
	return subscriptionFunc(func() error {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.local[channel], id)
		return nil
	}), nil
}

// Members returns how many remote clients have joined topic.
func (h *Hub) Members(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.clients {
		if c.topics[topic] {
			n++
		}
	}
	return n
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Disconnect drops every client connection; clients may reconnect.
func (h *Hub) Disconnect() {
	h.mu.RLock()
	clients := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.removeClient(c)
	}
}

// Close drops every client and rejects new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	h.local = make(map[string]map[uint64]syncchannel.Handler)
	h.mu.Unlock()
	h.Disconnect()
	return nil
}

type subscriptionFunc func() error

func (f subscriptionFunc) Unsubscribe() error { return f() }
