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
	"github.com/c360/entitysync/metric"
	"github.com/c360/entitysync/pkg/retry"
	"github.com/c360/entitysync/syncchannel"
)

// WebSocketOption configures a WebSocket client.
type WebSocketOption func(*WebSocket)

// WithWSLogger sets the client logger.
func WithWSLogger(logger *slog.Logger) WebSocketOption {
	return func(w *WebSocket) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithWSMetrics counts reconnects.
func WithWSMetrics(m *metric.SyncMetrics) WebSocketOption {
	return func(w *WebSocket) {
		w.metrics = m
	}
}

// WithReconnect sets the backoff used between reconnect attempts.
func WithReconnect(cfg retry.Config) WebSocketOption {
	return func(w *WebSocket) {
		w.backoff = cfg
	}
}

// WithHeader sets headers sent on every dial, e.g. Authorization.
func WithHeader(header http.Header) WebSocketOption {
	return func(w *WebSocket) {
		w.header = header
	}
}

// OnReconnect calls fn after every successful reconnect. Frames published
// while the connection was down are lost, so callers usually refetch.
func OnReconnect(fn func()) WebSocketOption {
	return func(w *WebSocket) {
		w.onReconnect = fn
	}
}

// WithReadTimeout drops the connection when nothing, pings included, arrives
// within d.
func WithReadTimeout(d time.Duration) WebSocketOption {
	return func(w *WebSocket) {
		if d > 0 {
			w.readTimeout = d
		}
	}
}

// WebSocket is the client side of the topic protocol served by Hub. After a
// dropped connection it redials with backoff and re-joins every topic that
// still has handlers.
type WebSocket struct {
	url         string
	header      http.Header
	dialer      *websocket.Dialer
	logger      *slog.Logger
	metrics     *metric.SyncMetrics
	backoff     retry.Config
	readTimeout time.Duration
	onReconnect func()

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers map[string]map[uint64]syncchannel.Handler
	nextID   uint64

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// DialWebSocket connects to url and starts the read loop. The first dial
// is synchronous; later reconnects happen in the background.
func DialWebSocket(ctx context.Context, url string, opts ...WebSocketOption) (*WebSocket, error) {
	w := &WebSocket{
		url:         url,
		dialer:      &websocket.Dialer{HandshakeTimeout: 45 * time.Second},
		logger:      slog.Default(),
		backoff:     retry.Reconnect(),
		readTimeout: 75 * time.Second,
		handlers:    make(map[string]map[uint64]syncchannel.Handler),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "transport.websocket", "url", url)

	conn, err := w.dial(ctx)
	if err != nil {
		return nil, err
	}
	w.conn = conn
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.metrics.SetTransportUp("websocket", true)
	go w.run(conn)
	return w, nil
}

func (w *WebSocket) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := w.dialer.DialContext(ctx, w.url, w.header)
	if err != nil {
		return nil, errors.WrapTransient(err, "WebSocket", "dial", "connect to "+w.url)
	}
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(w.readTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})
	return conn, nil
}

func (w *WebSocket) run(conn *websocket.Conn) {
	defer close(w.done)
	for {
		w.readLoop(conn)

		w.mu.Lock()
		w.conn = nil
		w.mu.Unlock()
		w.metrics.SetTransportUp("websocket", false)

		if w.ctx.Err() != nil {
			return
		}
		w.logger.Warn("Connection lost, reconnecting")

		next, err := w.reconnect()
		if err != nil {
			return
		}
		conn = next
	}
}

func (w *WebSocket) reconnect() (*websocket.Conn, error) {
	for attempt := 1; ; attempt++ {
		if err := w.backoff.Sleep(w.ctx, attempt); err != nil {
			return nil, err
		}
		conn, err := w.dial(w.ctx)
		if err != nil {
			w.logger.Debug("Reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		w.mu.Lock()
		if w.ctx.Err() != nil {
			w.mu.Unlock()
			_ = conn.Close()
			return nil, w.ctx.Err()
		}
		w.conn = conn
		topics := make([]string, 0, len(w.handlers))
		for topic := range w.handlers {
			topics = append(topics, topic)
		}
		w.mu.Unlock()

		rejoinFailed := false
		for _, topic := range topics {
			if err := w.send(conn, Frame{Type: FrameJoin, Topic: topic}); err != nil {
				w.logger.Warn("Re-join failed", "topic", topic, "error", err)
				rejoinFailed = true
				break
			}
		}
		if rejoinFailed {
			_ = conn.Close()
			w.mu.Lock()
			w.conn = nil
			w.mu.Unlock()
			continue
		}

		w.metrics.RecordReconnect("websocket")
		w.metrics.SetTransportUp("websocket", true)
		w.logger.Info("Reconnected", "attempts", attempt, "topics", len(topics))
		if w.onReconnect != nil {
			go w.onReconnect()
		}
		return conn, nil
	}
}

func (w *WebSocket) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(w.readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Type != FrameEvent {
			continue
		}

		w.mu.Lock()
		targets := make([]syncchannel.Handler, 0, len(w.handlers[f.Topic]))
		for _, h := range w.handlers[f.Topic] {
			targets = append(targets, h)
		}
		w.mu.Unlock()

		for _, h := range targets {
			h(w.ctx, f.Payload)
		}
	}
}

func (w *WebSocket) send(conn *websocket.Conn, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return errors.WrapInvalid(err, "WebSocket", "send", "encode frame")
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.WrapTransient(err, "WebSocket", "send", "write "+f.Type+" frame")
	}
	return nil
}

func (w *WebSocket) current() *websocket.Conn {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn
}

// Subscribe registers handler for topic, joining it on the first handler.
// While disconnected the handler is recorded and joined on reconnect.
func (w *WebSocket) Subscribe(_ context.Context, topic string, handler syncchannel.Handler) (syncchannel.Subscription, error) {
	if w.ctx.Err() != nil {
		return nil, errors.WrapInvalid(errors.ErrClosed, "WebSocket", "Subscribe", "check client state")
	}

	w.mu.Lock()
	w.nextID++
	id := w.nextID
	first := len(w.handlers[topic]) == 0
	if first {
		w.handlers[topic] = make(map[uint64]syncchannel.Handler)
	}
	w.handlers[topic][id] = handler
	conn := w.conn
	w.mu.Unlock()

	if first && conn != nil {
		if err := w.send(conn, Frame{Type: FrameJoin, Topic: topic}); err != nil {
			w.logger.Warn("Join deferred to reconnect", "topic", topic, "error", err)
		}
	}

	return subscriptionFunc(func() error {
		w.mu.Lock()
		hs := w.handlers[topic]
		if _, ok := hs[id]; !ok {
			w.mu.Unlock()
			return nil
		}
		delete(hs, id)
		last := len(hs) == 0
		if last {
			delete(w.handlers, topic)
		}
		conn := w.conn
		w.mu.Unlock()

		if last && conn != nil {
			return w.send(conn, Frame{Type: FrameLeave, Topic: topic})
		}
		return nil
	}), nil
}

// Publish sends an event frame on topic. data must be JSON.
func (w *WebSocket) Publish(_ context.Context, topic string, data []byte) error {
	if !json.Valid(data) {
		return errors.WrapInvalid(fmt.Errorf("payload for %s is not JSON", topic), "WebSocket", "Publish", "validate payload")
	}
	conn := w.current()
	if conn == nil {
		return errors.WrapTransient(errors.ErrNoConnection, "WebSocket", "Publish", "publish to "+topic)
	}
	return w.send(conn, Frame{Type: FrameEvent, Topic: topic, Payload: data})
}

// Connected reports whether a connection is currently established.
func (w *WebSocket) Connected() bool {
	return w.current() != nil
}

// Close stops reconnecting and closes the connection.
func (w *WebSocket) Close() error {
	w.cancel()
	if conn := w.current(); conn != nil {
		w.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		w.writeMu.Unlock()
		_ = conn.Close()
	}
	<-w.done
	return nil
}
