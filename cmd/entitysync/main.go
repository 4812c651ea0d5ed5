// Package main runs the entity sync stores as a long-lived process: it loads
// configuration, connects the push transport and backend, bootstraps every
// group store and serves metrics and health until signalled.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/c360/entitysync/config"
	"github.com/c360/entitysync/domain"
	"github.com/c360/entitysync/errors"
	"github.com/c360/entitysync/health"
	"github.com/c360/entitysync/metric"
	"github.com/c360/entitysync/natsclient"
	"github.com/c360/entitysync/root"
	"github.com/c360/entitysync/syncchannel"
	"github.com/c360/entitysync/transport"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "entitysync"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, err := parseFlags(args, os.Stderr)
	if err != nil {
		return err
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		return nil
	}

	logger := setupLogger(os.Stdout, cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cliCfg.ConfigPaths)
	if err != nil {
		return err
	}
	logger.Debug("Configuration loaded", "config", cfg.String())
	if cliCfg.Validate {
		logger.Info("Configuration is valid")
		return nil
	}

	logger.Info("Starting entitysync",
		"tenant", cfg.Tenant,
		"transport", cfg.Transport.Kind,
		"backend", cfg.Backend.Kind)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{cfg: cfg, cli: cliCfg, logger: logger, registry: metric.NewMetricsRegistry()}
	defer a.shutdown()

	if err := a.start(ctx); err != nil {
		return err
	}
	logger.Info("entitysync started", "metrics", a.server.Addr())

	<-ctx.Done()
	logger.Info("Received shutdown signal")
	return nil
}

// loadConfig merges the config layers and validates the result.
func loadConfig(paths []string) (*config.Config, error) {
	loader := config.NewLoader()
	for _, p := range paths {
		loader.AddLayer(p)
	}
	loader.EnableValidation(true)

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// app holds everything started by run, so shutdown can release it in
// reverse order whatever step failed.
type app struct {
	cfg      *config.Config
	cli      *CLIConfig
	logger   *slog.Logger
	registry *metric.MetricsRegistry

	nats      *natsclient.Client
	ws        *transport.WebSocket
	hub       *transport.Hub
	bridged   []syncchannel.Subscription
	transport syncchannel.Transport
	store     atomic.Pointer[root.Store]
	server    *metric.Server
}

func (a *app) start(ctx context.Context) error {
	if err := a.connectNATS(ctx); err != nil {
		return err
	}
	if err := a.connectTransport(ctx); err != nil {
		return err
	}

	b, err := newBackends(a.cfg, a.nats, a.transport, a.logger)
	if err != nil {
		return err
	}
	svcs, err := b.services(ctx)
	if err != nil {
		return fmt.Errorf("create backends: %w", err)
	}

	opts := append([]root.Option{
		root.WithLogger(a.logger),
		root.WithMetrics(a.registry),
		root.WithChannels(a.cfg.Channels.Prefix, a.cfg.Tenant),
		root.WithPageSize(a.cfg.Stores.PageSize),
		root.WithHistoryLimit(a.cfg.Stores.HistoryLimit),
	}, b.rootOpts...)
	store, err := root.New(a.transport, svcs, opts...)
	if err != nil {
		return fmt.Errorf("create stores: %w", err)
	}
	a.store.Store(store)

	a.server = metric.NewServer(a.cfg.Metrics.Addr, a.cfg.Metrics.Path, a.registry, store.Health)
	sources := []func() health.Status{store.Status}
	if a.nats != nil {
		sources = append(sources, func() health.Status { return natsStatus(a.nats) })
	}
	a.server.Handle("/status", statusHandler(sources...))
	if a.cfg.Transport.Serve != "" {
		a.hub = transport.NewHub(transport.WithHubLogger(a.logger))
		a.server.Handle(a.cfg.Transport.Serve, a.hub)
		if err := a.bridge(ctx, store); err != nil {
			return err
		}
	}
	if err := a.server.Start(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, a.cli.StartTimeout)
	defer cancel()
	if err := store.Start(startCtx); err != nil {
		return fmt.Errorf("start stores: %w", err)
	}
	return nil
}

// connectNATS connects when the transport or the backend needs NATS.
func (a *app) connectNATS(ctx context.Context) error {
	if a.cfg.Transport.Kind != config.TransportNATS && a.cfg.Backend.Kind != config.BackendKV {
		return nil
	}

	opts := []natsclient.ClientOption{
		natsclient.WithName(appName),
		natsclient.WithSlog(a.logger),
		natsclient.WithMetrics(a.registry),
		natsclient.WithMaxReconnects(a.cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(a.cfg.NATS.ReconnectWait),
		natsclient.WithPingInterval(a.cfg.NATS.PingInterval),
		natsclient.WithDrainTimeout(a.cfg.NATS.DrainTimeout),
		natsclient.WithCircuitBreakerThreshold(a.cfg.NATS.CircuitThreshold),
		natsclient.WithMaxBackoff(a.cfg.NATS.MaxBackoff),
		natsclient.WithReconnectCallback(func() { go a.refresh("nats") }),
		natsclient.WithHealthChangeCallback(a.natsHealthChanged),
	}
	if a.cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(a.cfg.NATS.Username, a.cfg.NATS.Password))
	}
	if a.cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(a.cfg.NATS.Token))
	}

	nc, err := natsclient.NewClient(strings.Join(a.cfg.NATS.URLs, ","), opts...)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}
	a.nats = nc

	a.logger.Info("Connecting to NATS", "url", nc.URL())
	if err := nc.Connect(ctx); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := nc.WaitForConnection(connCtx); err != nil {
		return fmt.Errorf("NATS connection timeout: %w", err)
	}
	return nil
}

func (a *app) connectTransport(ctx context.Context) error {
	if a.cfg.Transport.Kind == config.TransportNATS {
		a.transport = transport.NewNATS(a.nats)
		return nil
	}

	opts := []transport.WebSocketOption{
		transport.WithWSLogger(a.logger),
		transport.WithWSMetrics(a.registry.SyncMetrics()),
		transport.OnReconnect(func() { a.refresh("websocket") }),
	}
	if a.cfg.Transport.ReadTimeout > 0 {
		opts = append(opts, transport.WithReadTimeout(a.cfg.Transport.ReadTimeout))
	}
	ws, err := transport.DialWebSocket(ctx, a.cfg.Transport.URL, opts...)
	if err != nil {
		return fmt.Errorf("dial sync websocket: %w", err)
	}
	a.ws = ws
	a.transport = ws
	return nil
}

// bridge republishes every sync channel to clients of the local hub.
func (a *app) bridge(ctx context.Context, store *root.Store) error {
	for _, name := range domain.Names {
		channel, _ := store.Channel(name)
		sub, err := a.transport.Subscribe(ctx, channel, func(ctx context.Context, data []byte) {
			if err := a.hub.Publish(ctx, channel, data); err != nil {
				a.logger.Warn("Hub relay failed", "channel", channel, "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("bridge %s: %w", channel, err)
		}
		a.bridged = append(a.bridged, sub)
	}
	return nil
}

// natsHealthChanged logs connection transitions. Stores are reloaded by
// the reconnect callback once the connection is back.
func (a *app) natsHealthChanged(healthy bool) {
	if healthy {
		a.logger.Info("NATS connection available", "url", a.nats.URL())
		return
	}
	a.logger.Warn("NATS connection lost, sync events are not delivered until it returns", "url", a.nats.URL())
}

// refresh reloads bootstrapped stores after a transport reconnect, since
// pushes sent during the outage are lost.
func (a *app) refresh(source string) {
	store := a.store.Load()
	if store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cli.StartTimeout)
	defer cancel()
	if err := store.Refresh(ctx); err != nil {
		a.logger.Error("Refresh after reconnect failed", "source", source, "error", err)
		return
	}
	a.logger.Info("Stores refreshed after reconnect", "source", source)
}

func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cli.ShutdownTimeout)
	defer cancel()

	var errs []error
	if a.server != nil {
		errs = append(errs, a.server.Stop(ctx))
	}
	for _, sub := range a.bridged {
		errs = append(errs, sub.Unsubscribe())
	}
	if a.hub != nil {
		errs = append(errs, a.hub.Close())
	}
	if store := a.store.Load(); store != nil {
		errs = append(errs, store.Close())
	}
	if a.ws != nil {
		errs = append(errs, a.ws.Close())
	}
	if a.nats != nil {
		errs = append(errs, a.nats.Close(ctx))
	}

	if err := errors.Join(errs...); err != nil {
		a.logger.Error("Shutdown finished with errors", "error", err)
		return
	}
	a.logger.Info("entitysync shutdown complete")
}
