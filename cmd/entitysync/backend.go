package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/c360/entitysync/config"
	"github.com/c360/entitysync/domain"
	"github.com/c360/entitysync/entity"
	"github.com/c360/entitysync/natsclient"
	"github.com/c360/entitysync/root"
	"github.com/c360/entitysync/service"
	"github.com/c360/entitysync/service/graphqlsvc"
	"github.com/c360/entitysync/service/kvservice"
	"github.com/c360/entitysync/syncchannel"
)

// backends builds one service per entity type from the configured backend.
// KV services publish to the sync channels themselves and, when watching is
// on, contribute watchers through rootOpts.
type backends struct {
	cfg       *config.Config
	nats      *natsclient.Client
	publisher syncchannel.Publisher
	sdl       string
	logger    *slog.Logger

	rootOpts []root.Option
}

func newBackends(cfg *config.Config, nc *natsclient.Client, pub syncchannel.Publisher, logger *slog.Logger) (*backends, error) {
	b := &backends{cfg: cfg, nats: nc, publisher: pub, logger: logger}
	if cfg.Backend.Kind == config.BackendGraphQL && cfg.Backend.GraphQL.SchemaFile != "" {
		data, err := os.ReadFile(cfg.Backend.GraphQL.SchemaFile)
		if err != nil {
			return nil, fmt.Errorf("read GraphQL schema: %w", err)
		}
		b.sdl = string(data)
	}
	return b, nil
}

func (b *backends) services(ctx context.Context) (root.Services, error) {
	var (
		svcs root.Services
		err  error
	)
	if svcs.Flows, err = build(ctx, b, domain.FlowSchema()); err != nil {
		return svcs, err
	}
	if svcs.FlowSenders, err = build(ctx, b, domain.FlowSenderSchema()); err != nil {
		return svcs, err
	}
	if svcs.FlowContacts, err = build(ctx, b, domain.FlowContactSchema()); err != nil {
		return svcs, err
	}
	if svcs.Users, err = build(ctx, b, domain.UserSchema()); err != nil {
		return svcs, err
	}
	if svcs.Contracts, err = build(ctx, b, domain.ContractSchema()); err != nil {
		return svcs, err
	}
	return svcs, nil
}

func build[T any](ctx context.Context, b *backends, schema entity.Schema[T]) (service.Service[T], error) {
	if b.cfg.Backend.Kind == config.BackendKV {
		return kvBackend(ctx, b, schema)
	}
	return graphqlBackend(b, schema)
}

func kvBackend[T any](ctx context.Context, b *backends, schema entity.Schema[T]) (service.Service[T], error) {
	channel, err := syncchannel.ChannelName(b.cfg.Channels.Prefix, b.cfg.Tenant, schema.Name)
	if err != nil {
		return nil, err
	}
	svc, err := kvservice.New(ctx, b.nats, schema,
		kvservice.WithLogger(b.logger),
		kvservice.WithPublisher(b.publisher, channel),
		kvservice.WithHistory(uint8(b.cfg.Backend.KV.History)),
		kvservice.WithKVOptions(
			natsclient.WithKVTimeout(b.cfg.Backend.KV.Timeout),
			natsclient.WithMaxValueSize(b.cfg.Backend.KV.MaxValueSize),
		),
	)
	if err != nil {
		return nil, err
	}
	if b.cfg.Backend.KV.Watch {
		b.rootOpts = append(b.rootOpts, root.WithWatcher(schema.Name, svc))
	}
	b.logger.Debug("KV backend ready", "store", schema.Name, "bucket", svc.Bucket())
	return svc, nil
}

func graphqlBackend[T any](b *backends, schema entity.Schema[T]) (service.Service[T], error) {
	gql := b.cfg.Backend.GraphQL
	docs := gql.Documents[schema.Name]

	opts := []graphqlsvc.Option{
		graphqlsvc.WithLogger(b.logger),
		graphqlsvc.WithTimeout(gql.Timeout),
		graphqlsvc.WithRateLimit(gql.RateLimit, gql.Burst),
	}
	if b.sdl != "" {
		opts = append(opts, graphqlsvc.WithSchema(b.sdl))
	}
	for k, v := range gql.Headers {
		opts = append(opts, graphqlsvc.WithHeader(k, v))
	}

	svc, err := graphqlsvc.New(gql.Endpoint, schema, graphqlsvc.Documents{
		List:   docs.List,
		Get:    docs.Get,
		Create: docs.Create,
		Update: docs.Update,
		Delete: docs.Delete,
	}, opts...)
	if err != nil {
		return nil, err
	}
	return svc, nil
}
