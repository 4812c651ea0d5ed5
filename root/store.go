// Package root composes one group store per CRM entity type, binds each to
// its sync channel and starts them together.
//
// Everything the stores need is passed in: the push transport, a backend
// per entity type, and the ambient logger, metrics and notifier. There is no
// package-level state, so tests build as many roots as they like.
package root

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/c360/entitysync/domain"
	"github.com/c360/entitysync/entity"
	"github.com/c360/entitysync/errors"
	"github.com/c360/entitysync/group"
	"github.com/c360/entitysync/health"
	"github.com/c360/entitysync/service"
	"github.com/c360/entitysync/syncchannel"
)

// Services holds the backend for each entity type.
type Services struct {
	Flows        service.Service[domain.Flow]
	FlowSenders  service.Service[domain.FlowSender]
	FlowContacts service.Service[domain.FlowContact]
	Users        service.Service[domain.User]
	Contracts    service.Service[domain.Contract]
}

// Group is the type-independent view of a group store.
type Group interface {
	syncchannel.Sink
	Name() string
	Bootstrap(ctx context.Context) error
	IsBootstrapped() bool
	IsLoading() bool
	FullyLoaded() bool
	Invalidate(ctx context.Context) error
	Len() int
	TotalElements() int
	Err() error
}

var (
	_ Group = (*group.Store[domain.Flow])(nil)
	_ Group = (*group.Store[domain.Contract])(nil)
)

// Store is the composition root.
type Store struct {
	Flows        *group.Store[domain.Flow]
	FlowSenders  *group.Store[domain.FlowSender]
	FlowContacts *group.Store[domain.FlowContact]
	Users        *group.Store[domain.User]
	Contracts    *group.Store[domain.Contract]

	transport syncchannel.Transport
	opts      options
	logger    *slog.Logger

	groups   []Group
	byName   map[string]Group
	adapters map[string]*syncchannel.Adapter

	mu         sync.Mutex
	closed     bool
	stopWatch  context.CancelFunc
	watchersWG sync.WaitGroup
}

// New builds every group store and its channel adapter. Nothing is
// subscribed or fetched until Start.
func New(transport syncchannel.Transport, svcs Services, opts ...Option) (*Store, error) {
	if transport == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Root", "New", "transport required")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.notifier == nil {
		o.notifier = service.NewLogNotifier(o.logger)
	}

	s := &Store{
		transport: transport,
		opts:      o,
		logger:    o.logger.With("component", "root"),
		byName:    make(map[string]Group),
		adapters:  make(map[string]*syncchannel.Adapter),
	}

	var err error
	if s.Flows, err = addGroup(s, domain.FlowSchema(), svcs.Flows); err != nil {
		return nil, err
	}
	if s.FlowSenders, err = addGroup(s, domain.FlowSenderSchema(), svcs.FlowSenders); err != nil {
		return nil, err
	}
	if s.FlowContacts, err = addGroup(s, domain.FlowContactSchema(), svcs.FlowContacts); err != nil {
		return nil, err
	}
	if s.Users, err = addGroup(s, domain.UserSchema(), svcs.Users); err != nil {
		return nil, err
	}
	if s.Contracts, err = addGroup(s, domain.ContractSchema(), svcs.Contracts); err != nil {
		return nil, err
	}

	for name := range o.watchers {
		if _, ok := s.byName[name]; !ok {
			return nil, errors.WrapInvalid(fmt.Errorf("watcher for unknown entity %q", name), "Root", "New", "check watchers")
		}
	}
	return s, nil
}

func addGroup[T any](s *Store, schema entity.Schema[T], svc service.Service[T]) (*group.Store[T], error) {
	if svc == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("no service for %s", schema.Name), "Root", "New", "check services")
	}

	g, err := group.New(schema, svc,
		group.WithLogger(s.opts.logger),
		group.WithMetrics(s.opts.registry),
		group.WithNotifier(s.opts.notifier),
		group.WithPageSize(s.opts.pageSize),
		group.WithEntityOptions(s.opts.entityOptions()...),
	)
	if err != nil {
		return nil, err
	}

	channel, err := syncchannel.ChannelName(s.opts.prefix, s.opts.tenant, schema.Name)
	if err != nil {
		return nil, err
	}
	adapter, err := syncchannel.NewAdapter(channel, s.transport, g,
		syncchannel.WithLogger(s.opts.logger),
		syncchannel.WithMetrics(s.opts.registry.SyncMetrics()),
	)
	if err != nil {
		return nil, err
	}

	s.groups = append(s.groups, g)
	s.byName[schema.Name] = g
	s.adapters[schema.Name] = adapter
	return g, nil
}

// Groups returns every group in start order.
func (s *Store) Groups() []Group {
	return append([]Group(nil), s.groups...)
}

// Group returns the group for an entity name.
func (s *Store) Group(name string) (Group, bool) {
	g, ok := s.byName[name]
	return g, ok
}

// Channel returns the sync channel bound to an entity name.
func (s *Store) Channel(name string) (string, bool) {
	a, ok := s.adapters[name]
	if !ok {
		return "", false
	}
	return a.Channel(), true
}

// Start subscribes every channel, starts the watchers and bootstraps all
// groups concurrently. Subscribing first means no push sent during the
// bootstrap is missed. Calling Start again re-subscribes and bootstraps
// only groups that are not yet bootstrapped.
func (s *Store) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrClosed, "Root", "Start", "check state")
	}
	for _, g := range s.groups {
		if err := s.adapters[g.Name()].Subscribe(ctx); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	if s.stopWatch == nil && len(s.opts.watchers) > 0 {
		s.startWatchers(ctx)
	}
	s.mu.Unlock()

	eg, egCtx := errgroup.WithContext(ctx)
	for _, g := range s.groups {
		eg.Go(func() error {
			return g.Bootstrap(egCtx)
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	s.logger.Info("Stores started", "groups", len(s.groups))
	return nil
}

func (s *Store) startWatchers(ctx context.Context) {
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.stopWatch = cancel
	for name, w := range s.opts.watchers {
		sink := s.byName[name]
		s.watchersWG.Add(1)
		go func() {
			defer s.watchersWG.Done()
			if err := w.Watch(wctx, sink); err != nil {
				s.logger.Error("Watcher stopped", "store", name, "error", err)
			}
		}()
	}
}

// Refresh reloads the first page of every bootstrapped group. Use it after
// a transport outage, when pushes may have been lost.
func (s *Store) Refresh(ctx context.Context) error {
	eg, egCtx := errgroup.WithContext(ctx)
	for _, g := range s.groups {
		if !g.IsBootstrapped() {
			continue
		}
		eg.Go(func() error {
			return g.Invalidate(egCtx)
		})
	}
	return eg.Wait()
}

// Health reports an error until every group is bootstrapped, and after
// Close.
func (s *Store) Health() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errors.ErrClosed
	}
	for _, g := range s.groups {
		if !g.IsBootstrapped() {
			return fmt.Errorf("%s not bootstrapped", g.Name())
		}
	}
	return nil
}

// Status reports each group's health. A group is unhealthy until its first
// bootstrap and degraded while a later load is failing.
func (s *Store) Status() health.Status {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return health.NewUnhealthy(statusComponent, "closed")
	}

	subs := make([]health.Status, 0, len(s.groups))
	for _, g := range s.groups {
		subs = append(subs, groupStatus(g))
	}
	return health.Aggregate(statusComponent, subs)
}

const statusComponent = "entitysync"

func groupStatus(g Group) health.Status {
	var st health.Status
	switch {
	case g.Err() != nil:
		st = health.FromError(g.Name(), g.Err(), g.IsBootstrapped())
	case !g.IsBootstrapped() && g.IsLoading():
		st = health.NewUnhealthy(g.Name(), "bootstrapping")
	case !g.IsBootstrapped():
		st = health.NewUnhealthy(g.Name(), "not bootstrapped")
	default:
		st = health.NewHealthy(g.Name(), "bootstrapped")
	}
	return st.WithMetrics(&health.Metrics{
		Entities:      g.Len(),
		TotalElements: g.TotalElements(),
		FullyLoaded:   g.FullyLoaded(),
	})
}

// Close stops the watchers and unsubscribes every channel. It is safe to
// call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	stop := s.stopWatch
	s.mu.Unlock()

	if stop != nil {
		stop()
		s.watchersWG.Wait()
	}

	var errs []error
	for _, g := range s.groups {
		if err := s.adapters[g.Name()].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.logger.Info("Stores closed")
	return errors.Join(errs...)
}
