// Package group provides the keyed collection of entity stores for one
// entity type, kept in step with the server by bootstrap, sync events and
// optimistic create and remove.
package group

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/c360/entitysync/entity"
	"github.com/c360/entitysync/errors"
	"github.com/c360/entitysync/metric"
	"github.com/c360/entitysync/patch"
	"github.com/c360/entitysync/pkg/cache"
	"github.com/c360/entitysync/service"
	"github.com/c360/entitysync/syncchannel"
)

// MembershipKind says whether an id joined or left the group.
type MembershipKind string

// Membership kinds.
const (
	Added   MembershipKind = "added"
	Removed MembershipKind = "removed"
)

// MembershipChange is delivered to OnMembership listeners.
type MembershipChange struct {
	Kind MembershipKind
	ID   string
}

// Store holds one entity store per record id.
type Store[T any] struct {
	schema  entity.Schema[T]
	svc     service.Service[T]
	opts    options
	logger  *slog.Logger
	metrics *metric.SyncMetrics
	index   cache.Cache[*entity.Store[T]]

	flight singleflight.Group

	// syncMu orders sync events so per-id receipt order holds.
	syncMu sync.Mutex

	// mu serializes map mutations and guards the fields below.
	mu           sync.Mutex
	bootstrapped bool
	loading      bool
	total        int
	err          error
	listeners    map[uint64]func(MembershipChange)
	nextListener uint64

	// creating counts creates awaiting their response. While it is
	// non-zero, ids named by DELETE events are kept in deleted so a late
	// response cannot bring them back.
	creating int
	deleted  map[string]struct{}
}

// New creates an empty group backed by svc.
func New[T any](schema entity.Schema[T], svc service.Service[T], opts ...Option) (*Store[T], error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	if svc == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil service for %s", schema.Name), "Group", "New", "check service")
	}

	o := options{logger: slog.Default(), pageSize: DefaultPageSize}
	for _, opt := range opts {
		opt(&o)
	}

	indexOpts := []cache.Option[*entity.Store[T]]{
		cache.WithEvictionCallback[*entity.Store[T]](func(_ string, es *entity.Store[T]) {
			es.Close()
		}),
	}
	if o.registry != nil {
		indexOpts = append(indexOpts, cache.WithMetrics[*entity.Store[T]](o.registry, schema.Name))
	}
	index, err := cache.NewIndex(indexOpts...)
	if err != nil {
		return nil, errors.Propagate(err, "Group", "New", "create index for "+schema.Name)
	}

	g := &Store[T]{
		schema:    schema,
		svc:       svc,
		opts:      o,
		logger:    o.logger.With("component", "group", "store", schema.Name),
		metrics:   o.registry.SyncMetrics(),
		index:     index,
		listeners: make(map[uint64]func(MembershipChange)),
		deleted:   make(map[string]struct{}),
	}
	g.opts.entityOpts = append([]entity.Option{
		entity.WithLogger(o.logger),
		entity.WithMetrics(g.metrics),
		entity.WithNotifier(o.notifier),
	}, o.entityOpts...)
	return g, nil
}

// Name returns the entity type name.
func (g *Store[T]) Name() string {
	return g.schema.Name
}

// IsBootstrapped reports whether the first page has been loaded.
func (g *Store[T]) IsBootstrapped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bootstrapped
}

// IsLoading reports whether a listing call is in flight.
func (g *Store[T]) IsLoading() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.loading
}

// Err returns the last group-level failure.
func (g *Store[T]) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// TotalElements is the collection size last reported by the server,
// adjusted by confirmed creates, removals and sync events.
func (g *Store[T]) TotalElements() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.total
}

// FullyLoaded reports whether every record the server counted is held.
func (g *Store[T]) FullyLoaded() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bootstrapped && g.index.Size() >= g.total
}

// Len returns the number of entity stores held.
func (g *Store[T]) Len() int {
	return g.index.Size()
}

// IDs returns the held ids in sorted order.
func (g *Store[T]) IDs() []string {
	ids := g.index.Keys()
	sort.Strings(ids)
	return ids
}

// Values returns the held entity stores ordered by id.
func (g *Store[T]) Values() []*entity.Store[T] {
	ids := g.IDs()
	out := make([]*entity.Store[T], 0, len(ids))
	for _, id := range ids {
		if es, ok := g.index.Get(id); ok {
			out = append(out, es)
		}
	}
	return out
}

// Stats returns index statistics.
func (g *Store[T]) Stats() *cache.Statistics {
	return g.index.Stats()
}

// Lookup returns the entity store for id without any I/O.
func (g *Store[T]) Lookup(id string) (*entity.Store[T], bool) {
	if id == "" {
		return nil, false
	}
	return g.index.Get(id)
}

// Resolve returns the entity store for an id the caller knows is present.
// A missing id is an invariant violation.
func (g *Store[T]) Resolve(id string) (*entity.Store[T], error) {
	if es, ok := g.Lookup(id); ok {
		return es, nil
	}
	err := errors.Invariant("Group", "Resolve", "%s %q is not in the group", g.schema.Name, id)
	g.logger.Error("Invariant violated", "id", id, "error", err)
	return nil, err
}

// Get returns the entity store for id, fetching it when absent and
// refreshing it when marked stale.
func (g *Store[T]) Get(ctx context.Context, id string) (*entity.Store[T], error) {
	if es, ok := g.Lookup(id); ok {
		if es.Stale() {
			if err := es.Invalidate(ctx); err != nil {
				return es, err
			}
		}
		return es, nil
	}

	record, err := g.svc.Get(ctx, id)
	if err != nil {
		return nil, errors.Propagate(err, "Group", "Get", fmt.Sprintf("get %s %s", g.schema.Name, id))
	}
	stores := g.Load(record)
	if len(stores) == 0 {
		return nil, errors.WrapInvalid(fmt.Errorf("%s %s returned without id", g.schema.Name, id), "Group", "Get", "load record")
	}
	return stores[0], nil
}

// OnMembership registers fn to run whenever an id is added or removed. fn
// runs outside the group lock. The returned func removes it.
func (g *Store[T]) OnMembership(fn func(MembershipChange)) func() {
	g.mu.Lock()
	g.nextListener++
	id := g.nextListener
	g.listeners[id] = fn
	g.mu.Unlock()

	return func() {
		g.mu.Lock()
		delete(g.listeners, id)
		g.mu.Unlock()
	}
}

// notifyLocked captures the listeners; the returned func delivers changes
// and must be called after unlocking.
func (g *Store[T]) notifyLocked(changes ...MembershipChange) func() {
	size := g.index.Size()
	if len(changes) == 0 || len(g.listeners) == 0 {
		return func() { g.metrics.SetEntities(g.schema.Name, size) }
	}
	fns := make([]func(MembershipChange), 0, len(g.listeners))
	for _, fn := range g.listeners {
		fns = append(fns, fn)
	}
	return func() {
		g.metrics.SetEntities(g.schema.Name, size)
		for _, c := range changes {
			for _, fn := range fns {
				fn(c)
			}
		}
	}
}

// Load creates or updates an entity store per record. Existing stores are
// updated in place so holders of a store keep seeing the current value.
// Records without an id are skipped.
func (g *Store[T]) Load(records ...T) []*entity.Store[T] {
	stores, _ := g.load(records)
	return stores
}

type pendingUpdate[T any] struct {
	es     *entity.Store[T]
	record T
}

func (g *Store[T]) load(records []T) ([]*entity.Store[T], []string) {
	var (
		stores  []*entity.Store[T]
		updates []pendingUpdate[T]
		added   []string
		changes []MembershipChange
	)

	g.mu.Lock()
	for _, r := range records {
		id := g.schema.ID(r)
		if id == "" {
			g.logger.Warn("Skipping record without id")
			continue
		}
		if es, ok := g.index.Get(id); ok {
			updates = append(updates, pendingUpdate[T]{es: es, record: r})
			stores = append(stores, es)
			continue
		}
		es, err := entity.New(g.schema, g.svc, r, g.opts.entityOpts...)
		if err != nil {
			g.logger.Warn("Skipping record that cannot be stored", "id", id, "error", err)
			continue
		}
		if _, err := g.index.Set(id, es); err != nil {
			g.logger.Warn("Skipping record that cannot be indexed", "id", id, "error", err)
			continue
		}
		stores = append(stores, es)
		added = append(added, id)
		changes = append(changes, MembershipChange{Kind: Added, ID: id})
	}
	notify := g.notifyLocked(changes...)
	g.mu.Unlock()

	for _, u := range updates {
		if _, err := u.es.ApplyRemote(u.record); err != nil {
			g.logger.Warn("Failed to refresh record", "id", u.es.ID(), "error", err)
		}
	}
	notify()
	return stores, added
}

// Bootstrap loads the collection once. Concurrent callers share one
// listing; later calls return immediately. The first page must succeed for
// the group to count as bootstrapped; failures on later pages are recorded
// but keep the latch.
func (g *Store[T]) Bootstrap(ctx context.Context) error {
	if g.IsBootstrapped() {
		return nil
	}
	_, err, _ := g.flight.Do("bootstrap", func() (any, error) {
		if g.IsBootstrapped() {
			return nil, nil
		}
		return nil, g.bootstrap(ctx)
	})
	return err
}

func (g *Store[T]) bootstrap(ctx context.Context) error {
	g.setLoading(true)
	defer g.setLoading(false)

	g.metrics.RecordBootstrap(g.schema.Name)
	page := service.Page{Index: 0, Size: g.opts.pageSize}
	res, err := g.svc.List(ctx, page)
	if err != nil {
		return g.fail(ctx, err, "Bootstrap", "list first page")
	}

	g.Load(res.Items...)
	g.mu.Lock()
	g.total = res.TotalElements
	g.bootstrapped = true
	g.err = nil
	g.mu.Unlock()

	loaded := len(res.Items)
	g.logger.Debug("Bootstrapped first page", "loaded", loaded, "total", res.TotalElements)
	g.bootstrapRest(ctx, page, loaded, res.TotalElements)
	return nil
}

// bootstrapRest pages through the remainder of the collection.
func (g *Store[T]) bootstrapRest(ctx context.Context, page service.Page, loaded, total int) {
	for loaded < total {
		page = page.Next()
		res, err := g.svc.List(ctx, page)
		if err != nil {
			_ = g.fail(ctx, err, "Bootstrap", fmt.Sprintf("list page %d", page.Index))
			return
		}
		if len(res.Items) == 0 {
			return
		}
		g.Load(res.Items...)
		loaded += len(res.Items)
	}
}

// Invalidate reloads the first page and refreshes TotalElements. The
// bootstrap latch is unaffected.
func (g *Store[T]) Invalidate(ctx context.Context) error {
	g.setLoading(true)
	defer g.setLoading(false)

	res, err := g.svc.List(ctx, service.Page{Index: 0, Size: g.opts.pageSize})
	if err != nil {
		return g.fail(ctx, err, "Invalidate", "list first page")
	}
	g.Load(res.Items...)
	g.mu.Lock()
	g.total = res.TotalElements
	g.err = nil
	g.mu.Unlock()
	return nil
}

func (g *Store[T]) setLoading(v bool) {
	g.mu.Lock()
	g.loading = v
	g.mu.Unlock()
}

// fail records err as the group error and tells the notifier.
func (g *Store[T]) fail(ctx context.Context, err error, method, action string) error {
	wrapped := errors.Propagate(err, "Group", method, fmt.Sprintf("%s %s", action, g.schema.Name))
	g.mu.Lock()
	g.err = wrapped
	g.mu.Unlock()

	g.logger.Warn("Group operation failed", "operation", method, "error", err)
	if g.opts.notifier != nil {
		g.opts.notifier.Notify(ctx, service.Notice{
			Level:   service.LevelError,
			Store:   g.schema.Name,
			Message: fmt.Sprintf("Failed to %s %s", action, g.schema.Name),
			Err:     wrapped,
		})
	}
	return wrapped
}

// Create inserts record under a temporary id, asks the service to create
// it and then swaps the temporary entry for the server id. If a push
// already delivered the server id, the confirmed record is merged into
// that store and the temporary entry is dropped. On failure the temporary
// entry is removed.
func (g *Store[T]) Create(ctx context.Context, record T) (*entity.Store[T], error) {
	tempID := entity.NewTempID()
	es, err := entity.New(g.schema, g.svc, g.schema.WithID(record, tempID), g.opts.entityOpts...)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	if _, err := g.index.Set(tempID, es); err != nil {
		g.mu.Unlock()
		return nil, errors.Propagate(err, "Group", "Create", "index temporary record")
	}
	g.creating++
	notify := g.notifyLocked(MembershipChange{Kind: Added, ID: tempID})
	g.mu.Unlock()
	notify()
	defer g.createDone()

	created, err := g.svc.Create(ctx, g.schema.WithID(es.Value(), ""))
	if err != nil {
		g.dropTemp(tempID)
		g.metrics.RecordRollback(g.schema.Name)
		return nil, g.fail(ctx, err, "Create", "create")
	}

	serverID := g.schema.ID(created)
	if serverID == "" {
		g.dropTemp(tempID)
		err := errors.Invariant("Group", "Create", "service created %s without an id", g.schema.Name)
		g.logger.Error("Invariant violated", "error", err)
		return nil, err
	}

	if err := es.SetID(serverID); err != nil {
		g.dropTemp(tempID)
		return nil, err
	}

	g.mu.Lock()
	if _, gone := g.deleted[serverID]; gone {
		g.mu.Unlock()
		g.dropTemp(tempID)
		g.metrics.RecordMutation(g.schema.Name, "created")
		g.logger.Debug("Created record was deleted before the response arrived", "id", serverID)
		return es, nil
	}
	winner, err := g.index.Rekey(tempID, serverID)
	if err != nil {
		g.mu.Unlock()
		return nil, errors.Propagate(err, "Group", "Create", "promote "+tempID)
	}
	changes := []MembershipChange{{Kind: Removed, ID: tempID}}
	if winner == es {
		changes = append(changes, MembershipChange{Kind: Added, ID: serverID})
		g.total++
	}
	notify = g.notifyLocked(changes...)
	g.mu.Unlock()

	if _, err := winner.ApplyRemote(created); err != nil {
		g.logger.Warn("Failed to apply created record", "id", serverID, "error", err)
	}
	g.metrics.RecordMutation(g.schema.Name, "created")
	notify()

	// Edits made while the create was in flight. When a push already
	// installed the server id, they were made on the dropped temporary
	// store and are carried over.
	if winner != es {
		if err := carryEdits(ctx, es, winner); err != nil {
			return winner, err
		}
	}
	if winner.Dirty() {
		if err := winner.Commit(ctx); err != nil {
			return winner, err
		}
	}
	return winner, nil
}

func (g *Store[T]) createDone() {
	g.mu.Lock()
	g.creating--
	if g.creating == 0 && len(g.deleted) > 0 {
		g.deleted = make(map[string]struct{})
	}
	g.mu.Unlock()
}

// carryEdits replays the unconfirmed edits of from onto to without
// committing them.
func carryEdits[T any](ctx context.Context, from, to *entity.Store[T]) error {
	if !from.Dirty() {
		return nil
	}
	ops := from.History()
	patches := make([]patch.Patch, 0, len(ops))
	for _, op := range ops {
		patches = append(patches, op.Patch())
	}
	return to.Update(ctx, patches, entity.LocalOnly())
}

func (g *Store[T]) dropTemp(tempID string) {
	g.mu.Lock()
	_, removed, _ := g.index.Delete(tempID)
	var notify func()
	if removed {
		notify = g.notifyLocked(MembershipChange{Kind: Removed, ID: tempID})
	} else {
		notify = g.notifyLocked()
	}
	g.mu.Unlock()
	notify()
}

// Remove deletes id optimistically and restores it if the service call
// fails.
func (g *Store[T]) Remove(ctx context.Context, id string) error {
	g.mu.Lock()
	es, ok, err := g.index.Delete(id)
	if err != nil || !ok {
		g.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("%w: %s %s", errors.ErrKeyNotFound, g.schema.Name, id)
		}
		return errors.WrapInvalid(err, "Group", "Remove", "lookup "+id)
	}
	notify := g.notifyLocked(MembershipChange{Kind: Removed, ID: id})
	g.mu.Unlock()
	notify()

	if entity.IsTempID(id) {
		return nil
	}

	if err := g.svc.Delete(ctx, id); err != nil {
		g.mu.Lock()
		restored := false
		if _, present := g.index.Get(id); !present {
			if _, setErr := g.index.Set(id, es); setErr == nil {
				restored = true
			}
		}
		var notify func()
		if restored {
			notify = g.notifyLocked(MembershipChange{Kind: Added, ID: id})
		} else {
			notify = g.notifyLocked()
		}
		g.mu.Unlock()
		notify()

		g.metrics.RecordRollback(g.schema.Name)
		return g.fail(ctx, err, "Remove", "delete")
	}
	g.mu.Lock()
	if g.total > 0 {
		g.total--
	}
	g.mu.Unlock()
	g.metrics.RecordMutation(g.schema.Name, "deleted")
	return nil
}

// Sync applies a pushed event. Events are applied one at a time in receipt
// order. Errors from individual ids are joined; the rest of the event is
// still applied.
func (g *Store[T]) Sync(ctx context.Context, ev syncchannel.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	g.syncMu.Lock()
	defer g.syncMu.Unlock()

	g.metrics.RecordSyncEvent(g.schema.Name, string(ev.Action))
	payload := g.decodePayload(ev)

	var errs []error
	switch ev.Action {
	case syncchannel.ActionAppend:
		for _, id := range ev.IDs {
			if err := g.syncAppend(ctx, id, payload); err != nil {
				errs = append(errs, err)
			}
		}

	case syncchannel.ActionUpdate:
		for _, id := range ev.IDs {
			if err := g.syncUpdate(ctx, id, payload); err != nil {
				errs = append(errs, err)
			}
		}

	case syncchannel.ActionDelete:
		for _, id := range ev.IDs {
			g.syncDelete(id)
		}

	case syncchannel.ActionInvalidate:
		if len(ev.IDs) == 0 {
			for _, es := range g.index.Values() {
				es.MarkStale()
			}
			if err := g.Invalidate(ctx); err != nil {
				errs = append(errs, err)
			}
			break
		}
		for _, id := range ev.IDs {
			if es, ok := g.Lookup(id); ok {
				es.MarkStale()
			}
		}
	}
	return errors.Join(errs...)
}

func (g *Store[T]) syncAppend(ctx context.Context, id string, payload map[string]T) error {
	record, ok := payload[id]
	if !ok {
		fetched, err := g.svc.Get(ctx, id)
		if err != nil {
			return errors.Propagate(err, "Group", "Sync", fmt.Sprintf("fetch appended %s %s", g.schema.Name, id))
		}
		record = fetched
	}
	g.insert(record)
	return nil
}

// insert loads a pushed record and counts it when it is new.
func (g *Store[T]) insert(record T) {
	_, added := g.load([]T{record})
	if len(added) > 0 {
		g.mu.Lock()
		g.total += len(added)
		for _, id := range added {
			delete(g.deleted, id)
		}
		g.mu.Unlock()
	}
}

func (g *Store[T]) syncUpdate(ctx context.Context, id string, payload map[string]T) error {
	if record, ok := payload[id]; ok {
		g.insert(record)
		return nil
	}
	es, ok := g.Lookup(id)
	if !ok {
		// A missed APPEND; fetch it like one.
		return g.syncAppend(ctx, id, payload)
	}
	return es.Invalidate(ctx)
}

func (g *Store[T]) syncDelete(id string) {
	g.mu.Lock()
	if g.creating > 0 {
		g.deleted[id] = struct{}{}
	}
	_, removed, _ := g.index.Delete(id)
	var notify func()
	if removed {
		if g.total > 0 {
			g.total--
		}
		notify = g.notifyLocked(MembershipChange{Kind: Removed, ID: id})
	} else {
		notify = g.notifyLocked()
	}
	g.mu.Unlock()
	notify()
}

// decodePayload maps embedded records to the ids the event names. Records
// that do not decode or name an id outside the event are dropped and
// fetched instead.
func (g *Store[T]) decodePayload(ev syncchannel.Event) map[string]T {
	if len(ev.Payload) == 0 {
		return nil
	}
	named := make(map[string]struct{}, len(ev.IDs))
	for _, id := range ev.IDs {
		named[id] = struct{}{}
	}
	out := make(map[string]T, len(ev.Payload))
	for i, raw := range ev.Payload {
		record, err := patch.Decode[T](raw)
		if err != nil {
			g.logger.Warn("Dropping undecodable payload", "index", i, "error", err)
			continue
		}
		id := g.schema.ID(record)
		if _, ok := named[id]; !ok {
			g.logger.Warn("Dropping payload for id not named by event", "id", id)
			continue
		}
		out[id] = record
	}
	return out
}
