package root

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/entitysync/domain"
	"github.com/c360/entitysync/entity"
	"github.com/c360/entitysync/errors"
	"github.com/c360/entitysync/metric"
	"github.com/c360/entitysync/patch"
	"github.com/c360/entitysync/service"
	"github.com/c360/entitysync/syncchannel"
	"github.com/c360/entitysync/transport"
)

// memService is an in-memory backend for any schema.
type memService[T any] struct {
	schema entity.Schema[T]

	mu      sync.Mutex
	records map[string]T
	next    int
	lists   int
	listErr error
}

func newMem[T any](schema entity.Schema[T], records ...T) *memService[T] {
	m := &memService[T]{schema: schema, records: make(map[string]T)}
	for _, r := range records {
		m.records[schema.ID(r)] = r
	}
	return m
}

func (m *memService[T]) List(_ context.Context, page service.Page) (service.PageResult[T], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists++
	if m.listErr != nil {
		return service.PageResult[T]{}, m.listErr
	}
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	start := min(page.Offset(), len(ids))
	end := min(start+page.Size, len(ids))
	items := make([]T, 0, end-start)
	for _, id := range ids[start:end] {
		items = append(items, m.records[id])
	}
	return service.PageResult[T]{Items: items, TotalElements: len(ids)}, nil
}

func (m *memService[T]) Get(_ context.Context, id string) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return r, errors.WrapInvalid(errors.ErrKeyNotFound, "memService", "Get", id)
	}
	return r, nil
}

func (m *memService[T]) Create(_ context.Context, record T) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	record = m.schema.WithRevision(m.schema.WithID(record, fmt.Sprintf("s%d", m.next)), 1)
	m.records[m.schema.ID(record)] = record
	return record, nil
}

func (m *memService[T]) Update(_ context.Context, record T, _ []patch.Operation) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record = m.schema.WithRevision(record, m.schema.RevisionOf(record)+1)
	m.records[m.schema.ID(record)] = record
	return record, nil
}

func (m *memService[T]) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *memService[T]) listCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lists
}

type fixture struct {
	bus      *transport.Bus
	flows    *memService[domain.Flow]
	senders  *memService[domain.FlowSender]
	contacts *memService[domain.FlowContact]
	users    *memService[domain.User]
	contract *memService[domain.Contract]
}

func newFixture() *fixture {
	return &fixture{
		bus:      transport.NewBus(),
		flows:    newMem(domain.FlowSchema(), domain.Flow{ID: "1", Name: "Acme", Revision: 1}),
		senders:  newMem(domain.FlowSenderSchema()),
		contacts: newMem(domain.FlowContactSchema()),
		users:    newMem(domain.UserSchema(), domain.User{ID: "u1", FirstName: "Ada"}),
		contract: newMem(domain.ContractSchema()),
	}
}

func (f *fixture) services() Services {
	return Services{
		Flows:        f.flows,
		FlowSenders:  f.senders,
		FlowContacts: f.contacts,
		Users:        f.users,
		Contracts:    f.contract,
	}
}

func (f *fixture) newStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := New(f.bus, f.services(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNew_Validation(t *testing.T) {
	f := newFixture()

	_, err := New(nil, f.services())
	assert.True(t, errors.IsFatal(err))

	svcs := f.services()
	svcs.Users = nil
	_, err = New(f.bus, svcs)
	assert.True(t, errors.IsInvalid(err))

	_, err = New(f.bus, f.services(), WithChannels("bad.prefix", "acme"))
	assert.True(t, errors.IsInvalid(err))

	_, err = New(f.bus, f.services(), WithWatcher("Invoices", &fakeWatcher{}))
	assert.True(t, errors.IsInvalid(err))
}

func TestStore_GroupsAndChannels(t *testing.T) {
	s := newFixture().newStore(t, WithChannels("crm", "acme"))

	names := make([]string, 0)
	for _, g := range s.Groups() {
		names = append(names, g.Name())
	}
	assert.Equal(t, domain.Names, names)

	ch, ok := s.Channel(domain.FlowsName)
	require.True(t, ok)
	assert.Equal(t, "crm.acme.Flows", ch)

	g, ok := s.Group(domain.ContractsName)
	require.True(t, ok)
	assert.Same(t, s.Contracts, g)

	_, ok = s.Group("Invoices")
	assert.False(t, ok)
}

func TestStore_StartBootstrapsAll(t *testing.T) {
	f := newFixture()
	s := f.newStore(t, WithMetrics(metric.NewMetricsRegistry()))
	ctx := context.Background()

	assert.Error(t, s.Health())
	require.NoError(t, s.Start(ctx))
	assert.NoError(t, s.Health())

	for _, g := range s.Groups() {
		assert.True(t, g.IsBootstrapped(), g.Name())
	}
	assert.Equal(t, []string{"1"}, s.Flows.IDs())
	assert.Equal(t, []string{"u1"}, s.Users.IDs())

	st := s.Status()
	assert.True(t, st.IsHealthy())
	require.Len(t, st.SubStatuses, len(domain.Names))
	assert.Equal(t, domain.FlowsName, st.SubStatuses[0].Component)
	assert.Equal(t, 1, st.SubStatuses[0].Metrics.Entities)
	assert.True(t, st.SubStatuses[0].Metrics.FullyLoaded)

	// Second start does not reload
	require.NoError(t, s.Start(ctx))
	assert.Equal(t, 1, f.flows.listCalls())
}

func TestStore_PushReachesGroup(t *testing.T) {
	f := newFixture()
	s := f.newStore(t, WithChannels("entitysync", "acme"))
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	ch, _ := s.Channel(domain.FlowsName)
	require.NoError(t, syncchannel.Publish(ctx, f.bus, ch, syncchannel.Event{
		Action: syncchannel.ActionDelete,
		IDs:    []string{"1"},
	}))
	assert.Equal(t, 0, s.Flows.Len())

	payload, err := patch.Encode(domain.Contract{ID: "c1", OrganizationID: "o1", Revision: 1})
	require.NoError(t, err)
	ch, _ = s.Channel(domain.ContractsName)
	require.NoError(t, syncchannel.Publish(ctx, f.bus, ch, syncchannel.Event{
		Action:  syncchannel.ActionAppend,
		IDs:     []string{"c1"},
		Payload: []json.RawMessage{payload},
	}))
	assert.Equal(t, []string{"c1"}, s.Contracts.IDs())
}

func TestStore_CloseStopsDelivery(t *testing.T) {
	f := newFixture()
	s := f.newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Health(), errors.ErrClosed)
	assert.True(t, s.Status().IsUnhealthy())

	ch, _ := s.Channel(domain.FlowsName)
	assert.Equal(t, 0, f.bus.Subscribers(ch))

	err := s.Start(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrClosed)
}

func TestStore_StartFailureIsNotified(t *testing.T) {
	f := newFixture()
	f.users.listErr = errors.WrapTransient(fmt.Errorf("backend down"), "test", "List", "list")
	rec := &service.Recorder{}
	s := f.newStore(t, WithNotifier(rec))

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.False(t, s.Users.IsBootstrapped())
	assert.Error(t, s.Health())

	st := s.Status()
	assert.True(t, st.IsUnhealthy())
	for _, sub := range st.SubStatuses {
		if sub.Component == domain.UsersName {
			assert.True(t, sub.IsUnhealthy())
			assert.Contains(t, sub.Message, "backend down")
		}
	}

	notices := rec.Notices()
	require.NotEmpty(t, notices)
	assert.Equal(t, domain.UsersName, notices[0].Store)

	// Backend recovers; a second start finishes the job
	f.users.mu.Lock()
	f.users.listErr = nil
	f.users.mu.Unlock()
	require.NoError(t, s.Start(context.Background()))
	assert.NoError(t, s.Health())
	assert.True(t, s.Status().IsHealthy())
}

func TestStore_Refresh(t *testing.T) {
	f := newFixture()
	s := f.newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	// A write the store never heard about
	_, err := f.flows.Create(ctx, domain.Flow{Name: "Missed"})
	require.NoError(t, err)

	require.NoError(t, s.Refresh(ctx))
	assert.Equal(t, 2, f.flows.listCalls())
	assert.Equal(t, 2, s.Flows.Len())
	assert.Equal(t, 2, s.Flows.TotalElements())
}

func TestStore_HistoryLimitReachesEntities(t *testing.T) {
	f := newFixture()
	s := f.newStore(t, WithHistoryLimit(2))
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	es, err := s.Flows.Resolve("1")
	require.NoError(t, err)
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, es.Update(ctx, []patch.Patch{patch.Set("name", name)}, entity.LocalOnly()))
	}
	assert.Len(t, es.History(), 2)
}

type fakeWatcher struct {
	started atomic.Bool
	stopped atomic.Bool
	event   syncchannel.Event
}

func (w *fakeWatcher) Watch(ctx context.Context, sink syncchannel.Sink) error {
	w.started.Store(true)
	if w.event.Action != "" {
		if err := sink.Sync(ctx, w.event); err != nil {
			return err
		}
	}
	<-ctx.Done()
	w.stopped.Store(true)
	return nil
}

func TestStore_Watchers(t *testing.T) {
	f := newFixture()
	payload, err := patch.Encode(domain.User{ID: "u2", FirstName: "Grace", Revision: 3})
	require.NoError(t, err)
	w := &fakeWatcher{event: syncchannel.Event{
		Action:  syncchannel.ActionUpdate,
		IDs:     []string{"u2"},
		Payload: []json.RawMessage{payload},
	}}
	s := f.newStore(t, WithWatcher(domain.UsersName, w))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	require.Eventually(t, w.started.Load, time.Second, 5*time.Millisecond)

	// Watchers outlive the start context
	cancel()
	time.Sleep(20 * time.Millisecond)
	assert.False(t, w.stopped.Load())

	require.Eventually(t, func() bool { return s.Users.Len() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"u1", "u2"}, s.Users.IDs())

	require.NoError(t, s.Close())
	assert.True(t, w.stopped.Load())
}
