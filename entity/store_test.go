package entity

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/entitysync/errors"
	"github.com/c360/entitysync/metric"
	"github.com/c360/entitysync/patch"
	"github.com/c360/entitysync/service"
)

type contact struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	Revision uint64 `json:"revision"`
}

func contactSchema() Schema[contact] {
	return Schema[contact]{
		Name:        "contacts",
		ID:          func(c contact) string { return c.ID },
		SetID:       func(c *contact, id string) { c.ID = id },
		Revision:    func(c contact) uint64 { return c.Revision },
		SetRevision: func(c *contact, rev uint64) { c.Revision = rev },
		Validator: patch.MustValidator(`{
			"type": "object",
			"properties": {"name": {"type": "string", "minLength": 1}},
			"required": ["name"]
		}`),
	}
}

// fakeService confirms updates by bumping the revision.
type fakeService struct {
	mu        sync.Mutex
	updateErr error
	getErr    error
	current   contact
	updates   []contact
	ops       [][]patch.Operation
	gets      int

	entered chan struct{}
	gate    chan struct{}
}

func (f *fakeService) List(context.Context, service.Page) (service.PageResult[contact], error) {
	return service.PageResult[contact]{}, nil
}

func (f *fakeService) Get(context.Context, string) (contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	return f.current, f.getErr
}

func (f *fakeService) Create(_ context.Context, c contact) (contact, error) {
	return c, nil
}

func (f *fakeService) Update(_ context.Context, c contact, ops []patch.Operation) (contact, error) {
	if f.gate != nil {
		f.entered <- struct{}{}
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, c)
	f.ops = append(f.ops, ops)
	if f.updateErr != nil {
		return contact{}, f.updateErr
	}
	c.Revision++
	f.current = c
	return c, nil
}

func (f *fakeService) Delete(context.Context, string) error { return nil }

func (f *fakeService) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

func newContactStore(t *testing.T, svc *fakeService, opts ...Option) *Store[contact] {
	t.Helper()
	s, err := New(contactSchema(), service.Service[contact](svc),
		contact{ID: "c1", Name: "Acme", Revision: 1}, opts...)
	require.NoError(t, err)
	return s
}

func TestNew_Validation(t *testing.T) {
	svc := &fakeService{}

	_, err := New(Schema[contact]{Name: "contacts"}, service.Service[contact](svc), contact{})
	assert.True(t, errors.IsInvalid(err))

	_, err = New[contact](contactSchema(), nil, contact{})
	assert.True(t, errors.IsInvalid(err))
}

func TestStore_UpdateCommits(t *testing.T) {
	svc := &fakeService{}
	s := newContactStore(t, svc)

	require.NoError(t, s.Update(context.Background(), []patch.Patch{patch.Set("name", "Acme Corp")}))

	require.Equal(t, 1, svc.updateCount())
	assert.Equal(t, "Acme Corp", svc.updates[0].Name)
	require.Len(t, svc.ops[0], 1)
	assert.Equal(t, "name", svc.ops[0][0].Path)
	assert.JSONEq(t, `"Acme"`, string(svc.ops[0][0].Prev))

	v := s.Value()
	assert.Equal(t, "Acme Corp", v.Name)
	assert.Equal(t, uint64(2), v.Revision)
	assert.Equal(t, uint64(2), s.Revision())
	assert.Equal(t, uint64(2), s.Version())
	assert.Empty(t, s.History())
	assert.False(t, s.Dirty())
	assert.False(t, s.IsLoading())
	assert.NoError(t, s.Err())
}

func TestStore_RollbackOnFailure(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	notices := &service.Recorder{}
	svc := &fakeService{updateErr: fmt.Errorf("connection reset")}
	s := newContactStore(t, svc,
		WithMetrics(registry.SyncMetrics()),
		WithNotifier(notices))

	err := s.Update(context.Background(), []patch.Patch{patch.Set("name", "Broken")})
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))

	assert.Equal(t, "Acme", s.Value().Name)
	assert.Equal(t, err, s.Err())
	assert.Empty(t, s.History())
	assert.False(t, s.Dirty())

	got := notices.Notices()
	require.Len(t, got, 1)
	assert.Equal(t, service.LevelError, got[0].Level)
	assert.Equal(t, "contacts", got[0].Store)
	assert.Equal(t, "c1", got[0].ID)

	m := registry.SyncMetrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Rollbacks.WithLabelValues("contacts")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Mutations.WithLabelValues("contacts", "failed")))

	// The store stays usable.
	svc.mu.Lock()
	svc.updateErr = nil
	svc.mu.Unlock()
	require.NoError(t, s.Update(context.Background(), []patch.Patch{patch.Set("name", "Fixed")}))
	assert.Equal(t, "Fixed", s.Value().Name)
	assert.NoError(t, s.Err())
}

func TestStore_LocalThenPersistedFailureRestoresOriginal(t *testing.T) {
	svc := &fakeService{updateErr: fmt.Errorf("unavailable")}
	s := newContactStore(t, svc)
	before := s.Value()

	require.NoError(t, s.Update(context.Background(),
		[]patch.Patch{patch.Set("email", "ops@acme.io")}, LocalOnly()))
	assert.Equal(t, "ops@acme.io", s.Value().Email)
	assert.Equal(t, 0, svc.updateCount())

	err := s.Update(context.Background(), []patch.Patch{patch.Set("name", "Acme Ltd")})
	require.Error(t, err)

	assert.Equal(t, before, s.Value())
}

func TestStore_LocalOnly(t *testing.T) {
	svc := &fakeService{}
	s := newContactStore(t, svc)

	require.NoError(t, s.Update(context.Background(),
		[]patch.Patch{patch.Set("email", "a@acme.io")}, LocalOnly()))

	assert.Equal(t, 0, svc.updateCount())
	assert.True(t, s.Dirty())
	h := s.History()
	require.Len(t, h, 1)
	assert.True(t, h[0].Local)
	assert.Equal(t, "Acme", s.Confirmed().Name)

	// The next commit carries the local edit.
	require.NoError(t, s.Commit(context.Background()))
	require.Equal(t, 1, svc.updateCount())
	assert.Equal(t, "a@acme.io", svc.updates[0].Email)
	assert.False(t, s.Dirty())
}

func TestStore_CommitWithoutEditsIsNoop(t *testing.T) {
	svc := &fakeService{}
	s := newContactStore(t, svc)

	require.NoError(t, s.Commit(context.Background()))
	require.NoError(t, s.Update(context.Background(), nil))
	assert.Equal(t, 0, svc.updateCount())
	assert.Equal(t, uint64(0), s.Version())
}

func TestStore_HistoryBounded(t *testing.T) {
	s := newContactStore(t, &fakeService{}, WithHistoryLimit(3))

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.Update(context.Background(),
			[]patch.Patch{patch.Set("name", fmt.Sprintf("v%d", i))}, LocalOnly()))
	}

	h := s.History()
	require.Len(t, h, 3)
	assert.JSONEq(t, `"v3"`, string(h[0].Next))
	assert.JSONEq(t, `"v5"`, string(h[2].Next))
	assert.Equal(t, "v5", s.Value().Name)
}

func TestStore_InvalidDraftIsRejected(t *testing.T) {
	svc := &fakeService{}
	s := newContactStore(t, svc)

	tests := []struct {
		name    string
		patches []patch.Patch
	}{
		{"schema violation", []patch.Patch{patch.Set("name", "")}},
		{"wrong type", []patch.Patch{patch.Set("revision", "ten")}},
		{"empty path", []patch.Patch{patch.Set("", 1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Update(context.Background(), tt.patches)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
			assert.Equal(t, "Acme", s.Value().Name)
			assert.Equal(t, uint64(0), s.Version())
		})
	}
	assert.Equal(t, 0, svc.updateCount())
}

func TestStore_ConflictKeepsClassification(t *testing.T) {
	svc := &fakeService{updateErr: errors.WrapInvalid(errors.ErrConflict, "kv", "Update", "cas write")}
	s := newContactStore(t, svc)

	err := s.Update(context.Background(), []patch.Patch{patch.Set("name", "Late")})
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
	assert.True(t, errors.IsInvalid(err))
	assert.Equal(t, "Acme", s.Value().Name)
}

func TestStore_ApplyRemote(t *testing.T) {
	t.Run("stale push is ignored", func(t *testing.T) {
		s := newContactStore(t, &fakeService{})
		require.NoError(t, s.replaceForTest(contact{ID: "c1", Name: "Acme v5", Revision: 5}))

		applied, err := s.ApplyRemote(contact{ID: "c1", Name: "Acme v4", Revision: 4})
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Equal(t, "Acme v5", s.Value().Name)
	})

	t.Run("newer push replaces value", func(t *testing.T) {
		s := newContactStore(t, &fakeService{})
		applied, err := s.ApplyRemote(contact{ID: "c1", Name: "Remote", Revision: 2})
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, "Remote", s.Value().Name)
		assert.Equal(t, uint64(2), s.Revision())
	})

	t.Run("unconfirmed edits survive a push", func(t *testing.T) {
		s := newContactStore(t, &fakeService{})
		require.NoError(t, s.Update(context.Background(),
			[]patch.Patch{patch.Set("email", "mine@acme.io")}, LocalOnly()))

		applied, err := s.ApplyRemote(contact{ID: "c1", Name: "Remote", Email: "theirs@acme.io", Revision: 2})
		require.NoError(t, err)
		assert.True(t, applied)

		v := s.Value()
		assert.Equal(t, "Remote", v.Name)
		assert.Equal(t, "mine@acme.io", v.Email)
		assert.Equal(t, "theirs@acme.io", s.Confirmed().Email)
		assert.True(t, s.Dirty())
	})

	t.Run("push clears stale flag", func(t *testing.T) {
		s := newContactStore(t, &fakeService{})
		s.MarkStale()
		assert.True(t, s.Stale())
		_, err := s.ApplyRemote(contact{ID: "c1", Name: "Acme", Revision: 1})
		require.NoError(t, err)
		assert.False(t, s.Stale())
	})
}

// replaceForTest forces a confirmed value regardless of revision.
func (s *Store[T]) replaceForTest(v T) error {
	_, err := s.replace(v, true)
	return err
}

func TestStore_EditsDuringCommitAreKept(t *testing.T) {
	svc := &fakeService{entered: make(chan struct{}), gate: make(chan struct{})}
	s := newContactStore(t, svc)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Update(context.Background(), []patch.Patch{patch.Set("name", "Acme Corp")})
	}()

	<-svc.entered
	assert.True(t, s.IsLoading())
	require.NoError(t, s.Update(context.Background(),
		[]patch.Patch{patch.Set("email", "late@acme.io")}, LocalOnly()))
	close(svc.gate)
	require.NoError(t, <-errCh)

	v := s.Value()
	assert.Equal(t, "Acme Corp", v.Name)
	assert.Equal(t, "late@acme.io", v.Email)
	assert.Equal(t, "", s.Confirmed().Email)
	assert.True(t, s.Dirty())
	require.Len(t, s.History(), 1)
	assert.Equal(t, "email", s.History()[0].Path)
}

func TestStore_UpdateDebounced(t *testing.T) {
	svc := &fakeService{}
	s := newContactStore(t, svc)

	require.NoError(t, s.UpdateDebounced([]patch.Patch{patch.Set("name", "A")}, 30*time.Millisecond))
	require.NoError(t, s.UpdateDebounced([]patch.Patch{patch.Set("name", "Ab")}, 30*time.Millisecond))
	require.NoError(t, s.UpdateDebounced([]patch.Patch{patch.Set("name", "Abc")}, 30*time.Millisecond))

	assert.Equal(t, "Abc", s.Value().Name)
	require.Eventually(t, func() bool { return svc.updateCount() == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, svc.updateCount())
	assert.Equal(t, "Abc", svc.updates[0].Name)
	assert.False(t, s.Dirty())
}

func TestStore_FlushAndClose(t *testing.T) {
	svc := &fakeService{}
	s := newContactStore(t, svc)

	require.NoError(t, s.UpdateDebounced([]patch.Patch{patch.Set("name", "Now")}, time.Hour))
	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, 1, svc.updateCount())

	require.NoError(t, s.UpdateDebounced([]patch.Patch{patch.Set("name", "Never")}, 20*time.Millisecond))
	s.Close()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, svc.updateCount())
	assert.Equal(t, "Never", s.Value().Name)
	assert.True(t, s.Dirty())
}

func TestStore_SetIDOnce(t *testing.T) {
	svc := &fakeService{}
	s, err := New(contactSchema(), service.Service[contact](svc), contact{ID: NewTempID(), Name: "New"})
	require.NoError(t, err)
	assert.True(t, IsTempID(s.ID()))

	// Commits wait for the server id.
	require.NoError(t, s.Update(context.Background(), []patch.Patch{patch.Set("email", "x@acme.io")}))
	assert.Equal(t, 0, svc.updateCount())
	assert.True(t, s.Dirty())

	require.NoError(t, s.SetID("s1"))
	assert.Equal(t, "s1", s.ID())
	assert.Equal(t, "s1", s.Value().ID)
	assert.Equal(t, "s1", s.Confirmed().ID)

	err = s.SetID("s2")
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.ErrorIs(t, err, errors.ErrInvariant)
	assert.Equal(t, "s1", s.ID())

	assert.True(t, errors.IsInvalid(s.SetID("")))
}

func TestStore_SetIDRejectsServerID(t *testing.T) {
	s := newContactStore(t, &fakeService{})
	require.False(t, IsTempID(s.ID()))
	before := s.Value()

	err := s.SetID("s9")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvariant)
	assert.Equal(t, before.ID, s.ID())
	assert.Equal(t, before, s.Value())
}

func TestStore_Invalidate(t *testing.T) {
	svc := &fakeService{current: contact{ID: "c1", Name: "Fresh", Revision: 9}}
	s := newContactStore(t, svc)
	s.MarkStale()

	require.NoError(t, s.Invalidate(context.Background()))
	assert.Equal(t, "Fresh", s.Value().Name)
	assert.Equal(t, uint64(9), s.Revision())
	assert.False(t, s.Stale())

	svc.mu.Lock()
	svc.getErr = errors.WrapTransient(fmt.Errorf("timeout"), "fake", "Get", "get")
	svc.mu.Unlock()
	err := s.Invalidate(context.Background())
	require.Error(t, err)
	assert.Equal(t, err, s.Err())
	assert.Equal(t, "Fresh", s.Value().Name)

	tmp, err := New(contactSchema(), service.Service[contact](svc), contact{ID: NewTempID(), Name: "x"})
	require.NoError(t, err)
	assert.True(t, errors.IsInvalid(tmp.Invalidate(context.Background())))
}

func TestStore_OnChange(t *testing.T) {
	s := newContactStore(t, &fakeService{})

	var calls atomic.Int32
	var last atomic.Value
	cancel := s.OnChange(func(c Change[contact]) {
		calls.Add(1)
		// Listeners run outside the lock and may read the store.
		last.Store(s.Value().Name)
		assert.Equal(t, c.Value.Name, s.Value().Name)
	})

	require.NoError(t, s.Update(context.Background(), []patch.Patch{patch.Set("name", "One")}, LocalOnly()))
	require.NoError(t, s.Update(context.Background(), []patch.Patch{patch.Set("name", "Two")}, LocalOnly()))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "Two", last.Load())

	cancel()
	require.NoError(t, s.Update(context.Background(), []patch.Patch{patch.Set("name", "Three")}, LocalOnly()))
	assert.Equal(t, int32(2), calls.Load())
}

func TestStore_ConcurrentUpdates(t *testing.T) {
	svc := &fakeService{}
	s := newContactStore(t, svc)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.Update(context.Background(), []patch.Patch{patch.Set("email", fmt.Sprintf("u%d@acme.io", i))})
		}(i)
	}
	wg.Wait()

	assert.False(t, s.Dirty())
	assert.Equal(t, svc.current.Email, s.Value().Email)
}

func TestTempID(t *testing.T) {
	id := NewTempID()
	assert.True(t, IsTempID(id))
	assert.NotEqual(t, id, NewTempID())
	assert.False(t, IsTempID("s1"))
}
