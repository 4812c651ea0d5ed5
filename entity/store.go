package entity

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360/entitysync/errors"
	"github.com/c360/entitysync/patch"
	"github.com/c360/entitysync/service"
)

// Change is delivered to OnChange listeners. Value is a private copy.
type Change[T any] struct {
	Value   T
	Version uint64
}

// Store holds one record: the visible value, the last value the server
// confirmed, and the edits made since that confirmation.
type Store[T any] struct {
	schema Schema[T]
	svc    service.Service[T]
	opts   options
	logger *slog.Logger

	// commitMu orders commits so responses are applied in send order.
	commitMu sync.Mutex

	mu      sync.Mutex
	id      string
	doc     []byte
	base    []byte
	baseRev uint64
	version uint64
	history []patch.Operation
	// dirty maps each path edited since the last confirmation to the
	// sequence number of the newest operation touching it.
	dirty   map[string]uint64
	opSeq   uint64
	loading bool
	err     error
	stale   bool
	idSet   bool

	debounce    *time.Timer
	debounceSeq uint64

	listeners    map[uint64]func(Change[T])
	nextListener uint64
}

// New creates a store holding record as both the visible and the confirmed
// value.
func New[T any](schema Schema[T], svc service.Service[T], record T, opts ...Option) (*Store[T], error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	if svc == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil service for %s", schema.Name), "Store", "New", "check service")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	doc, err := patch.Encode(record)
	if err != nil {
		return nil, err
	}

	id := schema.ID(record)
	return &Store[T]{
		schema:    schema,
		svc:       svc,
		opts:      o,
		logger:    o.logger.With("component", "entity", "store", schema.Name),
		id:        id,
		doc:       doc,
		base:      doc,
		baseRev:   schema.RevisionOf(record),
		dirty:     make(map[string]uint64),
		listeners: make(map[uint64]func(Change[T])),
	}, nil
}

// ID returns the current identifier.
func (s *Store[T]) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Name returns the entity type name.
func (s *Store[T]) Name() string {
	return s.schema.Name
}

// Value returns a copy of the visible record.
func (s *Store[T]) Value() T {
	s.mu.Lock()
	doc := s.doc
	s.mu.Unlock()
	return s.decode(doc)
}

// Confirmed returns a copy of the last record the server confirmed.
func (s *Store[T]) Confirmed() T {
	s.mu.Lock()
	doc := s.base
	s.mu.Unlock()
	return s.decode(doc)
}

// Version counts accepted local and remote mutations.
func (s *Store[T]) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Revision returns the server revision of the confirmed record.
func (s *Store[T]) Revision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseRev
}

// History returns the retained operations since the last confirmation,
// oldest first.
func (s *Store[T]) History() []patch.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]patch.Operation(nil), s.history...)
}

// Dirty reports whether there are edits the server has not confirmed.
func (s *Store[T]) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dirty) > 0
}

// IsLoading reports whether a service call is in flight.
func (s *Store[T]) IsLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Err returns the error of the last failed service call, cleared by the
// next successful one.
func (s *Store[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// MarkStale flags the record as out of date without fetching it.
func (s *Store[T]) MarkStale() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stale = true
}

// Stale reports whether MarkStale was called since the last refresh.
func (s *Store[T]) Stale() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale
}

// OnChange registers fn to run after every change to the visible value.
// fn runs outside the store lock. The returned func removes it.
func (s *Store[T]) OnChange(fn func(Change[T])) func() {
	s.mu.Lock()
	s.nextListener++
	id := s.nextListener
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Update applies patches to a draft, validates it and makes it visible. By
// default the result is committed; with LocalOnly it is not.
func (s *Store[T]) Update(ctx context.Context, patches []patch.Patch, opts ...UpdateOption) error {
	var uo updateOptions
	for _, opt := range opts {
		opt(&uo)
	}
	if err := s.apply(patches, uo.local); err != nil {
		return err
	}
	if uo.local {
		return nil
	}
	return s.Commit(ctx)
}

// UpdateDebounced applies patches now and commits after delay. A later call
// cancels the pending commit and schedules its own.
func (s *Store[T]) UpdateDebounced(patches []patch.Patch, delay time.Duration) error {
	if err := s.apply(patches, false); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounceSeq++
	seq := s.debounceSeq
	s.debounce = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if seq != s.debounceSeq {
			s.mu.Unlock()
			return
		}
		s.debounce = nil
		s.mu.Unlock()
		_ = s.Commit(context.Background())
	})
	return nil
}

// Flush commits immediately, cancelling any debounced commit.
func (s *Store[T]) Flush(ctx context.Context) error {
	s.cancelDebounce()
	return s.Commit(ctx)
}

// Close cancels any debounced commit. Pending edits stay visible.
func (s *Store[T]) Close() {
	s.cancelDebounce()
}

func (s *Store[T]) cancelDebounce() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
	s.debounceSeq++
}

func (s *Store[T]) apply(patches []patch.Patch, local bool) error {
	if len(patches) == 0 {
		return nil
	}

	s.mu.Lock()
	draft, ops, err := patch.Apply(s.doc, patches, s.opts.now(), local)
	if err != nil {
		id := s.id
		s.mu.Unlock()
		return errors.Propagate(err, "Store", "Update", "apply patches to "+id)
	}
	if err := s.check(draft); err != nil {
		id := s.id
		s.mu.Unlock()
		return errors.Propagate(err, "Store", "Update", "validate draft of "+id)
	}

	s.doc = draft
	s.appendHistory(ops)
	s.version++
	notify := s.notifyLocked()
	s.mu.Unlock()

	outcome := "persisted"
	if local {
		outcome = "local"
	}
	s.opts.metrics.RecordMutation(s.schema.Name, outcome)
	notify()
	return nil
}

// check rejects drafts that fail the JSON Schema or no longer decode into T.
func (s *Store[T]) check(draft []byte) error {
	if err := s.schema.Validator.Validate(draft); err != nil {
		return err
	}
	if _, err := patch.Decode[T](draft); err != nil {
		return err
	}
	return nil
}

func (s *Store[T]) appendHistory(ops []patch.Operation) {
	for _, op := range ops {
		s.opSeq++
		s.dirty[op.Path] = s.opSeq
	}
	s.history = append(s.history, ops...)
	if over := len(s.history) - s.opts.historyLimit; over > 0 {
		s.history = append([]patch.Operation(nil), s.history[over:]...)
	}
}

// Commit sends the visible record to the service. On success the response
// becomes the confirmed value; edits made while the call was in flight are
// kept on top of it. On failure the visible value reverts to the confirmed
// value, Err is set and the notifier is told.
func (s *Store[T]) Commit(ctx context.Context) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	s.mu.Lock()
	if len(s.dirty) == 0 {
		s.mu.Unlock()
		return nil
	}
	if IsTempID(s.id) {
		// Not created yet; the edits are rebased onto the server record
		// once the create confirms.
		s.mu.Unlock()
		return nil
	}
	doc := s.doc
	ops := append([]patch.Operation(nil), s.history...)
	sentSeq := s.opSeq
	id := s.id
	s.loading = true
	s.mu.Unlock()

	record, err := patch.Decode[T](doc)
	if err != nil {
		return s.rollback(ctx, id, err)
	}

	start := time.Now()
	resp, err := s.svc.Update(ctx, record, ops)
	s.opts.metrics.RecordCommit(s.schema.Name, time.Since(start))
	if err != nil {
		return s.rollback(ctx, id, err)
	}

	confirmed, err := patch.Encode(resp)
	if err != nil {
		return s.rollback(ctx, id, err)
	}

	s.mu.Lock()
	later := int(s.opSeq - sentSeq)
	if later > len(s.history) {
		later = len(s.history)
	}
	s.history = append([]patch.Operation(nil), s.history[len(s.history)-later:]...)
	for path, seq := range s.dirty {
		if seq <= sentSeq {
			delete(s.dirty, path)
		}
	}
	s.base = confirmed
	s.baseRev = s.schema.RevisionOf(resp)
	s.doc = s.rebaseLocked(confirmed)
	s.loading = false
	s.err = nil
	s.stale = false
	s.version++
	notify := s.notifyLocked()
	s.mu.Unlock()

	s.opts.metrics.RecordMutation(s.schema.Name, "committed")
	s.logger.Debug("Commit confirmed", "id", id, "ops", len(ops))
	notify()
	return nil
}

func (s *Store[T]) rollback(ctx context.Context, id string, cause error) error {
	wrapped := errors.Propagate(cause, "Store", "Commit", fmt.Sprintf("update %s %s", s.schema.Name, id))

	s.mu.Lock()
	s.doc = s.base
	s.history = nil
	s.dirty = make(map[string]uint64)
	s.loading = false
	s.err = wrapped
	s.version++
	notify := s.notifyLocked()
	s.mu.Unlock()

	s.opts.metrics.RecordRollback(s.schema.Name)
	s.opts.metrics.RecordMutation(s.schema.Name, "failed")
	s.logger.Warn("Commit failed, reverted to confirmed value", "id", id, "error", cause)
	if s.opts.notifier != nil {
		s.opts.notifier.Notify(ctx, service.Notice{
			Level:   service.LevelError,
			Store:   s.schema.Name,
			ID:      id,
			Message: fmt.Sprintf("Failed to update %s", s.schema.Name),
			Err:     wrapped,
		})
	}
	notify()
	return wrapped
}

// ApplyRemote accepts a record pushed by the server. A record older than
// the confirmed one is ignored and false is returned. Otherwise it becomes
// the confirmed value and unconfirmed edits are kept on top of it.
func (s *Store[T]) ApplyRemote(record T) (bool, error) {
	return s.replace(record, false)
}

// Invalidate refetches the record and replaces the confirmed value.
func (s *Store[T]) Invalidate(ctx context.Context) error {
	s.mu.Lock()
	id := s.id
	if IsTempID(id) {
		s.mu.Unlock()
		return errors.WrapInvalid(fmt.Errorf("%s %s is not created yet", s.schema.Name, id), "Store", "Invalidate", "check id")
	}
	s.loading = true
	s.mu.Unlock()

	record, err := s.svc.Get(ctx, id)

	s.mu.Lock()
	s.loading = false
	if err != nil {
		wrapped := errors.Propagate(err, "Store", "Invalidate", fmt.Sprintf("get %s %s", s.schema.Name, id))
		s.err = wrapped
		s.mu.Unlock()
		return wrapped
	}
	s.err = nil
	s.mu.Unlock()

	_, err = s.replace(record, true)
	return err
}

func (s *Store[T]) replace(record T, force bool) (bool, error) {
	doc, err := patch.Encode(record)
	if err != nil {
		return false, err
	}
	rev := s.schema.RevisionOf(record)

	s.mu.Lock()
	if !force && rev < s.baseRev {
		current := s.baseRev
		s.mu.Unlock()
		s.logger.Debug("Ignoring stale record", "id", s.schema.ID(record), "revision", rev, "confirmed", current)
		return false, nil
	}
	s.base = doc
	s.baseRev = rev
	s.doc = s.rebaseLocked(doc)
	s.stale = false
	s.version++
	notify := s.notifyLocked()
	s.mu.Unlock()

	notify()
	return true, nil
}

// rebaseLocked carries the visible value of every dirty path onto base.
func (s *Store[T]) rebaseLocked(base []byte) []byte {
	if len(s.dirty) == 0 {
		return base
	}

	paths := make([]string, 0, len(s.dirty))
	for path := range s.dirty {
		paths = append(paths, path)
	}
	// Parents sort before their children.
	sort.Strings(paths)

	ops := make([]patch.Operation, 0, len(paths))
	for _, path := range paths {
		op := patch.Operation{Path: path}
		if cur, ok := patch.Get(s.doc, path); ok {
			op.Next = cur
		}
		ops = append(ops, op)
	}

	out, err := patch.Replay(base, ops)
	if err == nil {
		err = s.check(out)
	}
	if err != nil {
		s.logger.Warn("Dropping unconfirmed edits that no longer apply", "id", s.id, "error", err)
		s.history = nil
		s.dirty = make(map[string]uint64)
		return base
	}
	return out
}

// SetID replaces a temporary identifier with the server one. It may be
// called once per store, and only while the id is temporary.
func (s *Store[T]) SetID(id string) error {
	if id == "" {
		return errors.WrapInvalid(fmt.Errorf("empty id"), "Store", "SetID", "check id")
	}

	s.mu.Lock()
	if s.idSet || !IsTempID(s.id) {
		old := s.id
		s.mu.Unlock()
		err := errors.Invariant("Store", "SetID", "%s id %s is not temporary, refusing %s", s.schema.Name, old, id)
		s.logger.Error("Invariant violated", "error", err)
		return err
	}

	doc, err := s.withID(s.doc, id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	base, err := s.withID(s.base, id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.doc = doc
	s.base = base
	s.id = id
	s.idSet = true
	s.version++
	notify := s.notifyLocked()
	s.mu.Unlock()

	notify()
	return nil
}

func (s *Store[T]) withID(doc []byte, id string) ([]byte, error) {
	v, err := patch.Decode[T](doc)
	if err != nil {
		return nil, err
	}
	s.schema.SetID(&v, id)
	return patch.Encode(v)
}

func (s *Store[T]) decode(doc []byte) T {
	v, err := patch.Decode[T](doc)
	if err != nil {
		s.logger.Error("Stored document does not decode", "error", err)
	}
	return v
}

// notifyLocked captures the listeners and current value; the returned func
// delivers them and must be called after unlocking.
func (s *Store[T]) notifyLocked() func() {
	if len(s.listeners) == 0 {
		return func() {}
	}
	fns := make([]func(Change[T]), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	doc, version := s.doc, s.version
	return func() {
		for _, fn := range fns {
			fn(Change[T]{Value: s.decode(doc), Version: version})
		}
	}
}
