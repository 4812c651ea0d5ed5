// Package kvservice implements service.Service on a NATS JetStream KV
// bucket. Records are stored as JSON under their id; the KV revision is the
// record revision, so updates are rejected with a conflict when the record
// was changed since the caller read it.
//
// Writes can publish sync events to a channel, and Watch turns changes made
// by other writers into sync events.
package kvservice

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/entitysync/entity"
	"github.com/c360/entitysync/errors"
	"github.com/c360/entitysync/natsclient"
	"github.com/c360/entitysync/patch"
	"github.com/c360/entitysync/service"
	"github.com/c360/entitysync/syncchannel"
)

// BucketName returns the KV bucket used for an entity name.
func BucketName(entityName string) string {
	return "entitysync_" + strings.ToLower(entityName)
}

type config struct {
	logger    *slog.Logger
	publisher syncchannel.Publisher
	channel   string
	history   uint8
	newID     func() string
	kvOpts    []func(*natsclient.KVOptions)
}

// Option configures a Service.
type Option func(*config)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithPublisher publishes a sync event on channel after every write.
func WithPublisher(p syncchannel.Publisher, channel string) Option {
	return func(c *config) {
		c.publisher = p
		c.channel = channel
	}
}

// WithHistory sets how many revisions per key the bucket keeps.
func WithHistory(n uint8) Option {
	return func(c *config) {
		if n > 0 {
			c.history = n
		}
	}
}

// WithIDGenerator overrides how ids are assigned to new records.
func WithIDGenerator(fn func() string) Option {
	return func(c *config) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// WithKVOptions tunes the underlying KV store.
func WithKVOptions(opts ...func(*natsclient.KVOptions)) Option {
	return func(c *config) {
		c.kvOpts = append(c.kvOpts, opts...)
	}
}

// Service stores records of one entity type in a KV bucket.
type Service[T any] struct {
	schema entity.Schema[T]
	kv     *natsclient.KVStore
	cfg    config
	logger *slog.Logger
}

var _ service.Service[struct{}] = (*Service[struct{}])(nil)

// New opens or creates the bucket for schema.Name.
func New[T any](ctx context.Context, client *natsclient.Client, schema entity.Schema[T], opts ...Option) (*Service[T], error) {
	if client == nil {
		return nil, errors.WrapInvalid(nil, "kvservice", "New", "nats client cannot be nil")
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}

	cfg := config{
		logger:  slog.Default(),
		history: 10,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      BucketName(schema.Name),
		Description: schema.Name + " records",
		History:     cfg.history,
	})
	if err != nil {
		return nil, errors.Propagate(err, "kvservice", "New", "create KV bucket")
	}

	return &Service[T]{
		schema: schema,
		kv:     client.NewKVStore(bucket, cfg.kvOpts...),
		cfg:    cfg,
		logger: cfg.logger.With("component", "kvservice", "store", schema.Name),
	}, nil
}

// Bucket returns the bucket name.
func (s *Service[T]) Bucket() string {
	return s.kv.Bucket()
}

// validate runs the record's own Validate method when it has one.
func validate[T any](record *T) error {
	if v, ok := any(record).(interface{ Validate() error }); ok {
		return v.Validate()
	}
	return nil
}

// List returns one page of records ordered by id. A page size below one
// returns every record.
func (s *Service[T]) List(ctx context.Context, page service.Page) (service.PageResult[T], error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return service.PageResult[T]{}, errors.Propagate(err, "kvservice", "List", "list keys")
	}
	sort.Strings(keys)

	start, end := 0, len(keys)
	if page.Size > 0 {
		start = min(page.Offset(), len(keys))
		end = min(start+page.Size, len(keys))
	}

	items := make([]T, 0, end-start)
	for _, key := range keys[start:end] {
		record, err := s.Get(ctx, key)
		if err != nil {
			if errors.IsNotFound(err) {
				// Deleted between listing and reading.
				continue
			}
			return service.PageResult[T]{}, err
		}
		items = append(items, record)
	}
	return service.PageResult[T]{Items: items, TotalElements: len(keys)}, nil
}

// Get reads one record.
func (s *Service[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	if id == "" {
		return zero, errors.WrapInvalid(nil, "kvservice", "Get", "id cannot be empty")
	}

	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return zero, errors.WrapInvalid(err, "kvservice", "Get", fmt.Sprintf("get %s %s", s.schema.Name, id))
		}
		return zero, errors.Propagate(err, "kvservice", "Get", fmt.Sprintf("get %s %s", s.schema.Name, id))
	}
	return s.decode(entry.Value, entry.Revision)
}

func (s *Service[T]) decode(value []byte, revision uint64) (T, error) {
	record, err := patch.Decode[T](value)
	if err != nil {
		return record, errors.WrapFatal(err, "kvservice", "decode", "unmarshal "+s.schema.Name)
	}
	return s.schema.WithRevision(record, revision), nil
}

// Create stores a new record. Records without an id, or with a temporary
// one, get a generated id.
func (s *Service[T]) Create(ctx context.Context, record T) (T, error) {
	var zero T
	id := s.schema.ID(record)
	if id == "" || entity.IsTempID(id) {
		id = s.cfg.newID()
		record = s.schema.WithID(record, id)
	}
	if err := validate(&record); err != nil {
		return zero, err
	}

	data, err := patch.Encode(s.schema.WithRevision(record, 0))
	if err != nil {
		return zero, err
	}
	rev, err := s.kv.Create(ctx, id, data)
	if err != nil {
		if natsclient.IsKVConflictError(err) {
			return zero, errors.WrapInvalid(err, "kvservice", "Create", fmt.Sprintf("%s %s already exists", s.schema.Name, id))
		}
		return zero, errors.Propagate(err, "kvservice", "Create", "create in KV")
	}

	record = s.schema.WithRevision(record, rev)
	s.publish(ctx, syncchannel.ActionAppend, id, record)
	return record, nil
}

// Update stores record if its revision still matches the bucket. A record
// with revision zero, or a schema without revisions, is written
// unconditionally. ops are not needed; the whole record is stored.
func (s *Service[T]) Update(ctx context.Context, record T, _ []patch.Operation) (T, error) {
	var zero T
	id := s.schema.ID(record)
	if id == "" {
		return zero, errors.WrapInvalid(nil, "kvservice", "Update", "id cannot be empty")
	}
	if err := validate(&record); err != nil {
		return zero, err
	}

	expected := s.schema.RevisionOf(record)
	data, err := patch.Encode(s.schema.WithRevision(record, 0))
	if err != nil {
		return zero, err
	}

	var rev uint64
	if expected == 0 {
		rev, err = s.kv.Put(ctx, id, data)
	} else {
		rev, err = s.kv.Update(ctx, id, data, expected)
	}
	if err != nil {
		if natsclient.IsKVConflictError(err) {
			return zero, errors.WrapInvalid(err, "kvservice", "Update",
				fmt.Sprintf("conflict: %s %s was modified by another user", s.schema.Name, id))
		}
		return zero, errors.Propagate(err, "kvservice", "Update", "update in KV")
	}

	record = s.schema.WithRevision(record, rev)
	s.publish(ctx, syncchannel.ActionUpdate, id, record)
	return record, nil
}

// Delete removes a record.
func (s *Service[T]) Delete(ctx context.Context, id string) error {
	if id == "" {
		return errors.WrapInvalid(nil, "kvservice", "Delete", "id cannot be empty")
	}
	if err := s.kv.Delete(ctx, id); err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return errors.WrapInvalid(err, "kvservice", "Delete", fmt.Sprintf("delete %s %s", s.schema.Name, id))
		}
		return errors.Propagate(err, "kvservice", "Delete", "delete from KV")
	}
	s.publish(ctx, syncchannel.ActionDelete, id)
	return nil
}

// publish sends a sync event. The write already succeeded, so failures are
// logged only.
func (s *Service[T]) publish(ctx context.Context, action syncchannel.Action, id string, records ...T) {
	if s.cfg.publisher == nil {
		return
	}
	ev, err := s.event(action, id, records...)
	if err == nil {
		err = syncchannel.Publish(ctx, s.cfg.publisher, s.cfg.channel, ev)
	}
	if err != nil {
		s.logger.Warn("Failed to publish sync event", "action", action, "id", id, "error", err)
	}
}

func (s *Service[T]) event(action syncchannel.Action, id string, records ...T) (syncchannel.Event, error) {
	ev := syncchannel.Event{Action: action, IDs: []string{id}}
	for _, r := range records {
		data, err := patch.Encode(r)
		if err != nil {
			return ev, err
		}
		ev.Payload = append(ev.Payload, data)
	}
	return ev, nil
}

// Watch delivers changes to the bucket as sync events until ctx is done.
// Existing records are skipped; only changes after the call are sent.
func (s *Service[T]) Watch(ctx context.Context, sink syncchannel.Sink) error {
	watcher, err := s.kv.Watch(ctx, ">")
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Stop() }()

	live := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case entry, ok := <-watcher.Updates():
			if !ok {
				return nil
			}
			if entry == nil {
				// End of the initial values.
				live = true
				continue
			}
			if !live {
				continue
			}
			ev, err := s.watchEvent(entry)
			if err != nil {
				s.logger.Warn("Skipping undecodable KV entry", "key", entry.Key(), "error", err)
				continue
			}
			if err := sink.Sync(ctx, ev); err != nil {
				s.logger.Warn("Sync from KV watch failed", "key", entry.Key(), "error", err)
			}
		}
	}
}

func (s *Service[T]) watchEvent(entry jetstream.KeyValueEntry) (syncchannel.Event, error) {
	switch entry.Operation() {
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		return s.event(syncchannel.ActionDelete, entry.Key())
	default:
		record, err := s.decode(entry.Value(), entry.Revision())
		if err != nil {
			return syncchannel.Event{}, err
		}
		return s.event(syncchannel.ActionUpdate, entry.Key(), record)
	}
}
