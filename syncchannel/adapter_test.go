package syncchannel_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/entitysync/errors"
	"github.com/c360/entitysync/metric"
	"github.com/c360/entitysync/syncchannel"
	"github.com/c360/entitysync/transport"
)

type sinkRecorder struct {
	mu     sync.Mutex
	events []syncchannel.Event
	err    error
}

func (s *sinkRecorder) Sync(_ context.Context, ev syncchannel.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *sinkRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestEvent_Validate(t *testing.T) {
	tests := []struct {
		name    string
		event   syncchannel.Event
		wantErr bool
	}{
		{"append", syncchannel.Event{Action: syncchannel.ActionAppend, IDs: []string{"1"}}, false},
		{"whole collection invalidate", syncchannel.Event{Action: syncchannel.ActionInvalidate}, false},
		{"unknown action", syncchannel.Event{Action: "MOVE", IDs: []string{"1"}}, true},
		{"delete without ids", syncchannel.Event{Action: syncchannel.ActionDelete}, true},
		{"empty id", syncchannel.Event{Action: syncchannel.ActionUpdate, IDs: []string{""}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsInvalid(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestDecode(t *testing.T) {
	ev, err := syncchannel.Decode([]byte(`{"action":"APPEND","ids":["s1"],"payload":[{"id":"s1","name":"Flow X"}]}`))
	require.NoError(t, err)
	assert.Equal(t, syncchannel.ActionAppend, ev.Action)
	assert.Equal(t, []string{"s1"}, ev.IDs)
	require.Len(t, ev.Payload, 1)
	assert.JSONEq(t, `{"id":"s1","name":"Flow X"}`, string(ev.Payload[0]))

	_, err = syncchannel.Decode([]byte(`{"action":`))
	assert.ErrorIs(t, err, errors.ErrParsingFailed)

	data, err := syncchannel.Event{Action: syncchannel.ActionDelete, IDs: []string{"1"}}.Encode()
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "DELETE", raw["action"])
}

func TestChannelName(t *testing.T) {
	name, err := syncchannel.ChannelName("entitysync", "acme", "Flows")
	require.NoError(t, err)
	assert.Equal(t, "entitysync.acme.Flows", name)

	name, err = syncchannel.ChannelName("entitysync", "", "Users")
	require.NoError(t, err)
	assert.Equal(t, "entitysync.Users", name)

	for _, bad := range []string{"a.b", "a*", ">", "a b"} {
		_, err := syncchannel.ChannelName("entitysync", bad, "Flows")
		assert.Error(t, err, bad)
	}
	_, err = syncchannel.ChannelName("entitysync", "acme", "")
	assert.Error(t, err)
}

func TestAdapter_DeliversEvents(t *testing.T) {
	bus := transport.NewBus()
	sink := &sinkRecorder{}
	ctx := context.Background()

	a, err := syncchannel.NewAdapter("entitysync.acme.Flows", bus, sink)
	require.NoError(t, err)
	require.NoError(t, a.Subscribe(ctx))
	assert.True(t, a.Subscribed())

	require.NoError(t, syncchannel.Publish(ctx, bus, a.Channel(),
		syncchannel.Event{Action: syncchannel.ActionAppend, IDs: []string{"1"}}))
	require.NoError(t, syncchannel.Publish(ctx, bus, a.Channel(),
		syncchannel.Event{Action: syncchannel.ActionDelete, IDs: []string{"1"}}))

	require.Equal(t, 2, sink.count())
	assert.Equal(t, syncchannel.ActionAppend, sink.events[0].Action)
	assert.Equal(t, syncchannel.ActionDelete, sink.events[1].Action)
}

func TestAdapter_ResubscribeDoesNotDuplicate(t *testing.T) {
	bus := transport.NewBus()
	sink := &sinkRecorder{}
	ctx := context.Background()

	a, err := syncchannel.NewAdapter("c", bus, sink)
	require.NoError(t, err)
	require.NoError(t, a.Subscribe(ctx))
	require.NoError(t, a.Subscribe(ctx))
	require.NoError(t, a.Subscribe(ctx))
	assert.Equal(t, 1, bus.Subscribers("c"))

	require.NoError(t, syncchannel.Publish(ctx, bus, "c", syncchannel.Event{Action: syncchannel.ActionInvalidate}))
	assert.Equal(t, 1, sink.count())

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.False(t, a.Subscribed())
	assert.Equal(t, 0, bus.Subscribers("c"))
}

func TestAdapter_MalformedFramesAreCounted(t *testing.T) {
	bus := transport.NewBus()
	sink := &sinkRecorder{}
	registry := metric.NewMetricsRegistry()
	ctx := context.Background()

	a, err := syncchannel.NewAdapter("c", bus, sink, syncchannel.WithMetrics(registry.SyncMetrics()))
	require.NoError(t, err)
	require.NoError(t, a.Subscribe(ctx))

	require.NoError(t, bus.Publish(ctx, "c", []byte("garbage")))
	require.NoError(t, bus.Publish(ctx, "c", []byte(`{"action":"DELETE"}`)))
	require.NoError(t, syncchannel.Publish(ctx, bus, "c", syncchannel.Event{Action: syncchannel.ActionInvalidate}))

	assert.Equal(t, 1, sink.count())
	assert.Equal(t, 2.0, testutil.ToFloat64(registry.SyncMetrics().DecodeFailures.WithLabelValues("c")))
}

func TestAdapter_SinkErrorIsNotFatal(t *testing.T) {
	bus := transport.NewBus()
	sink := &sinkRecorder{err: errors.New("boom")}
	ctx := context.Background()

	a, err := syncchannel.NewAdapter("c", bus, sink)
	require.NoError(t, err)
	require.NoError(t, a.Subscribe(ctx))

	ev := syncchannel.Event{Action: syncchannel.ActionUpdate, IDs: []string{"1"}}
	require.NoError(t, syncchannel.Publish(ctx, bus, "c", ev))
	require.NoError(t, syncchannel.Publish(ctx, bus, "c", ev))
	assert.Equal(t, 2, sink.count())
}

func TestNewAdapter_Validation(t *testing.T) {
	_, err := syncchannel.NewAdapter("", transport.NewBus(), &sinkRecorder{})
	assert.True(t, errors.IsInvalid(err))

	_, err = syncchannel.NewAdapter("c", nil, &sinkRecorder{})
	assert.True(t, errors.IsFatal(err))
}
