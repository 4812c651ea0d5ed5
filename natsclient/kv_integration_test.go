//go:build integration

package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/entitysync/errors"
)

func TestKVStore_CRUD(t *testing.T) {
	tc := NewTestClient(t, WithJetStream())
	ctx := context.Background()

	bucket, err := tc.CreateKVBucket(ctx, "kv-crud")
	require.NoError(t, err)
	kv := tc.Client.NewKVStore(bucket)
	assert.Equal(t, "kv-crud", kv.Bucket())

	keys, err := kv.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	rev, err := kv.Create(ctx, "a", []byte("1"))
	require.NoError(t, err)

	_, err = kv.Create(ctx, "a", []byte("again"))
	assert.ErrorIs(t, err, ErrKVKeyExists)

	_, err = kv.Update(ctx, "a", []byte("2"), rev+10)
	assert.True(t, errors.IsConflict(err))

	rev2, err := kv.Update(ctx, "a", []byte("2"), rev)
	require.NoError(t, err)
	assert.Greater(t, rev2, rev)

	entry, err := kv.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "2", string(entry.Value))
	assert.Equal(t, rev2, entry.Revision)

	keys, err = kv.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, keys)

	require.NoError(t, kv.Delete(ctx, "a"))
	_, err = kv.Get(ctx, "a")
	assert.True(t, errors.IsNotFound(err))
}

func TestKVStore_Limits(t *testing.T) {
	tc := NewTestClient(t, WithKVBuckets("kv-limits"))
	ctx := context.Background()

	bucket, err := tc.CreateKVBucket(ctx, "kv-limits")
	require.NoError(t, err)
	kv := tc.Client.NewKVStore(bucket, WithMaxValueSize(4), WithKVTimeout(time.Second))

	_, err = kv.Put(ctx, "small", []byte("1234"))
	require.NoError(t, err)

	_, err = kv.Put(ctx, "big", []byte("12345"))
	assert.True(t, errors.IsInvalid(err))
	_, err = kv.Create(ctx, "big", []byte("12345"))
	assert.True(t, errors.IsInvalid(err))

	keys, err := kv.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"small"}, keys)
}

func TestClient_HealthCallback(t *testing.T) {
	tc := NewTestClient(t)

	changes := make(chan bool, 4)
	client, err := NewClient(tc.URL, WithHealthChangeCallback(func(healthy bool) {
		changes <- healthy
	}))
	require.NoError(t, err)

	require.NoError(t, client.Connect(context.Background()))
	assert.True(t, <-changes)

	rtt, err := client.RTT()
	require.NoError(t, err)
	assert.Positive(t, rtt)

	require.NoError(t, client.Close(context.Background()))
	select {
	case healthy := <-changes:
		assert.False(t, healthy)
	case <-time.After(2 * time.Second):
		t.Fatal("no health change after close")
	}
}

func TestClient_PubSub(t *testing.T) {
	tc := NewTestClient(t)
	ctx := context.Background()

	received := make(chan []byte, 2)
	sub, err := tc.Client.Subscribe(ctx, "entitysync.t.Flow", func(_ context.Context, data []byte) {
		received <- data
	})
	require.NoError(t, err)
	assert.Equal(t, "entitysync.t.Flow", sub.Subject())

	require.NoError(t, tc.Client.Publish(ctx, "entitysync.t.Flow", []byte("hello")))
	select {
	case data := <-received:
		assert.Equal(t, "hello", string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())

	require.NoError(t, tc.Client.Publish(ctx, "entitysync.t.Flow", []byte("late")))
	select {
	case <-received:
		t.Fatal("delivered after unsubscribe")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestClient_BucketLifecycle(t *testing.T) {
	tc := NewTestClient(t, WithJetStream())
	ctx := context.Background()

	_, err := tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "life"})
	require.NoError(t, err)
	_, err = tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "life"})
	require.NoError(t, err, "existing bucket is returned")

	bucket, err := tc.CreateKVBucket(ctx, "life")
	require.NoError(t, err)
	_, err = tc.Client.NewKVStore(bucket).Put(ctx, "k", []byte("v"))
	require.NoError(t, err)

	require.NoError(t, tc.DeleteKVBucket(ctx, "life"))
	require.NoError(t, tc.DeleteKVBucket(ctx, "life"), "deleting a missing bucket is harmless")

	bucket, err = tc.CreateKVBucket(ctx, "life")
	require.NoError(t, err)
	keys, err := tc.Client.NewKVStore(bucket).Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}
