package natsclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/entitysync/errors"
)

func TestNewClient(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", client.URL())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.False(t, client.IsHealthy())
	assert.Error(t, client.Health())
}

func TestNewClient_InvalidOption(t *testing.T) {
	for name, opt := range map[string]ClientOption{
		"timeout":       WithTimeout(0),
		"drain timeout": WithDrainTimeout(-time.Second),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewClient("nats://localhost:4222", opt)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestNewClient_Options(t *testing.T) {
	client, err := NewClient("nats://localhost:4222",
		WithPingInterval(5*time.Second),
		WithDrainTimeout(3*time.Second),
		WithCircuitBreakerThreshold(2),
		WithMaxBackoff(0))
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, client.pingInterval)
	assert.Equal(t, 3*time.Second, client.drainTimeout)
	assert.Equal(t, int32(2), client.circuitThreshold)
	assert.Equal(t, time.Minute, client.maxBackoff, "sub-second backoff falls back to the default")

	client.recordFailure()
	client.recordFailure()
	assert.Equal(t, StatusCircuitOpen, client.Status())
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	client, err := NewClient("nats://invalid:4222")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		client.recordFailure()
	}
	assert.NotEqual(t, StatusCircuitOpen, client.Status())

	client.recordFailure()
	assert.Equal(t, StatusCircuitOpen, client.Status())
	assert.Equal(t, int32(5), client.Failures())

	err = client.Connect(context.Background())
	assert.ErrorIs(t, err, errors.ErrCircuitOpen)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	require.Equal(t, StatusCircuitOpen, client.Status())

	client.resetCircuit()
	assert.Equal(t, int32(0), client.Failures())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.Equal(t, time.Second, client.Backoff())
}

func TestCircuitBreaker_ExponentialBackoff(t *testing.T) {
	client, err := NewClient("nats://localhost:4222", WithMaxBackoff(4*time.Second))
	require.NoError(t, err)
	assert.Equal(t, time.Second, client.Backoff())

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	assert.Equal(t, 2*time.Second, client.Backoff())

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	assert.Equal(t, 4*time.Second, client.Backoff())

	for i := 0; i < 20; i++ {
		client.recordFailure()
	}
	assert.Equal(t, 4*time.Second, client.Backoff())
}

func TestCircuitBreaker_HalfOpen(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	client.setStatus(StatusCircuitOpen)
	client.halfOpen()
	assert.Equal(t, StatusDisconnected, client.Status())

	client.setStatus(StatusConnected)
	client.halfOpen()
	assert.Equal(t, StatusConnected, client.Status(), "half-open only leaves the open state")
}

func TestConnectionStatus_String(t *testing.T) {
	tests := []struct {
		status ConnectionStatus
		want   string
	}{
		{StatusDisconnected, "disconnected"},
		{StatusConnecting, "connecting"},
		{StatusConnected, "connected"},
		{StatusReconnecting, "reconnecting"},
		{StatusCircuitOpen, "circuit_open"},
		{ConnectionStatus(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.String())
	}
}

func TestNotConnected(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	ctx := context.Background()

	assert.ErrorIs(t, client.Publish(ctx, "a", []byte("x")), errors.ErrNoConnection)

	_, err = client.Subscribe(ctx, "a", func(context.Context, []byte) {})
	assert.ErrorIs(t, err, errors.ErrNoConnection)

	_, err = client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "b"})
	assert.ErrorIs(t, err, errors.ErrNoConnection)

	_, err = client.RTT()
	assert.ErrorIs(t, err, errors.ErrNoConnection)

	assert.True(t, errors.IsTransient(ErrNotConnected))
}

func TestWaitForConnection_Timeout(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = client.WaitForConnection(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestClose_Idempotent(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	require.NoError(t, client.Close(context.Background()))
	require.NoError(t, client.Close(context.Background()))

	err = client.Connect(context.Background())
	assert.ErrorIs(t, err, errors.ErrClosed)
}

func TestConcurrentSafety(t *testing.T) {
	client, err := NewClient("nats://localhost:4222", WithCircuitBreakerThreshold(1000))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client.recordFailure()
			_ = client.Status()
			_ = client.IsHealthy()
			_ = client.Backoff()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(20), client.Failures())
}

func TestIsAlreadyExistsError(t *testing.T) {
	assert.False(t, isAlreadyExistsError(nil))
	assert.True(t, isAlreadyExistsError(errors.New("nats: stream name already in use")))
	assert.False(t, isAlreadyExistsError(errors.New("timeout")))
}

func TestKVErrorHelpers(t *testing.T) {
	assert.True(t, IsKVNotFoundError(ErrKVKeyNotFound))
	assert.True(t, errors.IsNotFound(ErrKVKeyNotFound))
	assert.True(t, IsKVConflictError(ErrKVRevisionMismatch))
	assert.True(t, IsKVConflictError(errors.New("nats: wrong last sequence: 4")))
	assert.True(t, errors.IsConflict(ErrKVKeyExists))
	assert.False(t, IsKVConflictError(nil))
	assert.False(t, IsKVNotFoundError(errors.New("boom")))
}
