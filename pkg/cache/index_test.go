package cache

import (
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/entitysync/errors"
	"github.com/c360/entitysync/metric"
)

func newTestIndex(t *testing.T, opts ...Option[string]) Cache[string] {
	t.Helper()
	idx, err := NewIndex(opts...)
	require.NoError(t, err)
	return idx
}

func TestIndex_BasicOperations(t *testing.T) {
	idx := newTestIndex(t)

	_, ok := idx.Get("key1")
	assert.False(t, ok)

	isNew, err := idx.Set("key1", "value1")
	require.NoError(t, err)
	assert.True(t, isNew)

	isNew, err = idx.Set("key1", "value1_updated")
	require.NoError(t, err)
	assert.False(t, isNew)

	v, ok := idx.Get("key1")
	assert.True(t, ok)
	assert.Equal(t, "value1_updated", v)

	removed, ok, err := idx.Delete("key1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "value1_updated", removed)

	_, ok, err = idx.Delete("key1")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, 0, idx.Size())
}

func TestIndex_EmptyKeyRejected(t *testing.T) {
	idx := newTestIndex(t)

	_, err := idx.Set("", "x")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = idx.Rekey("", "x")
	assert.Error(t, err)
}

func TestIndex_Rekey(t *testing.T) {
	idx := newTestIndex(t)
	_, _ = idx.Set("tmp-1", "draft")

	v, err := idx.Rekey("tmp-1", "s1")
	require.NoError(t, err)
	assert.Equal(t, "draft", v)

	_, ok := idx.Get("tmp-1")
	assert.False(t, ok)
	got, ok := idx.Get("s1")
	assert.True(t, ok)
	assert.Equal(t, "draft", got)
	assert.Equal(t, 1, idx.Size())
}

func TestIndex_RekeyExistingTargetWins(t *testing.T) {
	var evicted []string
	idx := newTestIndex(t, WithEvictionCallback(func(key, _ string) {
		evicted = append(evicted, key)
	}))
	_, _ = idx.Set("tmp-1", "draft")
	_, _ = idx.Set("s1", "pushed")

	v, err := idx.Rekey("tmp-1", "s1")
	require.NoError(t, err)
	assert.Equal(t, "pushed", v)
	assert.Equal(t, 1, idx.Size())
	assert.Equal(t, []string{"tmp-1"}, evicted)
}

func TestIndex_RekeyMissing(t *testing.T) {
	idx := newTestIndex(t)
	_, err := idx.Rekey("nope", "s1")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestIndex_KeysAndValues(t *testing.T) {
	idx := newTestIndex(t)
	for i := 0; i < 3; i++ {
		_, _ = idx.Set(fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i))
	}

	keys := idx.Keys()
	sort.Strings(keys)
	assert.Equal(t, []string{"k0", "k1", "k2"}, keys)

	values := idx.Values()
	sort.Strings(values)
	assert.Equal(t, []string{"v0", "v1", "v2"}, values)
}

func TestIndex_Statistics(t *testing.T) {
	idx := newTestIndex(t)
	_, _ = idx.Set("a", "1")
	_, _ = idx.Set("b", "2")
	idx.Get("a")
	idx.Get("missing")
	_, _, _ = idx.Delete("b")

	stats := idx.Stats().Summary()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(2), stats.Sets)
	assert.Equal(t, int64(1), stats.Deletes)
	assert.Equal(t, int64(1), stats.CurrentSize)
	assert.Equal(t, int64(2), stats.MaxSize)
	assert.InDelta(t, 0.5, stats.HitRatio, 0.0001)
}

func TestIndex_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	raw, err := NewIndex(WithMetrics[string](registry, "flows"))
	require.NoError(t, err)
	idx := raw.(*index[string])

	_, _ = idx.Set("a", "1")
	idx.Get("a")
	idx.Get("b")

	assert.Equal(t, 1.0, testutil.ToFloat64(idx.metrics.hits))
	assert.Equal(t, 1.0, testutil.ToFloat64(idx.metrics.misses))
	assert.Equal(t, 1.0, testutil.ToFloat64(idx.metrics.size))

	_, err = NewIndex(WithMetrics[string](registry, "flows"))
	assert.Error(t, err, "same prefix cannot register twice")
}

func TestIndex_Concurrent(t *testing.T) {
	idx := newTestIndex(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", n%10)
			_, _ = idx.Set(key, key)
			idx.Get(key)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 10, idx.Size())
}
