package cache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapCold struct {
	data    map[string][]byte
	loads   int
	loadErr error
}

func newMapCold() *mapCold { return &mapCold{data: make(map[string][]byte)} }

func (m *mapCold) Load(_ context.Context, key string) ([]byte, error) {
	m.loads++
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	v, ok := m.data[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return v, nil
}

func (m *mapCold) Store(_ context.Context, key string, value []byte) error {
	m.data[key] = value
	return nil
}

func (m *mapCold) BatchLoad(_ context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	for _, k := range keys {
		m.loads++
		if v, ok := m.data[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (m *mapCold) BatchStore(_ context.Context, items map[string][]byte) error {
	for k, v := range items {
		m.data[k] = v
	}
	return nil
}

func (m *mapCold) Close() error { return nil }

type recordingInvalidator struct {
	keys []string
}

func (r *recordingInvalidator) PublishInvalidation(_ context.Context, key string) error {
	r.keys = append(r.keys, key)
	return nil
}

func (r *recordingInvalidator) SubscribeInvalidations(context.Context, InvalidationHandler) error {
	return nil
}

func (r *recordingInvalidator) Close() error { return nil }

func TestMemoryCacheReadThrough(t *testing.T) {
	ctx := context.Background()
	cold := newMapCold()
	cold.data["layer:roads"] = []byte("v1")

	c := NewMemoryCache(cold, nil, time.Minute)

	val, err := c.Get(ctx, "layer:roads")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), val)

	// второе чтение из кеша
	_, err = c.Get(ctx, "layer:roads")
	require.NoError(t, err)
	assert.Equal(t, 1, cold.loads)

	_, err = c.Get(ctx, "layer:missing")
	assert.True(t, IsCacheMiss(err))

	m := c.GetMetrics()
	assert.Equal(t, int64(3), m.TotalRequests)
	assert.Equal(t, int64(1), m.CacheHits)
	assert.Equal(t, int64(2), m.CacheMisses)
	assert.Equal(t, int64(1), m.ColdLoads)
}

func TestMemoryCacheColdFailureIsNotMiss(t *testing.T) {
	ctx := context.Background()
	diskErr := errors.New("disk I/O error")
	cold := newMapCold()
	cold.loadErr = diskErr
	c := NewMemoryCache(cold, nil, time.Minute)
	defer c.Close()

	_, err := c.Get(ctx, "layer:roads")
	require.Error(t, err)
	assert.False(t, IsCacheMiss(err))
	assert.ErrorIs(t, err, diskErr)

	cold.loadErr = nil
	_, err = c.Get(ctx, "layer:roads")
	assert.True(t, IsCacheMiss(err), "отсутствующий ключ остаётся промахом")
}

func TestMemoryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(nil, nil, time.Minute)

	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, "tree", []byte("x"), 10*time.Second))
	_, err := c.Get(ctx, "tree")
	require.NoError(t, err)

	now = now.Add(11 * time.Second)
	_, err = c.Get(ctx, "tree")
	assert.True(t, IsCacheMiss(err))

	assert.ErrorIs(t, c.Set(ctx, "", nil, 0), ErrInvalidKey)
}

func TestMemoryCacheInvalidatePublishes(t *testing.T) {
	ctx := context.Background()
	cold := newMapCold()
	inv := &recordingInvalidator{}
	c := NewMemoryCache(cold, inv, 0)

	require.NoError(t, c.Set(ctx, "layer:a", []byte("old"), 0))
	cold.data["layer:a"] = []byte("new")

	require.NoError(t, c.Invalidate(ctx, "layer:a"))
	assert.Equal(t, []string{"layer:a"}, inv.keys)

	val, err := c.Get(ctx, "layer:a")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), val)
}

func TestMemoryCacheBatchGet(t *testing.T) {
	ctx := context.Background()
	cold := newMapCold()
	cold.data["base:0001"] = []byte("1")
	cold.data["base:0002"] = []byte("2")

	c := NewMemoryCache(cold, nil, 0)
	require.NoError(t, c.Set(ctx, "base:0001", []byte("cached"), 0))

	got, err := c.BatchGet(ctx, []string{"base:0001", "base:0002", "base:0003"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{
		"base:0001": []byte("cached"),
		"base:0002": []byte("2"),
	}, got)
	assert.Equal(t, 2, cold.loads)
	assert.Equal(t, int64(2), c.GetMetrics().TotalKeys)
}

func TestRedisCacheUnreachable(t *testing.T) {
	_, err := NewRedisCache(CacheConfig{RedisURL: "127.0.0.1:1"}, nil, nil)
	assert.Error(t, err)
}

func TestDedupeSet(t *testing.T) {
	d := newDedupeSet(time.Second)
	t0 := time.Unix(0, 0)

	assert.True(t, d.admit("k", t0))
	assert.False(t, d.admit("k", t0.Add(500*time.Millisecond)))
	assert.True(t, d.admit("k", t0.Add(2*time.Second)))

	d.sweep(t0.Add(10 * time.Second))
	assert.Empty(t, d.seen)

	assert.True(t, d.admit("j", t0))
	d.forget("j")
	assert.True(t, d.admit("j", t0))
}

func TestInvalidatorDispatchFiltersOwnAndDuplicates(t *testing.T) {
	var got []string
	n := &NATSInvalidator{
		nodeID:   "node-a",
		sent:     newDedupeSet(time.Second),
		received: newDedupeSet(time.Second),
		handler: func(key string) error {
			got = append(got, key)
			return nil
		},
	}
	now := time.Unix(100, 0)

	assert.False(t, n.dispatch(InvalidationMessage{Key: "layer:a", NodeID: "node-a"}, now))
	assert.True(t, n.dispatch(InvalidationMessage{Key: "layer:a", NodeID: "node-b"}, now))
	assert.False(t, n.dispatch(InvalidationMessage{Key: "layer:a", NodeID: "node-c"}, now.Add(100*time.Millisecond)))
	assert.True(t, n.dispatch(InvalidationMessage{Key: "layer:a", NodeID: "node-c"}, now.Add(2*time.Second)))

	// отправка того же ключа не глушит приём
	n.sent.admit("layer:b", now)
	assert.True(t, n.dispatch(InvalidationMessage{Key: "layer:b", NodeID: "node-b"}, now))

	assert.Equal(t, []string{"layer:a", "layer:a", "layer:b"}, got)
}
