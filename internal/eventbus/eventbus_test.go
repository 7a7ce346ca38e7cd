package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collected struct {
	mu  sync.Mutex
	ids []string
}

func (c *collected) handler(_ context.Context, ev *Envelope) {
	c.mu.Lock()
	c.ids = append(c.ids, ev.ID)
	c.mu.Unlock()
}

func (c *collected) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

func TestMemoryBusDeliversInOrderWithFilter(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus(16)
	defer bus.Close()

	var changes, all collected
	_, err := bus.Subscribe(ctx, Filter{Types: []string{EventLandblocksChanged}}, changes.handler)
	require.NoError(t, err)
	_, err = bus.Subscribe(ctx, Filter{}, all.handler)
	require.NoError(t, err)

	var want []string
	for i := 0; i < 5; i++ {
		ev := NewEnvelope("test", EventLandblocksChanged, PriorityNormal, nil)
		want = append(want, ev.ID)
		require.NoError(t, bus.Publish(ctx, ev))
	}
	saved := NewEnvelope("test", EventDocumentSaved, PriorityNormal, nil)
	require.NoError(t, bus.Publish(ctx, saved))

	require.Eventually(t, func() bool { return len(all.snapshot()) == 6 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, changes.snapshot())
	assert.Equal(t, append(want, saved.ID), all.snapshot())

	stats := bus.Metrics()
	assert.Equal(t, uint64(6), stats.Published)
	require.Eventually(t, func() bool { return bus.Metrics().Consumed == 11 }, time.Second, 5*time.Millisecond)
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus(4)
	defer bus.Close()

	var c collected
	sub, err := bus.Subscribe(ctx, Filter{}, c.handler)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, NewEnvelope("test", EventDocumentSaved, PriorityNormal, nil)))
	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	sub.Unsubscribe()
	require.NoError(t, bus.Publish(ctx, NewEnvelope("test", EventDocumentSaved, PriorityNormal, nil)))
	require.Eventually(t, func() bool { return bus.Metrics().InFlight == 0 }, time.Second, 5*time.Millisecond)
	assert.Len(t, c.snapshot(), 1)
}

func TestMemoryBusClosed(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus(1)
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	assert.ErrorIs(t, bus.Publish(ctx, NewEnvelope("t", EventDocumentSaved, PriorityHigh, nil)), ErrClosed)
	_, err := bus.Subscribe(ctx, Filter{}, func(context.Context, *Envelope) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMatchFilter(t *testing.T) {
	ev := &Envelope{EventType: EventLandblocksChanged, Source: "node-a"}
	assert.True(t, matchFilter(ev, Filter{}))
	assert.True(t, matchFilter(ev, Filter{Sources: []string{"node-a"}}))
	assert.False(t, matchFilter(ev, Filter{Sources: []string{"node-b"}}))
	assert.False(t, matchFilter(ev, Filter{Types: []string{EventDocumentSaved}}))
	assert.Equal(t, "terrain.LandblocksChanged", Subject(EventLandblocksChanged))
}

type fixedStats struct {
	EventBus
	stats Stats
}

func (f *fixedStats) Metrics() Stats { return f.stats }

func TestMetricsExporterDeltas(t *testing.T) {
	reg := prometheus.NewRegistry()
	bus := &fixedStats{stats: Stats{Published: 3, Consumed: 2, InFlight: 1}}
	m := NewMetricsExporter(bus, reg, time.Hour)

	prev := m.update(Stats{})
	bus.stats = Stats{Published: 5, Consumed: 4, Dropped: 1}
	m.update(prev)

	assert.Equal(t, 5.0, testutil.ToFloat64(m.published))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.consumed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inflight))
}
