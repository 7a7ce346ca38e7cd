package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ObserveResolve(true, time.Millisecond)
	c.ObserveResolve(false, time.Millisecond)
	c.ObserveResolve(true, time.Millisecond)
	c.LayerLoadFailed("roads")
	c.CellsWritten(TargetLayer, 3)
	c.CellsWritten(TargetBase, 0)
	c.Tick(true, 5)
	c.Tick(false, 2)
	c.SetLoadedDocuments(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.resolves.WithLabelValues("content")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.resolves.WithLabelValues("empty")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.loadFailures.WithLabelValues("roads")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.writes.WithLabelValues(TargetLayer)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.refreshes))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.changed))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.loadedDocs))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.ObserveResolve(true, time.Second)
		c.LayerLoadFailed("x")
		c.CellsWritten(TargetBase, 1)
		c.Tick(true, 1)
		c.SetLoadedDocuments(1)
	})
}
