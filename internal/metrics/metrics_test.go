package metrics_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/carsight/worker/internal/domain"
	"github.com/carsight/worker/internal/metrics"
)

func TestCollectorRecordsCycles(t *testing.T) {
	c := metrics.NewCollector()

	snap := c.Snapshot()
	assert.Equal(t, "idle", snap.State)
	assert.Zero(t, snap.CyclesRun)
	assert.Nil(t, snap.LastCycle)
	assert.False(t, snap.StartedAt.IsZero())

	c.RecordCycle(domain.CycleReport{CycleID: "one", Inserted: 3, Updated: 7})
	c.RecordCycle(domain.CycleReport{CycleID: "two", Err: "discovery failed"})

	snap = c.Snapshot()
	assert.Equal(t, 2, snap.CyclesRun)
	assert.Equal(t, 1, snap.CyclesFailed)
	assert.Equal(t, 3, snap.TotalInserted)
	assert.Equal(t, 7, snap.TotalUpdated)
	assert.Equal(t, "two", snap.LastCycle.CycleID)
	assert.False(t, snap.LastCompletion.IsZero())
}

func TestCollectorSetState(t *testing.T) {
	c := metrics.NewCollector()

	c.SetState("running")
	assert.Equal(t, "running", c.Snapshot().State)

	c.SetState("idle")
	assert.Equal(t, "idle", c.Snapshot().State)
}
