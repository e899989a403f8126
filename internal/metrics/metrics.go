// Package metrics keeps in-process counters about completed ingestion
// cycles for the observability endpoint. It is a snapshot store, not a
// time series; external systems scrape it if history is wanted.
package metrics

import (
	"sync"
	"time"

	"github.com/carsight/worker/internal/domain"
)

// Snapshot is what the metrics endpoint serves.
type Snapshot struct {
	State          string              `json:"state"`
	StartedAt      time.Time           `json:"started_at"`
	CyclesRun      int                 `json:"cycles_run"`
	CyclesFailed   int                 `json:"cycles_failed"`
	TotalInserted  int                 `json:"total_inserted"`
	TotalUpdated   int                 `json:"total_updated"`
	LastCycle      *domain.CycleReport `json:"last_cycle,omitempty"`
	LastCompletion time.Time           `json:"last_completion,omitzero"`
}

// Collector accumulates cycle outcomes. Safe for concurrent use.
type Collector struct {
	mu       sync.Mutex
	snapshot Snapshot
}

// NewCollector creates a collector; StartedAt is the process start time.
func NewCollector() *Collector {
	return &Collector{snapshot: Snapshot{State: "idle", StartedAt: time.Now().UTC()}}
}

// SetState records the scheduler state ("idle" or "running").
func (c *Collector) SetState(state string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot.State = state
}

// RecordCycle folds a finished cycle into the counters.
func (c *Collector) RecordCycle(report domain.CycleReport) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.snapshot.CyclesRun++
	if report.Err != "" {
		c.snapshot.CyclesFailed++
	}
	c.snapshot.TotalInserted += report.Inserted
	c.snapshot.TotalUpdated += report.Updated
	c.snapshot.LastCycle = &report
	c.snapshot.LastCompletion = time.Now().UTC()
}

// Snapshot returns a copy of the current counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}
