// Package monitor runs the periodic freshness tick: it refreshes the queue
// depth record and snapshots the variable table.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/amgateway/amgateway/internal/metrics"
	"github.com/amgateway/amgateway/internal/snapshot"
	"github.com/amgateway/amgateway/internal/store"
)

// Monitor ticks at a fixed interval until its context is cancelled.
type Monitor struct {
	store    *store.Store
	persist  snapshot.Persister
	interval time.Duration
	metrics  *metrics.Registry
	now      func() time.Time
}

// New creates a Monitor. m may be nil.
func New(st *store.Store, p snapshot.Persister, interval time.Duration, m *metrics.Registry) *Monitor {
	if m == nil {
		m = metrics.New()
	}
	return &Monitor{store: st, persist: p, interval: interval, metrics: m, now: time.Now}
}

// Run ticks every interval. The first tick happens one interval after start.
func (mon *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(mon.interval)
	defer ticker.Stop()

	slog.Info("monitor: started", "interval", mon.interval, "persistence", mon.persist.Enabled())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mon.Tick(mon.now())
		}
	}
}

// Tick updates the queue depth record and saves a snapshot. A failed save is
// logged and counted; the next tick tries again.
func (mon *Monitor) Tick(now time.Time) int {
	depth := mon.store.SetQueueDepth(now)
	slog.Debug("monitor: tick", "pending", depth, "records", mon.store.Len())

	if !mon.persist.Enabled() {
		return depth
	}
	if err := mon.persist.Save(mon.store.SnapshotCopy()); err != nil {
		mon.metrics.SnapshotErrors.Inc()
		slog.Error("monitor: snapshot save failed", "err", err)
	}
	return depth
}
