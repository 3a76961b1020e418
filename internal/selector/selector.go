// Package selector decides, once per peer cycle, which variables to evict and
// which to send.
//
// Fresh (dirty) values carry new information and get priority, but a block of
// MaxStaleSend slots is reserved for stale values whenever the cycle is
// oversubscribed, so a display that has drifted still converges under
// sustained fresh traffic.
package selector

import (
	"sort"
	"time"

	"github.com/amgateway/amgateway/internal/frame"
	"github.com/amgateway/amgateway/internal/store"
)

// Default selection limits.
const (
	DefaultMaxBatch     = 6
	DefaultMaxStaleSend = 3
	DefaultDiscardAge   = 300 * time.Second
	DefaultUpdateAge    = 30 * time.Second
)

// Limits bounds one selection cycle.
type Limits struct {
	// MaxBatch is the most frames sent in one cycle.
	MaxBatch int

	// MaxStaleSend is the number of slots reserved for stale records when
	// stale and fresh together exceed MaxBatch.
	MaxStaleSend int

	// DiscardAge evicts records not refreshed for this long.
	DiscardAge time.Duration

	// UpdateAge marks records not sent for this long as stale.
	UpdateAge time.Duration
}

// DefaultLimits returns the reference gateway's limits.
func DefaultLimits() Limits {
	return Limits{
		MaxBatch:     DefaultMaxBatch,
		MaxStaleSend: DefaultMaxStaleSend,
		DiscardAge:   DefaultDiscardAge,
		UpdateAge:    DefaultUpdateAge,
	}
}

// Decision is the plan for one cycle.
type Decision struct {
	// Evict lists records to remove, in name order.
	Evict []string

	// Send lists records to transmit, in wire order.
	Send []string

	// Fresh and Stale are the candidate set sizes after eviction. A record
	// that is both counts in each.
	Fresh int
	Stale int
}

// Batch is the outcome of Run.
type Batch struct {
	Decision

	// Payload is the concatenated frames; empty means nothing to send.
	Payload string
}

// Frames returns the number of frames in the payload.
func (b Batch) Frames() int { return len(b.Send) }

// Decide plans one cycle without touching records.
func Decide(records map[string]*store.Record, now time.Time, l Limits) Decision {
	var d Decision

	live := make([]*store.Record, 0, len(records))
	for name, r := range records {
		if r.Expired(now, l.DiscardAge) {
			d.Evict = append(d.Evict, name)
			continue
		}
		live = append(live, r)
	}
	sort.Strings(d.Evict)

	var fresh, stale []*store.Record
	for _, r := range live {
		if r.Dirty {
			fresh = append(fresh, r)
		}
		if r.Stale(now, l.UpdateAge) {
			stale = append(stale, r)
		}
	}
	sortFresh(fresh)
	sortStale(stale)
	d.Fresh, d.Stale = len(fresh), len(stale)

	picked := make(map[string]bool, l.MaxBatch)
	take := func(from []*store.Record, limit int) {
		for _, r := range from {
			if len(d.Send) >= limit {
				return
			}
			if picked[r.Name] {
				continue
			}
			picked[r.Name] = true
			d.Send = append(d.Send, r.Name)
		}
	}

	if len(fresh)+len(stale) <= l.MaxBatch {
		take(fresh, l.MaxBatch)
		take(stale, l.MaxBatch)
		return d
	}

	reserved := l.MaxStaleSend
	if reserved > l.MaxBatch {
		reserved = l.MaxBatch
	}
	take(stale, reserved)
	take(fresh, l.MaxBatch)
	take(stale, l.MaxBatch)
	return d
}

// Run evicts and selects in one pass and marks every selected record sent at
// now. records must be the live store map, held exclusively by the caller
// (see store.Store.Update).
func Run(records map[string]*store.Record, now time.Time, l Limits) Batch {
	d := Decide(records, now, l)
	for _, name := range d.Evict {
		delete(records, name)
	}

	var enc frame.Encoder
	for _, name := range d.Send {
		r := records[name]
		enc.Add(r.Name, r.Value)
		r.SentAt = now
		r.Dirty = false
	}
	return Batch{Decision: d, Payload: enc.String()}
}

// Select runs one cycle against st under its lock.
func Select(st *store.Store, now time.Time, l Limits) Batch {
	var b Batch
	st.Update(func(records map[string]*store.Record) {
		b = Run(records, now, l)
	})
	return b
}

// sortFresh orders fresh records oldest change first so an overflowing
// backlog drains in arrival order.
func sortFresh(rs []*store.Record) {
	sort.Slice(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if !a.ReceivedAt.Equal(b.ReceivedAt) {
			return a.ReceivedAt.Before(b.ReceivedAt)
		}
		return a.Name < b.Name
	})
}

// sortStale puts pure refreshes ahead of records that are also fresh, so the
// reserved stale slots are not spent on values the fresh pass would send
// anyway. Within each group the longest-unsent record goes first.
func sortStale(rs []*store.Record) {
	sort.Slice(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if a.Dirty != b.Dirty {
			return !a.Dirty
		}
		if !a.SentAt.Equal(b.SentAt) {
			return a.SentAt.Before(b.SentAt)
		}
		return a.Name < b.Name
	})
}
