package selector

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amgateway/amgateway/internal/frame"
	"github.com/amgateway/amgateway/internal/store"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// dirty returns a record changed at now that was last sent recently, so it
// is fresh but not stale.
func dirty(name string) *store.Record {
	return &store.Record{
		Name:       name,
		Value:      "v-" + name,
		ReceivedAt: now,
		SentAt:     now.Add(-5 * time.Second),
		Dirty:      true,
	}
}

// stale returns a clean record that has not been sent for a minute.
func stale(name string) *store.Record {
	return &store.Record{
		Name:       name,
		Value:      "v-" + name,
		ReceivedAt: now.Add(-10 * time.Second),
		SentAt:     now.Add(-time.Minute),
	}
}

func records(rs ...*store.Record) map[string]*store.Record {
	m := make(map[string]*store.Record, len(rs))
	for _, r := range rs {
		m[r.Name] = r
	}
	return m
}

func payloadNames(t *testing.T, payload string) []string {
	t.Helper()
	var names []string
	for _, seg := range frame.Split(payload) {
		f, err := frame.ParseAssignment(seg)
		require.NoError(t, err)
		names = append(names, f.Name)
	}
	return names
}

func TestRun_SimpleBatch(t *testing.T) {
	m := records(dirty("A"), dirty("B"), dirty("C"))

	b := Run(m, now, DefaultLimits())

	assert.Equal(t, []string{"A", "B", "C"}, b.Send)
	assert.Equal(t, "A=v-A#B=v-B#C=v-C#", b.Payload)
	for _, name := range []string{"A", "B", "C"} {
		assert.False(t, m[name].Dirty, "%s still dirty", name)
		assert.True(t, m[name].SentAt.Equal(now), "%s SentAt not now", name)
	}
}

func TestRun_EmptyWhenNothingPending(t *testing.T) {
	r := stale("A")
	r.SentAt = now.Add(-time.Second)
	b := Run(records(r), now, DefaultLimits())

	assert.Empty(t, b.Payload)
	assert.Zero(t, b.Frames())
}

func TestRun_Overflow(t *testing.T) {
	m := records(
		stale("s1"), stale("s2"), stale("s3"), stale("s4"), stale("s5"),
		dirty("d1"), dirty("d2"), dirty("d3"), dirty("d4"),
	)

	b := Run(m, now, DefaultLimits())

	require.Len(t, b.Send, 6)
	assert.Equal(t, 4, b.Fresh)
	assert.Equal(t, 5, b.Stale)

	var staleSent, dirtySent int
	for _, name := range b.Send {
		switch name[0] {
		case 's':
			staleSent++
		case 'd':
			dirtySent++
		}
	}
	assert.Equal(t, 3, staleSent)
	assert.Equal(t, 3, dirtySent)

	// Stale slots come first on the wire.
	assert.Equal(t, []string{"s1", "s2", "s3"}, b.Send[:3])

	var stillDirty, unsent int
	for name, r := range m {
		if r.Dirty {
			stillDirty++
		}
		if strings.HasPrefix(name, "s") && !r.SentAt.Equal(now) {
			unsent++
		}
	}
	assert.Equal(t, 1, stillDirty)
	assert.Equal(t, 2, unsent)
}

func TestRun_OverflowFillsRemainderWithStale(t *testing.T) {
	// Two fresh values leave room for a fourth stale one.
	m := records(
		stale("s1"), stale("s2"), stale("s3"), stale("s4"), stale("s5"),
		dirty("d1"), dirty("d2"),
	)

	b := Run(m, now, DefaultLimits())

	assert.Equal(t, []string{"s1", "s2", "s3", "d1", "d2", "s4"}, b.Send)
}

func TestRun_FreshFirstWhenWithinCap(t *testing.T) {
	m := records(stale("a"), dirty("b"), stale("c"))

	b := Run(m, now, DefaultLimits())

	assert.Equal(t, []string{"b", "a", "c"}, b.Send)
}

func TestRun_RecordInBothSetsSentOnce(t *testing.T) {
	both := dirty("x")
	both.SentAt = time.Time{}
	m := records(both, stale("y"))

	b := Run(m, now, DefaultLimits())

	assert.Equal(t, []string{"x", "y"}, b.Send)
	assert.Equal(t, 1, b.Fresh)
	assert.Equal(t, 2, b.Stale)
}

func TestRun_NewRecordsOverflowNotDuplicated(t *testing.T) {
	m := map[string]*store.Record{}
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("n%d", i)
		m[name] = &store.Record{Name: name, Value: "1", ReceivedAt: now, Dirty: true}
	}

	b := Run(m, now, DefaultLimits())

	assert.Equal(t, []string{"n0", "n1", "n2", "n3", "n4"}, b.Send)
}

func TestRun_EvictsExpiredBeforeSelection(t *testing.T) {
	old := dirty("old")
	old.ReceivedAt = now.Add(-301 * time.Second)
	keep := dirty("keep")
	keep.ReceivedAt = now.Add(-300 * time.Second)
	m := records(old, keep)

	b := Run(m, now, DefaultLimits())

	assert.Equal(t, []string{"old"}, b.Evict)
	assert.NotContains(t, m, "old")
	assert.Equal(t, []string{"keep"}, b.Send)
}

func TestRun_PeerAuthoritativeNeverEvicted(t *testing.T) {
	r := stale("phone")
	r.ReceivedAt = now.Add(-24 * time.Hour)
	r.PeerAuthoritative = true
	m := records(r)

	b := Run(m, now, DefaultLimits())

	assert.Empty(t, b.Evict)
	assert.Contains(t, m, "phone")
	assert.Equal(t, []string{"phone"}, b.Send)
}

func TestRun_SyncThenSelect(t *testing.T) {
	st := store.New()
	st.Ingest("X", "42", now.Add(-10*time.Second))
	st.Update(func(m map[string]*store.Record) {
		m["X"].Dirty = false
		m["X"].SentAt = now.Add(-5 * time.Second)
	})

	b := Select(st, now, DefaultLimits())
	require.Empty(t, b.Send, "X is neither dirty nor stale yet")

	require.True(t, st.Sync("X", now))
	b = Select(st, now, DefaultLimits())
	assert.Equal(t, "X=42#", b.Payload)

	r, _ := st.Get("X")
	assert.False(t, r.Dirty)
	assert.True(t, r.SentAt.Equal(now))
}

func TestRun_DeterministicOrder(t *testing.T) {
	build := func() map[string]*store.Record {
		m := map[string]*store.Record{}
		for i := 0; i < 20; i++ {
			r := stale(fmt.Sprintf("s%02d", i))
			m[r.Name] = r
			d := dirty(fmt.Sprintf("d%02d", i))
			m[d.Name] = d
		}
		return m
	}

	first := Run(build(), now, DefaultLimits())
	for i := 0; i < 10; i++ {
		again := Run(build(), now, DefaultLimits())
		require.Equal(t, first.Send, again.Send)
	}
}

func TestRun_FreshOrderedByAge(t *testing.T) {
	older := dirty("zeta")
	older.ReceivedAt = now.Add(-3 * time.Second)
	newer := dirty("alpha")
	m := records(older, newer)

	b := Run(m, now, Limits{MaxBatch: 1, MaxStaleSend: 0, DiscardAge: DefaultDiscardAge, UpdateAge: DefaultUpdateAge})

	assert.Equal(t, []string{"zeta"}, b.Send)
	assert.True(t, m["alpha"].Dirty, "excess fresh values stay dirty for the next cycle")
}

// TestRun_Properties checks the cap, the stale guarantee and dirty clearing
// across a spread of store shapes and limits.
func TestRun_Properties(t *testing.T) {
	for nStale := 0; nStale <= 8; nStale++ {
		for nFresh := 0; nFresh <= 8; nFresh++ {
			for _, l := range []Limits{
				DefaultLimits(),
				{MaxBatch: 4, MaxStaleSend: 1, DiscardAge: DefaultDiscardAge, UpdateAge: DefaultUpdateAge},
				{MaxBatch: 3, MaxStaleSend: 3, DiscardAge: DefaultDiscardAge, UpdateAge: DefaultUpdateAge},
			} {
				name := fmt.Sprintf("stale=%d/fresh=%d/max=%d/res=%d", nStale, nFresh, l.MaxBatch, l.MaxStaleSend)
				t.Run(name, func(t *testing.T) {
					m := map[string]*store.Record{}
					for i := 0; i < nStale; i++ {
						r := stale(fmt.Sprintf("s%d", i))
						m[r.Name] = r
					}
					for i := 0; i < nFresh; i++ {
						r := dirty(fmt.Sprintf("d%d", i))
						m[r.Name] = r
					}

					b := Run(m, now, l)

					require.LessOrEqual(t, b.Frames(), l.MaxBatch)
					require.Len(t, payloadNames(t, b.Payload), b.Frames())

					staleSent := 0
					for _, n := range b.Send {
						if n[0] == 's' {
							staleSent++
						}
						require.False(t, m[n].Dirty)
					}
					if nStale+nFresh > l.MaxBatch && nStale >= l.MaxStaleSend {
						require.GreaterOrEqual(t, staleSent, l.MaxStaleSend)
					}
					if nStale+nFresh <= l.MaxBatch {
						require.Equal(t, nStale+nFresh, b.Frames())
					}
				})
			}
		}
	}
}
