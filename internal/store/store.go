package store

import (
	"sort"
	"strconv"
	"sync"
	"time"
)

// QueueKey is the reserved name of the synthetic record that carries the
// number of pending (dirty) variables.
const QueueKey = "Q"

// Record is the gateway's view of one variable.
type Record struct {
	Name  string `yaml:"name" json:"name"`
	Value string `yaml:"value" json:"value"`

	// ReceivedAt is the last value change or external assertion of freshness.
	ReceivedAt time.Time `yaml:"received_at" json:"received_at"`

	// SentAt is the last transmission to the peer. Zero means never sent.
	SentAt time.Time `yaml:"sent_at" json:"sent_at"`

	// Dirty is set while the current value has not been sent to the peer.
	Dirty bool `yaml:"dirty" json:"dirty"`

	// PeerAuthoritative marks values written by the peer itself. Such records
	// are exempt from age eviction.
	PeerAuthoritative bool `yaml:"peer_authoritative" json:"peer_authoritative"`
}

// Expired reports whether r has not been refreshed within discardAge and may
// be evicted. Peer-authoritative records never expire.
func (r *Record) Expired(now time.Time, discardAge time.Duration) bool {
	return !r.PeerAuthoritative && now.Sub(r.ReceivedAt) > discardAge
}

// Stale reports whether r has not been sent to the peer within updateAge.
func (r *Record) Stale(now time.Time, updateAge time.Duration) bool {
	return r.SentAt.IsZero() || now.Sub(r.SentAt) > updateAge
}

// Change describes what Ingest did to the store.
type Change int

const (
	Unchanged Change = iota
	Changed
	Created
)

func (c Change) String() string {
	switch c {
	case Created:
		return "created"
	case Changed:
		return "changed"
	default:
		return "unchanged"
	}
}

// Store is a thread-safe variable table keyed by name.
type Store struct {
	mu   sync.Mutex
	data map[string]*Record
}

// New creates an empty Store.
func New() *Store {
	return &Store{data: make(map[string]*Record)}
}

// Get returns a copy of the record for name and whether it exists.
func (s *Store) Get(name string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.data[name]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Ingest applies a value received from the bus.
//
// An unknown name creates a dirty, never-sent record. A known name with a new
// value is marked dirty and loses peer authority, since the bus now owns its
// content. A repeated value only refreshes ReceivedAt.
func (s *Store) Ingest(name, value string, now time.Time) Change {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.data[name]
	if !ok {
		s.data[name] = &Record{
			Name:       name,
			Value:      value,
			ReceivedAt: now,
			Dirty:      true,
		}
		return Created
	}

	r.ReceivedAt = now
	if r.Value == value {
		return Unchanged
	}
	r.Value = value
	r.Dirty = true
	r.PeerAuthoritative = false
	return Changed
}

// PeerWrite applies a value written by the peer. The record is forced to the
// front of the send queue and becomes immune to age eviction. It returns true
// if the record was created.
func (s *Store) PeerWrite(name, value string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.data[name]
	if !ok {
		r = &Record{Name: name}
		s.data[name] = r
	}
	r.Value = value
	r.ReceivedAt = now
	r.SentAt = time.Time{}
	r.Dirty = true
	r.PeerAuthoritative = true
	return !ok
}

// Sync forces name to be resent on the next selection. Unknown names are
// ignored and Sync returns false.
func (s *Store) Sync(name string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.data[name]
	if !ok {
		return false
	}
	r.ReceivedAt = now
	r.SentAt = time.Time{}
	r.Dirty = true
	return true
}

// Requeue marks names unsent again after a failed write, leaving ReceivedAt
// alone so their eviction age is unaffected. Unknown names are skipped.
func (s *Store) Requeue(names []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		if r, ok := s.data[name]; ok {
			r.SentAt = time.Time{}
			r.Dirty = true
		}
	}
}

// SetQueueDepth counts every dirty record, the queue record included when
// its previous value is still unsent, and stores the count in the QueueKey
// record, which is then dirty so it competes for a send slot. It returns the
// count.
func (s *Store) SetQueueDepth(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	depth := 0
	for _, r := range s.data {
		if r.Dirty {
			depth++
		}
	}
	q, ok := s.data[QueueKey]
	if !ok {
		q = &Record{Name: QueueKey}
		s.data[QueueKey] = q
	}
	q.Value = strconv.Itoa(depth)
	q.ReceivedAt = now
	q.Dirty = true
	return depth
}

// PendingCount returns the number of dirty variables. Unlike SetQueueDepth it
// leaves out QueueKey, which is bookkeeping rather than a variable.
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingLocked()
}

func (s *Store) pendingLocked() int {
	n := 0
	for name, r := range s.data {
		if r.Dirty && name != QueueKey {
			n++
		}
	}
	return n
}

// Update runs fn with exclusive access to the live map. fn may mutate or
// delete records but must not retain the map or add records under a key that
// differs from Record.Name.
func (s *Store) Update(fn func(records map[string]*Record)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.data)
}

// SnapshotCopy returns a deep copy of every record.
func (s *Store) SnapshotCopy() map[string]Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Record, len(s.data))
	for name, r := range s.data {
		out[name] = *r
	}
	return out
}

// ReplaceAll discards the current contents and installs records. Map keys
// win over Record.Name so the one-record-per-name invariant holds for any
// loaded input.
func (s *Store) ReplaceAll(records map[string]Record) {
	data := make(map[string]*Record, len(records))
	for name, r := range records {
		if name == "" {
			continue
		}
		r := r
		r.Name = name
		data[name] = &r
	}
	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
}

// List returns copies of all records ordered by name.
func (s *Store) List() []Record {
	s.mu.Lock()
	out := make([]Record, 0, len(s.data))
	for _, r := range s.data {
		out = append(out, *r)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}
