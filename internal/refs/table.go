package refs

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/danmuck/callbridge/internal/interop"
)

// Entry is one live reference.
type Entry struct {
	ID         int64
	Object     any
	Capability interop.Capability
	Created    time.Time
}

// Table maps reference ids to live objects for one session. It has a single
// writer, the owning session goroutine, and does no locking of its own. Len
// is the only method safe to call from other goroutines.
//
// Ids start at 1 and are never reused, including after Release.
type Table struct {
	entries map[int64]*Entry
	next    int64
	live    atomic.Int64
	onDelta func(delta int)
}

// Option configures a Table.
type Option func(*Table)

// WithDeltaHook reports every change in the live entry count.
func WithDeltaHook(fn func(delta int)) Option {
	return func(t *Table) { t.onDelta = fn }
}

// NewTable creates an empty table.
func NewTable(opts ...Option) *Table {
	t := &Table{entries: make(map[int64]*Entry)}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Allocate stores obj under a fresh id.
func (t *Table) Allocate(obj any, capability interop.Capability) int64 {
	t.next++
	id := t.next
	t.entries[id] = &Entry{
		ID:         id,
		Object:     obj,
		Capability: capability,
		Created:    time.Now(),
	}
	t.delta(1)
	return id
}

// Lookup returns the entry for id. An unknown id is an *interop.Error of kind
// UnknownReference, never a nil entry with a nil error.
func (t *Table) Lookup(id int64) (*Entry, error) {
	entry, ok := t.entries[id]
	if !ok {
		return nil, interop.Errorf(interop.KindUnknownReference, "reference %d is not registered", id)
	}
	return entry, nil
}

// Release removes id. Releasing an unknown or already released id reports
// UnknownReference and changes nothing.
func (t *Table) Release(id int64) error {
	if _, ok := t.entries[id]; !ok {
		return interop.Errorf(interop.KindUnknownReference, "reference %d is not registered", id)
	}
	delete(t.entries, id)
	t.delta(-1)
	return nil
}

// ReleaseAll drops every entry and returns how many were removed. The id
// counter is kept so a torn-down table still never reissues an id.
func (t *Table) ReleaseAll() int {
	n := len(t.entries)
	clear(t.entries)
	if n > 0 {
		t.delta(-n)
	}
	return n
}

// Len returns the number of live entries.
func (t *Table) Len() int {
	return int(t.live.Load())
}

// Issued returns the highest id handed out so far.
func (t *Table) Issued() int64 {
	return t.next
}

// Snapshot returns the live entries ordered by id.
func (t *Table) Snapshot() []Entry {
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *Table) delta(n int) {
	t.live.Add(int64(n))
	if t.onDelta != nil {
		t.onDelta(n)
	}
}
