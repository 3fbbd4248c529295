package tracer

import (
	"sort"
	"sync"

	snaptrace "github.com/snaptrace/engine"
)

// Table is the global minor→tracer device table, guarded by a
// readers/writers-style mutex: iteration over the table and single-tracer
// lookups take the read side, registration and removal take the write
// side. A single owning container behind one lock, narrowed here to
// sync.RWMutex since the table's access pattern is the textbook
// many-readers/one-writer case.
type Table struct {
	mu      sync.RWMutex
	tracers map[int]*Tracer
}

// NewTable returns an empty device table.
func NewTable() *Table {
	return &Table{tracers: make(map[int]*Tracer)}
}

// Get returns the tracer registered at minor, if any.
func (tb *Table) Get(minor int) (*Tracer, bool) {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	t, ok := tb.tracers[minor]
	return t, ok
}

// Each calls fn for every registered tracer, under the read lock.
func (tb *Table) Each(fn func(*Tracer)) {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	for _, t := range tb.tracers {
		fn(t)
	}
}

// Register inserts a new tracer at its minor. Returns BUSY if the minor is
// already taken.
func (tb *Table) Register(t *Tracer) error {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if _, exists := tb.tracers[t.minor]; exists {
		return snaptrace.Error{Code: snaptrace.Busy, Err: errMinorInUse(t.minor)}
	}
	tb.tracers[t.minor] = t
	return nil
}

// Remove deletes the tracer at minor, if present.
func (tb *Table) Remove(minor int) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	delete(tb.tracers, minor)
}

// GetFreeMinor returns the lowest unallocated minor (get_free_minor).
func (tb *Table) GetFreeMinor() int {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	used := make([]int, 0, len(tb.tracers))
	for m := range tb.tracers {
		used = append(used, m)
	}
	sort.Ints(used)
	next := 0
	for _, m := range used {
		if m != next {
			break
		}
		next++
	}
	return next
}
