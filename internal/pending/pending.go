// Package pending tracks wants that were sent to the server and are awaiting
// a response, keyed by their correlation identifier.
//
// A Table is owned by a single goroutine and performs no locking.
package pending

import (
	"fmt"
	"sort"

	"pkt.systems/wantq/api"
)

type entry[V any] struct {
	seq   uint64
	value V
}

// Table maps identifiers to outstanding wants.
type Table[V any] struct {
	entries map[string]entry[V]
	seq     uint64
}

// New returns an empty table.
func New[V any]() *Table[V] {
	return &Table[V]{entries: make(map[string]entry[V])}
}

// Insert records v under identifier. It fails with api.ErrDuplicateIdentifier
// when identifier is already live; the existing entry is left untouched.
func (t *Table[V]) Insert(identifier string, v V) error {
	if t.entries == nil {
		t.entries = make(map[string]entry[V])
	}
	if _, exists := t.entries[identifier]; exists {
		return fmt.Errorf("%w: %s", api.ErrDuplicateIdentifier, identifier)
	}
	t.seq++
	t.entries[identifier] = entry[V]{seq: t.seq, value: v}
	return nil
}

// Take removes and returns the entry for identifier. It fails with
// api.ErrUnknownIdentifier when no such entry exists.
func (t *Table[V]) Take(identifier string) (V, error) {
	e, ok := t.entries[identifier]
	if !ok {
		var zero V
		return zero, fmt.Errorf("%w: %s", api.ErrUnknownIdentifier, identifier)
	}
	delete(t.entries, identifier)
	return e.value, nil
}

// Len reports the number of outstanding entries.
func (t *Table[V]) Len() int {
	return len(t.entries)
}

// Drain removes every entry and returns the values in insertion order.
func (t *Table[V]) Drain() []V {
	if len(t.entries) == 0 {
		return nil
	}
	all := make([]entry[V], 0, len(t.entries))
	for _, e := range t.entries {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	out := make([]V, len(all))
	for i, e := range all {
		out[i] = e.value
	}
	clear(t.entries)
	return out
}
