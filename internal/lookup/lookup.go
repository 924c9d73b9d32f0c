// Package lookup resolves county, state, and tag IDs to display names ahead
// of a review so the diff engine never waits on I/O.
package lookup

import (
	"context"
	"sync"

	"planarian/api/internal/cave"
)

// Resolver returns the display names it knows for ids. Unknown IDs are simply
// absent from the result.
type Resolver interface {
	LookupNames(ctx context.Context, kind cave.LookupKind, ids []string) (map[string]string, error)
}

// Table is an in-memory name table. It satisfies changelog.Names.
type Table struct {
	mu    sync.RWMutex
	names map[cave.LookupKind]map[string]string
}

func NewTable() *Table {
	return &Table{names: map[cave.LookupKind]map[string]string{}}
}

// Add records a name, e.g. for a tag created during the current review.
func (t *Table) Add(kind cave.LookupKind, id, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.names[kind] == nil {
		t.names[kind] = map[string]string{}
	}
	t.names[kind][id] = name
}

func (t *Table) Name(kind cave.LookupKind, id string) (string, bool) {
	if t == nil {
		return "", false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	name, ok := t.names[kind][id]
	return name, ok
}

// Clone copies the table so names can be overridden for one side of a diff.
func (t *Table) Clone() *Table {
	out := NewTable()
	if t == nil {
		return out
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for kind, names := range t.names {
		copied := make(map[string]string, len(names))
		for id, name := range names {
			copied[id] = name
		}
		out.names[kind] = copied
	}
	return out
}
