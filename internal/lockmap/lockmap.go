// Package lockmap serializes work per key without holding a global lock.
package lockmap

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Map hands out one mutex per key. Entries are reference counted and
// dropped when the last holder unlocks, so the map only holds active keys.
type Map struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New returns an empty Map.
func New() *Map {
	return &Map{entries: make(map[string]*entry)}
}

// Lock blocks until the caller holds key and returns the matching unlock function.
func (m *Map) Lock(key string) (unlock func()) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		m.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(m.entries, key)
		}
		m.mu.Unlock()
	}
}

// Len reports how many keys are currently locked or waited on.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
