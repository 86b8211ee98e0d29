// Package mapping provides integer-handle to value tables used to compress
// wide keys (tunnel 5-tuples, tunnel options, restore objects) into the
// fixed-width register fields the hardware can carry through a completion.
package mapping

import (
	"fmt"
	"sync"

	"github.com/flowplane/offload/internal/flow"
)

// Table maps fixed-width handles to values of type V.
//
// Handle 0 is reserved and never allocated: on the wire it means "no
// object". Freed handles are recycled. The table carries its own lock so
// the receive path can call Find concurrently with configuration-plane
// mutations, without any external locking.
type Table[V any] struct {
	mu   sync.RWMutex
	byID map[uint32]V
	free []uint32
	next uint32
	max  uint32
}

// New creates a table handing out handles in [1, maxID].
func New[V any](maxID uint32) *Table[V] {
	return &Table[V]{
		byID: map[uint32]V{},
		next: 1,
		max:  maxID,
	}
}

// Add stores a value and returns its handle. Returns ErrResourceExhausted
// once all handles are in use.
func (m *Table[V]) Add(v V) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var id uint32
	switch {
	case len(m.free) > 0:
		id = m.free[len(m.free)-1]
		m.free = m.free[:len(m.free)-1]
	case m.next <= m.max:
		id = m.next
		m.next++
	default:
		return 0, fmt.Errorf("no free handle (max %d): %w", m.max, flow.ErrResourceExhausted)
	}

	m.byID[id] = v
	return id, nil
}

// Find returns the value for the given handle.
func (m *Table[V]) Find(id uint32) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.byID[id]
	return v, ok
}

// Remove frees a handle for reuse. Removing an unknown handle is a no-op.
func (m *Table[V]) Remove(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[id]; !ok {
		return
	}
	delete(m.byID, id)
	m.free = append(m.free, id)
}

// Len returns the number of stored values.
func (m *Table[V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.byID)
}
