// Package neigh tracks the link-layer reachability of next hops and keeps
// the hardware-programmed encapsulation headers that depend on them
// correct, reprogramming the referencing flow rules as neighbours resolve
// and unresolve.
package neigh

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
)

// Key identifies one tracked next hop: the destination address and the
// device the neighbour resolves through.
type Key struct {
	Addr netip.Addr
	// LinkIndex is the interface index of the resolving device.
	LinkIndex int
}

func (m Key) String() string {
	return fmt.Sprintf("%s@%d", m.Addr, m.LinkIndex)
}

// Entry is one tracked neighbour. It owns the set of encapsulation entries
// that depend on its resolution, not the entries themselves: dependents
// keep a non-owning back-reference and the entry is destroyed once the
// dependent set is empty and the last reference is released.
type Entry struct {
	key Key

	// depMu guards dependents. Processing a reachability change snapshots
	// the set under this lock and runs outside it: flow (un)installation
	// may block and must never execute while a list lock is held.
	depMu      sync.Mutex
	dependents map[*EncapEntry]struct{}

	// refs counts attached encap entries. Guarded by the manager's table
	// lock.
	refs int

	// reachable and linkAddr mirror the kernel's view of the neighbour.
	// Guarded by the configuration lock.
	reachable bool
	linkAddr  net.HardwareAddr
}

func newEntry(key Key) *Entry {
	return &Entry{
		key:        key,
		dependents: map[*EncapEntry]struct{}{},
	}
}

// Key returns the neighbour's identity.
func (m *Entry) Key() Key { return m.key }

// Reachable reports the last observed reachability. Configuration plane
// only.
func (m *Entry) Reachable() bool { return m.reachable }

// LinkAddr returns the last resolved link-layer address. Configuration
// plane only.
func (m *Entry) LinkAddr() net.HardwareAddr { return m.linkAddr }

func (m *Entry) addDependent(e *EncapEntry) {
	m.depMu.Lock()
	m.dependents[e] = struct{}{}
	m.depMu.Unlock()
}

func (m *Entry) removeDependent(e *EncapEntry) {
	m.depMu.Lock()
	delete(m.dependents, e)
	m.depMu.Unlock()
}

// snapshotDependents copies the dependent set out from under the list lock.
func (m *Entry) snapshotDependents() []*EncapEntry {
	m.depMu.Lock()
	defer m.depMu.Unlock()

	deps := make([]*EncapEntry, 0, len(m.dependents))
	for e := range m.dependents {
		deps = append(deps, e)
	}
	return deps
}

func (m *Entry) dependentCount() int {
	m.depMu.Lock()
	defer m.depMu.Unlock()

	return len(m.dependents)
}
