package neigh

import (
	"net"
	"sync"

	"github.com/flowplane/offload/internal/flow"
	"github.com/flowplane/offload/internal/tunnel"
)

// ReformatKind is the hardware packet-reformat class an encapsulation
// header belongs to. The classes share a port-level resource that is
// accounted per attach.
type ReformatKind int

const (
	// ReformatL2Tunnel encapsulates the full inner Ethernet frame.
	ReformatL2Tunnel ReformatKind = iota
	// ReformatL3Tunnel encapsulates from the inner IP header up.
	ReformatL3Tunnel
)

func (m ReformatKind) String() string {
	if m == ReformatL3Tunnel {
		return "l3-tunnel"
	}
	return "l2-tunnel"
}

// EncapEntry is one hardware-programmed encapsulation header template.
//
// Entries are created and destroyed by the flow-rule compiler; this package
// is only responsible for attaching them to and detaching them from a
// neighbour. The validity flag holds exactly when the bound neighbour is
// reachable and the header's destination address equals the resolved one.
type EncapEntry struct {
	// Header is the serialized header template, Ethernet first.
	Header []byte
	// DstAddr is the current destination link-layer address of the
	// template, kept in sync with Header.
	DstAddr net.HardwareAddr
	// RouteIfindex identifies the egress route device whose address is
	// used as the template's source.
	RouteIfindex int
	// Reformat is the reformat class accounted on attach.
	Reformat ReformatKind

	// valid is guarded by the manager's flow-table mutation lock.
	valid bool

	// neighbour back-reference, set on attach and cleared on detach.
	// Guarded by the configuration lock.
	nh *Entry

	// ruleMu guards rules: the compiler adds and removes references
	// concurrently with reachability processing that enumerates them.
	ruleMu sync.Mutex
	rules  []*flow.Rule
}

// Valid reports whether the header is installed and current. Guarded by the
// manager's flow-table mutation lock; use from tests and the manager only.
func (m *EncapEntry) Valid() bool { return m.valid }

// Neighbour returns the entry this encap is attached to, or nil.
func (m *EncapEntry) Neighbour() *Entry { return m.nh }

// AddRule records a flow-rule reference to this header.
func (m *EncapEntry) AddRule(r *flow.Rule) {
	m.ruleMu.Lock()
	m.rules = append(m.rules, r)
	m.ruleMu.Unlock()
}

// RemoveRule drops a flow-rule reference.
func (m *EncapEntry) RemoveRule(r *flow.Rule) {
	m.ruleMu.Lock()
	defer m.ruleMu.Unlock()

	for i, have := range m.rules {
		if have == r {
			m.rules = append(m.rules[:i], m.rules[i+1:]...)
			return
		}
	}
}

// Rules snapshots the current rule references.
func (m *EncapEntry) Rules() []*flow.Rule {
	m.ruleMu.Lock()
	defer m.ruleMu.Unlock()

	rules := make([]*flow.Rule, len(m.rules))
	copy(rules, m.rules)
	return rules
}

func (m *EncapEntry) setDstAddr(mac net.HardwareAddr) {
	m.DstAddr = append(net.HardwareAddr(nil), mac...)
	tunnel.SetDstMAC(m.Header, mac)
}

func (m *EncapEntry) setSrcAddr(mac net.HardwareAddr) {
	tunnel.SetSrcMAC(m.Header, mac)
}
