// Package nic models the network devices the offload core deals with: the
// switch port itself and the foreign devices layered on top of it.
package nic

import (
	"net"
	"sync/atomic"
)

// Kind classifies a device for the indirect block eligibility policy.
type Kind int

const (
	// KindOther is any device the offload core does not recognize.
	KindOther Kind = iota
	// KindPort is a switch port representor.
	KindPort
	// KindTunnel is a tunnel endpoint device (vxlan, geneve, gre, ...).
	KindTunnel
	// KindVLAN is a VLAN sub-interface.
	KindVLAN
	// KindInternal is an internal virtual-switch port.
	KindInternal
	// KindPassthrough is a pass-through virtual interface (macvlan-like).
	KindPassthrough
)

func (m Kind) String() string {
	switch m {
	case KindPort:
		return "port"
	case KindTunnel:
		return "tunnel"
	case KindVLAN:
		return "vlan"
	case KindInternal:
		return "internal"
	case KindPassthrough:
		return "passthrough"
	default:
		return "other"
	}
}

// Device is one network device. Fields are set at creation and immutable
// afterwards, except for the presence flag and the borrow count.
type Device struct {
	// Index is the interface index, unique within the device table.
	Index int
	Name  string
	Kind  Kind
	// HardwareAddr is the device's own link-layer address.
	HardwareAddr net.HardwareAddr
	// RealIndex is the index of the underlying device for VLAN and
	// pass-through sub-interfaces, zero otherwise.
	RealIndex int
	// Passthru reports whether a KindPassthrough device runs in
	// pass-through forwarding mode. Other modes cannot be offloaded.
	Passthru bool

	present atomic.Bool
	borrows atomic.Int64
}

// SetPresent marks the device present or gone. Requests against a gone
// device are rejected instead of compiled.
func (m *Device) SetPresent(present bool) { m.present.Store(present) }

// Present reports whether the device is still operational.
func (m *Device) Present() bool { return m.present.Load() }

// Hold borrows a reference to the device for forwarding purposes. Every
// Hold must be paired with exactly one Release.
func (m *Device) Hold() { m.borrows.Add(1) }

// Release returns a borrowed reference.
func (m *Device) Release() { m.borrows.Add(-1) }

// Borrows returns the current number of outstanding borrows.
func (m *Device) Borrows() int64 { return m.borrows.Load() }
