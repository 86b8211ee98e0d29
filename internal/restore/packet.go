package restore

import (
	"github.com/flowplane/offload/internal/nic"
	"github.com/flowplane/offload/internal/tunnel"
)

// Packet is the software view of one received buffer during restore.
type Packet struct {
	Data []byte
	// Device is the device the packet is currently attributed to; tunnel
	// restoration retargets it to the logical ingress device.
	Device *nic.Device
	Mark   uint32
	// Tunnel is the metadata attachment synthesized by tunnel
	// restoration, nil otherwise.
	Tunnel *tunnel.Info
	// Chain is the restored classification chain, zero if none.
	Chain uint32
}

// Scratch is the per-packet transient state of a restore pass: at most one
// borrowed device reference, released exactly once when processing
// completes, whatever the verdict was.
type Scratch struct {
	fwdDev *nic.Device
}

// hold records the borrowed forwarding device, releasing any previous one.
func (m *Scratch) hold(dev *nic.Device) {
	if m.fwdDev != nil && m.fwdDev != dev {
		m.fwdDev.Release()
	}
	m.fwdDev = dev
}

// Release returns the borrowed device reference, if any. Idempotent.
func (m *Scratch) Release() {
	if m.fwdDev != nil {
		m.fwdDev.Release()
		m.fwdDev = nil
	}
}

// ActionKind is the verdict of a restore pass.
type ActionKind int

const (
	// ActionDeliver hands the packet to the network stack.
	ActionDeliver ActionKind = iota
	// ActionTransmit sends the packet out of the action's device.
	ActionTransmit
	// ActionDrop consumes the packet.
	ActionDrop
)

func (m ActionKind) String() string {
	switch m {
	case ActionDeliver:
		return "deliver"
	case ActionTransmit:
		return "transmit"
	default:
		return "drop"
	}
}

// Action is what the caller must do with the packet after restore.
type Action struct {
	Kind ActionKind
	// Device is the transmit device for ActionTransmit.
	Device *nic.Device
}

func deliver() Action                 { return Action{Kind: ActionDeliver} }
func transmit(dev *nic.Device) Action { return Action{Kind: ActionTransmit, Device: dev} }
func drop() Action                    { return Action{Kind: ActionDrop} }
