package restore

import "github.com/flowplane/offload/internal/nic"

// DeliverFunc hands a packet to the network stack.
type DeliverFunc func(pkt *Packet)

// TransmitFunc sends a packet out of the given device.
type TransmitFunc func(pkt *Packet, dev *nic.Device)

// Receiver executes restore verdicts against the stack entry points of one
// receive queue. One receiver per queue; Receive is not reentrant but
// distinct receivers run fully in parallel.
type Receiver struct {
	engine   *Engine
	deliver  DeliverFunc
	transmit TransmitFunc
}

func NewReceiver(engine *Engine, deliver DeliverFunc, transmit TransmitFunc) *Receiver {
	return &Receiver{
		engine:   engine,
		deliver:  deliver,
		transmit: transmit,
	}
}

// Receive restores the packet's context and executes the verdict. The
// borrowed forwarding device, if any, is released exactly once after the
// verdict has been executed; a drop verdict simply consumes the buffer.
func (m *Receiver) Receive(c Completion, pkt *Packet) {
	var scratch Scratch

	action := m.engine.Restore(c, pkt, &scratch)
	switch action.Kind {
	case ActionDeliver:
		m.deliver(pkt)
	case ActionTransmit:
		m.transmit(pkt, action.Device)
	case ActionDrop:
	}

	scratch.Release()
}
