// Package tunnel models the logical tunnel a packet belongs to: the match
// key compressed into hardware registers, its variable-length options and
// the per-packet metadata attachment reconstructed on receive.
package tunnel

import (
	"fmt"
	"net/netip"
)

// Key identifies one logical tunnel. It is the rich side of the tunnel
// mapping table: the hardware only ever sees the handle.
type Key struct {
	// Src and Dst are the outer addresses. Both must share one address
	// family.
	Src netip.Addr
	Dst netip.Addr
	// SrcPort and DstPort are the outer transport ports.
	SrcPort uint16
	DstPort uint16
	TOS     uint8
	TTL     uint8
	// ID is the tunnel key (VNI or similar).
	ID uint32
	// Ifindex is the interface index of the virtual device the tunneled
	// packet logically arrived on.
	Ifindex int
}

// Validate checks the key is complete enough to restore a packet from.
func (m Key) Validate() error {
	if !m.Src.IsValid() || !m.Dst.IsValid() {
		return fmt.Errorf("tunnel key has invalid addresses: %s -> %s", m.Src, m.Dst)
	}
	if m.Src.Is4() != m.Dst.Is4() {
		return fmt.Errorf("tunnel key mixes address families: %s -> %s", m.Src, m.Dst)
	}
	return nil
}

// Options is a variable-length tunnel option block (geneve options,
// vxlan-gbp and the like), carried by its own mapping table.
type Options struct {
	// Kind tells the stack how to interpret Data.
	Kind uint16
	Data []byte
}

// Info is the tunnel metadata attachment synthesized on a restored packet.
// It is reconstructed per packet and never persisted beyond the packet's
// processing.
type Info struct {
	Key     Key
	Options Options
}

// NewInfo builds the metadata attachment for a restored tunnel.
func NewInfo(key Key, opts Options) *Info {
	return &Info{
		Key:     key,
		Options: opts,
	}
}
