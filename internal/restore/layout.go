// Package restore decodes the metadata the hardware attaches to received
// completions and reconstructs the packet's logical context before it
// re-enters software processing.
package restore

import "fmt"

// Layout is the bit layout of the two 32-bit completion metadata registers.
//
// The widths are fixed by the hardware contract and must match the encode
// side exactly; they are configuration, never derived.
//
// The tag register carries the restore-object handle. The aux register
// packs, from most to least significant: the tunnel-key handle, the
// tunnel-options handle and the conntrack zone-restore id.
type Layout struct {
	// TagMask extracts the restore-object handle from the tag register.
	TagMask uint32 `yaml:"tag_mask"`
	// DefaultTag is the value the hardware reports when no offload
	// metadata is present.
	DefaultTag uint32 `yaml:"default_tag"`
	// ZoneIDBits is the width of the zone-restore id, which also fixes
	// the offset of the tunnel field above it.
	ZoneIDBits uint8 `yaml:"zone_id_bits"`
	// EncOptsBits is the width of the tunnel-options handle inside the
	// tunnel field.
	EncOptsBits uint8 `yaml:"enc_opts_bits"`
	// TunnelIDBits is the width of the tunnel-key handle inside the
	// tunnel field.
	TunnelIDBits uint8 `yaml:"tunnel_id_bits"`
}

// DefaultLayout returns the hardware contract in use today.
func DefaultLayout() Layout {
	return Layout{
		TagMask:      0xFFFF,
		DefaultTag:   0xFFFF,
		ZoneIDBits:   8,
		EncOptsBits:  12,
		TunnelIDBits: 12,
	}
}

// Validate checks the layout fits the 32-bit registers and that the
// default tag is observable through the mask.
func (m Layout) Validate() error {
	if m.TagMask == 0 {
		return fmt.Errorf("tag mask must be non-zero")
	}
	if m.DefaultTag == 0 {
		return fmt.Errorf("default tag must be non-zero")
	}
	if m.DefaultTag&m.TagMask != m.DefaultTag {
		return fmt.Errorf("default tag %#x does not fit tag mask %#x", m.DefaultTag, m.TagMask)
	}
	total := uint32(m.ZoneIDBits) + uint32(m.EncOptsBits) + uint32(m.TunnelIDBits)
	if total > 32 {
		return fmt.Errorf("aux register layout needs %d bits, only 32 available", total)
	}
	if m.EncOptsBits+m.TunnelIDBits == 0 {
		return fmt.Errorf("tunnel field must be non-empty")
	}
	return nil
}

// Tag extracts the restore-object handle from the tag register.
func (m Layout) Tag(reg uint32) uint32 {
	return reg & m.TagMask
}

// ZoneID extracts the conntrack zone-restore id from the aux register.
func (m Layout) ZoneID(aux uint32) uint16 {
	return uint16(aux & (1<<m.ZoneIDBits - 1))
}

// TunnelField extracts the packed tunnel field (key handle plus options
// handle) from the aux register.
func (m Layout) TunnelField(aux uint32) uint32 {
	return (aux >> m.ZoneIDBits) & (1<<(uint32(m.EncOptsBits)+uint32(m.TunnelIDBits)) - 1)
}

// SplitTunnelField splits the packed tunnel field into the tunnel-key
// handle and the tunnel-options handle.
func (m Layout) SplitTunnelField(field uint32) (tunID, optsID uint32) {
	optsID = field & (1<<m.EncOptsBits - 1)
	tunID = field >> m.EncOptsBits
	return tunID, optsID
}

// PackTunnelField is the encode-side inverse of SplitTunnelField, used by
// tests to build completions.
func (m Layout) PackTunnelField(tunID, optsID uint32) uint32 {
	return tunID<<m.EncOptsBits | optsID&(1<<m.EncOptsBits-1)
}

// PackAux builds an aux register from its components. Encode side is
// external; this exists for tests and documentation of the contract.
func (m Layout) PackAux(tunnelField uint32, zone uint16) uint32 {
	return tunnelField<<m.ZoneIDBits | uint32(zone)&(1<<m.ZoneIDBits-1)
}
