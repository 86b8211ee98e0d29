package tunnel

import (
	"fmt"
	"net"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// Serialized encapsulation headers start with an Ethernet header, so the
// link-layer addresses sit at fixed offsets and can be patched in place
// when the neighbour's address changes.
const (
	dstMACOffset = 0
	srcMACOffset = 6
	macLen       = 6
)

// BuildVXLANHeader serializes a complete VXLAN encapsulation header
// template for the given tunnel key. The destination MAC is typically still
// unresolved at build time and patched in once the neighbour resolves.
func BuildVXLANHeader(srcMAC, dstMAC net.HardwareAddr, key Key) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	eth := layers.Ethernet{
		SrcMAC: srcMAC,
		DstMAC: dstMAC,
	}
	udp := layers.UDP{
		SrcPort: layers.UDPPort(key.SrcPort),
		DstPort: layers.UDPPort(key.DstPort),
	}
	vxlan := layers.VXLAN{
		ValidIDFlag: true,
		VNI:         key.ID,
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}

	if key.Src.Is4() {
		eth.EthernetType = layers.EthernetTypeIPv4
		ip := layers.IPv4{
			Version:  4,
			TOS:      key.TOS,
			TTL:      key.TTL,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    key.Src.AsSlice(),
			DstIP:    key.Dst.AsSlice(),
		}
		if err := udp.SetNetworkLayerForChecksum(&ip); err != nil {
			return nil, fmt.Errorf("failed to bind UDP checksum: %w", err)
		}
		if err := gopacket.SerializeLayers(buf, opts, &eth, &ip, &udp, &vxlan); err != nil {
			return nil, fmt.Errorf("failed to serialize encap header: %w", err)
		}
	} else {
		eth.EthernetType = layers.EthernetTypeIPv6
		ip := layers.IPv6{
			Version:      6,
			TrafficClass: key.TOS,
			HopLimit:     key.TTL,
			NextHeader:   layers.IPProtocolUDP,
			SrcIP:        key.Src.AsSlice(),
			DstIP:        key.Dst.AsSlice(),
		}
		if err := udp.SetNetworkLayerForChecksum(&ip); err != nil {
			return nil, fmt.Errorf("failed to bind UDP checksum: %w", err)
		}
		if err := gopacket.SerializeLayers(buf, opts, &eth, &ip, &udp, &vxlan); err != nil {
			return nil, fmt.Errorf("failed to serialize encap header: %w", err)
		}
	}

	return buf.Bytes(), nil
}

// SetDstMAC patches the destination link-layer address of a serialized
// encapsulation header in place.
func SetDstMAC(header []byte, mac net.HardwareAddr) {
	if len(header) >= dstMACOffset+macLen && len(mac) == macLen {
		copy(header[dstMACOffset:dstMACOffset+macLen], mac)
	}
}

// SetSrcMAC patches the source link-layer address of a serialized
// encapsulation header in place.
func SetSrcMAC(header []byte, mac net.HardwareAddr) {
	if len(header) >= srcMACOffset+macLen && len(mac) == macLen {
		copy(header[srcMACOffset:srcMACOffset+macLen], mac)
	}
}

// DstMAC returns the destination link-layer address of a serialized header.
func DstMAC(header []byte) net.HardwareAddr {
	if len(header) < dstMACOffset+macLen {
		return nil
	}
	return net.HardwareAddr(header[dstMACOffset : dstMACOffset+macLen])
}

// SrcMAC returns the source link-layer address of a serialized header.
func SrcMAC(header []byte) net.HardwareAddr {
	if len(header) < srcMACOffset+macLen {
		return nil
	}
	return net.HardwareAddr(header[srcMACOffset : srcMACOffset+macLen])
}
