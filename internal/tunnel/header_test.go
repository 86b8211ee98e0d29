package tunnel

import (
	"net"
	"net/netip"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/require"
)

func mustMAC(t *testing.T, s string) net.HardwareAddr {
	t.Helper()
	mac, err := net.ParseMAC(s)
	require.NoError(t, err)
	return mac
}

func TestBuildVXLANHeaderIPv4(t *testing.T) {
	src := mustMAC(t, "02:00:00:00:00:01")
	dst := mustMAC(t, "02:00:00:00:00:02")

	key := Key{
		Src:     netip.MustParseAddr("192.0.2.1"),
		Dst:     netip.MustParseAddr("192.0.2.2"),
		SrcPort: 51000,
		DstPort: 4789,
		TTL:     64,
		ID:      42,
	}

	header, err := BuildVXLANHeader(src, dst, key)
	require.NoError(t, err)

	pkt := gopacket.NewPacket(header, layers.LayerTypeEthernet, gopacket.Default)

	eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	require.True(t, ok)
	require.Equal(t, src, eth.SrcMAC)
	require.Equal(t, dst, eth.DstMAC)

	ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	require.True(t, ok)
	require.Equal(t, net.IP(key.Src.AsSlice()).To4(), ip.SrcIP.To4())
	require.Equal(t, uint8(64), ip.TTL)

	vxlan, ok := pkt.Layer(layers.LayerTypeVXLAN).(*layers.VXLAN)
	require.True(t, ok)
	require.Equal(t, uint32(42), vxlan.VNI)
}

func TestBuildVXLANHeaderIPv6(t *testing.T) {
	src := mustMAC(t, "02:00:00:00:00:01")
	dst := mustMAC(t, "02:00:00:00:00:02")

	key := Key{
		Src:     netip.MustParseAddr("2001:db8::1"),
		Dst:     netip.MustParseAddr("2001:db8::2"),
		DstPort: 4789,
		TTL:     255,
		ID:      7,
	}

	header, err := BuildVXLANHeader(src, dst, key)
	require.NoError(t, err)

	pkt := gopacket.NewPacket(header, layers.LayerTypeEthernet, gopacket.Default)
	require.NotNil(t, pkt.Layer(layers.LayerTypeIPv6))
	require.NotNil(t, pkt.Layer(layers.LayerTypeVXLAN))
}

func TestBuildVXLANHeaderRejectsMixedFamilies(t *testing.T) {
	key := Key{
		Src: netip.MustParseAddr("192.0.2.1"),
		Dst: netip.MustParseAddr("2001:db8::2"),
	}

	_, err := BuildVXLANHeader(nil, nil, key)
	require.Error(t, err)
}

func TestMACPatching(t *testing.T) {
	src := mustMAC(t, "02:00:00:00:00:01")
	dst := mustMAC(t, "02:00:00:00:00:02")

	key := Key{
		Src:     netip.MustParseAddr("192.0.2.1"),
		Dst:     netip.MustParseAddr("192.0.2.2"),
		DstPort: 4789,
		TTL:     64,
	}

	header, err := BuildVXLANHeader(src, dst, key)
	require.NoError(t, err)

	newDst := mustMAC(t, "02:00:00:00:00:aa")
	newSrc := mustMAC(t, "02:00:00:00:00:bb")
	SetDstMAC(header, newDst)
	SetSrcMAC(header, newSrc)

	require.Equal(t, newDst, DstMAC(header))
	require.Equal(t, newSrc, SrcMAC(header))

	// Patching must not disturb the rest of the template.
	pkt := gopacket.NewPacket(header, layers.LayerTypeEthernet, gopacket.Default)
	eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	require.True(t, ok)
	require.Equal(t, newDst, eth.DstMAC)
	require.Equal(t, newSrc, eth.SrcMAC)
	require.NotNil(t, pkt.Layer(layers.LayerTypeIPv4))
}
