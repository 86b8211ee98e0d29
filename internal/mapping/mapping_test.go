package mapping

import (
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/flowplane/offload/internal/flow"
	"github.com/flowplane/offload/internal/tunnel"
)

func TestAddFind(t *testing.T) {
	table := New[string](16)

	id, err := table.Add("first")
	require.NoError(t, err)
	require.NotZero(t, id, "handle 0 is reserved")

	v, ok := table.Find(id)
	require.True(t, ok)
	require.Equal(t, "first", v)

	_, ok = table.Find(id + 1)
	require.False(t, ok)
}

func TestRemoveRecyclesHandles(t *testing.T) {
	table := New[int](2)

	id1, err := table.Add(1)
	require.NoError(t, err)
	_, err = table.Add(2)
	require.NoError(t, err)

	_, err = table.Add(3)
	require.ErrorIs(t, err, flow.ErrResourceExhausted)

	table.Remove(id1)
	_, ok := table.Find(id1)
	require.False(t, ok)

	id3, err := table.Add(3)
	require.NoError(t, err)
	require.Equal(t, id1, id3, "freed handle should be reused")
}

func TestRemoveUnknownHandle(t *testing.T) {
	table := New[int](4)
	table.Remove(42)
	require.Equal(t, 0, table.Len())
}

func TestTunnelKeyRoundTrip(t *testing.T) {
	table := New[tunnel.Key](1 << 12)

	keys := []tunnel.Key{
		{
			Src:     netip.MustParseAddr("10.0.0.1"),
			Dst:     netip.MustParseAddr("10.0.0.2"),
			SrcPort: 51000,
			DstPort: 4789,
			TOS:     0x10,
			TTL:     64,
			ID:      1234,
			Ifindex: 7,
		},
		{
			Src:     netip.MustParseAddr("2001:db8::1"),
			Dst:     netip.MustParseAddr("2001:db8::2"),
			DstPort: 6081,
			TTL:     255,
			ID:      0xFFFFFE,
			Ifindex: 12,
		},
	}

	for _, key := range keys {
		id, err := table.Add(key)
		require.NoError(t, err)

		got, ok := table.Find(id)
		require.True(t, ok)
		require.Empty(t, cmp.Diff(key, got, cmp.Comparer(func(a, b netip.Addr) bool {
			return a == b
		})))
	}
}

func TestTunnelOptionsRoundTrip(t *testing.T) {
	table := New[tunnel.Options](1 << 8)

	opts := tunnel.Options{
		Kind: 0x0102,
		Data: []byte{0xde, 0xad, 0xbe, 0xef, 0x01},
	}

	id, err := table.Add(opts)
	require.NoError(t, err)

	got, ok := table.Find(id)
	require.True(t, ok)
	require.Empty(t, cmp.Diff(opts, got))
}
