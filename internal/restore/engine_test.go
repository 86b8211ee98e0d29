package restore

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowplane/offload/internal/mapping"
	"github.com/flowplane/offload/internal/nic"
	"github.com/flowplane/offload/internal/tunnel"
)

type recordingConntrack struct {
	zones []uint16
	ok    bool
}

func (m *recordingConntrack) Restore(pkt *Packet, zone uint16) bool {
	m.zones = append(m.zones, zone)
	return m.ok
}

type recordingSampler struct {
	emitted []SampleObject
}

func (m *recordingSampler) Emit(pkt *Packet, obj SampleObject) {
	m.emitted = append(m.emitted, obj)
}

type staticResolver struct {
	devs map[uint32]*nic.Device
}

func (m *staticResolver) Resolve(metadata uint32) (*nic.Device, bool) {
	dev, ok := m.devs[metadata]
	return dev, ok
}

type testEnv struct {
	layout   Layout
	objects  *mapping.Table[MappedObject]
	tunnels  *mapping.Table[tunnel.Key]
	encOpts  *mapping.Table[tunnel.Options]
	devs     *nic.Table
	ct       *recordingConntrack
	sampler  *recordingSampler
	resolver *staticResolver
	engine   *Engine

	tunDev *nic.Device
	tunID  uint32
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		layout:   DefaultLayout(),
		objects:  mapping.New[MappedObject](1 << 12),
		tunnels:  mapping.New[tunnel.Key](1 << 12),
		encOpts:  mapping.New[tunnel.Options](1 << 12),
		devs:     nic.NewTable(),
		ct:       &recordingConntrack{ok: true},
		sampler:  &recordingSampler{},
		resolver: &staticResolver{devs: map[uint32]*nic.Device{}},
	}

	env.tunDev = &nic.Device{Index: 7, Name: "vxlan0", Kind: nic.KindTunnel}
	env.devs.Add(env.tunDev)

	key := tunnel.Key{
		Src:     netip.MustParseAddr("192.0.2.1"),
		Dst:     netip.MustParseAddr("192.0.2.2"),
		DstPort: 4789,
		ID:      42,
		Ifindex: env.tunDev.Index,
	}
	tunID, err := env.tunnels.Add(key)
	require.NoError(t, err)
	env.tunID = tunID

	engine, err := NewEngine(env.layout, env.objects, env.tunnels, env.encOpts, env.devs,
		WithConntrack(env.ct),
		WithSampler(env.sampler),
		WithIntPorts(env.resolver),
	)
	require.NoError(t, err)
	env.engine = engine
	return env
}

func (m *testEnv) mustMap(t *testing.T, obj MappedObject) uint32 {
	t.Helper()
	tag, err := m.objects.Add(obj)
	require.NoError(t, err)
	return tag
}

func TestRestoreNoMetadata(t *testing.T) {
	env := newTestEnv(t)

	for _, tag := range []uint32{0, env.layout.DefaultTag} {
		pkt := &Packet{Mark: 0xBEEF}
		var scratch Scratch

		action := env.engine.Restore(Completion{Tag: tag}, pkt, &scratch)
		require.Equal(t, ActionDeliver, action.Kind)
		require.Equal(t, uint32(0xBEEF), pkt.Mark, "packet must go up unmodified")
		require.Nil(t, pkt.Tunnel)
		require.Zero(t, pkt.Chain)
		scratch.Release()
	}
}

func TestRestoreUnknownTag(t *testing.T) {
	env := newTestEnv(t)

	pkt := &Packet{Mark: 0xBEEF}
	var scratch Scratch

	action := env.engine.Restore(Completion{Tag: 0x0042}, pkt, &scratch)
	require.Equal(t, ActionDrop, action.Kind)
	require.Zero(t, pkt.Mark, "a present tag leaves no room for a mark")
	require.Equal(t, uint64(1), env.engine.Stats().DecodeFailures)
	scratch.Release()
}

func TestRestoreChain(t *testing.T) {
	env := newTestEnv(t)
	tag := env.mustMap(t, ChainObject{Chain: 5})

	aux := env.layout.PackAux(env.layout.PackTunnelField(env.tunID, 0), 3)
	pkt := &Packet{}
	var scratch Scratch

	action := env.engine.Restore(Completion{Tag: tag, Aux: aux}, pkt, &scratch)
	require.Equal(t, ActionDeliver, action.Kind)
	require.Equal(t, uint32(5), pkt.Chain)
	require.Equal(t, []uint16{3}, env.ct.zones)

	require.NotNil(t, pkt.Tunnel)
	require.Equal(t, uint32(42), pkt.Tunnel.Key.ID)
	require.Same(t, env.tunDev, pkt.Device)
	require.Equal(t, int64(1), env.tunDev.Borrows())

	scratch.Release()
	require.Equal(t, int64(0), env.tunDev.Borrows())
}

func TestRestoreChainZeroSkipsConntrack(t *testing.T) {
	env := newTestEnv(t)
	env.ct.ok = false
	tag := env.mustMap(t, ChainObject{Chain: 0})

	pkt := &Packet{}
	var scratch Scratch

	action := env.engine.Restore(Completion{Tag: tag, Aux: env.layout.PackAux(0, 3)}, pkt, &scratch)
	require.Equal(t, ActionDeliver, action.Kind)
	require.Empty(t, env.ct.zones)
	scratch.Release()
}

func TestRestoreChainConntrackFailure(t *testing.T) {
	env := newTestEnv(t)
	env.ct.ok = false
	tag := env.mustMap(t, ChainObject{Chain: 5})

	pkt := &Packet{}
	var scratch Scratch

	action := env.engine.Restore(Completion{Tag: tag, Aux: env.layout.PackAux(0, 3)}, pkt, &scratch)
	require.Equal(t, ActionDrop, action.Kind)
	require.Equal(t, uint64(1), env.engine.Stats().CtFailures)
	scratch.Release()
}

func TestRestoreChainMissingConntrack(t *testing.T) {
	env := newTestEnv(t)
	tag := env.mustMap(t, ChainObject{Chain: 5})

	engine, err := NewEngine(env.layout, env.objects, env.tunnels, env.encOpts, env.devs)
	require.NoError(t, err)

	pkt := &Packet{}
	var scratch Scratch

	action := engine.Restore(Completion{Tag: tag}, pkt, &scratch)
	require.Equal(t, ActionDrop, action.Kind)
	scratch.Release()
}

func TestRestoreChainMissingTunnel(t *testing.T) {
	env := newTestEnv(t)
	tag := env.mustMap(t, ChainObject{Chain: 0})

	// Handle 999 was never allocated.
	aux := env.layout.PackAux(env.layout.PackTunnelField(999, 0), 0)
	pkt := &Packet{}
	var scratch Scratch

	action := env.engine.Restore(Completion{Tag: tag, Aux: aux}, pkt, &scratch)
	require.Equal(t, ActionDrop, action.Kind)
	require.Equal(t, uint64(1), env.engine.Stats().TunnelFailures)
	scratch.Release()
}

func TestRestoreChainMissingTunnelAfterConntrack(t *testing.T) {
	env := newTestEnv(t)
	tag := env.mustMap(t, ChainObject{Chain: 5})

	// Conntrack restores fine, but tunnel handle 999 was never allocated:
	// the packet is dropped even though the chain context is complete.
	aux := env.layout.PackAux(env.layout.PackTunnelField(999, 0), 3)
	pkt := &Packet{}
	var scratch Scratch

	action := env.engine.Restore(Completion{Tag: tag, Aux: aux}, pkt, &scratch)
	require.Equal(t, ActionDrop, action.Kind)
	require.Equal(t, []uint16{3}, env.ct.zones)
	require.Equal(t, uint64(1), env.engine.Stats().TunnelFailures)
	scratch.Release()
}

func TestRestoreChainGoneTunnelDevice(t *testing.T) {
	env := newTestEnv(t)
	tag := env.mustMap(t, ChainObject{Chain: 0})
	env.devs.Remove(env.tunDev.Index)

	aux := env.layout.PackAux(env.layout.PackTunnelField(env.tunID, 0), 0)
	pkt := &Packet{}
	var scratch Scratch

	action := env.engine.Restore(Completion{Tag: tag, Aux: aux}, pkt, &scratch)
	require.Equal(t, ActionDrop, action.Kind)
	require.Equal(t, uint64(1), env.engine.Stats().DeviceFailures)
	scratch.Release()
	require.Equal(t, int64(0), env.tunDev.Borrows())
}

func TestRestoreTunnelOptions(t *testing.T) {
	env := newTestEnv(t)
	tag := env.mustMap(t, ChainObject{Chain: 0})

	opts := tunnel.Options{Kind: 1, Data: []byte{0xCA, 0xFE}}
	optsID, err := env.encOpts.Add(opts)
	require.NoError(t, err)

	aux := env.layout.PackAux(env.layout.PackTunnelField(env.tunID, optsID), 0)
	pkt := &Packet{}
	var scratch Scratch

	action := env.engine.Restore(Completion{Tag: tag, Aux: aux}, pkt, &scratch)
	require.Equal(t, ActionDeliver, action.Kind)
	require.NotNil(t, pkt.Tunnel)
	require.Equal(t, opts, pkt.Tunnel.Options)
	scratch.Release()
}

func TestRestoreSample(t *testing.T) {
	env := newTestEnv(t)
	obj := SampleObject{
		TunnelField: env.layout.PackTunnelField(env.tunID, 0),
		GroupID:     11,
		Rate:        100,
	}
	tag := env.mustMap(t, obj)

	pkt := &Packet{}
	var scratch Scratch

	action := env.engine.Restore(Completion{Tag: tag}, pkt, &scratch)
	require.Equal(t, ActionDrop, action.Kind, "a sample always consumes the buffer")
	require.Equal(t, []SampleObject{obj}, env.sampler.emitted)
	require.Same(t, env.tunDev, pkt.Device)

	scratch.Release()
	require.Equal(t, int64(0), env.tunDev.Borrows())
}

func TestRestoreSampleWithoutSampler(t *testing.T) {
	env := newTestEnv(t)
	tag := env.mustMap(t, SampleObject{GroupID: 11})

	engine, err := NewEngine(env.layout, env.objects, env.tunnels, env.encOpts, env.devs)
	require.NoError(t, err)

	pkt := &Packet{}
	var scratch Scratch

	action := engine.Restore(Completion{Tag: tag}, pkt, &scratch)
	require.Equal(t, ActionDrop, action.Kind)
	require.Equal(t, uint64(1), engine.Stats().SampleDrops)
	scratch.Release()
}

func TestRestoreIntPortRedirect(t *testing.T) {
	env := newTestEnv(t)

	fwd := &nic.Device{Index: 30, Name: "br-int", Kind: nic.KindInternal}
	env.resolver.devs[77] = fwd
	tag := env.mustMap(t, IntPortObject{Metadata: 77})

	pkt := &Packet{}
	var scratch Scratch

	action := env.engine.Restore(Completion{Tag: tag}, pkt, &scratch)
	require.Equal(t, ActionTransmit, action.Kind)
	require.Same(t, fwd, action.Device)
	require.Same(t, fwd, pkt.Device)
	require.Equal(t, int64(1), fwd.Borrows())

	scratch.Release()
	require.Equal(t, int64(0), fwd.Borrows())
}

func TestRestoreIntPortTunnelPrecedence(t *testing.T) {
	env := newTestEnv(t)

	// A resolvable metadata value that must never be consulted.
	env.resolver.devs[77] = &nic.Device{Index: 30, Name: "br-int", Kind: nic.KindInternal}
	tag := env.mustMap(t, IntPortObject{
		TunnelField: env.layout.PackTunnelField(env.tunID, 0),
		Metadata:    77,
	})

	pkt := &Packet{}
	var scratch Scratch

	action := env.engine.Restore(Completion{Tag: tag}, pkt, &scratch)
	require.Equal(t, ActionDeliver, action.Kind)
	require.Same(t, env.tunDev, pkt.Device)
	scratch.Release()
}

func TestRestoreIntPortUnresolvable(t *testing.T) {
	env := newTestEnv(t)
	tag := env.mustMap(t, IntPortObject{Metadata: 77})

	pkt := &Packet{}
	var scratch Scratch

	action := env.engine.Restore(Completion{Tag: tag}, pkt, &scratch)
	require.Equal(t, ActionDrop, action.Kind)
	require.Equal(t, uint64(1), env.engine.Stats().IntPortFailures)
	scratch.Release()
}

func TestReceiverExecutesVerdicts(t *testing.T) {
	env := newTestEnv(t)

	var delivered, transmitted int
	var lastDev *nic.Device
	rx := NewReceiver(env.engine,
		func(pkt *Packet) { delivered++ },
		func(pkt *Packet, dev *nic.Device) {
			transmitted++
			lastDev = dev
		},
	)

	// No metadata: straight delivery.
	rx.Receive(Completion{}, &Packet{})
	require.Equal(t, 1, delivered)

	// Internal-port redirect: transmitted and released exactly once.
	fwd := &nic.Device{Index: 30, Name: "br-int", Kind: nic.KindInternal}
	env.resolver.devs[77] = fwd
	redirect := env.mustMap(t, IntPortObject{Metadata: 77})

	rx.Receive(Completion{Tag: redirect}, &Packet{})
	require.Equal(t, 1, transmitted)
	require.Same(t, fwd, lastDev)
	require.Equal(t, int64(0), fwd.Borrows())

	// Unknown tag: the buffer is consumed without touching the sinks.
	rx.Receive(Completion{Tag: 0x0042}, &Packet{})
	require.Equal(t, 1, delivered)
	require.Equal(t, 1, transmitted)
}

func TestLayoutValidation(t *testing.T) {
	require.NoError(t, DefaultLayout().Validate())

	noTag := DefaultLayout()
	noTag.TagMask = 0
	require.Error(t, noTag.Validate())

	noDefault := DefaultLayout()
	noDefault.DefaultTag = 0
	require.Error(t, noDefault.Validate())

	// A default tag outside the mask would never be observed: completions
	// carrying it would decode as regular handles instead.
	maskedOut := DefaultLayout()
	maskedOut.DefaultTag = 0x1FFFF
	require.Error(t, maskedOut.Validate())

	tooWide := DefaultLayout()
	tooWide.ZoneIDBits = 16
	tooWide.EncOptsBits = 16
	tooWide.TunnelIDBits = 16
	require.Error(t, tooWide.Validate())

	noTunnel := DefaultLayout()
	noTunnel.EncOptsBits = 0
	noTunnel.TunnelIDBits = 0
	require.Error(t, noTunnel.Validate())

	_, err := NewEngine(noTag, nil, nil, nil, nil)
	require.Error(t, err)
}

func TestLayoutPackRoundTrip(t *testing.T) {
	layout := DefaultLayout()

	field := layout.PackTunnelField(0xABC, 0xDEF)
	tunID, optsID := layout.SplitTunnelField(field)
	require.Equal(t, uint32(0xABC), tunID)
	require.Equal(t, uint32(0xDEF), optsID)

	aux := layout.PackAux(field, 0x7F)
	require.Equal(t, uint16(0x7F), layout.ZoneID(aux))
	require.Equal(t, field, layout.TunnelField(aux))
}
