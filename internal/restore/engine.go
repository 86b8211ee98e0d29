package restore

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/flowplane/offload/internal/mapping"
	"github.com/flowplane/offload/internal/nic"
	"github.com/flowplane/offload/internal/tunnel"
)

// Completion is the metadata pair carried by one receive completion.
type Completion struct {
	Tag uint32
	Aux uint32
}

// ConntrackRestorer re-attaches connection-tracking extension data to a
// packet from its zone-restore id.
type ConntrackRestorer interface {
	Restore(pkt *Packet, zone uint16) bool
}

// Sampler consumes sampled packet copies.
type Sampler interface {
	Emit(pkt *Packet, obj SampleObject)
}

// IntPortResolver resolves an internal-port redirect to its forwarding
// device. The returned device is borrowed and released by the restore
// pass.
type IntPortResolver interface {
	Resolve(metadata uint32) (*nic.Device, bool)
}

// Option configures the engine.
type Option func(*options)

// WithLog configures the engine with a logger. Restore failures are logged
// at debug verbosity only: they are per-packet events on the hot path.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithConntrack wires the connection-tracking collaborator.
func WithConntrack(ct ConntrackRestorer) Option {
	return func(o *options) {
		o.Conntrack = ct
	}
}

// WithSampler wires the sampling collaborator.
func WithSampler(s Sampler) Option {
	return func(o *options) {
		o.Sampler = s
	}
}

// WithIntPorts wires the internal-port forwarding collaborator.
func WithIntPorts(r IntPortResolver) Option {
	return func(o *options) {
		o.IntPorts = r
	}
}

type options struct {
	Log       *zap.SugaredLogger
	Conntrack ConntrackRestorer
	Sampler   Sampler
	IntPorts  IntPortResolver
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// Engine reconstructs a packet's logical context from its completion
// metadata.
//
// Restore runs concurrently across receive queues: it performs read-only
// lookups against the mapping tables (which carry their own locks), never
// blocks and never takes the configuration lock. The only per-packet state
// is the caller-provided scratch record.
type Engine struct {
	layout  Layout
	objects *mapping.Table[MappedObject]
	tunnels *mapping.Table[tunnel.Key]
	encOpts *mapping.Table[tunnel.Options]
	devs    *nic.Table

	ct       ConntrackRestorer
	sampler  Sampler
	intPorts IntPortResolver

	stats Stats
	log   *zap.SugaredLogger
}

// NewEngine creates a restore engine over the given mapping tables and
// device table.
func NewEngine(
	layout Layout,
	objects *mapping.Table[MappedObject],
	tunnels *mapping.Table[tunnel.Key],
	encOpts *mapping.Table[tunnel.Options],
	devs *nic.Table,
	options ...Option,
) (*Engine, error) {
	if err := layout.Validate(); err != nil {
		return nil, fmt.Errorf("invalid completion metadata layout: %w", err)
	}

	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	return &Engine{
		layout:   layout,
		objects:  objects,
		tunnels:  tunnels,
		encOpts:  encOpts,
		devs:     devs,
		ct:       opts.Conntrack,
		sampler:  opts.Sampler,
		intPorts: opts.IntPorts,
		log:      opts.Log,
	}, nil
}

// Stats returns a snapshot of the failure counters.
func (m *Engine) Stats() StatsSnapshot {
	return m.stats.Snapshot()
}

// Restore decodes the completion metadata and reconstructs the packet's
// context. Any device reference borrowed into scratch must be released by
// the caller exactly once after the returned action has been executed.
func (m *Engine) Restore(c Completion, pkt *Packet, scratch *Scratch) Action {
	tag := m.layout.Tag(c.Tag)
	if tag == 0 || tag == m.layout.DefaultTag {
		// No offload metadata: the packet goes up unmodified.
		return deliver()
	}

	// With a real tag present the hardware had no room to carry a mark.
	pkt.Mark = 0

	obj, ok := m.objects.Find(tag)
	if !ok {
		m.stats.decodeFailures.Add(1)
		m.log.Debugw("no mapped object for completion tag", zap.Uint32("tag", tag))
		return drop()
	}

	switch obj := obj.(type) {
	case ChainObject:
		return m.restoreChain(obj, c.Aux, pkt, scratch)
	case SampleObject:
		return m.restoreSample(obj, pkt, scratch)
	case IntPortObject:
		return m.restoreIntPort(obj, pkt, scratch)
	default:
		m.stats.decodeFailures.Add(1)
		m.log.Debugw("invalid mapped object type", zap.Uint32("tag", tag))
		return drop()
	}
}

func (m *Engine) restoreChain(obj ChainObject, aux uint32, pkt *Packet, scratch *Scratch) Action {
	if obj.Chain != 0 {
		pkt.Chain = obj.Chain
		zone := m.layout.ZoneID(aux)
		if m.ct == nil || !m.ct.Restore(pkt, zone) {
			m.stats.ctFailures.Add(1)
			m.log.Debugw("failed to restore conntrack state",
				zap.Uint32("chain", obj.Chain),
				zap.Uint16("zone", zone),
			)
			return drop()
		}
	}

	if !m.restoreTunnel(m.layout.TunnelField(aux), pkt, scratch) {
		return drop()
	}
	return deliver()
}

func (m *Engine) restoreSample(obj SampleObject, pkt *Packet, scratch *Scratch) Action {
	// A sample always consumes the buffer: the copy is emitted to the
	// sampling collaborator, never delivered to the stack.
	if !m.restoreTunnel(obj.TunnelField, pkt, scratch) {
		m.stats.sampleDrops.Add(1)
		m.log.Debugw("failed to restore tunnel for sampled packet")
		return drop()
	}
	if m.sampler == nil {
		m.stats.sampleDrops.Add(1)
		return drop()
	}
	m.sampler.Emit(pkt, obj)
	return drop()
}

func (m *Engine) restoreIntPort(obj IntPortObject, pkt *Packet, scratch *Scratch) Action {
	// Tunnel restore takes precedence over the internal-port redirect.
	if obj.TunnelField != 0 {
		if !m.restoreTunnel(obj.TunnelField, pkt, scratch) {
			return drop()
		}
		return deliver()
	}

	if m.intPorts == nil {
		m.stats.intPortFailures.Add(1)
		return drop()
	}
	dev, ok := m.intPorts.Resolve(obj.Metadata)
	if !ok {
		m.stats.intPortFailures.Add(1)
		m.log.Debugw("failed to resolve internal port", zap.Uint32("metadata", obj.Metadata))
		return drop()
	}

	dev.Hold()
	scratch.hold(dev)
	pkt.Device = dev
	return transmit(dev)
}

// restoreTunnel reconstructs the tunnel context from the packed tunnel
// field. A zero tunnel-key handle is a no-op success; a non-zero handle
// that cannot be resolved is a failure.
func (m *Engine) restoreTunnel(field uint32, pkt *Packet, scratch *Scratch) bool {
	tunID, optsID := m.layout.SplitTunnelField(field)
	if tunID == 0 {
		return true
	}

	key, ok := m.tunnels.Find(tunID)
	if !ok {
		m.stats.tunnelFailures.Add(1)
		m.log.Debugw("no tunnel for handle", zap.Uint32("tunnel_id", tunID))
		return false
	}

	var opts tunnel.Options
	if optsID != 0 {
		if opts, ok = m.encOpts.Find(optsID); !ok {
			m.stats.tunnelFailures.Add(1)
			m.log.Debugw("no tunnel options for handle", zap.Uint32("enc_opts_id", optsID))
			return false
		}
	}

	if err := key.Validate(); err != nil {
		m.stats.tunnelFailures.Add(1)
		m.log.Debugw("cannot restore tunnel", zap.Error(err))
		return false
	}

	pkt.Tunnel = tunnel.NewInfo(key, opts)

	dev, ok := m.devs.Get(key.Ifindex)
	if !ok {
		m.stats.deviceFailures.Add(1)
		m.log.Debugw("no tunnel device with ifindex", zap.Int("ifindex", key.Ifindex))
		return false
	}

	// The borrowed device is released after the packet leaves the
	// restore pass.
	scratch.hold(dev)
	pkt.Device = dev
	return true
}
