package indirect

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/flowplane/offload/internal/flow"
	"github.com/flowplane/offload/internal/nic"
)

// Binding is one indirect block binding: a foreign device that receives
// classification callbacks through the owning port. Unique per
// (device, direction).
type Binding struct {
	dev       *nic.Device
	direction flow.Direction
	registry  *Registry
}

// Device returns the bound foreign device.
func (m *Binding) Device() *nic.Device { return m.dev }

// Direction returns the bound attachment point.
func (m *Binding) Direction() flow.Direction { return m.direction }

// Option configures the registry.
type Option func(*options)

// WithLog configures the registry with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithInternalPorts enables offload of internal virtual-switch port
// devices. Requires hardware support for internal-port redirect.
func WithInternalPorts() Option {
	return func(o *options) {
		o.InternalPorts = true
	}
}

// WithFabricOffloads marks the eswitch as running in offloads mode, which
// selects the switching-fabric namespace for action capabilities.
func WithFabricOffloads() Option {
	return func(o *options) {
		o.FabricOffloads = true
	}
}

type options struct {
	Log            *zap.SugaredLogger
	InternalPorts  bool
	FabricOffloads bool
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// Registry tracks the indirect block bindings of one switch port.
//
// Bind and Unbind are serialized by the process-wide configuration lock.
// Once Unbind returns, the binding's callback is guaranteed not to run:
// dispatch serializes under the same lock.
type Registry struct {
	confMu *sync.Mutex

	port     *nic.Device
	chains   flow.Chains
	compiler flow.Compiler
	actions  *ActionDirectory
	dir      *Directory

	// bindings is the per-port ordered collection, mutated under confMu.
	bindings []*Binding

	internalPorts  bool
	fabricOffloads bool
	log            *zap.SugaredLogger
}

// NewRegistry creates the indirect block registry for one switch port and
// registers it with the process-wide directory.
func NewRegistry(
	confMu *sync.Mutex,
	port *nic.Device,
	compiler flow.Compiler,
	chains flow.Chains,
	actions *ActionDirectory,
	dir *Directory,
	options ...Option,
) *Registry {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	r := &Registry{
		confMu:         confMu,
		port:           port,
		chains:         chains,
		compiler:       compiler,
		actions:        actions,
		dir:            dir,
		internalPorts:  opts.InternalPorts,
		fabricOffloads: opts.FabricOffloads,
		log:            opts.Log.With(zap.String("port", port.Name)),
	}
	dir.register(r)
	return r
}

// Bind registers a foreign device for classification callbacks on the
// given attachment point.
func (m *Registry) Bind(dev *nic.Device, direction flow.Direction) error {
	m.confMu.Lock()
	defer m.confMu.Unlock()

	if err := m.eligible(dev); err != nil {
		return err
	}
	if direction != flow.DirectionIngress && direction != flow.DirectionEgress {
		return fmt.Errorf("unknown direction %d: %w", direction, flow.ErrUnsupported)
	}
	// Egress classification is only meaningful for traffic leaving the
	// virtual switch through an internal port.
	if direction == flow.DirectionEgress && dev.Kind != nic.KindInternal {
		return fmt.Errorf("egress block on %s device %s: %w", dev.Kind, dev.Name, flow.ErrUnsupported)
	}

	if m.lookupBinding(dev, direction) != nil {
		return fmt.Errorf("block already bound for %s/%s: %w", dev.Name, direction, flow.ErrAlreadyExists)
	}

	b := &Binding{
		dev:       dev,
		direction: direction,
		registry:  m,
	}
	if err := m.dir.add(b); err != nil {
		return err
	}
	m.bindings = append(m.bindings, b)

	m.log.Infow("bound indirect block",
		zap.String("device", dev.Name),
		zap.Stringer("kind", dev.Kind),
		zap.Stringer("direction", direction),
	)
	return nil
}

// Unbind removes a binding. Callers owning the configuration lock are
// guaranteed no dispatch uses the binding once Unbind returns.
func (m *Registry) Unbind(dev *nic.Device, direction flow.Direction) error {
	m.confMu.Lock()
	defer m.confMu.Unlock()

	b := m.lookupBinding(dev, direction)
	if b == nil {
		return fmt.Errorf("no block bound for %s/%s: %w", dev.Name, direction, flow.ErrNotFound)
	}

	m.dir.remove(b)
	for i, have := range m.bindings {
		if have == b {
			m.bindings = append(m.bindings[:i], m.bindings[i+1:]...)
			break
		}
	}

	m.log.Infow("unbound indirect block",
		zap.String("device", dev.Name),
		zap.Stringer("direction", direction),
	)
	return nil
}

// Bindings returns the number of active bindings.
func (m *Registry) Bindings() int {
	m.confMu.Lock()
	defer m.confMu.Unlock()

	return len(m.bindings)
}

func (m *Registry) lookupBinding(dev *nic.Device, direction flow.Direction) *Binding {
	for _, b := range m.bindings {
		if b.dev == dev && b.direction == direction {
			return b
		}
	}
	return nil
}

// eligible implements the bind eligibility policy: tunnel endpoints, VLAN
// sub-interfaces of this port, internal switch ports when the hardware can
// redirect to them, and pass-through virtual interfaces of this port.
func (m *Registry) eligible(dev *nic.Device) error {
	switch dev.Kind {
	case nic.KindTunnel:
		return nil
	case nic.KindVLAN:
		if dev.RealIndex != m.port.Index {
			return fmt.Errorf("vlan device %s is not on port %s: %w", dev.Name, m.port.Name, flow.ErrUnsupported)
		}
		return nil
	case nic.KindInternal:
		if !m.internalPorts {
			return fmt.Errorf("internal port offload is not supported: %w", flow.ErrUnsupported)
		}
		return nil
	case nic.KindPassthrough:
		if dev.RealIndex != m.port.Index {
			return fmt.Errorf("passthrough device %s is not on port %s: %w", dev.Name, m.port.Name, flow.ErrUnsupported)
		}
		if !dev.Passthru {
			m.log.Warnw("offloading is supported only in passthrough forwarding mode",
				zap.String("device", dev.Name),
			)
			return fmt.Errorf("device %s is not in passthrough mode: %w", dev.Name, flow.ErrUnsupported)
		}
		return nil
	default:
		return fmt.Errorf("%s device %s cannot receive offloads: %w", dev.Kind, dev.Name, flow.ErrUnsupported)
	}
}

// offload routes a dispatched classification request into the port's
// compilation path, normalizing shared-flow-table requests first.
func (m *Registry) offload(b *Binding, req *flow.ClsRequest) error {
	if !m.port.Present() {
		return fmt.Errorf("port %s is gone: %w", m.port.Name, flow.ErrUnsupported)
	}

	flags := flow.FlagFabricOffload
	if b.direction == flow.DirectionEgress {
		flags |= flow.FlagEgress
	} else {
		flags |= flow.FlagIngress
	}

	if req.Table == flow.TableShared {
		return m.offloadSharedTable(b, req, flags)
	}
	return m.classify(b.dev, req, flags)
}

// offloadSharedTable re-uses the classifier path by moving a shared-table
// request to the port's reserved chain. The shared table accepts the whole
// non-negative priority range, so priorities are shifted into [1, range)
// where priority 0 is reserved; only chain 0 of the shared table exists.
func (m *Registry) offloadSharedTable(b *Binding, req *flow.ClsRequest, flags flow.Flags) error {
	if !m.chains.PriosSupported() {
		return fmt.Errorf("chain priorities are not supported: %w", flow.ErrUnsupported)
	}
	if req.Priority >= m.chains.PrioRange() {
		return fmt.Errorf("priority %d is outside the supported range %d: %w",
			req.Priority, m.chains.PrioRange(), flow.ErrUnsupported)
	}
	if req.Chain != 0 {
		return fmt.Errorf("shared flow table has a single chain: %w", flow.ErrUnsupported)
	}

	tmp := *req
	tmp.Table = flow.TableClassifier
	tmp.Chain = m.chains.NotFoundChain()
	tmp.Priority++

	err := m.classify(b.dev, &tmp, flags|flow.FlagSharedTable)
	req.Stats = tmp.Stats
	return err
}

func (m *Registry) classify(dev *nic.Device, req *flow.ClsRequest, flags flow.Flags) error {
	switch req.Command {
	case flow.CommandReplace:
		return m.compiler.Replace(dev, req, flags)
	case flow.CommandDestroy:
		return m.compiler.Destroy(dev, req, flags)
	case flow.CommandStats:
		return m.compiler.Stats(dev, req, flags)
	default:
		return fmt.Errorf("unknown command %d: %w", req.Command, flow.ErrUnsupported)
	}
}

func isUnsupported(err error) bool {
	return errors.Is(err, flow.ErrUnsupported)
}
