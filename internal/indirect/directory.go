// Package indirect tracks which foreign devices asked to receive
// classification callbacks on behalf of a switch port and routes incoming
// classification and action requests to the owning port context.
package indirect

import (
	"fmt"
	"sync"

	"github.com/flowplane/offload/internal/flow"
	"github.com/flowplane/offload/internal/nic"
)

type bindingKey struct {
	ifindex   int
	direction flow.Direction
}

// Directory is the process-wide indirect-callback directory. External
// subsystems dispatch through it without knowing which port owns a device.
//
// It is an explicitly owned service object: its lifetime is tied to the
// registries registered with it, not to any ambient global.
type Directory struct {
	mu         sync.Mutex
	bindings   map[bindingKey]*Binding
	registries []*Registry
}

func NewDirectory() *Directory {
	return &Directory{
		bindings: map[bindingKey]*Binding{},
	}
}

func (m *Directory) register(r *Registry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.registries = append(m.registries, r)
}

func (m *Directory) add(b *Binding) error {
	key := bindingKey{ifindex: b.dev.Index, direction: b.direction}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.bindings[key]; ok {
		return fmt.Errorf("block already bound for %s/%s: %w", b.dev.Name, b.direction, flow.ErrAlreadyExists)
	}
	m.bindings[key] = b
	return nil
}

func (m *Directory) remove(b *Binding) {
	key := bindingKey{ifindex: b.dev.Index, direction: b.direction}

	m.mu.Lock()
	defer m.mu.Unlock()

	if have, ok := m.bindings[key]; ok && have == b {
		delete(m.bindings, key)
	}
}

func (m *Directory) lookup(ifindex int, direction flow.Direction) (*Binding, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bindings[bindingKey{ifindex: ifindex, direction: direction}]
	return b, ok
}

// Dispatch routes a request to the owning port context.
//
// With a nil device the request is the action-only path: it must be an
// ActRequest, which is offered to every registered port until one claims
// it. With a device the request must be a ClsRequest and is routed through
// the binding registered for (device, direction). The callback runs under
// the configuration lock: once Unbind returns, no callback for the removed
// binding is still in flight.
func (m *Directory) Dispatch(dev *nic.Device, req any) error {
	if dev == nil {
		act, ok := req.(*flow.ActRequest)
		if !ok {
			return fmt.Errorf("device-less dispatch accepts action requests only: %w", flow.ErrUnsupported)
		}
		return m.dispatchAction(act)
	}

	cls, ok := req.(*flow.ClsRequest)
	if !ok {
		return fmt.Errorf("unknown request type %T: %w", req, flow.ErrUnsupported)
	}

	b, ok := m.lookup(dev.Index, cls.Direction)
	if !ok {
		return fmt.Errorf("no block bound for %s/%s: %w", dev.Name, cls.Direction, flow.ErrUnsupported)
	}

	// The configuration lock is taken first, then the directory lock is
	// re-entered, matching the bind/unbind order. The binding may have
	// been removed while we waited for the lock, so it is re-validated.
	b.registry.confMu.Lock()
	defer b.registry.confMu.Unlock()

	if have, ok := m.lookup(dev.Index, cls.Direction); !ok || have != b {
		return fmt.Errorf("no block bound for %s/%s: %w", dev.Name, cls.Direction, flow.ErrUnsupported)
	}
	return b.registry.offload(b, cls)
}

func (m *Directory) dispatchAction(req *flow.ActRequest) error {
	m.mu.Lock()
	registries := make([]*Registry, len(m.registries))
	copy(registries, m.registries)
	m.mu.Unlock()

	for _, r := range registries {
		err := r.handleAction(req)
		if err == nil || !isUnsupported(err) {
			return err
		}
	}
	return flow.ErrUnsupported
}
