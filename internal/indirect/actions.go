package indirect

import (
	"fmt"
	"sync"

	"github.com/flowplane/offload/internal/flow"
)

// ActionOps is the capability set of one offloadable action kind. Nil
// operations mean the capability does not support the command.
type ActionOps struct {
	Replace func(req *flow.ActRequest, act flow.Action) error
	Destroy func(req *flow.ActRequest) error
	Stats   func(req *flow.ActRequest) error
}

type actionKey struct {
	ns   flow.Namespace
	kind flow.ActionKind
}

// ActionDirectory looks up action capabilities by namespace and kind for
// the device-less action dispatch path.
type ActionDirectory struct {
	mu  sync.RWMutex
	ops map[actionKey]*ActionOps
}

func NewActionDirectory() *ActionDirectory {
	return &ActionDirectory{
		ops: map[actionKey]*ActionOps{},
	}
}

// Register installs the capability for (namespace, kind), replacing any
// previous one.
func (m *ActionDirectory) Register(ns flow.Namespace, kind flow.ActionKind, ops *ActionOps) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ops[actionKey{ns: ns, kind: kind}] = ops
}

// Lookup resolves the capability for (namespace, kind).
func (m *ActionDirectory) Lookup(ns flow.Namespace, kind flow.ActionKind) (*ActionOps, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ops, ok := m.ops[actionKey{ns: ns, kind: kind}]
	return ops, ok
}

// handleAction serves the device-less action path for this port.
func (m *Registry) handleAction(req *flow.ActRequest) error {
	ns := flow.NamespaceKernel
	if m.fabricOffloads {
		ns = flow.NamespaceFabric
	}

	switch req.Command {
	case flow.CommandReplace:
		// A replace carries exactly one action: there is no present use
		// case for batches, and partial cleanup on error would be needed.
		if len(req.Actions) != 1 {
			return fmt.Errorf("action batches are not supported: %w", flow.ErrUnsupported)
		}
		act := req.Actions[0]
		ops, ok := m.actions.Lookup(ns, act.Kind)
		if !ok || ops.Replace == nil {
			return fmt.Errorf("no replace capability for action kind %d: %w", act.Kind, flow.ErrUnsupported)
		}
		return ops.Replace(req, act)

	case flow.CommandDestroy:
		ops, ok := m.actions.Lookup(ns, req.Kind)
		if !ok || ops.Destroy == nil {
			return fmt.Errorf("no destroy capability for action kind %d: %w", req.Kind, flow.ErrUnsupported)
		}
		return ops.Destroy(req)

	case flow.CommandStats:
		ops, ok := m.actions.Lookup(ns, req.Kind)
		if !ok || ops.Stats == nil {
			return fmt.Errorf("no stats capability for action kind %d: %w", req.Kind, flow.ErrUnsupported)
		}
		return ops.Stats(req)

	default:
		return fmt.Errorf("unknown action command %d: %w", req.Command, flow.ErrUnsupported)
	}
}
