// Package flow holds the vocabulary shared between the indirect block
// registry, the encapsulation manager and the flow-rule compiler: request
// and rule types, offload flags and the error taxonomy.
package flow

import "github.com/flowplane/offload/internal/nic"

// Command is the operation requested against a classifier or an action.
type Command int

const (
	CommandReplace Command = iota
	CommandDestroy
	CommandStats
)

func (m Command) String() string {
	switch m {
	case CommandReplace:
		return "replace"
	case CommandDestroy:
		return "destroy"
	case CommandStats:
		return "stats"
	default:
		return "unknown"
	}
}

// Direction is the classification attachment point on a device.
type Direction int

const (
	DirectionIngress Direction = iota
	DirectionEgress
)

func (m Direction) String() string {
	if m == DirectionEgress {
		return "egress"
	}
	return "ingress"
}

// Table selects which flow table a classification request targets: the
// regular classifier tables or the special table-only shared flow table.
type Table int

const (
	TableClassifier Table = iota
	TableShared
)

// Namespace is the flow namespace an action is programmed into.
type Namespace int

const (
	// NamespaceKernel is the per-function classification namespace.
	NamespaceKernel Namespace = iota
	// NamespaceFabric is the switching-fabric (eswitch) namespace, used
	// when the eswitch runs in offloads mode.
	NamespaceFabric
)

// Flags qualify a classification request on its way to the compiler.
type Flags uint32

const (
	FlagIngress Flags = 1 << iota
	FlagEgress
	FlagFabricOffload
	FlagSharedTable
)

// Stats is a packet/byte counter pair reported back on a stats command.
type Stats struct {
	Packets uint64
	Bytes   uint64
}

// ActionKind identifies one offloadable action implementation.
type ActionKind int

// Action is one entry of a classification request's action list.
type Action struct {
	Kind  ActionKind
	Index uint32
	// Data is the opaque action description consumed by the compiler.
	Data []byte
}

// ClsRequest is a classification request routed to a port's compilation
// path. Match and Actions are opaque to this core: the compiler owns their
// interpretation.
type ClsRequest struct {
	Command   Command
	Direction Direction
	Table     Table
	Chain     uint32
	Priority  uint32
	Match     []byte
	Actions   []Action
	// Stats is filled in by the compiler on CommandStats.
	Stats Stats
}

// ActRequest is a device-less action request: replace, destroy or query
// stats of a single offloadable action.
type ActRequest struct {
	Command Command
	// Kind resolves the action capability on destroy and stats commands.
	Kind ActionKind
	// Actions carries the action list on a replace command.
	Actions []Action
	Stats   Stats
}

// Rule is a reference to one installed flow rule. Rules are owned by the
// compiler; the encapsulation manager only enumerates them for bulk
// (un)installation.
type Rule struct {
	ID uint64
	// Encap is the encapsulation header template the rule references, if
	// any. Opaque here to avoid a dependency loop with the manager.
	Encap any
}

// Compiler turns classification requests into hardware table entries. It is
// an external collaborator of this core.
type Compiler interface {
	Replace(dev *nic.Device, req *ClsRequest, flags Flags) error
	Destroy(dev *nic.Device, req *ClsRequest, flags Flags) error
	Stats(dev *nic.Device, req *ClsRequest, flags Flags) error
}

// Chains exposes the chain topology of the hardware table hierarchy. The
// hierarchy itself is managed elsewhere; the registry only needs the
// numbering to normalize shared-flow-table requests.
type Chains interface {
	// PriosSupported reports whether the table hierarchy supports
	// priorities at all.
	PriosSupported() bool
	// PrioRange returns the exclusive upper bound of usable priorities.
	PrioRange() uint32
	// NotFoundChain returns the chain packets miss into when no rule of
	// the shared flow table matches.
	NotFoundChain() uint32
}

// StaticChains is a fixed Chains view, suitable for wiring and tests.
type StaticChains struct {
	Prios    bool
	Range    uint32
	NotFound uint32
}

func (m StaticChains) PriosSupported() bool  { return m.Prios }
func (m StaticChains) PrioRange() uint32     { return m.Range }
func (m StaticChains) NotFoundChain() uint32 { return m.NotFound }
