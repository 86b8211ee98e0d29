package neigh

import (
	"bytes"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/flowplane/offload/internal/flow"
	"github.com/flowplane/offload/internal/nic"
)

// FlowOffloader bulk-(un)installs the flow rules referencing one
// encapsulation header. It is implemented by the flow-rule compiler; calls
// may block on hardware and are therefore never made under a list lock.
type FlowOffloader interface {
	InstallEncapFlows(e *EncapEntry, rules []*flow.Rule)
	UninstallEncapFlows(e *EncapEntry, rules []*flow.Rule)
}

// Option configures the manager.
type Option func(*options)

// WithLog configures the manager with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithMaxEntries bounds the neighbour table.
func WithMaxEntries(n int) Option {
	return func(o *options) {
		o.MaxEntries = n
	}
}

type options struct {
	Log        *zap.SugaredLogger
	MaxEntries int
}

func newOptions() *options {
	return &options{
		Log:        zap.NewNop().Sugar(),
		MaxEntries: 1 << 16,
	}
}

// Manager owns the neighbour table and drives encapsulation-header
// maintenance from reachability changes.
//
// Configuration-plane operations (Attach, Detach, ReachabilityChanged) are
// serialized by the process-wide configuration lock passed at construction;
// they may block on flow-rule (un)installation and must not be called from
// a context that cannot block.
type Manager struct {
	// confMu is the process-wide configuration lock shared with the rest
	// of the configuration plane.
	confMu *sync.Mutex

	// flowMu spans hardware flow-table mutation: validity transitions and
	// the (un)installation they trigger. Distinct from the per-entry
	// dependent-list lock.
	flowMu sync.Mutex

	// mu guards entries and the per-entry refcounts.
	mu      sync.Mutex
	entries map[Key]*Entry

	reformats  reformatAccounting
	offloader  FlowOffloader
	devs       *nic.Table
	maxEntries int
	log        *zap.SugaredLogger
}

// NewManager creates a neighbour manager. confMu is the process-wide
// configuration lock; devs resolves egress route devices for source-address
// refresh.
func NewManager(confMu *sync.Mutex, offloader FlowOffloader, devs *nic.Table, options ...Option) *Manager {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	return &Manager{
		confMu:     confMu,
		entries:    map[Key]*Entry{},
		offloader:  offloader,
		devs:       devs,
		maxEntries: opts.MaxEntries,
		log:        opts.Log,
	}
}

// Attach binds an encapsulation entry to the neighbour identified by key,
// creating the neighbour entry on first use. On failure no state is
// retained.
func (m *Manager) Attach(e *EncapEntry, key Key) error {
	if err := m.reformats.inc(e.Reformat); err != nil {
		return fmt.Errorf("failed to account %s reformat: %w", e.Reformat, err)
	}

	m.confMu.Lock()
	defer m.confMu.Unlock()

	m.mu.Lock()
	nh, ok := m.entries[key]
	if !ok {
		if len(m.entries) >= m.maxEntries {
			m.mu.Unlock()
			m.reformats.dec(e.Reformat)
			return fmt.Errorf("neighbour table is full (%d entries): %w", m.maxEntries, flow.ErrResourceExhausted)
		}
		nh = newEntry(key)
		m.entries[key] = nh
		m.log.Debugw("created neighbour entry", zap.Stringer("key", key))
	}
	nh.refs++
	m.mu.Unlock()

	e.nh = nh
	nh.addDependent(e)

	return nil
}

// Detach unbinds an encapsulation entry from its neighbour. A no-op when
// the entry was never attached; safe to call when the neighbour has already
// begun teardown.
func (m *Manager) Detach(e *EncapEntry) {
	m.confMu.Lock()
	defer m.confMu.Unlock()

	nh := e.nh
	if nh == nil {
		return
	}

	nh.removeDependent(e)
	e.nh = nil

	m.release(nh)
	m.reformats.dec(e.Reformat)
}

// Lookup finds the tracked neighbour entry for a key.
func (m *Manager) Lookup(key Key) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nh, ok := m.entries[key]
	return nh, ok
}

// Len returns the number of tracked neighbours.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.entries)
}

// release drops one reference and destroys the entry once no dependents
// and no references remain.
func (m *Manager) release(nh *Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nh.refs--
	if nh.refs <= 0 && nh.dependentCount() == 0 {
		delete(m.entries, nh.key)
		m.log.Debugw("destroyed neighbour entry", zap.Stringer("key", nh.key))
	}
}

// ReachabilityChanged applies a neighbour state update to every dependent
// encapsulation entry. The dependent set is snapshotted under the entry's
// list lock and processed outside of it.
func (m *Manager) ReachabilityChanged(nh *Entry, reachable bool, linkAddr net.HardwareAddr) {
	m.confMu.Lock()
	defer m.confMu.Unlock()

	nh.reachable = reachable
	nh.linkAddr = append(net.HardwareAddr(nil), linkAddr...)

	deps := nh.snapshotDependents()

	m.log.Debugw("processing reachability change",
		zap.Stringer("neighbour", nh.key),
		zap.Bool("reachable", reachable),
		zap.Stringer("link_addr", linkAddr),
		zap.Int("dependents", len(deps)),
	)

	for _, e := range deps {
		m.UpdateFlows(e, reachable, linkAddr)
	}
}

// UpdateFlows reconciles one encapsulation entry with the neighbour's
// state. Exactly one bulk flow operation runs per validity transition:
// uninstall on loss of reachability, install on (re)resolution. An address
// change while the neighbour stays reachable refreshes the header and
// reinstalls in a single pass.
//
// Runs under the flow-table mutation lock because it spans hardware table
// changes.
func (m *Manager) UpdateFlows(e *EncapEntry, reachable bool, linkAddr net.HardwareAddr) {
	m.flowMu.Lock()
	defer m.flowMu.Unlock()

	wasValid := e.valid
	addrChanged := !bytes.Equal(e.DstAddr, linkAddr)
	if wasValid == reachable && !addrChanged {
		return
	}

	rules := e.Rules()

	switch {
	case wasValid && !reachable:
		m.offloader.UninstallEncapFlows(e, rules)
		e.valid = false

	case reachable:
		e.setDstAddr(linkAddr)
		// Refresh the source address too: the route device's address may
		// have changed while the flows were uninstalled.
		if dev, ok := m.devs.Lookup(e.RouteIfindex); ok {
			e.setSrcAddr(dev.HardwareAddr)
		}
		m.offloader.InstallEncapFlows(e, rules)
		e.valid = true
	}
}
