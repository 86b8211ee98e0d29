// Package app wires the offload core together: mapping tables, device
// table, neighbour tracking, indirect block dispatch and the restore
// engine. Collaborator implementations (the flow-rule compiler and its
// friends) are injected by the embedding system.
package app

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flowplane/offload/internal/flow"
	"github.com/flowplane/offload/internal/indirect"
	"github.com/flowplane/offload/internal/mapping"
	"github.com/flowplane/offload/internal/neigh"
	"github.com/flowplane/offload/internal/nic"
	"github.com/flowplane/offload/internal/restore"
	"github.com/flowplane/offload/internal/tunnel"
)

// Option injects a collaborator.
type Option func(*options)

// WithCompiler wires the flow-rule compiler.
func WithCompiler(c flow.Compiler) Option {
	return func(o *options) {
		o.Compiler = c
	}
}

// WithOffloader wires the encap flow (un)installer.
func WithOffloader(f neigh.FlowOffloader) Option {
	return func(o *options) {
		o.Offloader = f
	}
}

// WithRestoreOptions passes options through to the restore engine.
func WithRestoreOptions(opts ...restore.Option) Option {
	return func(o *options) {
		o.Restore = opts
	}
}

type options struct {
	Compiler  flow.Compiler
	Offloader neigh.FlowOffloader
	Restore   []restore.Option
}

// App owns the assembled offload core.
type App struct {
	cfg *Config

	// confMu is the process-wide configuration lock serializing the
	// whole configuration plane.
	confMu sync.Mutex

	devs    *nic.Table
	objects *mapping.Table[restore.MappedObject]
	tunnels *mapping.Table[tunnel.Key]
	encOpts *mapping.Table[tunnel.Options]

	neighbours *neigh.Manager
	monitor    *neigh.Monitor
	directory  *indirect.Directory
	actions    *indirect.ActionDirectory
	engine     *restore.Engine

	compiler flow.Compiler
	log      *zap.SugaredLogger
}

func New(cfg *Config, log *zap.SugaredLogger, opts ...Option) (*App, error) {
	o := &options{
		Compiler:  nopCompiler{log: log},
		Offloader: nopOffloader{log: log},
	}
	for _, opt := range opts {
		opt(o)
	}

	m := &App{
		cfg:     cfg,
		devs:    nic.NewTable(),
		// Handles stop below the default tag so no allocated handle can
		// ever read back as "no metadata".
		objects: mapping.New[restore.MappedObject](cfg.Mapping.tableCapacity(cfg.Layout.DefaultTag - 1)),
		tunnels: mapping.New[tunnel.Key](cfg.Mapping.tableCapacity(1<<cfg.Layout.TunnelIDBits - 1)),
		encOpts: mapping.New[tunnel.Options](cfg.Mapping.tableCapacity(1<<cfg.Layout.EncOptsBits - 1)),

		directory: indirect.NewDirectory(),
		actions:   indirect.NewActionDirectory(),
		compiler:  o.Compiler,
		log:       log,
	}

	m.neighbours = neigh.NewManager(&m.confMu, o.Offloader, m.devs,
		neigh.WithLog(log),
		neigh.WithMaxEntries(cfg.Neigh.MaxEntries),
	)
	m.monitor = neigh.NewMonitor(m.neighbours,
		neigh.WithMonitorLog(log),
		neigh.WithResyncInterval(cfg.Neigh.ResyncInterval),
	)

	restoreOpts := append([]restore.Option{restore.WithLog(log)}, o.Restore...)
	engine, err := restore.NewEngine(cfg.Layout, m.objects, m.tunnels, m.encOpts, m.devs, restoreOpts...)
	if err != nil {
		return nil, err
	}
	m.engine = engine

	return m, nil
}

// Devices returns the device table.
func (m *App) Devices() *nic.Table { return m.devs }

// Objects returns the restore-object mapping table.
func (m *App) Objects() *mapping.Table[restore.MappedObject] { return m.objects }

// Tunnels returns the tunnel-key mapping table.
func (m *App) Tunnels() *mapping.Table[tunnel.Key] { return m.tunnels }

// EncOpts returns the tunnel-options mapping table.
func (m *App) EncOpts() *mapping.Table[tunnel.Options] { return m.encOpts }

// Neighbours returns the neighbour manager.
func (m *App) Neighbours() *neigh.Manager { return m.neighbours }

// Directory returns the process-wide indirect dispatch directory.
func (m *App) Directory() *indirect.Directory { return m.directory }

// Actions returns the action capability directory.
func (m *App) Actions() *indirect.ActionDirectory { return m.actions }

// Engine returns the restore engine.
func (m *App) Engine() *restore.Engine { return m.engine }

// NewPortRegistry creates the indirect block registry for one switch port.
func (m *App) NewPortRegistry(port *nic.Device, opts ...indirect.Option) *indirect.Registry {
	chains := flow.StaticChains{
		Prios:    m.cfg.Chains.PrioRange > 0,
		Range:    m.cfg.Chains.PrioRange,
		NotFound: m.cfg.Chains.NotFoundChain,
	}
	opts = append([]indirect.Option{indirect.WithLog(m.log)}, opts...)
	return indirect.NewRegistry(&m.confMu, port, m.compiler, chains, m.actions, m.directory, opts...)
}

// Run runs the background machinery (the neighbour monitor) until the
// context is canceled.
func (m *App) Run(ctx context.Context) error {
	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return m.monitor.Run(ctx)
	})
	return wg.Wait()
}

// nopCompiler rejects every classification request. Stands in until the
// real compiler is injected.
type nopCompiler struct {
	log *zap.SugaredLogger
}

func (m nopCompiler) Replace(dev *nic.Device, req *flow.ClsRequest, flags flow.Flags) error {
	m.log.Debugw("no compiler wired, rejecting replace", zap.String("device", dev.Name))
	return flow.ErrUnsupported
}

func (m nopCompiler) Destroy(dev *nic.Device, req *flow.ClsRequest, flags flow.Flags) error {
	m.log.Debugw("no compiler wired, rejecting destroy", zap.String("device", dev.Name))
	return flow.ErrUnsupported
}

func (m nopCompiler) Stats(dev *nic.Device, req *flow.ClsRequest, flags flow.Flags) error {
	m.log.Debugw("no compiler wired, rejecting stats", zap.String("device", dev.Name))
	return flow.ErrUnsupported
}

// nopOffloader logs bulk flow updates instead of programming hardware.
type nopOffloader struct {
	log *zap.SugaredLogger
}

func (m nopOffloader) InstallEncapFlows(e *neigh.EncapEntry, rules []*flow.Rule) {
	m.log.Debugw("no offloader wired, skipping install", zap.Int("rules", len(rules)))
}

func (m nopOffloader) UninstallEncapFlows(e *neigh.EncapEntry, rules []*flow.Rule) {
	m.log.Debugw("no offloader wired, skipping uninstall", zap.Int("rules", len(rules)))
}
