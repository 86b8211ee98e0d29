package neigh

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// nudValid covers the neighbour states with a usable link-layer address.
const nudValid = netlink.NUD_PERMANENT | netlink.NUD_NOARP | netlink.NUD_REACHABLE |
	netlink.NUD_PROBE | netlink.NUD_STALE | netlink.NUD_DELAY

// update is one queued reachability-change work item.
type update struct {
	key       Key
	reachable bool
	linkAddr  net.HardwareAddr
}

// MonitorOption configures the monitor.
type MonitorOption func(*monitorOptions)

// WithMonitorLog configures the monitor with a logger.
func WithMonitorLog(log *zap.SugaredLogger) MonitorOption {
	return func(o *monitorOptions) {
		o.Log = log
	}
}

// WithResyncInterval configures the periodic full-table resync interval.
func WithResyncInterval(interval time.Duration) MonitorOption {
	return func(o *monitorOptions) {
		o.ResyncInterval = interval
	}
}

type monitorOptions struct {
	Log            *zap.SugaredLogger
	ResyncInterval time.Duration
}

func newMonitorOptions() *monitorOptions {
	return &monitorOptions{
		Log:            zap.NewNop().Sugar(),
		ResyncInterval: 5 * time.Minute,
	}
}

// Monitor feeds kernel neighbour events into the manager.
//
// Events are delivered asynchronously: the netlink subscription queues work
// items and a single worker applies them under the configuration lock, so
// the subscription reader never blocks on flow reprogramming. A periodic
// resync repairs any events lost between resubscriptions.
type Monitor struct {
	manager        *Manager
	updates        chan update
	resyncInterval time.Duration
	log            *zap.SugaredLogger
}

// NewMonitor creates a neighbour monitor driving the given manager.
func NewMonitor(manager *Manager, options ...MonitorOption) *Monitor {
	opts := newMonitorOptions()
	for _, o := range options {
		o(opts)
	}

	return &Monitor{
		manager:        manager,
		updates:        make(chan update, 256),
		resyncInterval: opts.ResyncInterval,
		log:            opts.Log,
	}
}

// Run runs the monitor until the context is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Debugf("starting neighbour monitor")
	defer m.log.Debugf("stopped neighbour monitor")

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return m.runSubscription(ctx)
	})
	wg.Go(func() error {
		return m.runResync(ctx)
	})
	wg.Go(func() error {
		return m.runWorker(ctx)
	})

	return wg.Wait()
}

// runSubscription keeps a netlink neighbour subscription alive,
// resubscribing with exponential backoff after failures.
func (m *Monitor) runSubscription(ctx context.Context) error {
	retryBackoff := backoff.ExponentialBackOff{
		InitialInterval:     backoff.DefaultInitialInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         time.Minute,
	}
	retryBackoff.Reset()

	for {
		lastAttempt := time.Now()
		err := m.subscribe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(lastAttempt) > 10*time.Minute {
			retryBackoff.Reset()
		}

		delay := retryBackoff.NextBackOff()
		m.log.Warnw("neighbour subscription lost, resubscribing",
			zap.Error(err),
			zap.Duration("delay", delay),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (m *Monitor) subscribe(ctx context.Context) error {
	events := make(chan netlink.NeighUpdate, 64)
	opts := netlink.NeighSubscribeOptions{
		ListExisting: true,
	}
	if err := netlink.NeighSubscribeWithOptions(events, ctx.Done(), opts); err != nil {
		return fmt.Errorf("failed to subscribe to neighbour updates: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return fmt.Errorf("neighbour update channel closed")
			}
			m.processEvent(event)
		}
	}
}

func (m *Monitor) processEvent(event netlink.NeighUpdate) {
	addr, ok := netip.AddrFromSlice(event.IP)
	if !ok {
		return
	}
	key := Key{Addr: addr.Unmap(), LinkIndex: event.LinkIndex}

	// Only tracked next hops are of interest.
	if _, tracked := m.manager.Lookup(key); !tracked {
		return
	}

	reachable := event.State&nudValid != 0
	if event.Type == unix.RTM_DELNEIGH {
		reachable = false
	}

	m.enqueue(update{
		key:       key,
		reachable: reachable,
		linkAddr:  event.HardwareAddr,
	})
}

// enqueue hands a work item to the worker. The queue is bounded; under
// overload the periodic resync repairs whatever was shed.
func (m *Monitor) enqueue(u update) {
	select {
	case m.updates <- u:
	default:
		m.log.Warnw("neighbour update queue is full, dropping update",
			zap.Stringer("key", u.key),
		)
	}
}

// runWorker applies queued updates. Reachability changes take the
// configuration lock and may block on flow reprogramming; that is why they
// never run on the subscription reader.
func (m *Monitor) runWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u := <-m.updates:
			nh, ok := m.manager.Lookup(u.key)
			if !ok {
				continue
			}
			m.manager.ReachabilityChanged(nh, u.reachable, u.linkAddr)
		}
	}
}

// runResync periodically replays the kernel neighbour table over the
// tracked entries.
func (m *Monitor) runResync(ctx context.Context) error {
	timer := time.NewTicker(m.resyncInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			if err := m.resync(); err != nil {
				m.log.Warnw("failed to resync neighbours", zap.Error(err))
			}
		}
	}
}

func (m *Monitor) resync() error {
	neighs, err := netlink.NeighList(0, 0)
	if err != nil {
		return fmt.Errorf("failed to list neighbours: %w", err)
	}

	seen := map[Key]netlink.Neigh{}
	for _, n := range neighs {
		addr, ok := netip.AddrFromSlice(n.IP)
		if !ok {
			continue
		}
		seen[Key{Addr: addr.Unmap(), LinkIndex: n.LinkIndex}] = n
	}

	m.manager.mu.Lock()
	tracked := make([]*Entry, 0, len(m.manager.entries))
	for _, nh := range m.manager.entries {
		tracked = append(tracked, nh)
	}
	m.manager.mu.Unlock()

	for _, nh := range tracked {
		if n, ok := seen[nh.Key()]; ok {
			m.enqueue(update{
				key:       nh.Key(),
				reachable: n.State&nudValid != 0,
				linkAddr:  n.HardwareAddr,
			})
		} else {
			m.enqueue(update{
				key:       nh.Key(),
				reachable: false,
			})
		}
	}

	m.log.Debugw("resynced neighbours", zap.Int("tracked", len(tracked)))
	return nil
}
