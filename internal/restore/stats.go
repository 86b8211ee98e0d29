package restore

import "sync/atomic"

// Stats counts restore-path failures. Decode failures are never surfaced
// as errors: the packet is dropped and the event counted.
type Stats struct {
	decodeFailures  atomic.Uint64
	ctFailures      atomic.Uint64
	tunnelFailures  atomic.Uint64
	deviceFailures  atomic.Uint64
	intPortFailures atomic.Uint64
	sampleDrops     atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	// DecodeFailures counts completions whose tag had no mapped object.
	DecodeFailures uint64
	// CtFailures counts failed conntrack zone restores.
	CtFailures uint64
	// TunnelFailures counts tunnel handles absent from the mapping.
	TunnelFailures uint64
	// DeviceFailures counts unresolvable logical ingress devices.
	DeviceFailures uint64
	// IntPortFailures counts unresolvable internal-port redirects.
	IntPortFailures uint64
	// SampleDrops counts sampled copies dropped before emission.
	SampleDrops uint64
}

// Snapshot copies the counters.
func (m *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		DecodeFailures:  m.decodeFailures.Load(),
		CtFailures:      m.ctFailures.Load(),
		TunnelFailures:  m.tunnelFailures.Load(),
		DeviceFailures:  m.deviceFailures.Load(),
		IntPortFailures: m.intPortFailures.Load(),
		SampleDrops:     m.sampleDrops.Load(),
	}
}
