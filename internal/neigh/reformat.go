package neigh

import (
	"fmt"
	"sync"

	"github.com/flowplane/offload/internal/flow"
)

// reformatAccounting tracks the shared port resource consumed by
// encapsulation reformat contexts. L2 and L3 tunnel reformats program the
// port's tunnel entropy in incompatible ways, so holders of one class
// exclude the other.
type reformatAccounting struct {
	mu sync.Mutex
	l2 int
	l3 int
}

func (m *reformatAccounting) inc(kind ReformatKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch kind {
	case ReformatL2Tunnel:
		if m.l3 > 0 {
			return fmt.Errorf("l3 tunnel reformat holds the port: %w", flow.ErrResourceExhausted)
		}
		m.l2++
	case ReformatL3Tunnel:
		if m.l2 > 0 {
			return fmt.Errorf("l2 tunnel reformat holds the port: %w", flow.ErrResourceExhausted)
		}
		m.l3++
	default:
		return fmt.Errorf("unknown reformat kind %d: %w", kind, flow.ErrUnsupported)
	}
	return nil
}

func (m *reformatAccounting) dec(kind ReformatKind) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch kind {
	case ReformatL2Tunnel:
		if m.l2 > 0 {
			m.l2--
		}
	case ReformatL3Tunnel:
		if m.l3 > 0 {
			m.l3--
		}
	}
}
