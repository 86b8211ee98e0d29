package nic

import "sync"

// Table resolves devices by interface index.
//
// Lookups are read-locked only, so the receive path may resolve devices
// concurrently with configuration-plane additions and removals.
type Table struct {
	mu      sync.RWMutex
	byIndex map[int]*Device
}

func NewTable() *Table {
	return &Table{
		byIndex: map[int]*Device{},
	}
}

// Add registers a device. A previously registered device with the same
// index is replaced.
func (m *Table) Add(dev *Device) {
	dev.SetPresent(true)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.byIndex[dev.Index] = dev
}

// Remove unregisters the device with the given index. Outstanding borrows
// remain valid: the device object stays alive until released.
func (m *Table) Remove(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if dev, ok := m.byIndex[index]; ok {
		dev.SetPresent(false)
		delete(m.byIndex, index)
	}
}

// Get resolves a device by index and borrows a reference to it. The caller
// must Release the device exactly once when done forwarding.
func (m *Table) Get(index int) (*Device, bool) {
	m.mu.RLock()
	dev, ok := m.byIndex[index]
	m.mu.RUnlock()

	if !ok {
		return nil, false
	}
	dev.Hold()
	return dev, true
}

// Lookup resolves a device by index without borrowing it. Configuration
// plane only.
func (m *Table) Lookup(index int) (*Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dev, ok := m.byIndex[index]
	return dev, ok
}

// Len returns the number of registered devices.
func (m *Table) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.byIndex)
}
