package frozen

import (
	"sync"
)

// stateBox guards State behind a mutex; the status page and the
// reconciliation loop both read it, only the driver goroutine writes.
type stateBox struct {
	mu sync.RWMutex
	s  State
}

func (b *stateBox) mode() DeviceMode {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.s.Mode
}

func (b *stateBox) setMode(m DeviceMode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.s.Mode = m
}

func (b *stateBox) hardwareKnown() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.s.Hardware != nil
}

func (b *stateBox) setHardware(hw *HardwareInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.s.Hardware = hw
}

func (b *stateBox) setTemperatures(t *Temperatures) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.s.Temperatures = t
}

func (b *stateBox) target(side int) Target {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.s.Target[side]
}

func (b *stateBox) setTarget(side int, t Target) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.s.Target[side] = t
}

func (b *stateBox) setPriming(p bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.s.Priming = p
}

func (b *stateBox) setWaterEmpty(empty bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.s.WaterEmpty = empty
}

// Snapshot exposes a copy of the driver's current state for the status
// page and MQTT telemetry.
func (d *Driver) Snapshot() State {
	d.state.mu.RLock()
	defer d.state.mu.RUnlock()
	return d.state.s
}
