// Package meter turns raw current-transformer ADC blocks into per-phase RMS
// current and accumulated energy.
package meter

import (
	"sync"
)

// Phases is the number of CT channels in a block.
const Phases = 3

// Reading is a consistent copy of the meter: the phase currents, their total
// and the energy were all written by the same block.
type Reading struct {
	Phases    [Phases]float64 `json:"phases"`
	Total     float64         `json:"total"`
	EnergyJS  float64         `json:"energy_js"`
	EnergyKWh float64         `json:"energy_kwh"`
}

// Meter holds the latest currents and the session energy.
type Meter struct {
	mu       sync.RWMutex
	phases   [Phases]float64
	total    float64
	energyJS float64
}

// NewMeter returns a zeroed meter.
func NewMeter() *Meter {
	return &Meter{}
}

// Reset zeroes currents and energy at session start.
func (m *Meter) Reset() {
	m.mu.Lock()
	m.phases = [Phases]float64{}
	m.total = 0
	m.energyJS = 0
	m.mu.Unlock()
}

// update publishes one block's worth of results.
func (m *Meter) update(phases [Phases]float64, total, deltaJS float64) {
	m.mu.Lock()
	m.phases = phases
	m.total = total
	m.energyJS += deltaJS
	m.mu.Unlock()
}

// Power returns the total current in amperes and the session energy in kWh.
func (m *Meter) Power() (amps, kWh float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.total, m.energyJS / 3_600_000
}

// Currents returns the per-phase currents and their sum.
func (m *Meter) Currents() ([Phases]float64, float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phases, m.total
}

// EnergyKWh returns the session energy.
func (m *Meter) EnergyKWh() float64 {
	_, kWh := m.Power()
	return kWh
}

// Snapshot copies the whole meter.
func (m *Meter) Snapshot() Reading {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Reading{
		Phases:    m.phases,
		Total:     m.total,
		EnergyJS:  m.energyJS,
		EnergyKWh: m.energyJS / 3_600_000,
	}
}
