// Package energy integrates instantaneous power into running energy and
// elapsed-time counters.
package energy

import (
	"math"
	"sync"
	"time"

	"github.com/jkaberg/powermon/internal/mathx"
	"github.com/jkaberg/powermon/internal/sensors"
)

// State is a copy of the accumulator counters.
type State struct {
	EnergyMWh float64 `json:"energy_mwh"`
	ElapsedS  uint64  `json:"elapsed_s"`
}

// Accumulator owns the energy and elapsed-time counters.
//
// Energy is summed with Kahan compensation so that multi-year uptimes do not
// drift when small per-tick increments are added to a large total; the result
// is still deterministic for identical inputs. Both counters saturate instead
// of overflowing.
type Accumulator struct {
	mu      sync.Mutex
	energy  float64
	comp    float64
	elapsed uint64
}

// New returns a zeroed accumulator.
func New() *Accumulator { return &Accumulator{} }

// Integrate adds the energy of r held for dt: V * mA * s / 3600 = mWh.
func (a *Accumulator) Integrate(r sensors.Reading, dt time.Duration) {
	inc := r.VoltageV * r.CurrentMA * dt.Seconds() / 3600.0

	a.mu.Lock()
	defer a.mu.Unlock()

	y := inc - a.comp
	t := mathx.SaturatingAddFloat(a.energy, y)
	if t == math.MaxFloat64 {
		a.energy, a.comp = t, 0
		return
	}
	a.comp = (t - a.energy) - y
	a.energy = t
}

// Advance adds dt, truncated to whole seconds, to the elapsed counter.
func (a *Accumulator) Advance(dt time.Duration) {
	a.mu.Lock()
	a.elapsed = mathx.SaturatingAdd(a.elapsed, uint64(dt/time.Second))
	a.mu.Unlock()
}

// Reset zeroes both counters atomically.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	a.energy, a.comp, a.elapsed = 0, 0, 0
	a.mu.Unlock()
}

// State returns a consistent copy of both counters.
func (a *Accumulator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return State{EnergyMWh: a.energy, ElapsedS: a.elapsed}
}
