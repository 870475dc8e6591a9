package sensors

import (
	"errors"
	"fmt"
)

// ErrSensorFault marks a failed register transaction. Callers keep using the
// previous Reading when they see it.
var ErrSensorFault = errors.New("sensor fault")

// Reading is one sampled voltage/current/power triple.
// PowerW is always derived from the other two fields, never sampled.
type Reading struct {
	VoltageV  float64 `json:"voltage_v"`
	CurrentMA float64 `json:"current_ma"`
	PowerW    float64 `json:"power_w"`
}

// NewReading builds a Reading, clamping negative current to zero before
// power is derived. The current direction through the shunt is not modelled.
func NewReading(voltageV, currentMA float64) Reading {
	if currentMA < 0 {
		currentMA = 0
	}
	return Reading{
		VoltageV:  voltageV,
		CurrentMA: currentMA,
		PowerW:    voltageV * currentMA / 1000.0,
	}
}

// RawRegisters holds the unscaled INA219 register words used by the serial
// debug stream.
type RawRegisters struct {
	BusVoltage   uint16
	Current      uint16
	ShuntVoltage uint16
	Power        uint16
}

// CSV renders the registers as "bus,current,shunt,power".
func (r RawRegisters) CSV() string {
	return fmt.Sprintf("%d,%d,%d,%d", r.BusVoltage, r.Current, r.ShuntVoltage, r.Power)
}
