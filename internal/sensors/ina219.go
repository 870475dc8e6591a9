package sensors

import (
	"fmt"

	"tinygo.org/x/drivers"
)

// INA219 register map.
const (
	RegConfig       = 0x00
	RegShuntVoltage = 0x01
	RegBusVoltage   = 0x02
	RegPower        = 0x03
	RegCurrent      = 0x04
	RegCalibration  = 0x05
)

// DefaultAddress is the INA219 address with A0 and A1 both tied high.
const DefaultAddress = 0x45

// 32 V / 1 A range: 32 V bus range, /8 gain (320 mV), 12-bit bus and shunt
// ADC, continuous shunt+bus conversion.
const (
	config32V1A      = 0x2000 | 0x1800 | 0x0180 | 0x0018 | 0x0007
	calibration32V1A = 10240

	// Current register counts per mA with the 32V/1A calibration (40 µA LSB
	// against a nominal 0.1 Ω shunt).
	currentDivider32V1A = 25.0

	busVoltageLSBmV = 4.0
)

// INA219 talks to a single INA219 over a tinygo drivers.I2C bus. Registers are
// big-endian 16-bit words.
type INA219 struct {
	bus  drivers.I2C
	addr uint16

	w [3]byte
	r [2]byte
}

// NewINA219 only wraps the bus; it does not touch the device.
func NewINA219(bus drivers.I2C, addr uint16) *INA219 {
	if addr == 0 {
		addr = DefaultAddress
	}
	return &INA219{bus: bus, addr: addr}
}

// Address returns the configured 7-bit address.
func (d *INA219) Address() uint16 { return d.addr }

// Calibrate programs the 32 V / 1 A calibration and configuration words.
func (d *INA219) Calibrate() error {
	if err := d.WriteRegister(RegCalibration, calibration32V1A); err != nil {
		return err
	}
	return d.WriteRegister(RegConfig, config32V1A)
}

// ReadRegister reads one 16-bit register.
func (d *INA219) ReadRegister(reg byte) (uint16, error) {
	d.w[0] = reg
	if err := d.bus.Tx(d.addr, d.w[:1], d.r[:2]); err != nil {
		return 0, fmt.Errorf("%w: read reg 0x%02x at 0x%02x: %v", ErrSensorFault, reg, d.addr, err)
	}
	return uint16(d.r[0])<<8 | uint16(d.r[1]), nil
}

// WriteRegister writes one 16-bit register.
func (d *INA219) WriteRegister(reg byte, val uint16) error {
	d.w[0] = reg
	d.w[1] = byte(val >> 8)
	d.w[2] = byte(val)
	if err := d.bus.Tx(d.addr, d.w[:3], nil); err != nil {
		return fmt.Errorf("%w: write reg 0x%02x at 0x%02x: %v", ErrSensorFault, reg, d.addr, err)
	}
	return nil
}

// BusVoltage returns the bus voltage in volts.
func (d *INA219) BusVoltage() (float64, error) {
	raw, err := d.ReadRegister(RegBusVoltage)
	if err != nil {
		return 0, err
	}
	return BusVoltageFromRaw(raw), nil
}

// Current returns the calibrated current in mA for a 0.1 Ω shunt. It may be
// negative.
func (d *INA219) Current() (float64, error) {
	raw, err := d.ReadRegister(RegCurrent)
	if err != nil {
		return 0, err
	}
	return CurrentFromRaw(raw), nil
}

// BusVoltageFromRaw decodes the bus voltage register (bits 15..3, 4 mV LSB).
func BusVoltageFromRaw(raw uint16) float64 {
	return float64(raw>>3) * busVoltageLSBmV / 1000.0
}

// CurrentFromRaw decodes the signed current register under the 32V/1A
// calibration.
func CurrentFromRaw(raw uint16) float64 {
	return float64(int16(raw)) / currentDivider32V1A
}
