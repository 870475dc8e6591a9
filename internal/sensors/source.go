package sensors

import (
	"fmt"
	"sync"

	"github.com/jkaberg/powermon/internal/mathx"
	"github.com/sirupsen/logrus"
	"tinygo.org/x/drivers"
)

// 7-bit addresses probed by Scan; 0x00-0x07 and 0x78-0x7F are reserved.
const (
	scanFirst = 0x08
	scanLast  = 0x77
)

// DefaultShuntFactor scales the calibrated current for a 0.01 Ω shunt, which
// is ten times smaller than the 0.1 Ω the calibration assumes.
const DefaultShuntFactor = 10.0

// Scan probes every valid 7-bit address with a one byte read and returns the
// addresses that acknowledged.
func Scan(bus drivers.I2C) []uint16 {
	if bus == nil {
		return nil
	}
	var found []uint16
	buf := make([]byte, 1)
	for addr := uint16(scanFirst); addr <= scanLast; addr++ {
		if err := bus.Tx(addr, nil, buf); err == nil {
			found = append(found, addr)
		}
	}
	return found
}

// Config controls the measurement source. Zero values pick the defaults.
type Config struct {
	Address     uint16
	ShuntFactor float64
}

// Source is the measurement source. It is safe for the tick and the debug
// reader to share; bus transactions are serialised.
type Source struct {
	mu          sync.Mutex
	dev         *INA219
	present     bool
	shuntFactor float64
	held        Reading
	logger      *logrus.Logger
}

// NewSource scans the bus once. Exactly one responding device means the sensor
// is present and gets calibrated; anything else leaves the source frozen at the
// power-on default Reading.
func NewSource(bus drivers.I2C, cfg Config, logger *logrus.Logger) *Source {
	if cfg.ShuntFactor <= 0 {
		cfg.ShuntFactor = DefaultShuntFactor
	}
	s := &Source{
		shuntFactor: cfg.ShuntFactor,
		logger:      logger,
	}
	if bus == nil {
		logger.Warn("No I2C bus available; sensor readings are frozen at zero")
		return s
	}

	s.dev = NewINA219(bus, cfg.Address)
	found := Scan(bus)
	fields := logrus.Fields{
		"found":   formatAddrs(found),
		"address": fmt.Sprintf("0x%02x", s.dev.Address()),
	}
	if len(found) != 1 {
		logger.WithFields(fields).Warn("Expected exactly one I2C device; sensor readings are frozen at zero")
		return s
	}
	if err := s.dev.Calibrate(); err != nil {
		logger.WithFields(fields).WithError(err).Warn("INA219 calibration failed; sensor readings are frozen at zero")
		return s
	}
	s.present = true
	logger.WithFields(fields).Info("INA219 detected and calibrated")
	return s
}

// Present reports whether the start-up scan found the sensor.
func (s *Source) Present() bool { return s.present }

// Sample reads bus voltage and current and derives power. When the sensor was
// not detected it returns the held power-on default without touching the bus.
// On a bus error it returns ErrSensorFault and the caller keeps its previous
// Reading.
func (s *Source) Sample() (Reading, error) {
	if !s.present {
		return s.held, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.dev.BusVoltage()
	if err != nil {
		return Reading{}, err
	}
	i, err := s.dev.Current()
	if err != nil {
		return Reading{}, err
	}
	return NewReading(v, mathx.AtLeast(i*s.shuntFactor, 0)), nil
}

// ReadRaw reads the four measurement registers for the debug stream.
func (s *Source) ReadRaw() (RawRegisters, error) {
	if !s.present {
		return RawRegisters{}, fmt.Errorf("%w: sensor not detected", ErrSensorFault)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var raw RawRegisters
	regs := []struct {
		reg byte
		dst *uint16
	}{
		{RegBusVoltage, &raw.BusVoltage},
		{RegCurrent, &raw.Current},
		{RegShuntVoltage, &raw.ShuntVoltage},
		{RegPower, &raw.Power},
	}
	for _, r := range regs {
		v, err := s.dev.ReadRegister(r.reg)
		if err != nil {
			return RawRegisters{}, err
		}
		*r.dst = v
	}
	return raw, nil
}

func formatAddrs(addrs []uint16) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, fmt.Sprintf("0x%02x", a))
	}
	return out
}
