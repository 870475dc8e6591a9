package sensors

import (
	"errors"
	"sync"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errNack = errors.New("nack")

// fakeBus emulates INA219-style devices: 16-bit big-endian registers, a
// one-byte read acknowledges a probe.
type fakeBus struct {
	mu    sync.Mutex
	regs  map[uint16]map[byte]uint16
	fail  bool
	reads int
}

func newFakeBus(addrs ...uint16) *fakeBus {
	b := &fakeBus{regs: map[uint16]map[byte]uint16{}}
	for _, a := range addrs {
		b.regs[a] = map[byte]uint16{}
	}
	return b
}

func (b *fakeBus) set(addr uint16, reg byte, v uint16) {
	b.mu.Lock()
	b.regs[addr][reg] = v
	b.mu.Unlock()
}

func (b *fakeBus) get(addr uint16, reg byte) uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.regs[addr][reg]
}

func (b *fakeBus) Tx(addr uint16, w, r []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return errNack
	}
	dev, ok := b.regs[addr]
	if !ok {
		return errNack
	}
	switch {
	case len(w) == 0 && len(r) == 1:
		r[0] = 0
	case len(w) == 3:
		dev[w[0]] = uint16(w[1])<<8 | uint16(w[2])
	case len(w) == 1 && len(r) == 2:
		b.reads++
		v := dev[w[0]]
		r[0], r[1] = byte(v>>8), byte(v)
	default:
		return errors.New("unexpected transaction")
	}
	return nil
}

func rawBus(volts float64) uint16 { return uint16(volts*1000/4) << 3 }

func rawCurrent(mA float64) uint16 { return uint16(int16(mA * 25)) }

func TestScan(t *testing.T) {
	bus := newFakeBus(0x45, 0x40)
	assert.Equal(t, []uint16{0x40, 0x45}, Scan(bus))
	assert.Empty(t, Scan(newFakeBus()))
	assert.Nil(t, Scan(nil))
}

func TestNewSource_CalibratesSingleDevice(t *testing.T) {
	logger, _ := test.NewNullLogger()
	bus := newFakeBus(DefaultAddress)

	src := NewSource(bus, Config{}, logger)

	require.True(t, src.Present())
	assert.Equal(t, uint16(10240), bus.get(DefaultAddress, RegCalibration))
	assert.Equal(t, uint16(0x399F), bus.get(DefaultAddress, RegConfig))
}

func TestSample_ScalesAndDerivesPower(t *testing.T) {
	logger, _ := test.NewNullLogger()
	bus := newFakeBus(DefaultAddress)
	src := NewSource(bus, Config{}, logger)

	bus.set(DefaultAddress, RegBusVoltage, rawBus(12.0))
	bus.set(DefaultAddress, RegCurrent, rawCurrent(50)) // 50 mA through 0.1 Ω -> 500 mA through 0.01 Ω

	r, err := src.Sample()
	require.NoError(t, err)
	assert.InDelta(t, 12.0, r.VoltageV, 1e-9)
	assert.InDelta(t, 500.0, r.CurrentMA, 1e-9)
	assert.InDelta(t, 6.0, r.PowerW, 1e-9)
}

func TestSample_ClampsNegativeCurrent(t *testing.T) {
	logger, _ := test.NewNullLogger()
	bus := newFakeBus(DefaultAddress)
	src := NewSource(bus, Config{}, logger)

	bus.set(DefaultAddress, RegBusVoltage, rawBus(5.0))
	bus.set(DefaultAddress, RegCurrent, rawCurrent(-0.5)) // -5 mA after shunt scaling

	r, err := src.Sample()
	require.NoError(t, err)
	assert.Equal(t, 0.0, r.CurrentMA)
	assert.Equal(t, 0.0, r.PowerW)
}

func TestSample_SensorAbsentReturnsZeroReading(t *testing.T) {
	logger, _ := test.NewNullLogger()

	for name, bus := range map[string]*fakeBus{
		"no devices":  newFakeBus(),
		"two devices": newFakeBus(0x40, DefaultAddress),
	} {
		t.Run(name, func(t *testing.T) {
			src := NewSource(bus, Config{}, logger)
			assert.False(t, src.Present())
			for i := 0; i < 3; i++ {
				r, err := src.Sample()
				require.NoError(t, err)
				assert.Equal(t, Reading{}, r)
			}
			assert.Zero(t, bus.reads, "absent sensor must not be read")
		})
	}
}

func TestSample_NilBus(t *testing.T) {
	logger, _ := test.NewNullLogger()
	src := NewSource(nil, Config{}, logger)
	r, err := src.Sample()
	require.NoError(t, err)
	assert.Equal(t, Reading{}, r)
}

func TestSample_BusFailureIsSensorFault(t *testing.T) {
	logger, _ := test.NewNullLogger()
	bus := newFakeBus(DefaultAddress)
	src := NewSource(bus, Config{}, logger)
	bus.fail = true

	_, err := src.Sample()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSensorFault)
}

func TestReadRaw_CSV(t *testing.T) {
	logger, _ := test.NewNullLogger()
	bus := newFakeBus(DefaultAddress)
	src := NewSource(bus, Config{}, logger)

	bus.set(DefaultAddress, RegBusVoltage, 24000)
	bus.set(DefaultAddress, RegCurrent, 1250)
	bus.set(DefaultAddress, RegShuntVoltage, 500)
	bus.set(DefaultAddress, RegPower, 300)

	raw, err := src.ReadRaw()
	require.NoError(t, err)
	assert.Equal(t, "24000,1250,500,300", raw.CSV())
}

func TestReadRaw_AbsentSensor(t *testing.T) {
	logger, _ := test.NewNullLogger()
	src := NewSource(newFakeBus(), Config{}, logger)
	_, err := src.ReadRaw()
	assert.ErrorIs(t, err, ErrSensorFault)
}

func TestNewReading(t *testing.T) {
	r := NewReading(12, 500)
	assert.Equal(t, Reading{VoltageV: 12, CurrentMA: 500, PowerW: 6}, r)

	r = NewReading(12, -5)
	assert.Equal(t, 0.0, r.CurrentMA)
	assert.Equal(t, 0.0, r.PowerW)
}
