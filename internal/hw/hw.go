// Package hw binds the monitor to the host's I²C bus and GPIO lines through
// periph.io.
package hw

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
	"tinygo.org/x/drivers"
)

var _ drivers.I2C = i2c.BusCloser(nil)

// Init loads the host drivers. It must run before any bus or pin is opened.
func Init() error {
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("failed to initialise host drivers: %w", err)
	}
	return nil
}

// OpenI2C opens an I²C bus by name ("" picks the first one, e.g. "1" for
// /dev/i2c-1).
func OpenI2C(name string) (i2c.BusCloser, error) {
	bus, err := i2creg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open I2C bus %q: %w", name, err)
	}
	return bus, nil
}

// InputPin is a pulled-up digital input.
type InputPin struct {
	pin gpio.PinIO
}

// OpenInput looks up a GPIO by name and configures it with a pull-up.
func OpenInput(name string) (*InputPin, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("unknown GPIO %q", name)
	}
	return NewInput(p)
}

// NewInput configures p as a pulled-up input.
func NewInput(p gpio.PinIO) (*InputPin, error) {
	if err := p.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("failed to configure %s as input: %w", p, err)
	}
	return &InputPin{pin: p}, nil
}

// Get reports whether the line is high.
func (i *InputPin) Get() bool {
	return i.pin.Read() == gpio.High
}

// LED is a digital output driving the heartbeat LED.
type LED struct {
	mu  sync.Mutex
	pin gpio.PinIO
	on  bool
}

// OpenLED looks up a GPIO by name and drives it low.
func OpenLED(name string) (*LED, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("unknown GPIO %q", name)
	}
	return NewLED(p)
}

// NewLED drives p low and returns it as an LED.
func NewLED(p gpio.PinIO) (*LED, error) {
	if err := p.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("failed to configure %s as output: %w", p, err)
	}
	return &LED{pin: p}, nil
}

// Toggle flips the LED.
func (l *LED) Toggle() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.on = !l.on
	return l.pin.Out(gpio.Level(l.on))
}
