package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jkaberg/powermon/internal/config"
	"github.com/jkaberg/powermon/internal/domain"
	"github.com/jkaberg/powermon/internal/energy"
	"github.com/jkaberg/powermon/internal/metrics"
	"github.com/jkaberg/powermon/internal/sensors"
	"github.com/jkaberg/powermon/internal/transmission"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Sampler produces one Reading per call.
type Sampler interface {
	Sample() (sensors.Reading, error)
}

// RawReader dumps the sensor registers for the debug stream.
type RawReader interface {
	ReadRaw() (sensors.RawRegisters, error)
}

// Renderer draws a snapshot.
type Renderer interface {
	Render(snap domain.Snapshot, linkUp bool) error
}

// Link is the network link.
type Link interface {
	IsConnected() bool
	Connect(ctx context.Context, ssid, password string) error
}

// Clock supplies the wall clock.
type Clock interface {
	Now() time.Time
	Synced() bool
}

// Stepper is a tick-driven retry machine.
type Stepper interface {
	Step(ctx context.Context) (bool, error)
}

// Poller samples the buttons.
type Poller interface {
	Poll(ctx context.Context)
}

// Heartbeat is toggled once per tick.
type Heartbeat interface {
	Toggle() error
}

// Deps are the monitor's collaborators. Sensor, Accumulator, Clock and Link
// are required; the rest may be nil.
type Deps struct {
	Sensor      Sampler
	Raw         RawReader
	Accumulator *energy.Accumulator
	Clock       Clock
	Link        Link
	TimeSync    Stepper
	Broker      Stepper
	Screen      Renderer
	Publisher   transmission.Transmitter
	Buttons     Poller
	LED         Heartbeat
	Metrics     *metrics.Metrics
	Debug       io.Writer
}

// Monitor sequences sampling, accumulation, rendering and publishing.
type Monitor struct {
	cfg    *config.Config
	deps   Deps
	logger *logrus.Logger

	// reading is the last good sample. Only the tick goroutine touches it.
	reading sensors.Reading

	// counters is held by a tick from Integrate through Advance so a reset
	// lands either before or after a whole tick.
	counters sync.Mutex
}

// New validates deps and returns a monitor.
func New(cfg *config.Config, deps Deps, logger *logrus.Logger) (*Monitor, error) {
	switch {
	case deps.Sensor == nil:
		return nil, errors.New("app: sensor is required")
	case deps.Accumulator == nil:
		return nil, errors.New("app: accumulator is required")
	case deps.Clock == nil:
		return nil, errors.New("app: clock is required")
	case deps.Link == nil:
		return nil, errors.New("app: network link is required")
	}
	return &Monitor{cfg: cfg, deps: deps, logger: logger}, nil
}

// Tick runs one scheduler period. The order of steps is fixed: the elapsed
// counter moves last so a tick reports the time elapsed before it.
func (m *Monitor) Tick(ctx context.Context) {
	start := time.Now()
	d := m.deps
	period := m.cfg.TickInterval

	now := d.Clock.Now()

	if r, err := d.Sensor.Sample(); err != nil {
		m.logger.WithError(err).Warn("Sensor read failed, holding last reading")
		if d.Metrics != nil {
			d.Metrics.SensorFaults.Inc()
		}
	} else {
		m.reading = r
	}
	if d.Metrics != nil {
		d.Metrics.ObserveReading(m.reading)
	}
	if d.LED != nil {
		if err := d.LED.Toggle(); err != nil {
			m.logger.WithError(err).Debug("Heartbeat LED toggle failed")
		}
	}

	m.counters.Lock()
	d.Accumulator.Integrate(m.reading, period)

	if d.TimeSync != nil {
		d.TimeSync.Step(ctx)
	}

	snap := domain.Format(m.reading, d.Accumulator.State(), now, m.cfg.UTCOffset)
	linkUp := d.Link.IsConnected()

	m.render(snap, linkUp)

	if d.Broker != nil {
		d.Broker.Step(ctx)
	}

	if d.Publisher != nil {
		if linkUp {
			if err := d.Publisher.Publish(snap); err != nil {
				m.logger.WithError(err).Debug("Snapshot partially published")
			}
		} else {
			m.logger.Debug("Network link down, skipping publish")
		}
	}

	d.Accumulator.Advance(period)
	m.counters.Unlock()

	elapsed := time.Since(start)
	if d.Metrics != nil {
		st := d.Accumulator.State()
		d.Metrics.Energy.Set(st.EnergyMWh)
		d.Metrics.Elapsed.Set(float64(st.ElapsedS))
		d.Metrics.ClockSynced.Set(boolGauge(d.Clock.Synced()))
		d.Metrics.TickDuration.Observe(elapsed.Seconds())
	}
	if elapsed > period {
		m.logger.WithFields(logrus.Fields{
			"took":   elapsed,
			"period": period,
		}).Warn("Tick overran its period")
		if d.Metrics != nil {
			d.Metrics.TickOverruns.Inc()
		}
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// render never lets a display fault escape into the tick.
func (m *Monitor) render(snap domain.Snapshot, linkUp bool) {
	if m.deps.Screen == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.WithField("panic", r).Error("Display render panicked")
		}
	}()
	if err := m.deps.Screen.Render(snap, linkUp); err != nil {
		m.logger.WithError(err).Warn("Display render failed")
	}
}

// Reading returns the last good reading.
func (m *Monitor) Reading() sensors.Reading { return m.reading }

// ResetCounters zeroes accumulated energy and elapsed time.
func (m *Monitor) ResetCounters() {
	m.counters.Lock()
	m.deps.Accumulator.Reset()
	m.counters.Unlock()
	m.logger.Info("Energy and elapsed time reset")
}

// Reconnect blocks while the network link is re-associated.
func (m *Monitor) Reconnect(ctx context.Context) error {
	if m.cfg.WiFiSSID == "" {
		return errors.New("no WiFi SSID configured")
	}
	return m.deps.Link.Connect(ctx, m.cfg.WiFiSSID, m.cfg.WiFiPassword)
}

// HandleMessage logs messages arriving on the subscribed topic.
func (m *Monitor) HandleMessage(topic string, payload []byte) {
	m.logger.WithFields(logrus.Fields{
		"topic":   topic,
		"payload": string(payload),
	}).Info("MQTT message received")
}

// Poll runs one iteration of the secondary loop: buttons, then the raw
// register line.
func (m *Monitor) Poll(ctx context.Context) {
	if m.deps.Buttons != nil {
		m.deps.Buttons.Poll(ctx)
	}
	if m.cfg.DebugStream && m.deps.Raw != nil && m.deps.Debug != nil {
		raw, err := m.deps.Raw.ReadRaw()
		if err != nil {
			m.logger.WithError(err).Debug("Raw register read failed")
			return
		}
		fmt.Fprintln(m.deps.Debug, raw.CSV())
	}
}

// Run drives the tick loop and the polling loop and blocks until ctx is
// cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	grp, ctx := errgroup.WithContext(ctx)

	// Scheduler -------------------------------------------------------------
	grp.Go(func() error {
		// A slow tick makes the ticker drop the missed periods.
		ticker := time.NewTicker(m.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				m.Tick(ctx)
			}
		}
	})

	// Secondary loop --------------------------------------------------------
	grp.Go(func() error {
		if m.cfg.WiFiSSID != "" && !m.deps.Link.IsConnected() {
			if err := m.Reconnect(ctx); err != nil {
				m.logger.WithError(err).Warn("Initial WiFi connection failed")
			}
		}

		ticker := time.NewTicker(m.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				m.Poll(ctx)
			}
		}
	})

	if err := grp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
