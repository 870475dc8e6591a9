package app

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jkaberg/powermon/internal/config"
	"github.com/jkaberg/powermon/internal/domain"
	"github.com/jkaberg/powermon/internal/energy"
	"github.com/jkaberg/powermon/internal/metrics"
	"github.com/jkaberg/powermon/internal/sensors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct{ calls []string }

func (r *recorder) add(s string) { r.calls = append(r.calls, s) }

type fakeSensor struct {
	rec      *recorder
	readings []sensors.Reading
	errs     []error
	i        int
}

func (f *fakeSensor) Sample() (sensors.Reading, error) {
	f.rec.add("sample")
	i := f.i
	f.i++
	if i < len(f.errs) && f.errs[i] != nil {
		return sensors.Reading{}, f.errs[i]
	}
	if i < len(f.readings) {
		return f.readings[i], nil
	}
	return f.readings[len(f.readings)-1], nil
}

type fakeClock struct {
	rec    *recorder
	now    time.Time
	synced bool
}

func (c *fakeClock) Now() time.Time { c.rec.add("clock"); return c.now }
func (c *fakeClock) Synced() bool   { return c.synced }

type fakeLink struct {
	up        bool
	connects  int
	connectFn func() error
}

func (l *fakeLink) IsConnected() bool { return l.up }
func (l *fakeLink) Connect(_ context.Context, _, _ string) error {
	l.connects++
	if l.connectFn != nil {
		return l.connectFn()
	}
	return nil
}

type fakeStepper struct {
	rec  *recorder
	name string
}

func (s *fakeStepper) Step(context.Context) (bool, error) { s.rec.add(s.name); return false, nil }

type fakeScreen struct {
	rec    *recorder
	snaps  []domain.Snapshot
	linkUp []bool
	panics bool
}

func (s *fakeScreen) Render(snap domain.Snapshot, linkUp bool) error {
	s.rec.add("render")
	if s.panics {
		panic("spi bus wedged")
	}
	s.snaps = append(s.snaps, snap)
	s.linkUp = append(s.linkUp, linkUp)
	return nil
}

type fakePublisher struct {
	rec    *recorder
	snaps  []domain.Snapshot
	err    error
	during func()
}

func (p *fakePublisher) Publish(snap domain.Snapshot) error {
	p.rec.add("publish")
	if p.during != nil {
		p.during()
	}
	p.snaps = append(p.snaps, snap)
	return p.err
}
func (p *fakePublisher) IsConnected() bool { return true }

type fakeLED struct{ toggles int }

func (l *fakeLED) Toggle() error { l.toggles++; return nil }

type fakeRaw struct{ regs sensors.RawRegisters }

func (f fakeRaw) ReadRaw() (sensors.RawRegisters, error) { return f.regs, nil }

type fakeButtons struct{ polls int }

func (b *fakeButtons) Poll(context.Context) { b.polls++ }

type harness struct {
	rec    *recorder
	sensor *fakeSensor
	link   *fakeLink
	screen *fakeScreen
	pub    *fakePublisher
	led    *fakeLED
	acc    *energy.Accumulator
	m      *Monitor
	met    *metrics.Metrics
}

func newHarness(t *testing.T, readings ...sensors.Reading) *harness {
	t.Helper()
	logger, _ := test.NewNullLogger()
	rec := &recorder{}
	h := &harness{
		rec:    rec,
		sensor: &fakeSensor{rec: rec, readings: readings},
		link:   &fakeLink{up: true},
		screen: &fakeScreen{rec: rec},
		pub:    &fakePublisher{rec: rec},
		led:    &fakeLED{},
		acc:    energy.New(),
		met:    metrics.New(prometheus.NewRegistry()),
	}
	cfg := config.GetDefaultConfig()
	cfg.UTCOffset = 0
	m, err := New(cfg, Deps{
		Sensor:      h.sensor,
		Accumulator: h.acc,
		Clock:       &fakeClock{rec: rec, now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		Link:        h.link,
		TimeSync:    &fakeStepper{rec: rec, name: "timesync"},
		Broker:      &fakeStepper{rec: rec, name: "broker"},
		Screen:      h.screen,
		Publisher:   h.pub,
		LED:         h.led,
		Metrics:     h.met,
	}, logger)
	require.NoError(t, err)
	h.m = m
	return h
}

func TestNew_RequiresCoreDeps(t *testing.T) {
	logger, _ := test.NewNullLogger()
	_, err := New(config.GetDefaultConfig(), Deps{}, logger)
	assert.Error(t, err)
}

func TestTick_Order(t *testing.T) {
	h := newHarness(t, sensors.NewReading(12, 500))
	h.m.Tick(context.Background())

	assert.Equal(t, []string{"clock", "sample", "timesync", "render", "broker", "publish"}, h.rec.calls)
	assert.Equal(t, 1, h.led.toggles)
}

func TestTick_ElapsedIncrementsLast(t *testing.T) {
	h := newHarness(t, sensors.NewReading(12, 500))
	ctx := context.Background()

	h.m.Tick(ctx)
	h.m.Tick(ctx)
	h.m.Tick(ctx)

	require.Len(t, h.pub.snaps, 3)
	assert.Equal(t, "00:00:00", h.pub.snaps[0].Elapsed)
	assert.Equal(t, "00:00:01", h.pub.snaps[1].Elapsed)
	assert.Equal(t, "00:00:02", h.pub.snaps[2].Elapsed)
	assert.Equal(t, uint64(3), h.acc.State().ElapsedS)

	// 12 V * 500 mA for 3 s = 5 mWh; energy is integrated before formatting.
	assert.InDelta(t, 5.0, h.acc.State().EnergyMWh, 1e-9)
	assert.Equal(t, "5", h.pub.snaps[2].Energy)
	assert.Equal(t, h.pub.snaps, h.screen.snaps)
	assert.InDelta(t, 5.0, testutil.ToFloat64(h.met.Energy), 1e-9)
	assert.Equal(t, 3.0, testutil.ToFloat64(h.met.Elapsed))
}

func TestTick_SensorFaultHoldsLastReading(t *testing.T) {
	h := newHarness(t, sensors.NewReading(12, 500), sensors.Reading{})
	h.sensor.errs = []error{nil, sensors.ErrSensorFault}

	h.m.Tick(context.Background())
	h.m.Tick(context.Background())

	assert.Equal(t, sensors.NewReading(12, 500), h.m.Reading())
	assert.Equal(t, "12.000", h.pub.snaps[1].Voltage)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.met.SensorFaults))
	assert.Equal(t, uint64(2), h.acc.State().ElapsedS)
}

func TestTick_LinkDownSkipsPublish(t *testing.T) {
	h := newHarness(t, sensors.NewReading(5, 100))
	h.link.up = false

	h.m.Tick(context.Background())

	assert.NotContains(t, h.rec.calls, "publish")
	assert.Equal(t, []bool{false}, h.screen.linkUp)
	assert.Equal(t, uint64(1), h.acc.State().ElapsedS)
}

func TestTick_PublishErrorIsNotFatal(t *testing.T) {
	h := newHarness(t, sensors.NewReading(5, 100))
	h.pub.err = errors.New("str_vol_v: broken pipe")

	h.m.Tick(context.Background())
	assert.Equal(t, uint64(1), h.acc.State().ElapsedS)
}

func TestTick_RenderPanicIsContained(t *testing.T) {
	h := newHarness(t, sensors.NewReading(5, 100))
	h.screen.panics = true

	assert.NotPanics(t, func() { h.m.Tick(context.Background()) })
	assert.Contains(t, h.rec.calls, "publish")
	assert.Equal(t, uint64(1), h.acc.State().ElapsedS)
}

func TestResetCounters(t *testing.T) {
	h := newHarness(t, sensors.NewReading(12, 500))
	h.m.Tick(context.Background())
	h.m.Tick(context.Background())

	h.m.ResetCounters()
	assert.Equal(t, energy.State{}, h.acc.State())

	h.m.Tick(context.Background())
	assert.Equal(t, "00:00:00", h.pub.snaps[2].Elapsed)
}

func TestResetCounters_WaitsForTick(t *testing.T) {
	h := newHarness(t, sensors.NewReading(12, 500))
	h.m.Tick(context.Background())

	reset := make(chan struct{})
	h.pub.during = func() {
		go func() {
			h.m.ResetCounters()
			close(reset)
		}()
		select {
		case <-reset:
			t.Error("reset landed inside the tick")
		case <-time.After(20 * time.Millisecond):
		}
	}
	h.m.Tick(context.Background())
	<-reset

	assert.Equal(t, "00:00:01", h.pub.snaps[1].Elapsed)
	assert.Equal(t, energy.State{}, h.acc.State(), "no advance after the reset")
}

func TestTick_ClockSyncedMetric(t *testing.T) {
	h := newHarness(t, sensors.NewReading(12, 500))
	h.m.Tick(context.Background())
	assert.Equal(t, 0.0, testutil.ToFloat64(h.met.ClockSynced))

	h.m.deps.Clock.(*fakeClock).synced = true
	h.m.Tick(context.Background())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.met.ClockSynced))
}

func TestReconnect(t *testing.T) {
	h := newHarness(t, sensors.NewReading(0, 0))
	assert.Error(t, h.m.Reconnect(context.Background()), "no SSID")

	h.m.cfg.WiFiSSID = "lab"
	require.NoError(t, h.m.Reconnect(context.Background()))
	assert.Equal(t, 1, h.link.connects)
}

func TestPoll_DebugStream(t *testing.T) {
	h := newHarness(t, sensors.NewReading(0, 0))
	var out bytes.Buffer
	buttons := &fakeButtons{}
	h.m.deps.Raw = fakeRaw{regs: sensors.RawRegisters{BusVoltage: 0x5DC0, Current: 1250, ShuntVoltage: 500, Power: 300}}
	h.m.deps.Debug = &out
	h.m.deps.Buttons = buttons

	h.m.Poll(context.Background())
	assert.Equal(t, 1, buttons.polls)
	assert.Empty(t, out.String(), "debug stream off by default")

	h.m.cfg.DebugStream = true
	h.m.Poll(context.Background())
	assert.Equal(t, sensors.RawRegisters{BusVoltage: 0x5DC0, Current: 1250, ShuntVoltage: 500, Power: 300}.CSV()+"\n", out.String())
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t, sensors.NewReading(12, 500))
	h.m.cfg.TickInterval = 10 * time.Millisecond
	h.m.cfg.PollInterval = 10 * time.Millisecond
	h.m.cfg.WiFiSSID = "lab"
	h.link.up = false

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := h.m.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, h.link.connects, "initial association")
	assert.Contains(t, h.rec.calls, "sample")
}
