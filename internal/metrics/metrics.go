package metrics

import (
	"net/http"

	"github.com/jkaberg/powermon/internal/sensors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "powermon"

// Metrics holds every collector the monitor exports.
type Metrics struct {
	// Voltage is the last sampled bus voltage in volts
	Voltage prometheus.Gauge
	// Current is the last sampled current in milliamps
	Current prometheus.Gauge
	// Power is the derived power in watts
	Power prometheus.Gauge
	// Energy is the accumulated energy in milliwatt-hours
	Energy prometheus.Gauge
	// Elapsed is the accumulated measurement time in seconds
	Elapsed prometheus.Gauge

	ClockSynced     prometheus.Gauge // 1 once an NTP sync has succeeded
	SensorFaults    prometheus.Counter
	PublishFailures *prometheus.CounterVec // channel
	Attempts        *prometheus.CounterVec // machine, result
	TickDuration    prometheus.Histogram
	TickOverruns    prometheus.Counter
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Voltage: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bus_voltage_volts",
			Help:      "Last sampled bus voltage",
		}),
		Current: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_milliamps",
			Help:      "Last sampled current, negative values clamped to zero",
		}),
		Power: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "power_watts",
			Help:      "Power derived from voltage and current",
		}),
		Energy: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "energy_milliwatt_hours",
			Help:      "Energy accumulated since start-up or the last reset",
		}),
		Elapsed: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "elapsed_seconds",
			Help:      "Measurement time accumulated since start-up or the last reset",
		}),
		ClockSynced: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clock_synced",
			Help:      "Whether timestamps come from an NTP-corrected clock",
		}),
		SensorFaults: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sensor_faults_total",
			Help:      "Failed sensor register transactions",
		}),
		PublishFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Failed per-field broker publishes",
		}, []string{"channel"}),
		Attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Connection and time-sync attempts by machine and result",
		}, []string{"machine", "result"}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Time spent inside one scheduler tick",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		TickOverruns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tick_overruns_total",
			Help:      "Ticks that took longer than the tick period",
		}),
	}
}

// ObserveReading updates the reading gauges.
func (m *Metrics) ObserveReading(r sensors.Reading) {
	m.Voltage.Set(r.VoltageV)
	m.Current.Set(r.CurrentMA)
	m.Power.Set(r.PowerW)
}

// ObserveAttempt counts one retry machine attempt.
func (m *Metrics) ObserveAttempt(machine string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.Attempts.WithLabelValues(machine, result).Inc()
}

// ObservePublishFailure counts one failed channel publish.
func (m *Metrics) ObservePublishFailure(channel string) {
	m.PublishFailures.WithLabelValues(channel).Inc()
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
