package domain

import (
	"testing"
	"time"

	"github.com/jkaberg/powermon/internal/energy"
	"github.com/jkaberg/powermon/internal/sensors"
	"github.com/stretchr/testify/assert"
)

func TestFormat(t *testing.T) {
	now := time.Date(2024, 1, 1, 23, 30, 5, 0, time.UTC)
	snap := Format(
		sensors.NewReading(12.0, 500.0),
		energy.State{EnergyMWh: 0.4, ElapsedS: 3661},
		now,
		time.Hour,
	)

	assert.Equal(t, Snapshot{
		Voltage:   "12.000",
		Current:   "500.0",
		Power:     "6.000",
		Energy:    "0",
		Elapsed:   "01:01:01",
		Timestamp: "2024-01-02 00:30:05",
	}, snap)
}

func TestFormat_Rounding(t *testing.T) {
	snap := Format(
		sensors.NewReading(4.9876, 12.34),
		energy.State{EnergyMWh: 1234.6},
		time.Unix(0, 0),
		0,
	)
	assert.Equal(t, "4.988", snap.Voltage)
	assert.Equal(t, "12.3", snap.Current)
	assert.Equal(t, "0.062", snap.Power)
	assert.Equal(t, "1235", snap.Energy)
	assert.Equal(t, "1970-01-01 00:00:00", snap.Timestamp)
}

func TestFormatElapsed(t *testing.T) {
	cases := map[uint64]string{
		0:              "00:00:00",
		59:             "00:00:59",
		3661:           "01:01:01",
		99*3600 + 3599: "99:59:59",
		100 * 3600:     "100:00:00",
		1000*3600 + 61: "1000:01:01",
	}
	for in, want := range cases {
		assert.Equal(t, want, FormatElapsed(in), "elapsed %d", in)
	}
}

func TestFormatTimestamp_FixedOffset(t *testing.T) {
	// The local zone of the input must not matter.
	loc := time.FixedZone("elsewhere", -7*3600)
	now := time.Date(2024, 2, 29, 18, 0, 9, 0, loc) // 2024-03-01 01:00:09 UTC

	assert.Equal(t, "2024-03-01 02:00:09", FormatTimestamp(now, time.Hour))
	assert.Equal(t, "2024-03-01 09:00:09", FormatTimestamp(now, 8*time.Hour))
	assert.Equal(t, "2024-03-01 01:00:09", FormatTimestamp(now, 0))
}
