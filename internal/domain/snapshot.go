package domain

import (
	"fmt"
	"time"

	"github.com/jkaberg/powermon/internal/energy"
	"github.com/jkaberg/powermon/internal/sensors"
)

// TimestampLayout is the wall-clock format shown on screen and published.
const TimestampLayout = "2006-01-02 15:04:05"

// Snapshot is the formatted projection of one tick. It is rebuilt from
// scratch every tick and never patched field by field.
type Snapshot struct {
	Voltage   string `json:"voltage"`
	Current   string `json:"current"`
	Power     string `json:"power"`
	Energy    string `json:"energy"`
	Elapsed   string `json:"elapsed"`
	Timestamp string `json:"timestamp"`
}

// Format renders a Reading, the accumulator state and the wall clock into a
// Snapshot. The output must stay stable: dashboards parse these strings.
func Format(r sensors.Reading, s energy.State, now time.Time, utcOffset time.Duration) Snapshot {
	return Snapshot{
		Voltage:   fmt.Sprintf("%.3f", r.VoltageV),
		Current:   fmt.Sprintf("%.1f", r.CurrentMA),
		Power:     fmt.Sprintf("%.3f", r.PowerW),
		Energy:    fmt.Sprintf("%.0f", s.EnergyMWh),
		Elapsed:   FormatElapsed(s.ElapsedS),
		Timestamp: FormatTimestamp(now, utcOffset),
	}
}

// FormatElapsed renders seconds as HH:MM:SS. Hours are not wrapped.
func FormatElapsed(sec uint64) string {
	return fmt.Sprintf("%02d:%02d:%02d", sec/3600, (sec%3600)/60, sec%60)
}

// FormatTimestamp renders now at a fixed offset from UTC.
func FormatTimestamp(now time.Time, utcOffset time.Duration) string {
	zone := time.FixedZone("", int(utcOffset/time.Second))
	return now.In(zone).Format(TimestampLayout)
}
