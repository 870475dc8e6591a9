package transmission

import "github.com/jkaberg/powermon/internal/domain"

// Channel is one published snapshot field.
type Channel struct {
	Name        string
	Label       string
	Unit        string
	DeviceClass string
	StateClass  string
	value       func(domain.Snapshot) string
}

// Channels lists the published fields in publish order. The order is part of
// the wire contract with existing subscribers.
var Channels = []Channel{
	{
		Name:  "str_tim",
		Label: "Elapsed",
		value: func(s domain.Snapshot) string { return s.Elapsed },
	},
	{
		Name:        "str_vol_v",
		Label:       "Voltage",
		Unit:        "V",
		DeviceClass: "voltage",
		StateClass:  "measurement",
		value:       func(s domain.Snapshot) string { return s.Voltage },
	},
	{
		Name:        "str_vol_ma",
		Label:       "Current",
		Unit:        "mA",
		DeviceClass: "current",
		StateClass:  "measurement",
		value:       func(s domain.Snapshot) string { return s.Current },
	},
	{
		Name:        "str_pwr_W",
		Label:       "Power",
		Unit:        "W",
		DeviceClass: "power",
		StateClass:  "measurement",
		value:       func(s domain.Snapshot) string { return s.Power },
	},
	{
		Name:        "str_vol_mWh",
		Label:       "Energy",
		Unit:        "mWh",
		DeviceClass: "energy",
		StateClass:  "total_increasing",
		value:       func(s domain.Snapshot) string { return s.Energy },
	},
	{
		Name:  "upt_tim_str",
		Label: "Timestamp",
		value: func(s domain.Snapshot) string { return s.Timestamp },
	},
}

// Value extracts this channel's field from snap.
func (c Channel) Value(snap domain.Snapshot) string { return c.value(snap) }
