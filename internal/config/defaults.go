package config

import "time"

// Central place for all application-wide timing constants and other defaults.
// Changing a value here immediately affects all components that import
// github.com/jkaberg/powermon/internal/config.

const (
	// Scheduler cadences
	DefaultTickInterval = time.Second // sample / render / publish
	DefaultPollInterval = time.Second // buttons and raw register dump

	// Operation time-outs (every collaborator call inside a tick is bounded)
	NTPTimeout         = 2 * time.Second
	MQTTConnectTimeout = 3 * time.Second
	MQTTPublishTimeout = 500 * time.Millisecond
	WiFiPacing         = time.Second // between association status checks
	WiFiMaxAttempts    = 10

	// Sensor
	DefaultSensorAddress = 0x45
	DefaultShuntFactor   = 10.0

	// MQTT session
	MQTTKeepAlive = 60 * time.Second
)
