package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "POWERMON_"

// Config holds all configuration options for the power monitor
type Config struct {
	// Sensor
	I2CBus        string  `yaml:"i2c_bus"`        // periph bus name, "" for the first bus
	SensorAddress uint16  `yaml:"sensor_address"` // INA219 7-bit address
	ShuntFactor   float64 `yaml:"shunt_factor"`   // current multiplier for the fitted shunt

	// Display
	Framebuffer   string `yaml:"framebuffer"` // "" disables the display
	DisplayWidth  int    `yaml:"display_width"`
	DisplayHeight int    `yaml:"display_height"`

	// GPIO ("" disables the line)
	ResetPin     string `yaml:"reset_pin"`
	ReconnectPin string `yaml:"reconnect_pin"`
	LEDPin       string `yaml:"led_pin"`

	// Network link
	WiFiInterface string `yaml:"wifi_interface"`
	WiFiSSID      string `yaml:"wifi_ssid"`
	WiFiPassword  string `yaml:"wifi_password"`

	// Time
	NTPServer string        `yaml:"ntp_server"`
	UTCOffset time.Duration `yaml:"utc_offset"` // fixed offset applied to timestamps

	// MQTT Configuration
	MQTTUrl          string `yaml:"mqtt_url"` // MQTT URL (supports both WebSocket and standard MQTT)
	ClientID         string `yaml:"client_id"`
	DeviceID         string `yaml:"device_id"`
	TopicPrefix      string `yaml:"topic_prefix"`
	DiscoveryPrefix  string `yaml:"discovery_prefix"` // Home Assistant discovery prefix, "" disables discovery
	SubscribeTopic   string `yaml:"subscribe_topic"`
	MQTTCleanSession bool   `yaml:"mqtt_clean_session"`
	QoS              int    `yaml:"qos"`

	// Application Configuration
	TickInterval time.Duration `yaml:"tick_interval"`
	PollInterval time.Duration `yaml:"poll_interval"`
	DebugStream  bool          `yaml:"debug_stream"` // raw register CSV on stdout
	Verbose      bool          `yaml:"verbose"`      // Enable verbose logging
	MetricsAddr  string        `yaml:"metrics_addr"` // "" disables the metrics endpoint
}

// GetDefaultConfig returns a configuration with sensible defaults
func GetDefaultConfig() *Config {
	return &Config{
		SensorAddress: DefaultSensorAddress,
		ShuntFactor:   DefaultShuntFactor,

		Framebuffer:   "/dev/fb1",
		DisplayWidth:  240,
		DisplayHeight: 240,

		ResetPin:     "GPIO5",
		ReconnectPin: "GPIO6",
		LEDPin:       "GPIO25",

		WiFiInterface: "wlan0",

		NTPServer: "ntp1.aliyun.com",
		UTCOffset: time.Hour,

		ClientID:        "powermon",
		DeviceID:        "powermon",
		DiscoveryPrefix: "homeassistant",

		TickInterval: DefaultTickInterval,
		PollInterval: DefaultPollInterval,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// elapsed_s counts ticks, so the period is pinned to one second.
	if c.TickInterval != DefaultTickInterval {
		return fmt.Errorf("tick interval must be %s, got %s", DefaultTickInterval, c.TickInterval)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.SensorAddress < 0x08 || c.SensorAddress > 0x77 {
		return fmt.Errorf("sensor address 0x%02x outside the 7-bit range", c.SensorAddress)
	}
	if c.ShuntFactor <= 0 {
		return fmt.Errorf("shunt factor must be positive")
	}
	if c.Framebuffer != "" && (c.DisplayWidth <= 0 || c.DisplayHeight <= 0 ||
		c.DisplayWidth > 0x7fff || c.DisplayHeight > 0x7fff) {
		return fmt.Errorf("invalid display size %dx%d", c.DisplayWidth, c.DisplayHeight)
	}
	if c.UTCOffset%time.Second != 0 || c.UTCOffset < -14*time.Hour || c.UTCOffset > 14*time.Hour {
		return fmt.Errorf("invalid UTC offset %s", c.UTCOffset)
	}

	// MQTT validation - support both WebSocket and standard MQTT protocols
	if c.MQTTUrl != "" {
		if !strings.HasPrefix(c.MQTTUrl, "ws://") &&
			!strings.HasPrefix(c.MQTTUrl, "wss://") &&
			!strings.HasPrefix(c.MQTTUrl, "mqtt://") &&
			!strings.HasPrefix(c.MQTTUrl, "mqtts://") {
			return fmt.Errorf("MQTT URL must use supported protocol (ws://, wss://, mqtt://, or mqtts://)")
		}
		if c.DeviceID == "" {
			return fmt.Errorf("device ID is required")
		}
	}
	if c.QoS < 0 || c.QoS > 2 {
		return fmt.Errorf("QoS must be 0, 1 or 2, got %d", c.QoS)
	}
	return nil
}

// HasMQTT returns true if MQTT is configured
func (c *Config) HasMQTT() bool {
	return c.MQTTUrl != ""
}

// HasDisplay returns true if a framebuffer is configured
func (c *Config) HasDisplay() bool {
	return c.Framebuffer != ""
}

// LoadFile overlays the YAML file at path onto c. Keys absent from the file
// keep their current values.
func (c *Config) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays POWERMON_* variables onto c. lookup is usually
// os.LookupEnv; empty values are ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(EnvPrefix + key)
		return v, ok && v != ""
	}
	str := func(key string, dst *string) {
		if v, ok := get(key); ok {
			*dst = v
		}
	}
	var errs []string
	boolean := func(key string, dst *bool) {
		if v, ok := get(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, key)
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := get(key); ok {
			n, err := strconv.ParseInt(v, 0, 32)
			if err != nil {
				errs = append(errs, key)
				return
			}
			*dst = int(n)
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := get(key); ok {
			d, err := ParseDuration(v)
			if err != nil {
				errs = append(errs, key)
				return
			}
			*dst = d
		}
	}

	str("I2C_BUS", &c.I2CBus)
	if v, ok := get("SENSOR_ADDRESS"); ok {
		n, err := strconv.ParseUint(v, 0, 16)
		if err != nil {
			errs = append(errs, "SENSOR_ADDRESS")
		} else {
			c.SensorAddress = uint16(n)
		}
	}
	if v, ok := get("SHUNT_FACTOR"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, "SHUNT_FACTOR")
		} else {
			c.ShuntFactor = f
		}
	}
	str("FRAMEBUFFER", &c.Framebuffer)
	integer("DISPLAY_WIDTH", &c.DisplayWidth)
	integer("DISPLAY_HEIGHT", &c.DisplayHeight)
	str("RESET_PIN", &c.ResetPin)
	str("RECONNECT_PIN", &c.ReconnectPin)
	str("LED_PIN", &c.LEDPin)
	str("WIFI_INTERFACE", &c.WiFiInterface)
	str("WIFI_SSID", &c.WiFiSSID)
	str("WIFI_PASSWORD", &c.WiFiPassword)
	str("NTP_SERVER", &c.NTPServer)
	duration("UTC_OFFSET", &c.UTCOffset)
	str("MQTT_URL", &c.MQTTUrl)
	str("CLIENT_ID", &c.ClientID)
	str("DEVICE_ID", &c.DeviceID)
	str("TOPIC_PREFIX", &c.TopicPrefix)
	str("DISCOVERY_PREFIX", &c.DiscoveryPrefix)
	str("SUBSCRIBE_TOPIC", &c.SubscribeTopic)
	boolean("MQTT_CLEAN_SESSION", &c.MQTTCleanSession)
	integer("QOS", &c.QoS)
	duration("TICK_INTERVAL", &c.TickInterval)
	duration("POLL_INTERVAL", &c.PollInterval)
	boolean("DEBUG_STREAM", &c.DebugStream)
	boolean("VERBOSE", &c.Verbose)
	str("METRICS_ADDR", &c.MetricsAddr)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment values: %s", strings.Join(errs, ", "))
	}
	return nil
}

// ParseDuration accepts Go duration syntax ("1s", "-30m") or a bare number
// of seconds ("3600").
func ParseDuration(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return time.Duration(v) * time.Second, nil
}
