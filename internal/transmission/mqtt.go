package transmission

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jkaberg/powermon/internal/domain"
	"github.com/jkaberg/powermon/internal/mqtt"
	"github.com/sirupsen/logrus"
)

// FailureCounter is told about every failed channel publish.
type FailureCounter func(channel string)

// MQTTTransmitter publishes each snapshot field as its own message
type MQTTTransmitter struct {
	broker          Broker
	linkUp          func() bool
	topicPrefix     string
	deviceID        string
	discoveryPrefix string
	logger          *logrus.Logger

	// OnFailure, when set, counts failed channel publishes.
	OnFailure FailureCounter

	discoveredSession uint64
}

// HADiscoveryConfig represents Home Assistant MQTT discovery configuration
type HADiscoveryConfig struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	DeviceClass       string   `json:"device_class,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	Device            HADevice `json:"device"`
	AvailabilityTopic string   `json:"availability_topic"`
	Icon              string   `json:"icon,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
}

// HADevice represents the device information for Home Assistant
type HADevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Model        string   `json:"model"`
	Manufacturer string   `json:"manufacturer"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// NewMQTTTransmitter creates a new MQTT transmitter. linkUp is the network
// link precondition; a nil linkUp is treated as always up. An empty
// discoveryPrefix disables Home Assistant discovery.
func NewMQTTTransmitter(broker Broker, linkUp func() bool, topicPrefix, deviceID, discoveryPrefix string, logger *logrus.Logger) *MQTTTransmitter {
	if linkUp == nil {
		linkUp = func() bool { return true }
	}
	return &MQTTTransmitter{
		broker:          broker,
		linkUp:          linkUp,
		topicPrefix:     topicPrefix,
		deviceID:        deviceID,
		discoveryPrefix: discoveryPrefix,
		logger:          logger,
	}
}

// Topic returns the full topic for a channel.
func (t *MQTTTransmitter) Topic(channel string) string {
	return mqtt.BuildCleanTopic(t.topicPrefix, channel)
}

// AvailabilityTopic is where the online/offline state is kept.
func (t *MQTTTransmitter) AvailabilityTopic() string {
	return mqtt.BuildCleanTopic(t.topicPrefix, "availability")
}

// Publish sends every channel of snap in order. It is a no-op while the link
// is down. A failing channel does not stop the rest; all failures are
// returned joined.
func (t *MQTTTransmitter) Publish(snap domain.Snapshot) error {
	if !t.linkUp() {
		t.logger.Debug("Network link down, skipping publish")
		return nil
	}

	t.ensureDiscovery()

	var errs []error
	for _, ch := range Channels {
		topic := t.Topic(ch.Name)
		if err := t.broker.Publish(topic, []byte(ch.Value(snap)), false); err != nil {
			entry := t.logger.WithError(err).WithField("channel", ch.Name)
			if errors.Is(err, mqtt.ErrNotConnected) {
				// broker has not come up yet
				entry.Debug("Failed to publish channel")
			} else {
				entry.Warn("Failed to publish channel")
			}
			if t.OnFailure != nil {
				t.OnFailure(ch.Name)
			}
			errs = append(errs, fmt.Errorf("%w: %s: %w", ErrPublish, ch.Name, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	t.logger.WithField("timestamp", snap.Timestamp).Debug("Snapshot transmitted")
	return nil
}

// IsConnected checks if the broker session is open
func (t *MQTTTransmitter) IsConnected() bool {
	return t.broker.IsConnected()
}

// ensureDiscovery publishes discovery configs and availability once per
// broker session.
func (t *MQTTTransmitter) ensureDiscovery() {
	if t.discoveryPrefix == "" || !t.broker.IsConnected() {
		return
	}
	session := t.broker.Session()
	if session == 0 || session == t.discoveredSession {
		return
	}

	device := HADevice{
		Identifiers:  []string{fmt.Sprintf("powermon_%s", t.deviceID)},
		Name:         "Power Monitor",
		Model:        "INA219",
		Manufacturer: "powermon",
	}

	ok := true
	for _, ch := range Channels {
		if err := t.publishDiscoveryForChannel(ch, device); err != nil {
			t.logger.WithError(err).WithField("channel", ch.Name).Error("Failed to publish discovery config")
			ok = false
		}
	}
	if err := t.broker.Publish(t.AvailabilityTopic(), []byte("online"), true); err != nil {
		t.logger.WithError(err).Warn("Failed to publish availability")
		ok = false
	}

	if ok {
		t.discoveredSession = session
		t.logger.WithField("channels", len(Channels)).Info("Published Home Assistant discovery configs")
	}
}

// publishDiscoveryForChannel publishes the discovery config for one channel.
func (t *MQTTTransmitter) publishDiscoveryForChannel(ch Channel, device HADevice) error {
	uniqueID := fmt.Sprintf("%s_%s", t.deviceID, ch.Name)
	config := HADiscoveryConfig{
		Name:              ch.Label,
		UniqueID:          uniqueID,
		StateTopic:        t.Topic(ch.Name),
		DeviceClass:       ch.DeviceClass,
		UnitOfMeasurement: ch.Unit,
		StateClass:        ch.StateClass,
		AvailabilityTopic: t.AvailabilityTopic(),
		Device:            device,
	}
	if ch.DeviceClass == "" {
		config.Icon = "mdi:clock-outline"
	}

	payload, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal discovery config: %w", err)
	}

	topic := fmt.Sprintf("%s/sensor/powermon_%s/%s/config", t.discoveryPrefix, t.deviceID, ch.Name)
	if err := t.broker.Publish(topic, payload, true); err != nil {
		return fmt.Errorf("failed to publish discovery config to %s: %w", topic, err)
	}
	return nil
}
