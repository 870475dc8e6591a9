package transmission

import (
	"errors"

	"github.com/jkaberg/powermon/internal/domain"
)

// ErrPublish marks a failed per-field publish.
var ErrPublish = errors.New("publish failed")

// Transmitter defines the interface for transmitting snapshots
type Transmitter interface {
	Publish(snap domain.Snapshot) error
	IsConnected() bool
}

// Broker is the subset of the MQTT client the publisher needs.
type Broker interface {
	Publish(topic string, payload []byte, retained bool) error
	IsConnected() bool
	// Session increments every time a new broker session is established.
	Session() uint64
}
