// Package input polls the two front-panel buttons.
package input

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Pin is a digital input. Get reports the electrical level (true = high).
type Pin interface {
	Get() bool
}

// Button is an active-low push button on a pulled-up pin. It fires once per
// press, on the high-to-low edge.
type Button struct {
	pin  Pin
	held bool
}

// NewButton wraps pin. A nil pin never fires.
func NewButton(pin Pin) *Button {
	return &Button{pin: pin}
}

// Pressed reports whether the button went down since the last call.
func (b *Button) Pressed() bool {
	if b == nil || b.pin == nil {
		return false
	}
	down := !b.pin.Get()
	edge := down && !b.held
	b.held = down
	return edge
}

// Handler maps button presses to actions.
type Handler struct {
	reset     *Button
	reconnect *Button
	logger    *logrus.Logger

	// OnReset clears the energy accumulator.
	OnReset func()
	// OnReconnect blocks while the link is re-associated.
	OnReconnect func(ctx context.Context) error
}

// NewHandler builds a handler over the reset and reconnect pins.
func NewHandler(resetPin, reconnectPin Pin, logger *logrus.Logger) *Handler {
	return &Handler{
		reset:     NewButton(resetPin),
		reconnect: NewButton(reconnectPin),
		logger:    logger,
	}
}

// Poll samples both buttons once and runs the matching actions.
func (h *Handler) Poll(ctx context.Context) {
	if h.reset.Pressed() && h.OnReset != nil {
		h.logger.Info("Reset button pressed, clearing energy and elapsed time")
		h.OnReset()
	}
	if h.reconnect.Pressed() && h.OnReconnect != nil {
		h.logger.Info("Reconnect button pressed, re-associating WiFi")
		if err := h.OnReconnect(ctx); err != nil {
			h.logger.WithError(err).Warn("Forced WiFi reconnect failed")
		}
	}
}
