// Package retry implements the periodic connect/retry state machine shared by
// time synchronisation and the broker connection.
//
// The machine is driven by the scheduler tick; it never schedules itself. A
// counter advances modulo Period on every Step. Once it reaches Threshold, the
// machine is not yet connected, and the link precondition holds, the attempt
// runs synchronously and the counter restarts at zero whatever the outcome.
// That gives a Threshold-tick grace period after start-up and between
// attempts, and keeps the counter bounded while the link is down.
package retry

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	Period    = 40
	Threshold = 3
)

// State of a retry machine.
type State int

const (
	Idle State = iota
	Attempting
	Connected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Attempting:
		return "attempting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// AttemptFunc performs one connection or sync attempt.
type AttemptFunc func(ctx context.Context) error

// Observer is told about every attempt outcome; err is nil on success.
type Observer func(name string, err error)

// Machine is a single periodic-retry state machine. It is not safe for
// concurrent use; the scheduler tick is its only caller.
type Machine struct {
	name    string
	ready   func() bool
	attempt AttemptFunc
	timeout time.Duration
	logger  *logrus.Logger

	counter uint8
	state   State

	// OnAttempt, when set, is called after each attempt.
	OnAttempt Observer
}

// New builds a machine. ready is the link precondition; timeout bounds each
// attempt (zero means the attempt's own timeouts apply).
func New(name string, ready func() bool, attempt AttemptFunc, timeout time.Duration, logger *logrus.Logger) *Machine {
	return &Machine{
		name:    name,
		ready:   ready,
		attempt: attempt,
		timeout: timeout,
		logger:  logger,
	}
}

// Step advances the machine by one tick. It reports whether an attempt was
// made and that attempt's error.
//
// Losing the link while Connected does not move the machine back to Idle;
// reconnection after that point is up to the collaborator.
func (m *Machine) Step(ctx context.Context) (bool, error) {
	m.counter = (m.counter + 1) % Period
	if m.counter < Threshold || m.state == Connected || !m.ready() {
		return false, nil
	}

	m.logger.WithField("machine", m.name).Info("Attempting connection")

	actx := ctx
	if m.timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	err := m.attempt(actx)
	m.counter = 0
	if err != nil {
		m.state = Attempting
		m.logger.WithError(err).WithField("machine", m.name).Warn("Attempt failed")
	} else {
		m.state = Connected
		m.logger.WithField("machine", m.name).Info("Attempt succeeded")
	}
	if m.OnAttempt != nil {
		m.OnAttempt(m.name, err)
	}
	return true, err
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Connected reports whether an attempt has succeeded.
func (m *Machine) Connected() bool { return m.state == Connected }

// Counter returns the tick counter, always in [0, Period).
func (m *Machine) Counter() uint8 { return m.counter }
