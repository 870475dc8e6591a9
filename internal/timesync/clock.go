// Package timesync keeps a wall clock corrected against an NTP server.
//
// The host clock is never stepped; the measured offset is applied on read.
package timesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/beevik/ntp"
	"github.com/sirupsen/logrus"
)

// ErrSync marks a failed synchronisation.
var ErrSync = errors.New("time sync failed")

// QueryFunc performs one NTP exchange.
type QueryFunc func(host string, opt ntp.QueryOptions) (*ntp.Response, error)

// Clock is a wall clock with an NTP-derived offset.
type Clock struct {
	timeout time.Duration
	logger  *logrus.Logger

	mu     sync.RWMutex
	offset time.Duration
	synced bool

	// query and now are swapped in tests.
	query QueryFunc
	now   func() time.Time
}

// NewClock returns an unsynchronised clock. timeout bounds each query.
func NewClock(timeout time.Duration, logger *logrus.Logger) *Clock {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Clock{
		timeout: timeout,
		logger:  logger,
		query:   ntp.QueryWithOptions,
		now:     time.Now,
	}
}

// Sync queries server once and adopts its clock offset on success.
func (c *Clock) Sync(ctx context.Context, server string) error {
	timeout := c.timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return fmt.Errorf("%w: %s: %w", ErrSync, server, context.DeadlineExceeded)
	}

	resp, err := c.query(server, ntp.QueryOptions{Timeout: timeout})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSync, server, err)
	}
	if err := resp.Validate(); err != nil {
		return fmt.Errorf("%w: %s: invalid response: %w", ErrSync, server, err)
	}

	c.mu.Lock()
	c.offset = resp.ClockOffset
	c.synced = true
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"server": server,
		"offset": resp.ClockOffset,
		"rtt":    resp.RTT,
	}).Info("Clock synchronised")
	return nil
}

// Now returns the corrected wall clock. Before the first sync it is the host
// clock unchanged.
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	off := c.offset
	c.mu.RUnlock()
	return c.now().Add(off)
}

// Synced reports whether any sync has succeeded.
func (c *Clock) Synced() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.synced
}
