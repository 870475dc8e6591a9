package timesync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/beevik/ntp"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClock(t *testing.T, q QueryFunc) *Clock {
	t.Helper()
	logger, _ := test.NewNullLogger()
	c := NewClock(time.Second, logger)
	c.query = q
	host := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return host }
	return c
}

func TestSync_AppliesOffset(t *testing.T) {
	var gotHost string
	var gotTimeout time.Duration
	c := newTestClock(t, func(host string, opt ntp.QueryOptions) (*ntp.Response, error) {
		gotHost, gotTimeout = host, opt.Timeout
		now := time.Now()
		return &ntp.Response{Stratum: 2, Time: now, ReferenceTime: now, ClockOffset: 90 * time.Minute}, nil
	})

	assert.False(t, c.Synced())
	assert.Equal(t, time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC), c.Now())

	require.NoError(t, c.Sync(context.Background(), "ntp1.aliyun.com"))
	assert.True(t, c.Synced())
	assert.Equal(t, "ntp1.aliyun.com", gotHost)
	assert.Equal(t, time.Second, gotTimeout)
	assert.Equal(t, time.Date(2000, 1, 1, 1, 30, 0, 0, time.UTC), c.Now())
}

func TestSync_QueryError(t *testing.T) {
	c := newTestClock(t, func(string, ntp.QueryOptions) (*ntp.Response, error) {
		return nil, errors.New("i/o timeout")
	})

	err := c.Sync(context.Background(), "pool.ntp.org")
	assert.ErrorIs(t, err, ErrSync)
	assert.False(t, c.Synced())
}

func TestSync_RejectsKissOfDeath(t *testing.T) {
	c := newTestClock(t, func(string, ntp.QueryOptions) (*ntp.Response, error) {
		return &ntp.Response{Stratum: 0, ClockOffset: time.Hour}, nil
	})

	err := c.Sync(context.Background(), "pool.ntp.org")
	assert.ErrorIs(t, err, ErrSync)
	assert.Equal(t, time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC), c.Now())
}

func TestSync_ContextDeadlineShortensTimeout(t *testing.T) {
	var gotTimeout time.Duration
	c := newTestClock(t, func(_ string, opt ntp.QueryOptions) (*ntp.Response, error) {
		gotTimeout = opt.Timeout
		return nil, errors.New("timeout")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = c.Sync(ctx, "pool.ntp.org")
	assert.Greater(t, gotTimeout, time.Duration(0))
	assert.LessOrEqual(t, gotTimeout, 200*time.Millisecond)
}
