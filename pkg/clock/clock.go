// Package clock provides wall-clock time corrected by an NTP offset. Kiosk
// hardware often runs without a battery-backed RTC, so capture timestamps
// taken straight from the system clock can be far off after a cold boot.
package clock

import (
	"sync"
	"time"

	"github.com/beevik/ntp"

	"github.com/ZekeHyperByte/photobooth-photonic-sub001/pkg/utils"
)

const DefaultServer = "pool.ntp.org"

type Clock struct {
	server string

	mu     sync.RWMutex
	offset time.Duration
	synced bool
}

func New(server string) *Clock {
	if server == "" {
		server = DefaultServer
	}
	return &Clock{server: server}
}

// Sync queries the NTP server once and stores the clock offset. Safe to call
// periodically; a failed query keeps the previous offset.
func (c *Clock) Sync() error {
	resp, err := ntp.Query(c.server)
	if err != nil {
		return err
	}
	if err = resp.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	c.offset = resp.ClockOffset
	c.synced = true
	c.mu.Unlock()

	return nil
}

// SyncLoop resyncs on the interval until stop closes. Errors are logged and
// retried on the next tick.
func (c *Clock) SyncLoop(interval time.Duration, stop <-chan struct{}) {
	logger := utils.GetLogger()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := c.Sync(); err != nil {
		logger.Warnf("ntp sync err: %s", err)
	}
	for {
		select {
		case <-ticker.C:
			if err := c.Sync(); err != nil {
				logger.Warnf("ntp sync err: %s", err)
			}
		case <-stop:
			return
		}
	}
}

// Now returns the offset-corrected time, or plain system time before the
// first successful sync.
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return time.Now().Add(c.offset)
}

func (c *Clock) Synced() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.synced
}

func (c *Clock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.offset
}
