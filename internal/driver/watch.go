package driver

import (
	"context"
	"errors"
	"time"
)

// Watch restarts a stopped run every interval until ctx ends or the
// driver is closed. It is the health check that recovers from a device
// that dropped off the bus.
func (d *Driver) Watch(ctx context.Context, interval time.Duration) {
	t := d.clock.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			if err := d.EnsureRunning(); errors.Is(err, ErrClosed) {
				return
			}
		}
	}
}
