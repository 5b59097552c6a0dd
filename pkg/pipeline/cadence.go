package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// Cadence describes how often a driver fires: a fixed interval, or a cron
// expression when finer control is wanted. Cron wins when both are set.
type Cadence struct {
	Interval time.Duration
	Cron     string
}

func (c Cadence) Validate() error {
	if c.Cron != "" {
		if !gronx.New().IsValid(c.Cron) {
			return fmt.Errorf("invalid cron expression %q", c.Cron)
		}
		return nil
	}
	if c.Interval <= 0 {
		return fmt.Errorf("cadence needs a positive interval or a cron expression")
	}
	return nil
}

// Wait blocks until the next scheduled tick or ctx cancellation.
func (c Cadence) Wait(ctx context.Context) error {
	delay := c.Interval
	if c.Cron != "" {
		next, err := gronx.NextTickAfter(c.Cron, time.Now(), false)
		if err != nil {
			return fmt.Errorf("cron schedule failed: %w", err)
		}
		delay = time.Until(next)
		if delay < 0 {
			delay = 0
		}
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
