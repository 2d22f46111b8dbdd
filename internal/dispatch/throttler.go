package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Throttler enforces outbound send limits with Redis counters, one per
// clock minute and one per clock hour. Counters outlive their window
// slightly so a restarting process cannot reset them.
type Throttler struct {
	redis       *redis.Client
	hourlyLimit int64
	minuteLimit int64

	now func() time.Time
}

// NewThrottler creates a Throttler. Zero or negative limits disable that
// window.
func NewThrottler(client *redis.Client, hourlyLimit, minuteLimit int) *Throttler {
	return &Throttler{
		redis:       client,
		hourlyLimit: int64(hourlyLimit),
		minuteLimit: int64(minuteLimit),
		now:         time.Now,
	}
}

// Allow consumes one send slot. It returns ErrThrottled when either window
// is exhausted; a Redis failure is returned as-is and the caller decides
// whether to fail open.
func (t *Throttler) Allow(ctx context.Context) error {
	if t.redis == nil {
		return nil
	}

	now := t.now()
	hourKey := fmt.Sprintf("dispatch:sent:%s", now.Format("2006010215"))
	minuteKey := fmt.Sprintf("dispatch:sent:%s", now.Format("200601021504"))

	pipe := t.redis.Pipeline()
	hourCmd := pipe.Incr(ctx, hourKey)
	pipe.Expire(ctx, hourKey, 2*time.Hour)
	minuteCmd := pipe.Incr(ctx, minuteKey)
	pipe.Expire(ctx, minuteKey, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("throttle counters: %w", err)
	}

	if t.hourlyLimit > 0 && hourCmd.Val() > t.hourlyLimit {
		return fmt.Errorf("%w: %d/%d this hour", ErrThrottled, hourCmd.Val(), t.hourlyLimit)
	}
	if t.minuteLimit > 0 && minuteCmd.Val() > t.minuteLimit {
		return fmt.Errorf("%w: %d/%d this minute", ErrThrottled, minuteCmd.Val(), t.minuteLimit)
	}
	return nil
}
