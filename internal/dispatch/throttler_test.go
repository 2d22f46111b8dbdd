package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupThrottler(t *testing.T, hourly, minute int) *Throttler {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	th := NewThrottler(client, hourly, minute)
	th.now = func() time.Time { return time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC) }
	return th
}

func TestThrottlerAllowsUnderLimit(t *testing.T) {
	th := setupThrottler(t, 10, 5)

	for i := 0; i < 5; i++ {
		if err := th.Allow(context.Background()); err != nil {
			t.Fatalf("Allow #%d: %v", i+1, err)
		}
	}
}

func TestThrottlerBlocksOverMinuteLimit(t *testing.T) {
	th := setupThrottler(t, 100, 3)

	for i := 0; i < 3; i++ {
		if err := th.Allow(context.Background()); err != nil {
			t.Fatalf("Allow #%d: %v", i+1, err)
		}
	}
	if err := th.Allow(context.Background()); !errors.Is(err, ErrThrottled) {
		t.Errorf("err = %v, want ErrThrottled", err)
	}
}

func TestThrottlerBlocksOverHourlyLimit(t *testing.T) {
	th := setupThrottler(t, 2, 0)

	th.Allow(context.Background())
	th.Allow(context.Background())
	if err := th.Allow(context.Background()); !errors.Is(err, ErrThrottled) {
		t.Errorf("err = %v, want ErrThrottled", err)
	}
}

func TestThrottlerNilRedisDisabled(t *testing.T) {
	th := NewThrottler(nil, 1, 1)
	for i := 0; i < 10; i++ {
		if err := th.Allow(context.Background()); err != nil {
			t.Fatalf("Allow with no redis must be a no-op, got %v", err)
		}
	}
}
