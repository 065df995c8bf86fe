package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/mail-gateway/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const throttleWindow = time.Second

// reserveScript keeps a sorted-set log of the sends granted within the
// trailing window. It grants a slot and returns 0, or returns how many
// milliseconds remain until the oldest logged send leaves the window.
var reserveScript = goredis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
if redis.call("ZCARD", KEYS[1]) < tonumber(ARGV[3]) then
  redis.call("ZADD", KEYS[1], now, ARGV[4])
  redis.call("PEXPIRE", KEYS[1], window)
  return 0
end
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
return tonumber(oldest[2]) + window - now
`)

var _ ratelimit.Throttle = (*RedisThrottle)(nil)

// RedisThrottle paces sends over a sliding one-second window shared by every
// gateway process that talks to the same upstream. Unlike a per-second
// counter it never lets a burst straddle a second boundary.
type RedisThrottle struct {
	client *goredis.Client
	rate   int64
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewRedisThrottle(client *goredis.Client, ratePerSec int) (*RedisThrottle, error) {
	return newRedisThrottle(client, int64(ratePerSec), time.Now, sleepWithContext)
}

func newRedisThrottle(
	client *goredis.Client,
	ratePerSec int64,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*RedisThrottle, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ratePerSec <= 0 {
		return nil, fmt.Errorf("throttle rate must be positive, got %d", ratePerSec)
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = sleepWithContext
	}

	return &RedisThrottle{client: client, rate: ratePerSec, now: nowFn, sleep: sleepFn}, nil
}

// Allow takes a slot if one is free right now.
func (r *RedisThrottle) Allow(ctx context.Context, scope string) (bool, error) {
	wait, err := r.reserve(ctx, scope)
	if err != nil {
		return false, err
	}
	return wait == 0, nil
}

// Wait sleeps until the window frees a slot, then takes it. Another process
// may take the freed slot first, in which case it sleeps again.
func (r *RedisThrottle) Wait(ctx context.Context, scope string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		wait, err := r.reserve(ctx, scope)
		if err != nil {
			return err
		}
		if wait == 0 {
			return nil
		}
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (r *RedisThrottle) reserve(ctx context.Context, scope string) (time.Duration, error) {
	if r == nil || r.client == nil {
		return 0, fmt.Errorf("throttle is not initialized")
	}
	scope = strings.ToLower(strings.TrimSpace(scope))
	if scope == "" {
		return 0, fmt.Errorf("throttle scope is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	key := fmt.Sprintf("%s:throttle:%s", keyPrefix, scope)
	args := []any{r.now().UnixMilli(), throttleWindow.Milliseconds(), r.rate, uuid.NewString()}
	waitMs, err := reserveScript.Run(ctx, r.client, []string{key}, args...).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to reserve throttle slot: %w", err)
	}
	return time.Duration(waitMs) * time.Millisecond, nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
