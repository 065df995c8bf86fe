package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/kursadbilgin/mail-gateway/internal/domain"
	"github.com/kursadbilgin/mail-gateway/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

// Quota hashes outlive their day so a late Peek still sees the final count.
const quotaKeyTTL = 48 * time.Hour

// admitScript returns {admitted, used}. The whole check-and-increment runs
// inside redis, so concurrent callers on one key are serialized by the server.
var admitScript = goredis.NewScript(`
if redis.call("HSETNX", KEYS[1], "used", 0) == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[3])
end
redis.call("HSET", KEYS[1], "limit", ARGV[2])
local used = tonumber(redis.call("HGET", KEYS[1], "used"))
if used + tonumber(ARGV[1]) > tonumber(ARGV[2]) then
  return {0, used}
end
used = redis.call("HINCRBY", KEYS[1], "used", ARGV[1])
return {1, used}
`)

var _ ratelimit.QuotaLedger = (*RedisQuotaLedger)(nil)

// RedisQuotaLedger keeps one hash per (principal, day).
type RedisQuotaLedger struct {
	client *goredis.Client
	script *goredis.Script
	ttl    time.Duration
}

func NewRedisQuotaLedger(client *goredis.Client) (*RedisQuotaLedger, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	return &RedisQuotaLedger{
		client: client,
		script: admitScript,
		ttl:    quotaKeyTTL,
	}, nil
}

func (l *RedisQuotaLedger) TryAdmit(
	ctx context.Context,
	principalID string,
	day domain.QuotaDay,
	amount int,
	limit int,
) (ratelimit.AdmissionResult, error) {
	if err := ratelimit.ValidateAdmission(principalID, day, amount, limit); err != nil {
		return ratelimit.AdmissionResult{}, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	values, err := l.script.Run(
		ctx,
		l.client,
		[]string{quotaKey(principalID, day)},
		amount,
		limit,
		int64(l.ttl/time.Second),
	).Int64Slice()
	if err != nil {
		return ratelimit.AdmissionResult{}, fmt.Errorf("%w: admit %s: %w", domain.ErrLedgerUnavailable, principalID, err)
	}
	if len(values) != 2 {
		return ratelimit.AdmissionResult{}, fmt.Errorf("%w: unexpected admit reply %v", domain.ErrLedgerUnavailable, values)
	}

	return ratelimit.AdmissionResult{
		Admitted:  values[0] == 1,
		UsedAfter: int(values[1]),
		Limit:     limit,
	}, nil
}

func (l *RedisQuotaLedger) Peek(
	ctx context.Context,
	principalID string,
	day domain.QuotaDay,
	fallbackLimit int,
) (ratelimit.Usage, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	fields, err := l.client.HMGet(ctx, quotaKey(principalID, day), "used", "limit").Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return ratelimit.Usage{}, fmt.Errorf("%w: peek %s: %w", domain.ErrLedgerUnavailable, principalID, err)
	}

	usage := ratelimit.Usage{Limit: fallbackLimit}
	if len(fields) != 2 {
		return usage, nil
	}
	if used, ok := parseHashInt(fields[0]); ok {
		usage.Used = used
	}
	if limit, ok := parseHashInt(fields[1]); ok {
		usage.Limit = limit
	}

	return usage, nil
}

func quotaKey(principalID string, day domain.QuotaDay) string {
	return fmt.Sprintf("%s:quota:%s:%s", keyPrefix, principalID, day.String())
}

func parseHashInt(v interface{}) (int, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}
