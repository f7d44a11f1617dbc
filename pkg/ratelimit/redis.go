package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/copperline/gatehouse/pkg/idx"
)

const (
	defaultPrefix  = "gatehouse:rate:"
	defaultTimeout = 2 * time.Second
)

// acquireScript implements a sliding-window log per key: trim entries older
// than the effective window, record this request, count. Sliding rather than
// fixed windows because a fixed window admits 2N requests straddling a reset
// boundary. The whole decision runs as one script, so concurrent acquires
// against the same key are linearized by redis and no increment is lost.
//
// KEYS[1] window log (zset, score = arrival ms), KEYS[2] violation counter.
// ARGV: now_ms, window_ms, limit, member, max_backoff_shift.
//
// Consecutive denials stretch the effective window (x2 each, capped), which
// is the backoff policy layered on the base counter. Any allowed request
// clears the violation counter.
var acquireScript = redis.NewScript(`
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit  = tonumber(ARGV[3])
local member = ARGV[4]
local shift  = tonumber(ARGV[5])

local viol = 0
local v = redis.call('GET', KEYS[2])
if v then viol = tonumber(v) end
if viol > shift then viol = shift end
local effective = window * 2 ^ viol

redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, now - effective)
redis.call('ZADD', KEYS[1], now, member)
redis.call('PEXPIRE', KEYS[1], math.ceil(effective))
local count = redis.call('ZCARD', KEYS[1])

if count > limit then
	redis.call('INCR', KEYS[2])
	redis.call('PEXPIRE', KEYS[2], math.ceil(effective))
	local retry = effective
	local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
	if oldest[2] then
		retry = tonumber(oldest[2]) + effective - now
		if retry < 1 then retry = 1 end
	end
	return {0, count, math.ceil(retry)}
end

redis.call('DEL', KEYS[2])
return {1, count, 0}
`)

// RedisConfig tunes the redis limiter. Zero values use defaults.
type RedisConfig struct {
	Prefix  string
	Timeout time.Duration
}

// RedisLimiter counts in a shared redis instance so every gateway replica
// enforces the same budget.
type RedisLimiter struct {
	client  *redis.Client
	cfg     Config
	prefix  string
	timeout time.Duration

	// now is a test seam; defaults to time.Now.
	now func() time.Time
}

// NewRedis wraps an already-connected client.
func NewRedis(client *redis.Client, cfg Config, rc RedisConfig) *RedisLimiter {
	if rc.Prefix == "" {
		rc.Prefix = defaultPrefix
	}
	if rc.Timeout <= 0 {
		rc.Timeout = defaultTimeout
	}
	return &RedisLimiter{
		client:  client,
		cfg:     cfg,
		prefix:  rc.Prefix,
		timeout: rc.Timeout,
		now:     time.Now,
	}
}

// Acquire implements Limiter. A store failure is retried once, then reported
// as Unavailable; it is never mapped to Allowed.
func (l *RedisLimiter) Acquire(ctx context.Context, key string, class Class) Decision {
	policy := l.cfg.For(class)

	res, err := l.run(ctx, key, class, policy)
	if err != nil {
		if res, err = l.run(ctx, key, class, policy); err != nil {
			return Decision{
				Outcome: Unavailable,
				Limit:   policy.Limit,
				Err:     fmt.Errorf("ratelimit: store unavailable: %w", err),
			}
		}
	}

	allowed, count, retryMS := res[0], res[1], res[2]
	remaining := max(policy.Limit-int(count), 0)

	if allowed == 0 {
		return Decision{
			Outcome:    Denied,
			Limit:      policy.Limit,
			Remaining:  0,
			RetryAfter: time.Duration(retryMS) * time.Millisecond,
		}
	}
	return Decision{Outcome: Allowed, Limit: policy.Limit, Remaining: remaining}
}

func (l *RedisLimiter) run(ctx context.Context, key string, class Class, policy Policy) ([3]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	base := l.prefix + string(class) + ":" + key
	raw, err := acquireScript.Run(ctx, l.client,
		[]string{base, base + ":viol"},
		strconv.FormatInt(l.now().UnixMilli(), 10),
		strconv.FormatInt(policy.Window.Milliseconds(), 10),
		strconv.Itoa(policy.Limit),
		idx.New().String(),
		strconv.Itoa(policy.MaxBackoffShift),
	).Int64Slice()
	if err != nil {
		return [3]int64{}, err
	}
	if len(raw) != 3 {
		return [3]int64{}, fmt.Errorf("ratelimit: unexpected script reply %v", raw)
	}
	return [3]int64{raw[0], raw[1], raw[2]}, nil
}
