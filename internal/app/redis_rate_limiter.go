package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript keeps one sorted-set member per admitted request, scored
// by its arrival in milliseconds. Rejected requests are not recorded, so a
// client retrying too early does not extend its own lockout.
//
// KEYS[1] subject key
// ARGV[1] now (ms), ARGV[2] window start (ms), ARGV[3] limit, ARGV[4] window (ms), ARGV[5] member
var slidingWindowScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[2])
local admitted = redis.call("ZCARD", KEYS[1])
local limit = tonumber(ARGV[3])
if admitted >= limit then
  local retry = tonumber(ARGV[4])
  local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
  if oldest[2] then
    retry = tonumber(oldest[2]) + tonumber(ARGV[4]) - tonumber(ARGV[1])
  end
  return {0, 0, retry}
end
redis.call("ZADD", KEYS[1], ARGV[1], ARGV[5])
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return {1, limit - admitted - 1, 0}
`)

// RateLimitPolicy caps how many requests one subject may make in a window.
type RateLimitPolicy struct {
	Scope  string
	Limit  int
	Window time.Duration
}

// RateLimitDecision is the verdict for a single request.
type RateLimitDecision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, never below one.
func (d RateLimitDecision) RetryAfterSeconds() int {
	seconds := int((d.RetryAfter + time.Second - 1) / time.Second)
	if seconds < 1 {
		return 1
	}
	return seconds
}

// RedisRateLimiter enforces one RateLimitPolicy across every replica.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
	policy RateLimitPolicy
	now    func() time.Time
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string, policy RateLimitPolicy) *RedisRateLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "kilolab:rate_limit"
	}
	policy.Scope = strings.TrimSpace(policy.Scope)
	if policy.Window > 0 && policy.Window < time.Second {
		policy.Window = time.Second
	}

	return &RedisRateLimiter{
		client: client,
		prefix: prefix,
		policy: policy,
		now:    time.Now,
	}
}

func (r *RedisRateLimiter) enabled() bool {
	return r != nil && r.client != nil && r.policy.Limit > 0 && r.policy.Window > 0 && r.policy.Scope != ""
}

// Allow admits or rejects one request from subject. A disabled limiter admits everything.
func (r *RedisRateLimiter) Allow(ctx context.Context, subject string) (RateLimitDecision, error) {
	subject = strings.TrimSpace(subject)
	if !r.enabled() || subject == "" {
		return RateLimitDecision{Allowed: true}, nil
	}

	nowMs := r.now().UnixMilli()
	windowMs := r.policy.Window.Milliseconds()
	key := r.prefix + ":" + r.policy.Scope + ":" + subject
	args := []interface{}{
		strconv.FormatInt(nowMs, 10),
		strconv.FormatInt(nowMs-windowMs, 10),
		strconv.Itoa(r.policy.Limit),
		strconv.FormatInt(windowMs, 10),
		strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString(),
	}

	reply, err := slidingWindowScript.Run(ctx, r.client, []string{key}, args...).Int64Slice()
	if err != nil {
		return RateLimitDecision{}, fmt.Errorf("rate limit %s: %w", r.policy.Scope, err)
	}
	if len(reply) != 3 {
		return RateLimitDecision{}, fmt.Errorf("rate limit %s: unexpected reply length %d", r.policy.Scope, len(reply))
	}

	return RateLimitDecision{
		Allowed:    reply[0] == 1,
		Remaining:  int(reply[1]),
		RetryAfter: time.Duration(reply[2]) * time.Millisecond,
	}, nil
}
