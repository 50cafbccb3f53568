// Package redislimiter is the distributed rate limiter backend, used when
// multiple daemon instances share a single per-account budget. All three
// windows are checked and updated atomically in a single Lua script so that
// concurrent callers across instances never both observe capacity and both
// spend it.
package redislimiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oho/lfmt-daemon/internal/ratelimit"
)

// acquireScript atomically checks and, if all three windows have capacity,
// charges them. KEYS are the three per-account window hashes; ARGV carries
// the current time and each window's limit/length/charge. It returns 0 when
// the call was granted, or the number of seconds to wait otherwise.
const acquireScript = `
local function load(key, now, window_len)
  local count = tonumber(redis.call('HGET', key, 'count') or '0')
  local reset_at = tonumber(redis.call('HGET', key, 'reset_at') or '0')
  if reset_at == 0 or now >= reset_at then
    count = 0
    reset_at = now + window_len
  end
  return count, reset_at
end

local now = tonumber(ARGV[1])
local rpm_limit = tonumber(ARGV[2])
local rpm_window = tonumber(ARGV[3])
local tpm_limit = tonumber(ARGV[4])
local tpm_window = tonumber(ARGV[5])
local token_charge = tonumber(ARGV[6])
local rpd_limit = tonumber(ARGV[7])
local rpd_window = tonumber(ARGV[8])

local rpm_count, rpm_reset = load(KEYS[1], now, rpm_window)
local tpm_count, tpm_reset = load(KEYS[2], now, tpm_window)
local rpd_count, rpd_reset = load(KEYS[3], now, rpd_window)

local blocked_wait = -1
local function consider(wait)
  if blocked_wait < 0 or wait < blocked_wait then
    blocked_wait = wait
  end
end

if rpm_count + 1 > rpm_limit then consider(rpm_reset - now) end
if tpm_count + token_charge > tpm_limit then consider(tpm_reset - now) end
if rpd_count + 1 > rpd_limit then consider(rpd_reset - now) end

if blocked_wait >= 0 then
  return blocked_wait
end

redis.call('HSET', KEYS[1], 'count', rpm_count + 1, 'reset_at', rpm_reset)
redis.call('EXPIREAT', KEYS[1], rpm_reset + 1)
redis.call('HSET', KEYS[2], 'count', tpm_count + token_charge, 'reset_at', tpm_reset)
redis.call('EXPIREAT', KEYS[2], tpm_reset + 1)
redis.call('HSET', KEYS[3], 'count', rpd_count + 1, 'reset_at', rpd_reset)
redis.call('EXPIREAT', KEYS[3], rpd_reset + 1)

return 0
`

// Limiter enforces ratelimit.Limits per account using Redis as the shared
// backing store.
type Limiter struct {
	client   *redis.Client
	limits   ratelimit.Limits
	location *time.Location
}

func New(address string, limits ratelimit.Limits, dayBoundaryTZ string) (*Limiter, error) {
	opt, err := redis.ParseURL(address)
	if err != nil {
		return nil, fmt.Errorf("parse redis address: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	loc, err := time.LoadLocation(dayBoundaryTZ)
	if err != nil {
		return nil, fmt.Errorf("load timezone %s: %w", dayBoundaryTZ, err)
	}
	return &Limiter{client: client, limits: limits, location: loc}, nil
}

func (l *Limiter) Close() error {
	return l.client.Close()
}

func rpmKey(account string) string { return "lfmt:ratelimit:" + account + ":rpm" }
func tpmKey(account string) string { return "lfmt:ratelimit:" + account + ":tpm" }
func rpdKey(account string) string { return "lfmt:ratelimit:" + account + ":rpd" }

func secondsUntilNextDayBoundary(now time.Time, loc *time.Location) int64 {
	local := now.In(loc)
	year, month, day := local.Date()
	midnight := time.Date(year, month, day, 0, 0, 0, 0, loc)
	return int64(midnight.AddDate(0, 0, 1).Sub(now).Seconds())
}

func (l *Limiter) Acquire(ctx context.Context, account string, estimatedInputTokens, estimatedOutputTokens int, deadline time.Time) (ratelimit.Result, error) {
	now := time.Now()
	tokenCharge := estimatedInputTokens + estimatedOutputTokens

	res, err := l.client.Eval(ctx, acquireScript,
		[]string{rpmKey(account), tpmKey(account), rpdKey(account)},
		now.Unix(), l.limits.RequestsPerMinute, 60,
		l.limits.TokensPerMinute, 60, tokenCharge,
		l.limits.RequestsPerDay, secondsUntilNextDayBoundary(now, l.location),
	).Result()
	if err != nil {
		// The limiter must not fail open: if Redis is unreachable we deny
		// rather than risk blowing past the provider's real-world budget.
		return ratelimit.Result{Decision: ratelimit.Denied}, fmt.Errorf("rate limit script: %w", err)
	}

	waitSeconds, ok := res.(int64)
	if !ok {
		return ratelimit.Result{Decision: ratelimit.Denied}, fmt.Errorf("unexpected rate limit script result: %v", res)
	}
	if waitSeconds == 0 {
		return ratelimit.Result{Decision: ratelimit.Granted}, nil
	}

	wait := time.Duration(waitSeconds) * time.Second
	if now.Add(wait).After(deadline) {
		return ratelimit.Result{Decision: ratelimit.Denied}, nil
	}
	return ratelimit.Result{Decision: ratelimit.RetryAfter, RetryAfter: wait}, nil
}
