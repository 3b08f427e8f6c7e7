package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRateLimitPrefix = "banking:rate_limit"
	defaultRateLimitWindow = time.Minute
)

// Sliding window log per account. Only admitted transactions are recorded, so a
// rejected burst does not extend the wait.
// KEYS[1] account key; ARGV: now ms, window ms, limit, member.
// Returns {allowed, recent, retry_after_ms}.
var accountWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local recent = redis.call("ZCARD", KEYS[1])
if recent >= limit then
  local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
  local wait = window
  if oldest[2] then
    wait = tonumber(oldest[2]) + window - now
  end
  return {0, recent, wait}
end
redis.call("ZADD", KEYS[1], now, ARGV[4])
redis.call("PEXPIRE", KEYS[1], window)
return {1, recent + 1, 0}
`)

// RateDecision is the limiter's verdict for one transaction request.
type RateDecision struct {
	Allowed bool
	// Recent counts admitted transactions in the window, including this one
	// when it was admitted.
	Recent     int
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds for the Retry-After
// header. A rejected decision never reports less than one second.
func (d RateDecision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	seconds := int((d.RetryAfter + time.Second - 1) / time.Second)
	if seconds < 1 {
		return 1
	}
	return seconds
}

// AccountRateLimiter caps how many transactions one source account may start
// within a sliding window. State lives in Redis so every replica shares it.
type AccountRateLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewAccountRateLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) *AccountRateLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultRateLimitPrefix
	}
	if window < time.Second {
		window = defaultRateLimitWindow
	}
	return &AccountRateLimiter{
		client: client,
		prefix: prefix,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

func (l *AccountRateLimiter) accountKey(accountID int64) string {
	return fmt.Sprintf("%s:account:%d", l.prefix, accountID)
}

// Allow records a transaction for accountID when the account is under its limit.
// A nil limiter or a non-positive limit admits everything.
func (l *AccountRateLimiter) Allow(ctx context.Context, accountID int64) (RateDecision, error) {
	if l == nil || l.client == nil || l.limit <= 0 {
		return RateDecision{Allowed: true}, nil
	}

	nowMs := l.now().UnixMilli()
	raw, err := accountWindowScript.Run(ctx, l.client, []string{l.accountKey(accountID)},
		nowMs, l.window.Milliseconds(), l.limit, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return RateDecision{}, fmt.Errorf("rate limit check for account %d: %w", accountID, err)
	}
	if len(raw) != 3 {
		return RateDecision{}, fmt.Errorf("unexpected rate limiter reply length %d", len(raw))
	}

	decision := RateDecision{
		Allowed: raw[0] == 1,
		Recent:  int(raw[1]),
	}
	if !decision.Allowed {
		decision.RetryAfter = time.Duration(raw[2]) * time.Millisecond
	}
	return decision, nil
}
