package security

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var errBadScriptReply = errors.New("unexpected rate limiter reply")

// RedisTokenBucket is a token bucket shared by every API replica.
type RedisTokenBucket struct {
	Redis      *redis.Client
	Prefix     string
	Capacity   int
	RefillRate float64 // tokens per second
	// FailOpen lets requests through when Redis is unreachable.
	FailOpen bool
}

var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last')
local tokens = tonumber(data[1])
local last = tonumber(data[2])

if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local filled = math.min(capacity, tokens + (delta * refill_rate))

local allowed = 0
if filled >= 1 then
  allowed = 1
  filled = filled - 1
end

redis.call('HSET', key, 'tokens', filled, 'last', now)
redis.call('EXPIRE', key, ttl)

return {allowed, tostring(filled)}
`)

func (l *RedisTokenBucket) key(raw string) string {
	if l.Prefix == "" {
		return raw
	}
	return l.Prefix + ":" + raw
}

// Allow takes one token for rawKey. remaining is the number of whole tokens
// left; retryAfter is how long until the next token when denied.
func (l *RedisTokenBucket) Allow(ctx context.Context, rawKey string) (allowed bool, remaining int, retryAfter time.Duration, err error) {
	if l.Redis == nil || l.Capacity <= 0 || l.RefillRate <= 0 {
		return true, 0, 0, nil
	}

	now := float64(time.Now().UnixNano()) / 1e9
	ttl := int64(float64(l.Capacity)/l.RefillRate) + 1

	res, err := tokenBucketScript.Run(ctx, l.Redis, []string{l.key(rawKey)}, l.Capacity, l.RefillRate, now, ttl).Slice()
	if err != nil {
		return false, 0, 0, err
	}
	if len(res) != 2 {
		return false, 0, 0, errBadScriptReply
	}

	allowedInt, ok := res[0].(int64)
	if !ok {
		return false, 0, 0, errBadScriptReply
	}
	filledStr, ok := res[1].(string)
	if !ok {
		return false, 0, 0, errBadScriptReply
	}
	filled, err := strconv.ParseFloat(filledStr, 64)
	if err != nil {
		return false, 0, 0, errBadScriptReply
	}

	if allowedInt == 1 {
		return true, int(filled), 0, nil
	}
	wait := time.Duration((1 - filled) / l.RefillRate * float64(time.Second))
	return false, 0, wait, nil
}

// RateLimitMiddleware rejects requests over budget with 429 and a
// Retry-After header. Requests for which keyFn returns "" are not limited.
func RateLimitMiddleware(l *RedisTokenBucket, keyFn func(*http.Request) string, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ""
			if keyFn != nil {
				key = keyFn(r)
			}
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed, remaining, retryAfter, err := l.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate_limiter_error", "cid", CorrelationIDFromContext(r.Context()), "error", err)
				if l.FailOpen {
					next.ServeHTTP(w, r)
					return
				}
				WriteJSONError(w, r, http.StatusServiceUnavailable, "rate_limiter_unavailable")
				return
			}
			if !allowed {
				secs := int(math.Ceil(retryAfter.Seconds()))
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				WriteJSONError(w, r, http.StatusTooManyRequests, "rate_limited")
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			next.ServeHTTP(w, r)
		})
	}
}
