// Package ratelimit provides a fixed-window request limiter backed by
// Redis. The counter and its expiry are set atomically in one script, so
// a crashed client cannot leave an immortal key. When Redis is down the
// limiter fails open: losing rate limiting is better than losing the API.
package ratelimit

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

var windowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local count = redis.call('INCR', key)
if count == 1 then
	redis.call('PEXPIRE', key, ttl)
end

if count > limit then
	return 0
end
return 1
`)

type Limiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
	log    *slog.Logger
}

func New(rdb *redis.Client, limit int, window time.Duration, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{rdb: rdb, limit: limit, window: window, log: logger}
}

// Middleware limits by client IP. chi's RealIP middleware must run first
// so RemoteAddr already reflects X-Forwarded-For.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := bucketKey(clientIP(r), time.Now(), l.window)
		allowed, err := windowScript.Run(r.Context(), l.rdb, []string{key}, l.limit, l.window.Milliseconds()).Int()
		if err != nil {
			l.log.Warn("rate limiter unavailable", "error", err)
			next.ServeHTTP(w, r)
			return
		}
		if allowed == 0 {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(l.window.Seconds())))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bucketKey pins the key to the window start so all requests in one
// window share a counter.
func bucketKey(ip string, now time.Time, window time.Duration) string {
	bucket := now.UnixMilli() / window.Milliseconds()
	return fmt.Sprintf("ratelimit:%s:%d", ip, bucket)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
