package server

import (
	"math"
	"sync"

	"golang.org/x/time/rate"

	"revclaw/internal/config"
)

// rateLimiter hands out token buckets per (profile, installation). An
// unknown profile name means no limit, so leaving rate_limits empty in
// config disables limiting entirely.
type rateLimiter struct {
	mu       sync.Mutex
	profiles map[string]config.RateLimit
	buckets  map[string]*rate.Limiter
}

func newRateLimiter(profiles map[string]config.RateLimit) *rateLimiter {
	return &rateLimiter{
		profiles: profiles,
		buckets:  make(map[string]*rate.Limiter),
	}
}

// allow reports whether the caller may proceed. When denied it returns
// the whole seconds to wait before retrying, at least 1.
func (l *rateLimiter) allow(profile, key string) (retryAfter int, ok bool) {
	cfg, found := l.profiles[profile]
	if !found {
		return 0, true
	}
	l.mu.Lock()
	bucketKey := profile + "|" + key
	bucket, found := l.buckets[bucketKey]
	if !found {
		bucket = rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute/60.0), cfg.Burst)
		l.buckets[bucketKey] = bucket
	}
	l.mu.Unlock()

	r := bucket.Reserve()
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		secs := int(math.Ceil(delay.Seconds()))
		if secs < 1 {
			secs = 1
		}
		return secs, false
	}
	return 0, true
}
