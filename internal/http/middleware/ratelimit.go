package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// visitorIdleCutoff is how long a client may stay silent before its bucket
// is dropped; sweepEvery bounds how often Allow pays for the sweep.
const (
	visitorIdleCutoff = 10 * time.Minute
	sweepEvery        = time.Minute
)

type visitor struct {
	tokens  float64
	updated time.Time
}

// RateLimiter is a token-bucket limiter keyed by client address. Buckets
// refill at rate tokens per second up to burst. Stale buckets are swept
// inline from Allow, so an idle limiter holds no goroutine.
type RateLimiter struct {
	rate  float64
	burst float64

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time

	now func() time.Time
}

// NewRateLimiter returns a limiter admitting rate requests per second with
// the given burst per client.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		rate:     rate,
		burst:    float64(burst),
		visitors: make(map[string]*visitor),
		now:      time.Now,
	}
}

// Allow reports whether one more request from key fits the budget.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.sweepLocked(now)

	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{tokens: rl.burst, updated: now}
		rl.visitors[key] = v
	} else {
		v.tokens += now.Sub(v.updated).Seconds() * rl.rate
		if v.tokens > rl.burst {
			v.tokens = rl.burst
		}
		v.updated = now
	}

	if v.tokens < 1 {
		return false
	}
	v.tokens--
	return true
}

// sweepLocked drops buckets idle past the cutoff. Caller holds mu.
func (rl *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(rl.lastSweep) < sweepEvery {
		return
	}
	rl.lastSweep = now
	for key, v := range rl.visitors {
		if now.Sub(v.updated) > visitorIdleCutoff {
			delete(rl.visitors, key)
		}
	}
}

// clientKey picks the bucket key for a request: the X-Real-Ip header when
// chi's RealIP middleware has set it, otherwise the connection host.
func clientKey(r *http.Request) string {
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// RateLimit rejects requests over the per-client budget with 429.
func RateLimit(rate float64, burst int) func(http.Handler) http.Handler {
	limiter := NewRateLimiter(rate, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(clientKey(r)) {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
