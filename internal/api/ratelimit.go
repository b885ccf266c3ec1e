// internal/api/ratelimit.go
package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"iot-trust-gateway/internal/auth"
)

const maxTrackedLimiters = 10000

// RateLimiter keeps one token bucket per caller.
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
}

// NewRateLimiter returns nil when requestsPerSecond is not positive; a nil
// limiter lets everything through.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	if requestsPerSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
	}
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = limiter
	}
	return limiter
}

// callerKey uses the authenticated principal if there is one, otherwise the
// remote host. The auth method is part of the key so a JWT user can never
// share a bucket with an API key.
func callerKey(r *http.Request) string {
	if p, ok := auth.FromContext(r.Context()); ok && p.Username != "" {
		return p.Method + ":" + p.Username
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := callerKey(r)
		if !rl.getLimiter(key).Allow() {
			log.WithFields(log.Fields{
				"key":    key,
				"path":   r.URL.Path,
				"method": r.Method,
			}).Warn("Rate limit exceeded")
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Cleanup drops all buckets once too many callers are tracked.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.limiters) > maxTrackedLimiters {
		rl.limiters = make(map[string]*rate.Limiter)
	}
}

// StartCleanup runs Cleanup every interval until stop is closed.
func (rl *RateLimiter) StartCleanup(interval time.Duration, stop <-chan struct{}) {
	if rl == nil {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-stop:
				return
			}
		}
	}()
}
