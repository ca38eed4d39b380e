package api

import (
	"net"
	"net/http"
	"sync"
	"time"
)

type window struct {
	start time.Time
	count int
}

// RateLimiter allows a fixed number of requests per client IP per minute.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	limit   int
	period  time.Duration
	now     func() time.Time
}

func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	return &RateLimiter{
		windows: make(map[string]*window),
		limit:   requestsPerMinute,
		period:  time.Minute,
		now:     time.Now,
	}
}

func (rl *RateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if len(rl.windows) > 1024 {
		for k, w := range rl.windows {
			if now.Sub(w.start) >= 2*rl.period {
				delete(rl.windows, k)
			}
		}
	}

	w, ok := rl.windows[ip]
	if !ok || now.Sub(w.start) >= rl.period {
		rl.windows[ip] = &window{start: now, count: 1}
		return true
	}
	w.count++
	return w.count <= rl.limit
}

// clientIP strips the port from RemoteAddr, which RealIP has already
// rewritten from forwarding headers.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimitMiddleware limits requests per IP to requestsPerMinute.
func RateLimitMiddleware(requestsPerMinute int) func(http.Handler) http.Handler {
	rl := NewRateLimiter(requestsPerMinute)
	return rl.Middleware
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(clientIP(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
