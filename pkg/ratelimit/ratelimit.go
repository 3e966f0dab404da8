package ratelimit

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/BlkSword/Strange-room/pkg/clock"
)

// Limiter is a fixed-window request counter keyed by client IP
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window // per-key windows
	max     int                // requests per window
	per     time.Duration      // window size
	clock   clock.Clock

	// OnReject is called outside the lock for every rejected request
	OnReject func(r *http.Request, key string)
}

type window struct {
	count   int       // requests seen in this window
	resetAt time.Time // window end
}

// New creates a limiter allowing max requests per window
func New(max int, per time.Duration, clk clock.Clock) *Limiter {
	if max <= 0 {
		max = 60
	}
	if per <= 0 {
		per = time.Minute
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Limiter{windows: map[string]*window{}, max: max, per: per, clock: clk}
}

// Allow records one request for key and reports whether it is within the limit.
// A rejected request leaves the window untouched.
func (l *Limiter) Allow(key string) bool {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windows[key]
	if w == nil || now.After(w.resetAt) {
		// Start a new window
		l.windows[key] = &window{count: 1, resetAt: now.Add(l.per)}
		return true
	}
	if w.count >= l.max {
		return false
	}
	w.count++
	return true
}

// Prune drops windows that have already ended
func (l *Limiter) Prune() int {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, w := range l.windows {
		if now.After(w.resetAt) {
			delete(l.windows, k)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Run prunes stale windows every interval until ctx is cancelled
func (l *Limiter) Run(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			l.Prune()
		case <-ctx.Done():
			return
		}
	}
}

// Middleware enforces the limit before calling the next handler
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ClientIP(r)
		if !l.Allow(key) {
			if l.OnReject != nil {
				l.OnReject(r, key)
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "Too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP makes a best-effort guess at the caller's address:
// first X-Forwarded-For hop, then X-Real-IP, then the socket peer.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return host
		}
		return r.RemoteAddr
	}
	return "unknown"
}
