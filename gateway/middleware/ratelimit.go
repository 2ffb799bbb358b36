// Package middleware carries the HTTP cross-cutting concerns of the public
// edge: rate limiting, CORS, and request observability.
package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"hypertuna/observability"
)

// RateLimit is a token bucket applied per client IP.
type RateLimit struct {
	RatePerSecond float64
	Burst         int
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter tracks one token bucket per (limit group, client) pair. Idle
// clients are dropped after a few minutes.
type RateLimiter struct {
	logger *slog.Logger
	limits map[string]RateLimit

	mu       sync.Mutex
	visitors map[string]*rateEntry
	nowFn    func() time.Time
}

// NewRateLimiter builds a limiter for the named limit groups.
func NewRateLimiter(limits map[string]RateLimit, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		logger:   logger.With(slog.String("component", "rate_limiter")),
		limits:   limits,
		visitors: make(map[string]*rateEntry),
		nowFn:    time.Now,
	}
}

// Middleware enforces the named limit group. Unknown groups pass through.
func (r *RateLimiter) Middleware(group string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			limit, ok := r.limits[group]
			if !ok {
				next.ServeHTTP(w, req)
				return
			}
			if !r.allow(group+"|"+clientIP(req), limit) {
				observability.EdgeMetrics().RateLimited.Inc()
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate-limited"}`))
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (r *RateLimiter) allow(id string, cfg RateLimit) bool {
	r.mu.Lock()
	now := r.nowFn()
	entry, ok := r.visitors[id]
	if !ok {
		perSecond := cfg.RatePerSecond
		if perSecond <= 0 {
			perSecond = 1
		}
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		entry = &rateEntry{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
		r.visitors[id] = entry
		r.pruneLocked(now)
	}
	entry.lastSeen = now
	r.mu.Unlock()
	return entry.limiter.Allow()
}

// pruneLocked drops buckets idle for over five minutes.
func (r *RateLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-5 * time.Minute)
	for id, entry := range r.visitors {
		if entry.lastSeen.Before(cutoff) {
			delete(r.visitors, id)
		}
	}
}

func clientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if raw := r.Header.Get("X-Forwarded-For"); raw != "" {
		first := raw
		if comma := strings.IndexByte(raw, ','); comma > 0 {
			first = raw[:comma]
		}
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
		return raw
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
