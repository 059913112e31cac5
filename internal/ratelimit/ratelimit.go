// Package ratelimit implements per-IP, process-local rate limiting for the
// API Service (§4.5). State is held in memory only and is not shared across
// instances: each API replica enforces its own per-client budget.
package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter tracks one token bucket per client key (IP address or, with
// TrustForwardedFor, the left-most X-Forwarded-For entry). The App builds a
// separate Limiter for each route class (batches, files).
type Limiter struct {
	mu                sync.Mutex
	buckets           map[string]*bucket
	ratePerMin        float64
	trustForwardedFor bool
	idleTTL           time.Duration
}

type bucket struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// New creates a Limiter allowing ratePerMin requests per minute per client,
// with burst equal to ratePerMin (one minute's allowance available up front).
func New(ratePerMin int, trustForwardedFor bool) *Limiter {
	return &Limiter{
		buckets:           make(map[string]*bucket),
		ratePerMin:        float64(ratePerMin),
		trustForwardedFor: trustForwardedFor,
		idleTTL:           10 * time.Minute,
	}
}

// ClientKey derives the rate-limit key for an inbound request.
func (l *Limiter) ClientKey(r *http.Request) string {
	if l.trustForwardedFor {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			parts := strings.Split(fwd, ",")
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Allow reports whether the request identified by key is within its budget
// and, if not, how long the client should wait before retrying.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		perSec := rate.Limit(l.ratePerMin / 60)
		b = &bucket{limiter: rate.NewLimiter(perSec, int(l.ratePerMin))}
		l.buckets[key] = b
	}
	b.lastUsed = time.Now()

	if b.limiter.Allow() {
		return true, 0
	}
	reservation := b.limiter.Reserve()
	delay := reservation.Delay()
	reservation.Cancel()
	return false, delay
}

// Sweep removes buckets idle past idleTTL, bounding memory use under churn
// from many distinct client IPs.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-l.idleTTL)
	for k, b := range l.buckets {
		if b.lastUsed.Before(cutoff) {
			delete(l.buckets, k)
		}
	}
}

// WriteHeaders sets the rate-limit response headers (§6.1). X-RateLimit-Limit
// is always set; when retryAfter > 0 (the request is refused) it also sets
// X-RateLimit-Remaining to 0, X-RateLimit-Reset to the Unix time at which the
// next token is available, and Retry-After in whole seconds.
func WriteHeaders(w http.ResponseWriter, limit int, retryAfter time.Duration) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	if retryAfter > 0 {
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(retryAfter).Unix(), 10))
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
	}
}
