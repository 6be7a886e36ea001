// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements a lightweight, in-memory, token-bucket rate limiter
// with per-identity buckets and opportunistic garbage collection, fronted by
// a narrow Limiter capability.
//
// The limiter is fail-open: if the capability is nil or returns an error,
// the request proceeds. The per-sender quota charged inside the send
// transaction remains the authoritative backstop.
//
// The bundled implementation is process-local. For horizontally scaled
// deployments, substitute a distributed Limiter behind the same interface.
package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Limiter is the capability the rate-limit middleware consults. Allow
// reports whether the identity may proceed; an error means the limiting
// subsystem is unavailable and MUST be treated as an allow.
type Limiter interface {
	Allow(key string) (bool, error)
}

// keyFunc selects the identity used to key a rate-limit bucket.
type keyFunc func(*gin.Context) string

// KeyByUserOrIP returns a keyFunc that prefers the authenticated user
// identity and falls back to the client IP. Keys are prefixed to keep the
// two namespaces apart.
func KeyByUserOrIP() keyFunc {
	return func(c *gin.Context) string {
		if v, ok := c.Get("userID"); ok {
			if s, ok := v.(string); ok && s != "" {
				return "user:" + s
			}
		}
		if h := c.GetHeader("X-User-ID"); h != "" {
			return "user:" + h
		}
		return "ip:" + c.ClientIP()
	}
}

// visitor holds a single token bucket and the last time it was seen, for
// idle-bucket eviction.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// TokenBucketLimiter is the in-process Limiter implementation: per-key
// buckets from golang.org/x/time/rate, stored in a mutex-guarded map with
// opportunistic cleanup of idle entries. Safe for concurrent use.
type TokenBucketLimiter struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	visitors map[string]*visitor
	ttl      time.Duration
	cleanupN uint64
}

// NewTokenBucketLimiter constructs a TokenBucketLimiter with the given
// tokens-per-second and burst size. A burst <= 0 is coerced to 1.
func NewTokenBucketLimiter(rps float64, burst int) *TokenBucketLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &TokenBucketLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		visitors: make(map[string]*visitor),
		ttl:      10 * time.Minute,
	}
}

// Allow implements Limiter. It never returns an error; the in-process
// implementation cannot be unavailable.
func (l *TokenBucketLimiter) Allow(key string) (bool, error) {
	return l.getVisitor(key).Allow(), nil
}

// getVisitor returns (and refreshes) the bucket for key, creating it if
// absent. Idle entries are evicted after ~5000 lookups; the GC runs before
// the requested visitor is touched so an old bucket being fetched can still
// be evicted.
func (l *TokenBucketLimiter) getVisitor(key string) *rate.Limiter {
	now := time.Now()

	l.mu.Lock()
	l.cleanupN++
	if l.cleanupN >= 5000 {
		for k, vv := range l.visitors {
			if now.Sub(vv.lastSeen) >= l.ttl {
				delete(l.visitors, k)
			}
		}
		l.cleanupN = 0
	}

	if v, ok := l.visitors[key]; ok {
		v.lastSeen = now
		lim := v.limiter
		l.mu.Unlock()
		return lim
	}

	lim := rate.NewLimiter(l.rps, l.burst)
	l.visitors[key] = &visitor{limiter: lim, lastSeen: now}
	l.mu.Unlock()
	return lim
}

// IsRateBypass reports whether the idempotency validator marked this request
// as a replay, in which case limiting is skipped.
func IsRateBypass(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyRateBypass)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// RateLimit returns a Gin middleware enforcing the given Limiter per keyFn
// identity. A nil limiter, a limiter error, or a replay bypass all let the
// request through; only an explicit deny yields 429.
func RateLimit(lim Limiter, keyFn keyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if lim == nil || IsRateBypass(c) {
			c.Next()
			return
		}

		allowed, err := lim.Allow(keyFn(c))
		if err != nil || allowed {
			c.Next()
			return
		}

		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get(requestIDHeader),
			"code":       "too_many_requests",
			"message":    "rate limit exceeded",
		})
	}
}
