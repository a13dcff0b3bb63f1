package server

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// ScopeLimit bounds one request class: requests per minute with the window
// size doubling as burst.
type ScopeLimit struct {
	PerMinute int
}

// RateLimiterConfig holds the per-scope request budgets. A zero budget
// disables limiting for that scope.
type RateLimiterConfig struct {
	Login         ScopeLimit
	Register      ScopeLimit
	PostCreate    ScopeLimit
	CommentCreate ScopeLimit
}

// DefaultRateLimiterConfig mirrors the usual deployment budgets.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Login:         ScopeLimit{PerMinute: 10},
		Register:      ScopeLimit{PerMinute: 5},
		PostCreate:    ScopeLimit{PerMinute: 30},
		CommentCreate: ScopeLimit{PerMinute: 60},
	}
}

// RateLimiter keeps a token bucket per (scope, identity). Authenticated
// requests are keyed by account id, anonymous ones by client IP.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewRateLimiter constructs an empty limiter registry.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{buckets: make(map[string]*rate.Limiter)}
}

func (rl *RateLimiter) allow(scope, identity string, limit ScopeLimit) bool {
	if limit.PerMinute <= 0 {
		return true
	}
	key := scope + ":" + identity
	rl.mu.Lock()
	bucket, ok := rl.buckets[key]
	if !ok {
		bucket = rate.NewLimiter(rate.Limit(float64(limit.PerMinute)/60.0), limit.PerMinute)
		rl.buckets[key] = bucket
	}
	rl.mu.Unlock()
	return bucket.Allow()
}

// Middleware returns a gin handler enforcing the scope's budget. It must run
// after the auth middleware for authenticated scopes so the account id is
// available as the key.
func (rl *RateLimiter) Middleware(scope string, limit ScopeLimit) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := c.GetString(principalIDContextKey)
		if identity == "" {
			identity = c.ClientIP()
		}
		if !rl.allow(scope, identity, limit) {
			c.Header("Retry-After", retryAfterSeconds(limit))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func retryAfterSeconds(limit ScopeLimit) string {
	if limit.PerMinute <= 0 {
		return "0"
	}
	interval := time.Minute / time.Duration(limit.PerMinute)
	seconds := int(interval / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}
