package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/quocanhngo/idpool/internal/model"
)

const (
	visitorTTL     = 10 * time.Minute
	cleanupEveryN  = 5000
	retryAfterSecs = "1"
)

// KeyFunc maps a request to its rate-limit bucket
type KeyFunc func(*gin.Context) string

// KeyByTenantUserOrIP buckets by tenant and user when RequestContext has run,
// otherwise by client IP.
func KeyByTenantUserOrIP() KeyFunc {
	return func(c *gin.Context) string {
		if tenant, user := TenantID(c), UserID(c); tenant != "" && user != "" {
			return "user:" + tenant + "/" + user
		}
		return "ip:" + c.ClientIP()
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a process-local token bucket per key. Idle buckets are
// dropped opportunistically during lookups.
type RateLimiter struct {
	rps   rate.Limit
	burst int
	keyFn KeyFunc
	ttl   time.Duration

	mu       sync.Mutex
	visitors map[string]*visitor
	lookups  uint64
}

func NewRateLimiter(rps float64, burst int, keyFn KeyFunc) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		keyFn:    keyFn,
		ttl:      visitorTTL,
		visitors: make(map[string]*visitor),
	}
}

func (rl *RateLimiter) getVisitor(key string) *rate.Limiter {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Sweep before the lookup so an expired bucket is not refreshed
	rl.lookups++
	if rl.lookups >= cleanupEveryN {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) >= rl.ttl {
				delete(rl.visitors, k)
			}
		}
		rl.lookups = 0
	}

	if v, ok := rl.visitors[key]; ok {
		v.lastSeen = now
		return v.limiter
	}
	lim := rate.NewLimiter(rl.rps, rl.burst)
	rl.visitors[key] = &visitor{limiter: lim, lastSeen: now}
	return lim
}

// Handler rejects requests over the limit with 429 and a Retry-After header
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.getVisitor(rl.keyFn(c)).Allow() {
			c.Next()
			return
		}
		c.Header("Retry-After", retryAfterSecs)
		c.AbortWithStatusJSON(http.StatusTooManyRequests, model.ErrorResponse{
			Error:     "rate_limited",
			Message:   "rate limit exceeded",
			RequestID: RequestIDFrom(c),
		})
	}
}
