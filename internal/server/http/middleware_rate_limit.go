package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const maxRateLimitedClients = 4096

// RateLimitConfig bounds how fast one client may start traces.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	Burst             int `yaml:"burst" mapstructure:"burst"`
	// EntryTTL forgets a client's bucket after this much inactivity.
	EntryTTL time.Duration `yaml:"entry_ttl" mapstructure:"entry_ttl"`
}

// rateLimiter keeps one token bucket per client key. Idle buckets expire and
// the least recently seen are evicted past maxRateLimitedClients.
type rateLimiter struct {
	limit   rate.Limit
	burst   int
	buckets *expirable.LRU[string, *rate.Limiter]
	now     func() time.Time
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	ttl := cfg.EntryTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &rateLimiter{
		limit:   rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute)),
		burst:   cfg.Burst,
		buckets: expirable.NewLRU[string, *rate.Limiter](maxRateLimitedClients, nil, ttl),
		now:     time.Now,
	}
}

func (r *rateLimiter) allow(key string) bool {
	bucket, ok := r.buckets.Get(key)
	if !ok {
		bucket = rate.NewLimiter(r.limit, r.burst)
	}
	// Re-adding pushes the expiry out, so only idle clients are forgotten.
	r.buckets.Add(key, bucket)
	return bucket.AllowN(r.now(), 1)
}

// RateLimitMiddleware rejects requests from a client IP that exceeds cfg.
// A zero rate or burst disables limiting.
func RateLimitMiddleware(cfg RateLimitConfig) gin.HandlerFunc {
	if cfg.RequestsPerMinute <= 0 || cfg.Burst <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	limiter := newRateLimiter(cfg)
	return func(c *gin.Context) {
		if limiter.allow(c.ClientIP()) {
			c.Next()
			return
		}
		c.Header("Retry-After", "60")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, APIResponse{Success: false, Error: "rate limit exceeded"})
	}
}
