package api

import (
	stderrors "errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quotagate/quotagate/internal/metrics"
)

// IPRateLimiter implements per-IP rate limiting using token bucket algorithm
type IPRateLimiter struct {
	limits map[string]*tokenBucket
	mu     sync.Mutex
	rate   time.Duration // Refill rate
	burst  int           // Burst capacity
	now    func() time.Time
}

// tokenBucket implements a simple token bucket
type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
	capacity   float64
}

// newIPRateLimiter creates a new IP-based rate limiter
func newIPRateLimiter(rate time.Duration, burst int) *IPRateLimiter {
	return &IPRateLimiter{
		limits: make(map[string]*tokenBucket),
		rate:   rate,
		burst:  burst,
		now:    time.Now,
	}
}

// allow checks if a request is allowed for the given IP
func (l *IPRateLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	bucket, exists := l.limits[ip]
	if !exists {
		bucket = &tokenBucket{
			tokens:     float64(l.burst) - 1,
			lastRefill: now,
			capacity:   float64(l.burst),
		}
		l.limits[ip] = bucket
		return true
	}

	// Refill whole tokens only; the remainder carries to the next call.
	refills := now.Sub(bucket.lastRefill) / l.rate
	if refills > 0 {
		bucket.tokens = min(bucket.capacity, bucket.tokens+float64(refills))
		bucket.lastRefill = bucket.lastRefill.Add(refills * l.rate)
	}

	if bucket.tokens >= 1 {
		bucket.tokens--
		return true
	}

	return false
}

// rateLimitMiddleware creates a Gin middleware for rate limiting
func rateLimitMiddleware(limiter *IPRateLimiter, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.allow(c.ClientIP()) {
			if m != nil {
				m.RecordRateLimited()
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"message":     "Too many requests. Please try again later.",
				"retry_after": limiter.rate.String(),
			})
			return
		}

		c.Next()
	}
}

// bodyLimitMiddleware limits the size of request bodies
func bodyLimitMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxSize {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":    "request body too large",
				"message":  "Request body exceeds maximum allowed size.",
				"max_size": maxSize,
			})
			return
		}
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		}
		c.Next()
	}
}

// isBodyTooLarge reports whether a bind error came from the body limit.
func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return stderrors.As(err, &maxErr)
}
