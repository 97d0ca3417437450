package httpmiddleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Limiter is an in-memory per-key token bucket. Keys are the authenticated
// account when the key func finds one, the client IP otherwise.
type Limiter struct {
	perMinute int
	burst     int
	key       func(*gin.Context) string

	mu      sync.Mutex
	buckets map[string]*visitor
}

type visitor struct {
	limiter *rate.Limiter
	seen    time.Time
}

// NewLimiter allows perMinute requests per key with bursts up to burst.
// A non-positive burst defaults to perMinute.
func NewLimiter(perMinute, burst int, key func(*gin.Context) string) *Limiter {
	if burst <= 0 {
		burst = perMinute
	}
	return &Limiter{
		perMinute: perMinute,
		burst:     burst,
		key:       key,
		buckets:   make(map[string]*visitor),
	}
}

// GinMiddleware returns gin handler enforcing per-key limits.
func (l *Limiter) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if l.perMinute <= 0 {
			c.Next()
			return
		}
		key := ""
		if l.key != nil {
			key = l.key(c)
		}
		if key == "" {
			key = c.ClientIP()
		}
		if key == "" {
			key = "unknown"
		}
		if !l.allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit"})
			return
		}
		c.Next()
	}
}

func (l *Limiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.buckets[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(float64(l.perMinute)/60), l.burst)}
		l.buckets[key] = v
	}
	v.seen = time.Now()
	return v.limiter.Allow()
}

// Sweep forgets keys not seen for longer than maxIdle.
func (l *Limiter) Sweep(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, v := range l.buckets {
		if v.seen.Before(cutoff) {
			delete(l.buckets, k)
			n++
		}
	}
	return n
}
