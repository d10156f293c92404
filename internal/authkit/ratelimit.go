package authkit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per client IP. Idle buckets expire.
type RateLimiter struct {
	mutex    sync.Mutex
	limiters *cache.Cache
	limit    rate.Limit
	burst    int
	metrics  MetricsRecorder
}

// NewRateLimiter allows perMinute requests per client with a burst of the same size.
func NewRateLimiter(perMinute int, idle time.Duration, metrics MetricsRecorder) *RateLimiter {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if perMinute <= 0 {
		perMinute = 60
	}
	return &RateLimiter{
		limiters: cache.New(idle, 2*idle),
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    perMinute,
		metrics:  metrics,
	}
}

// Allow reports whether the client identified by key may proceed.
func (limiter *RateLimiter) Allow(key string) bool {
	limiter.mutex.Lock()
	defer limiter.mutex.Unlock()
	if existing, found := limiter.limiters.Get(key); found {
		bucket := existing.(*rate.Limiter)
		limiter.limiters.SetDefault(key, bucket)
		return bucket.Allow()
	}
	bucket := rate.NewLimiter(limiter.limit, limiter.burst)
	limiter.limiters.SetDefault(key, bucket)
	return bucket.Allow()
}

// Middleware rejects requests over the limit with 429.
func (limiter *RateLimiter) Middleware() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		if !limiter.Allow(contextGin.ClientIP()) {
			limiter.metrics.Increment(metricRateLimited)
			contextGin.Header("Retry-After", "60")
			abortWithRequestError(contextGin, http.StatusTooManyRequests, "request.rate_limited", "too many requests")
			return
		}
		contextGin.Next()
	}
}
