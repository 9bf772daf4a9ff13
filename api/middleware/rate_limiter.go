package middleware

import (
	"net/http"
	"sync"
	"time"

	"fleetalert/internal/metrics"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiterConfig holds rate limiter configuration
type RateLimiterConfig struct {
	RequestsPerSecond float64       // Rate limit (requests per second)
	BurstSize         int           // Burst size
	CleanupInterval   time.Duration // How often to cleanup unused limiters
}

// KeyRateLimiter keeps one token bucket per caller key: the tenant header
// when present, the client IP otherwise.
type KeyRateLimiter struct {
	limiters map[string]*limiterEntry
	mu       sync.Mutex
	config   RateLimiterConfig
	done     chan struct{}
	stopOnce sync.Once
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewKeyRateLimiter starts the cleanup goroutine; call Stop to end it.
func NewKeyRateLimiter(config RateLimiterConfig) *KeyRateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	rl := &KeyRateLimiter{
		limiters: make(map[string]*limiterEntry),
		config:   config,
		done:     make(chan struct{}),
	}
	go rl.cleanupStaleLimiters()
	return rl
}

func (rl *KeyRateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, exists := rl.limiters[key]
	if !exists {
		limiter := rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.BurstSize)
		rl.limiters[key] = &limiterEntry{limiter: limiter, lastSeen: time.Now()}
		return limiter
	}

	entry.lastSeen = time.Now()
	return entry.limiter
}

func (rl *KeyRateLimiter) cleanupStaleLimiters() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, entry := range rl.limiters {
				if now.Sub(entry.lastSeen) > rl.config.CleanupInterval {
					delete(rl.limiters, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Stop ends the cleanup goroutine.
func (rl *KeyRateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.done) })
}

// Middleware returns a Gin middleware for rate limiting
func (rl *KeyRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(TenantHeader)
		if key == "" {
			key = "ip:" + c.ClientIP()
		}

		if !rl.getLimiter(key).Allow() {
			metrics.RateLimited.WithLabelValues("api").Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded. Please try again later.",
			})
			return
		}

		c.Next()
	}
}
