package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"strategy-core/internal/monitor"
)

// limiterPool hands out one token bucket per client IP: 20 req/s,
// burst 50. The pool is flushed wholesale every few minutes, which is
// cheaper than tracking idle entries and close enough for an ops API.
type limiterPool struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	lastFlip time.Time
}

func newLimiterPool() *limiterPool {
	return &limiterPool{
		limiters: make(map[string]*rate.Limiter),
		lastFlip: time.Now(),
	}
}

func (p *limiterPool) get(ip string) *rate.Limiter {
	p.mu.RLock()
	lim, ok := p.limiters[ip]
	p.mu.RUnlock()
	if ok {
		return lim
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if time.Since(p.lastFlip) > 5*time.Minute {
		p.limiters = make(map[string]*rate.Limiter)
		p.lastFlip = time.Now()
	}
	if lim, ok = p.limiters[ip]; ok {
		return lim
	}
	lim = rate.NewLimiter(rate.Limit(20), 50)
	p.limiters[ip] = lim
	return lim
}

// RequestID tags every request, echoing a caller-supplied id when
// present.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("requestID", id)
		c.Writer.Header().Set("X-Request-ID", id)
		c.Next()
	}
}

// RateLimit rejects clients that exceed their per-IP budget.
func RateLimit(pool *limiterPool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !pool.get(c.ClientIP()).Allow() {
			respondError(c, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
			c.Abort()
			return
		}
		c.Next()
	}
}

// CORS opens the API to browser dashboards.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RequestLogger logs each request with timing and feeds the HTTP
// metrics. Route templates keep the metric label set bounded.
func RequestLogger(log *zap.Logger, metrics *monitor.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		elapsed := time.Since(start)
		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordRequest(c.Request.Method, route, status, elapsed.Seconds())

		log.Info("api request",
			zap.String("requestId", c.GetString("requestID")),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("elapsed", elapsed),
			zap.String("ip", c.ClientIP()))
	}
}
