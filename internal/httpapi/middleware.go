package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// perIPLimiter keeps one token-bucket limiter per client IP, lazily created.
type perIPLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

func newPerIPLimiter(r rate.Limit, burst int) *perIPLimiter {
	return &perIPLimiter{limiters: make(map[string]*rate.Limiter), r: r, burst: burst}
}

func (p *perIPLimiter) allow(ip string) bool {
	p.mu.Lock()
	l, ok := p.limiters[ip]
	if !ok {
		l = rate.NewLimiter(p.r, p.burst)
		p.limiters[ip] = l
	}
	p.mu.Unlock()
	return l.Allow()
}

// userIDHeader and usernameHeader carry the already-authenticated identity
// of the caller; token issuance and verification happen upstream of this
// service.
const (
	userIDHeader   = "X-User-Id"
	usernameHeader = "X-Username"
)

type authContext struct {
	UserID   string
	Username string
}

// requireAuth populates authContext from the request headers and rejects
// requests missing a user id. Token issuance and verification happen
// upstream; this service only consumes the already-authenticated identity.
func requireAuth(c *gin.Context) (authContext, bool) {
	userID := c.GetHeader(userIDHeader)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "UNAUTHENTICATED", "message": "X-User-Id header is required"})
		return authContext{}, false
	}
	return authContext{UserID: userID, Username: c.GetHeader(usernameHeader)}, true
}

// requestLogger logs each request's method, path, status, and latency at
// Info level.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
		)
	}
}

// buildRateLimitMiddleware bounds each client IP to ratePerSecond requests
// per second with a matching burst, one limiter per IP so a noisy client
// cannot starve the others.
func buildRateLimitMiddleware(ratePerSecond float64, burst int, logger *zap.Logger) gin.HandlerFunc {
	limiters := newPerIPLimiter(rate.Limit(ratePerSecond), burst)
	return func(c *gin.Context) {
		if !limiters.allow(c.ClientIP()) {
			logger.Warn("rate limit exceeded", zap.String("path", c.Request.URL.Path), zap.String("ip", c.ClientIP()))
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "RATE_LIMITED", "message": "too many requests"})
			c.Abort()
			return
		}
		c.Next()
	}
}
