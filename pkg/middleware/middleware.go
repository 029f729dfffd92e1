package middleware

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/ksred/klear-broker/internal/auth"
	"github.com/ksred/klear-broker/internal/observability"
	"github.com/ksred/klear-broker/pkg/response"
)

// Limit is the request budget for every route under Prefix
type Limit struct {
	Prefix string
	Rate   rate.Limit
	Burst  int
}

// DefaultLimits throttles login/registration and order entry
var DefaultLimits = []Limit{
	{Prefix: "/api/auth", Rate: rate.Limit(10.0 / 60.0), Burst: 5},     // 10 requests per minute
	{Prefix: "/api/trades", Rate: rate.Limit(100.0 / 60.0), Burst: 10}, // 100 requests per minute
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per caller and route
type RateLimiter struct {
	limits []Limit
	now    func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
}

func NewRateLimiter(limits []Limit) *RateLimiter {
	return &RateLimiter{
		limits:   limits,
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

func (rl *RateLimiter) getLimiter(path, clientID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := clientID + ":" + path
	v, exists := rl.visitors[key]
	if !exists {
		limit, burst := rate.Inf, 1 // No limit for other paths
		for _, l := range rl.limits {
			if strings.HasPrefix(path, l.Prefix) {
				limit, burst = l.Rate, l.Burst
				break
			}
		}
		v = &visitor{limiter: rate.NewLimiter(limit, burst)}
		rl.visitors[key] = v
	}

	v.lastSeen = rl.now()
	return v.limiter
}

// Cleanup drops visitors idle for more than three minutes until ctx ends
func (rl *RateLimiter) Cleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.sweep(3 * time.Minute)
		}
	}
}

func (rl *RateLimiter) sweep(idle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, v := range rl.visitors {
		if rl.now().Sub(v.lastSeen) > idle {
			delete(rl.visitors, key)
		}
	}
}

// Middleware keys on the authenticated account when there is one, otherwise
// on the client IP.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.ClientIP()
		if p, err := auth.PrincipalFromContext(c); err == nil {
			clientID = p.AccountID
		}

		if !rl.getLimiter(c.FullPath(), clientID).Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			return
		}
		c.Next()
	}
}

// JWTAuth validates the bearer token and stores the principal on the context
func JWTAuth(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Unauthorized(c, "Authorization header required")
			return
		}

		bearerToken := strings.Split(header, " ")
		if len(bearerToken) != 2 || strings.ToLower(bearerToken[0]) != "bearer" {
			response.Unauthorized(c, "Invalid authorization header format")
			return
		}

		principal, err := authService.ValidateToken(bearerToken[1])
		if err != nil {
			response.Unauthorized(c, "Token is invalid or expired")
			return
		}

		auth.SetPrincipal(c, principal)
		c.Next()
	}
}

// RequireRole rejects callers whose role is not listed. Must run after JWTAuth.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := auth.PrincipalFromContext(c)
		if err != nil {
			response.Unauthorized(c, "Authentication required")
			return
		}
		if !principal.HasRole(roles...) {
			response.Forbidden(c, "Insufficient role for this operation")
			return
		}
		c.Next()
	}
}

// RequestLogger logs and records every request once it completes
func RequestLogger(metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		latency := time.Since(start)
		status := c.Writer.Status()

		if metrics != nil {
			metrics.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
			metrics.HTTPDuration.WithLabelValues(c.Request.Method, route).Observe(latency.Seconds())
		}

		event := log.Info()
		if status >= 500 {
			event = log.Error()
		} else if status >= 400 {
			event = log.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("route", route).
			Int("status", status).
			Dur("latency", latency).
			Str("client_ip", c.ClientIP()).
			Msg("request completed")
	}
}
