// internal/api/middleware.go
package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/config"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/core"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/logger"
)

const (
	visitorSweepInterval = 5 * time.Minute
	visitorIdleTimeout   = 10 * time.Minute
)

// LoggingMiddleware logs every API call with the project it ran against.
// Handlers find a logger scoped to the request with logger.FromContext.
// Health checks are logged at debug level.
func LoggingMiddleware(log *logger.Logger, projects core.ProjectContext) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		ctx := c.Request.Context()
		scoped := log.WithContext(ctx).WithFields("method", c.Request.Method, "path", path)
		c.Request = c.Request.WithContext(logger.WithLogger(ctx, scoped))

		c.Next()

		fields := []interface{}{
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"ip", c.ClientIP(),
		}
		if projectID, ok := projects.CurrentProject(c.Request.Context()); ok {
			fields = append(fields, "project_id", projectID)
		}
		if len(c.Errors) > 0 {
			fields = append(fields, "errors", c.Errors.String())
		}

		switch {
		case path == "/health":
			log.Debugw("API request", fields...)
		case c.Writer.Status() >= http.StatusInternalServerError:
			log.Warnw("API request failed", fields...)
		default:
			log.Infow("API request", fields...)
		}
	}
}

// CORSMiddleware lets a UI served from localhost or a browser extension call the API.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if origin := c.Request.Header.Get("Origin"); allowedOrigin(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-API-Key")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Max-Age", "86400")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func allowedOrigin(origin string) bool {
	for _, prefix := range []string{
		"chrome-extension://",
		"moz-extension://",
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

// AuthMiddleware checks the API key. It is read from a bearer token, the
// X-API-Key header, or ?token= for websocket upgrades made by browsers.
func AuthMiddleware(expectedAPIKey string, log *logger.Logger) gin.HandlerFunc {
	expected := []byte(expectedAPIKey)

	return func(c *gin.Context) {
		key, err := apiKeyFrom(c.Request)
		if err != "" {
			log.Warnw("Rejected API request", "reason", err, "path", c.Request.URL.Path, "ip", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err})
			return
		}

		if subtle.ConstantTimeCompare([]byte(key), expected) != 1 {
			log.Warnw("Invalid API key", "path", c.Request.URL.Path, "ip", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
			return
		}
		c.Next()
	}
}

// apiKeyFrom returns the presented key, or a client-facing reason when none
// was presented in a usable form.
func apiKeyFrom(r *http.Request) (string, string) {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || scheme != "Bearer" || token == "" {
			return "", "Invalid Authorization format. Expected: Bearer <token>"
		}
		return token, ""
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key, ""
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, ""
	}
	return "", "Missing API key"
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitMiddleware applies a token bucket per client IP. Idle visitors
// are forgotten after visitorIdleTimeout.
func RateLimitMiddleware(cfg config.RateLimitConfig) gin.HandlerFunc {
	var (
		mu       sync.Mutex
		visitors = make(map[string]*visitor)
	)

	go func() {
		ticker := time.NewTicker(visitorSweepInterval)
		defer ticker.Stop()
		for range ticker.C {
			mu.Lock()
			for ip, v := range visitors {
				if time.Since(v.lastSeen) > visitorIdleTimeout {
					delete(visitors, ip)
				}
			}
			mu.Unlock()
		}
	}()

	return func(c *gin.Context) {
		ip := c.ClientIP()

		mu.Lock()
		v, ok := visitors[ip]
		if !ok {
			v = &visitor{limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.BurstSize)}
			visitors[ip] = v
		}
		v.lastSeen = time.Now()
		mu.Unlock()

		if !v.limiter.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// RequireProject answers 409 when no project is selected.
func RequireProject(projects core.ProjectContext) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := projects.CurrentProject(c.Request.Context()); !ok {
			abortWithError(c, core.ErrNoProject)
			return
		}
		c.Next()
	}
}
