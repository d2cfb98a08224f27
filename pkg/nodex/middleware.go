package nodex

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RequestIDHeader carries the request ID set by the RequestID middleware.
const RequestIDHeader = "X-Request-ID"

// LoggerConfig defines the configuration options for the Logger middleware.
type LoggerConfig struct {
	// Logger receives one entry per finished response (default: zap.L()).
	Logger *zap.Logger
	// SkipPaths lists paths to skip logging (e.g., health checks)
	SkipPaths []string
	// CustomFields adds fields to each log entry
	CustomFields func(req *ServerRequest) []zap.Field
}

// Logger returns a middleware that logs each request once its response ends.
func Logger(logger *zap.Logger) Middleware {
	return LoggerWithConfig(LoggerConfig{Logger: logger})
}

// LoggerWithConfig returns a middleware that logs requests with custom configuration.
func LoggerWithConfig(config LoggerConfig) Middleware {
	if config.Logger == nil {
		config.Logger = zap.L()
	}
	skipMap := make(map[string]bool, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skipMap[path] = true
	}

	return func(next RequestHandler) RequestHandler {
		return func(req *ServerRequest) {
			if skipMap[req.Path()] {
				next(req)
				return
			}
			start := time.Now()
			resp := req.Response()
			var once sync.Once
			entry := func(msg string) {
				once.Do(func() { logEntry(config, req, msg, start) })
			}
			resp.EndHandler(func() { entry("request") })
			resp.CloseHandler(func() { entry("request aborted") })
			next(req)
		}
	}
}

func logEntry(config LoggerConfig, req *ServerRequest, msg string, start time.Time) {
	resp := req.Response()
	fields := []zap.Field{
		zap.String("method", req.Method()),
		zap.String("path", req.Path()),
		zap.Int("status", resp.StatusCode()),
		zap.Duration("duration", time.Since(start)),
		zap.String("remote", remoteAddr(req.conn.tc)),
	}
	if id := resp.Header(RequestIDHeader); id != "" {
		fields = append(fields, zap.String("request_id", id))
	}
	if config.CustomFields != nil {
		fields = append(fields, config.CustomFields(req)...)
	}
	config.Logger.Info(msg, fields...)
}

// Recovery returns a middleware that recovers from handler panics. A 500
// is sent if the head has not gone out yet, otherwise the connection is
// closed.
func Recovery(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.L()
	}
	return func(next RequestHandler) RequestHandler {
		return func(req *ServerRequest) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				logger.Error("handler panic",
					zap.String("method", req.Method()),
					zap.String("path", req.Path()),
					zap.Any("panic", r),
					zap.Stack("stack"))
				resp := req.Response()
				if resp.Ended() {
					return
				}
				if resp.HeadSent() {
					_ = req.conn.tc.Close()
					return
				}
				_ = resp.SetStatusCode(500).EndWithString("Internal Server Error")
			}()
			next(req)
		}
	}
}

// CORSConfig holds CORS middleware configuration.
type CORSConfig struct {
	AllowOrigin      string
	AllowMethods     string
	AllowHeaders     string
	AllowCredentials bool
	MaxAge           int
}

// DefaultCORSConfig returns permissive CORS defaults.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigin:  "*",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS, PATCH",
		AllowHeaders: "Accept, Content-Type, Content-Length, Authorization",
		MaxAge:       3600,
	}
}

// CORS returns a middleware that sets Cross-Origin Resource Sharing
// headers and answers preflight OPTIONS requests with 204.
func CORS(config CORSConfig) Middleware {
	def := DefaultCORSConfig()
	if config.AllowOrigin == "" {
		config.AllowOrigin = def.AllowOrigin
	}
	if config.AllowMethods == "" {
		config.AllowMethods = def.AllowMethods
	}
	if config.AllowHeaders == "" {
		config.AllowHeaders = def.AllowHeaders
	}

	return func(next RequestHandler) RequestHandler {
		return func(req *ServerRequest) {
			resp := req.Response()
			resp.PutHeader("Access-Control-Allow-Origin", config.AllowOrigin)
			resp.PutHeader("Access-Control-Allow-Methods", config.AllowMethods)
			resp.PutHeader("Access-Control-Allow-Headers", config.AllowHeaders)
			if config.AllowCredentials {
				resp.PutHeader("Access-Control-Allow-Credentials", "true")
			}
			if config.MaxAge > 0 {
				resp.PutHeader("Access-Control-Max-Age", config.MaxAge)
			}
			if req.Method() == "OPTIONS" {
				if err := resp.SetStatusCode(204).End(); err != nil {
					req.conn.logger.Warn("cors preflight failed", zap.String("path", req.Path()), zap.Error(err))
				}
				return
			}
			next(req)
		}
	}
}

// RequestID returns a middleware that echoes the inbound X-Request-ID or
// assigns a new UUID to the response.
func RequestID() Middleware {
	return func(next RequestHandler) RequestHandler {
		return func(req *ServerRequest) {
			id := req.Header(RequestIDHeader)
			if id == "" {
				id = uuid.NewString()
			}
			req.Response().PutHeader(RequestIDHeader, id)
			next(req)
		}
	}
}

// Timeout returns a middleware that answers 504 if the response has not
// started within duration. A handler that already sent its head is left
// alone.
func Timeout(duration time.Duration) Middleware {
	return func(next RequestHandler) RequestHandler {
		return func(req *ServerRequest) {
			resp := req.Response()
			timer := time.AfterFunc(duration, func() {
				if resp.Ended() || resp.HeadSent() {
					return
				}
				_ = resp.SetStatusCode(504).EndWithString("Gateway Timeout")
			})
			resp.EndHandler(func() { timer.Stop() })
			resp.CloseHandler(func() { timer.Stop() })
			next(req)
		}
	}
}

// RateLimiterConfig holds configuration for the RateLimiter middleware.
type RateLimiterConfig struct {
	// RequestsPerSecond is the maximum number of requests allowed per second
	RequestsPerSecond int
	// BurstSize is the maximum number of requests that can be burst at once
	BurstSize int
	// KeyFunc returns the rate limiting key (default: client IP)
	KeyFunc func(req *ServerRequest) string
	// SkipPaths lists paths to skip rate limiting (e.g., health checks)
	SkipPaths []string
	// ErrorHandler is called when the rate limit is exceeded (default: 429)
	ErrorHandler RequestHandler
}

// RateLimiter returns a token bucket rate limiter keyed by client IP.
func RateLimiter(requestsPerSecond int) Middleware {
	return RateLimiterWithConfig(RateLimiterConfig{
		RequestsPerSecond: requestsPerSecond,
		SkipPaths:         []string{"/health"},
	})
}

// RateLimiterWithConfig returns a rate limiter with custom configuration.
func RateLimiterWithConfig(config RateLimiterConfig) Middleware {
	if config.RequestsPerSecond <= 0 {
		panic("requests per second must be positive")
	}
	if config.BurstSize <= 0 {
		config.BurstSize = config.RequestsPerSecond * 2
	}
	if config.KeyFunc == nil {
		config.KeyFunc = clientIP
	}
	if config.ErrorHandler == nil {
		config.ErrorHandler = func(req *ServerRequest) {
			_ = req.Response().SetStatusCode(429).EndWithString("Too Many Requests")
		}
	}
	skipMap := make(map[string]bool, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skipMap[path] = true
	}
	limit := strconv.Itoa(config.RequestsPerSecond)
	buckets := &bucketSet{buckets: make(map[string]*tokenBucket), lastSweep: time.Now()}

	return func(next RequestHandler) RequestHandler {
		return func(req *ServerRequest) {
			if skipMap[req.Path()] {
				next(req)
				return
			}
			key := config.KeyFunc(req)
			if key == "" {
				next(req)
				return
			}
			tb := buckets.get(key, config.RequestsPerSecond, config.BurstSize)
			resp := req.Response()
			resp.PutHeader("X-RateLimit-Limit", limit)
			allowed, remaining := tb.allow()
			resp.PutHeader("X-RateLimit-Remaining", remaining)
			if !allowed {
				resp.PutHeader("Retry-After", "1")
				config.ErrorHandler(req)
				return
			}
			next(req)
		}
	}
}

func clientIP(req *ServerRequest) string {
	if ip := req.Header("X-Forwarded-For"); ip != "" {
		return ip
	}
	if ip := req.Header("X-Real-IP"); ip != "" {
		return ip
	}
	addr := req.RemoteAddr()
	if addr == nil {
		return "localhost"
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

const bucketIdle = 10 * time.Minute

// bucketSet holds per-key buckets and drops idle ones on access.
type bucketSet struct {
	mu        sync.Mutex
	buckets   map[string]*tokenBucket
	lastSweep time.Time
}

func (s *bucketSet) get(key string, rate, burst int) *tokenBucket {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Sub(s.lastSweep) > bucketIdle/2 {
		for k, tb := range s.buckets {
			if now.Sub(tb.lastAccess) > bucketIdle {
				delete(s.buckets, k)
			}
		}
		s.lastSweep = now
	}
	tb, ok := s.buckets[key]
	if !ok {
		tb = newTokenBucket(rate, burst)
		s.buckets[key] = tb
	}
	tb.lastAccess = now
	return tb
}

// tokenBucket implements a token bucket rate limiter
type tokenBucket struct {
	mu         sync.Mutex
	capacity   int
	tokens     int
	refillRate int
	lastRefill time.Time
	lastAccess time.Time
}

func newTokenBucket(rate, burst int) *tokenBucket {
	now := time.Now()
	return &tokenBucket{
		capacity:   burst,
		tokens:     burst,
		refillRate: rate,
		lastRefill: now,
		lastAccess: now,
	}
}

// allow consumes a token if one is available and reports what is left.
func (tb *tokenBucket) allow() (bool, int) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	if add := int(elapsed.Seconds() * float64(tb.refillRate)); add > 0 {
		tb.tokens += add
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}
	if tb.tokens > 0 {
		tb.tokens--
		return true, tb.tokens
	}
	return false, 0
}

// HealthConfig holds configuration for the Health middleware.
type HealthConfig struct {
	// Path is the endpoint path for health checks (default: "/health")
	Path string
	// Handler is a custom health check handler (optional)
	Handler RequestHandler
}

var startTime = time.Now()

// Health returns a middleware answering GET /health with a JSON status.
func Health() Middleware {
	return HealthWithConfig(HealthConfig{})
}

// HealthWithConfig returns a health check middleware with custom configuration.
func HealthWithConfig(config HealthConfig) Middleware {
	if config.Path == "" {
		config.Path = "/health"
	}
	if config.Handler == nil {
		config.Handler = func(req *ServerRequest) {
			body, err := json.Marshal(map[string]string{
				"status":    "ok",
				"timestamp": time.Now().UTC().Format(time.RFC3339),
				"uptime":    time.Since(startTime).String(),
			})
			resp := req.Response()
			if err != nil {
				_ = resp.SetStatusCode(500).EndWithString(fmt.Sprintf("health: %v", err))
				return
			}
			_ = resp.PutHeader("Content-Type", "application/json").EndWith(body)
		}
	}

	return func(next RequestHandler) RequestHandler {
		return func(req *ServerRequest) {
			if req.Path() == config.Path {
				config.Handler(req)
				return
			}
			next(req)
		}
	}
}
