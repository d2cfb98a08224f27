package nodex

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func startRouter(t *testing.T, router *Router) *Client {
	t.Helper()
	_, port := startServer(t, testServerConfig(), router.Serve)
	return newTestClient(t, port, nil)
}

func TestMiddleware_Logger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	router := NewRouter()
	router.Use(RequestID(), LoggerWithConfig(LoggerConfig{
		Logger:    zap.New(core),
		SkipPaths: []string{"/quiet"},
	}))
	router.GET("/hello", func(req *ServerRequest) {
		_ = req.Response().SetStatusCode(201).EndWithString("hi")
	})
	router.GET("/quiet", func(req *ServerRequest) {
		_ = req.Response().End()
	})
	c := startRouter(t, router)

	require.NoError(t, fetch(t, c, "GET", "/quiet", nil).err)
	res := fetch(t, c, "GET", "/hello", nil)
	require.NoError(t, res.err)

	require.Eventually(t, func() bool { return logs.Len() == 1 }, time.Second, 10*time.Millisecond)
	entry := logs.All()[0]
	fields := entry.ContextMap()
	require.Equal(t, "request", entry.Message)
	require.Equal(t, "GET", fields["method"])
	require.Equal(t, "/hello", fields["path"])
	require.EqualValues(t, 201, fields["status"])
	require.Equal(t, res.resp.Header(RequestIDHeader), fields["request_id"])
}

func TestMiddleware_Recovery(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	router := NewRouter()
	router.Use(Recovery(zap.New(core)))
	router.GET("/panic", func(*ServerRequest) { panic("boom") })
	c := startRouter(t, router)

	res := fetch(t, c, "GET", "/panic", nil)
	require.NoError(t, res.err)
	require.Equal(t, 500, res.status)
	require.Equal(t, 1, logs.FilterMessage("handler panic").Len())

	// The connection keeps serving after a recovered panic.
	res = fetch(t, c, "GET", "/panic", nil)
	require.NoError(t, res.err)
	require.Equal(t, 500, res.status)
}

func TestMiddleware_RequestID(t *testing.T) {
	router := NewRouter()
	router.Use(RequestID())
	router.GET("/", func(req *ServerRequest) { _ = req.Response().End() })
	c := startRouter(t, router)

	res := fetch(t, c, "GET", "/", nil)
	require.NoError(t, res.err)
	_, err := uuid.Parse(res.resp.Header(RequestIDHeader))
	require.NoError(t, err)

	res = fetch(t, c, "GET", "/", func(req *ClientRequest) error {
		req.PutHeader(RequestIDHeader, "given-id")
		return req.End()
	})
	require.NoError(t, res.err)
	require.Equal(t, "given-id", res.resp.Header(RequestIDHeader))
}

func TestMiddleware_CORS(t *testing.T) {
	router := NewRouter()
	router.Use(CORS(CORSConfig{AllowOrigin: "https://example.com", AllowCredentials: true}))
	router.GET("/data", func(req *ServerRequest) { _ = req.Response().EndWithString("data") })
	c := startRouter(t, router)

	res := fetch(t, c, "OPTIONS", "/data", nil)
	require.NoError(t, res.err)
	require.Equal(t, 204, res.status)
	require.Empty(t, res.body)
	require.Empty(t, res.resp.Header("Content-Length"))
	require.Equal(t, "https://example.com", res.resp.Header("Access-Control-Allow-Origin"))
	require.Equal(t, "true", res.resp.Header("Access-Control-Allow-Credentials"))

	res = fetch(t, c, "GET", "/data", nil)
	require.NoError(t, res.err)
	require.Equal(t, "data", res.body)
	require.Equal(t, DefaultCORSConfig().AllowMethods, res.resp.Header("Access-Control-Allow-Methods"))
}

func TestMiddleware_Timeout(t *testing.T) {
	router := NewRouter()
	router.Use(Timeout(50 * time.Millisecond))
	router.GET("/stuck", func(*ServerRequest) {})
	router.GET("/quick", func(req *ServerRequest) { _ = req.Response().EndWithString("quick") })
	c := startRouter(t, router)

	res := fetch(t, c, "GET", "/stuck", nil)
	require.NoError(t, res.err)
	require.Equal(t, 504, res.status)

	res = fetch(t, c, "GET", "/quick", nil)
	require.NoError(t, res.err)
	require.Equal(t, 200, res.status)
}

func TestMiddleware_RateLimiter(t *testing.T) {
	router := NewRouter()
	router.Use(RateLimiterWithConfig(RateLimiterConfig{RequestsPerSecond: 1, BurstSize: 1}))
	router.GET("/", func(req *ServerRequest) { _ = req.Response().End() })
	c := startRouter(t, router)

	res := fetch(t, c, "GET", "/", nil)
	require.NoError(t, res.err)
	require.Equal(t, 200, res.status)
	require.Equal(t, "1", res.resp.Header("X-RateLimit-Limit"))

	res = fetch(t, c, "GET", "/", nil)
	require.NoError(t, res.err)
	require.Equal(t, 429, res.status)
	require.Equal(t, "1", res.resp.Header("Retry-After"))
}

func TestMiddleware_Health(t *testing.T) {
	router := NewRouter()
	router.Use(Health())
	c := startRouter(t, router)

	res := fetch(t, c, "GET", "/health", nil)
	require.NoError(t, res.err)
	require.Equal(t, 200, res.status)
	require.Equal(t, "application/json", res.resp.Header("Content-Type"))
	var body map[string]string
	require.NoError(t, json.Unmarshal([]byte(res.body), &body))
	require.Equal(t, "ok", body["status"])
}

func TestTokenBucket(t *testing.T) {
	tb := newTokenBucket(10, 2)
	ok, remaining := tb.allow()
	require.True(t, ok)
	require.Equal(t, 1, remaining)
	ok, _ = tb.allow()
	require.True(t, ok)
	ok, _ = tb.allow()
	require.False(t, ok)

	tb.mu.Lock()
	tb.lastRefill = tb.lastRefill.Add(-time.Second)
	tb.mu.Unlock()
	ok, remaining = tb.allow()
	require.True(t, ok)
	require.Equal(t, 1, remaining)
}

func TestRateLimiter_InvalidRate(t *testing.T) {
	require.Panics(t, func() { RateLimiter(0) })
}
