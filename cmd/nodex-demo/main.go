// Command nodex-demo serves an echo, static, websocket and proxy demo on
// top of the nodex HTTP engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/david-hosier/node.x/internal/logging"
	"github.com/david-hosier/node.x/pkg/nodex"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "nodex-demo:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	var upstream *nodex.Client
	if cc, ok := cfg.clientConfig(); ok {
		cc.Logger = logger
		if upstream, err = nodex.NewClient(cc); err != nil {
			return err
		}
		defer upstream.Close()
		upstream.SetExceptionHandler(func(err error) {
			logger.Warn("upstream exception", zap.Error(err))
		})
	}

	sc := cfg.serverConfig()
	sc.Logger = logger
	server, err := nodex.NewServer(sc)
	if err != nil {
		return err
	}
	server.RequestHandler(newRouter(cfg, logger, upstream).Serve)
	server.WebsocketHandler(echoWebsocket)

	if err := server.Listen(cfg.Port, cfg.Host); err != nil {
		return err
	}
	logger.Info("listening", zap.String("addr", server.Addr()), zap.Bool("tls", cfg.TLS.Enabled))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func newRouter(cfg Config, logger *zap.Logger, upstream *nodex.Client) *nodex.Router {
	router := nodex.NewRouter()
	router.Use(nodex.Recovery(logger), nodex.RequestID(), nodex.Logger(logger), nodex.Health())
	if cfg.RateLimit > 0 {
		router.Use(nodex.RateLimiter(cfg.RateLimit))
	}
	if cfg.Timeout > 0 {
		router.Use(nodex.Timeout(cfg.Timeout))
	}

	router.GET("/", func(req *nodex.ServerRequest) {
		_ = req.Response().PutHeader("Content-Type", "text/plain").EndWithString("nodex demo\n")
	})
	router.POST("/echo", echoBody)
	router.PUT("/echo", echoBody)
	if cfg.MetricsPath != "" {
		router.GET(cfg.MetricsPath, nodex.MetricsHandler(nil))
	}
	if cfg.StaticDir != "" {
		router.Static("/static", cfg.StaticDir)
	}
	if upstream != nil {
		p := proxyHandler(upstream, logger)
		for _, m := range []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS"} {
			router.Handle(m, "/proxy/*path", p)
		}
	}
	return router
}

// echoBody streams the request body back as a chunked response.
func echoBody(req *nodex.ServerRequest) {
	resp := req.Response()
	if ct := req.Header("Content-Type"); ct != "" {
		resp.PutHeader("Content-Type", ct)
	}
	_ = resp.SetChunked(true)
	nodex.NewPump(req, resp).Start()
	req.EndHandler(func() { _ = resp.End() })
}

func echoWebsocket(ws *nodex.WebSocket) {
	ws.FrameHandler(func(t nodex.FrameType, data []byte) {
		if t == nodex.TextFrame {
			_ = ws.WriteTextFrame(string(data))
			return
		}
		_ = ws.WriteBinaryFrame(data)
	})
}

var hopByHop = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
	"host":                true,
}

// proxyHandler forwards /proxy/<path> to the upstream client, pumping the
// bodies in both directions.
func proxyHandler(upstream *nodex.Client, logger *zap.Logger) nodex.RequestHandler {
	return func(req *nodex.ServerRequest) {
		resp := req.Response()
		target := "/" + req.Param("path")
		if q := req.Query(); q != "" {
			target += "?" + q
		}
		creq := upstream.Request(req.Method(), target, func(cresp *nodex.ClientResponse, err error) {
			if err != nil {
				logger.Warn("proxy request failed", zap.String("target", target), zap.Error(err))
				_ = resp.SetStatusCode(502).EndWithString("Bad Gateway")
				return
			}
			resp.SetStatusCode(cresp.StatusCode()).SetStatusMessage(cresp.StatusMessage())
			for name, value := range cresp.Headers() {
				if !hopByHop[strings.ToLower(name)] {
					resp.PutHeader(name, value)
				}
			}
			if cresp.Header("Content-Length") == "" {
				_ = resp.SetChunked(true)
			}
			nodex.NewPump(cresp, resp).Start()
			cresp.EndHandler(func() { _ = resp.End() })
			cresp.ExceptionHandler(func(err error) {
				logger.Warn("upstream response failed", zap.Error(err))
				_ = resp.End()
			})
		})
		for name, value := range req.Headers() {
			if !hopByHop[strings.ToLower(name)] {
				creq.PutHeader(name, value)
			}
		}
		if strings.Contains(strings.ToLower(req.Header("Transfer-Encoding")), "chunked") {
			_ = creq.SetChunked(true)
		}
		nodex.NewPump(req, creq).Start()
		req.EndHandler(func() { _ = creq.End() })
	}
}
