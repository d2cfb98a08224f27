package nodex

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/david-hosier/node.x/internal/date"
	"github.com/david-hosier/node.x/internal/transport"
)

// RequestHandler is invoked once per request after its head is parsed.
// Body data and the end of the request are delivered through the
// handlers registered on the request.
type RequestHandler func(req *ServerRequest)

// WebsocketHandler is invoked once per accepted websocket upgrade.
type WebsocketHandler func(ws *WebSocket)

// Server accepts HTTP/1.1 connections and dispatches requests and
// websocket upgrades to the registered handlers.
type Server struct {
	config ServerConfig
	logger *zap.Logger
	tls    *tls.Config

	mu             sync.RWMutex
	requestHandler RequestHandler
	wsHandler      WebsocketHandler
	listener       transport.Listener
	workers        *ants.Pool
	releaseDate    func()
}

// NewServer creates a server. Handlers may be registered before or after
// Listen.
func NewServer(config ServerConfig) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	tlsCfg, err := config.tlsConfig()
	if err != nil {
		return nil, err
	}
	return &Server{
		config: config,
		logger: config.Logger.Named("server"),
		tls:    tlsCfg,
	}, nil
}

// RequestHandler sets the handler for HTTP requests. Without one every
// request is answered with 404.
func (s *Server) RequestHandler(h RequestHandler) *Server {
	s.mu.Lock()
	s.requestHandler = h
	s.mu.Unlock()
	return s
}

// WebsocketHandler sets the handler for websocket upgrades. Without one,
// upgrade requests are dispatched as plain requests.
func (s *Server) WebsocketHandler(h WebsocketHandler) *Server {
	s.mu.Lock()
	s.wsHandler = h
	s.mu.Unlock()
	return s
}

func (s *Server) handlers() (RequestHandler, WebsocketHandler) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.requestHandler, s.wsHandler
}

// Listen binds to host:port. An empty host listens on all interfaces.
func (s *Server) Listen(port int, host string) error {
	if host == "" {
		host = "0.0.0.0"
	}
	return s.ListenAddr(net.JoinHostPort(host, strconv.Itoa(port)))
}

// ListenAddr binds to addr and returns once the server accepts connections.
func (s *Server) ListenAddr(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.New("nodex: server already listening")
	}
	workers, err := ants.NewPool(s.config.SendFileWorkers)
	if err != nil {
		return err
	}
	release := date.Acquire()
	ln, err := transport.Listen(addr, &serverEvents{srv: s}, transport.Options{
		Logger:       s.logger,
		Multicore:    s.config.Multicore,
		NumEventLoop: s.config.NumEventLoop,
		ReusePort:    s.config.ReusePort,
		TCPKeepAlive: s.config.TCPKeepAlive,
		TCPNoDelay:   s.config.TCPNoDelay,
		TLS:          s.tls,
	})
	if err != nil {
		release()
		workers.Release()
		return err
	}
	s.listener = ln
	s.workers = workers
	s.releaseDate = release
	return nil
}

// Addr returns the bound address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr()
}

// Shutdown stops accepting connections and closes the open ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln, workers, release := s.listener, s.workers, s.releaseDate
	s.listener, s.workers, s.releaseDate = nil, nil, nil
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	err := ln.Close(ctx)
	if workers != nil {
		err = multierr.Append(err, workers.ReleaseTimeout(time.Second))
	}
	release()
	s.logger.Info("server closed", zap.String("addr", ln.Addr()))
	return err
}

// Close shuts the server down asynchronously and reports the outcome to
// done, which may be nil.
func (s *Server) Close(done func(error)) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := s.Shutdown(ctx)
		if done != nil {
			done(err)
		}
	}()
}

func (s *Server) submit(task func()) error {
	s.mu.RLock()
	workers := s.workers
	s.mu.RUnlock()
	if workers == nil {
		return ErrConnectionClosed
	}
	return workers.Submit(task)
}

// serverEvents binds transport events to per-connection state.
type serverEvents struct {
	srv *Server
}

func (e *serverEvents) OnOpen(tc transport.Conn) {
	serverConnections.Inc()
	tc.SetContext(newServerConn(e.srv, tc))
}

func (e *serverEvents) OnData(tc transport.Conn, data []byte) {
	if c, ok := tc.Context().(*serverConn); ok {
		c.onData(data)
	}
}

func (e *serverEvents) OnClose(tc transport.Conn, err error) {
	serverConnections.Dec()
	if c, ok := tc.Context().(*serverConn); ok {
		c.onClose(err)
	}
}
