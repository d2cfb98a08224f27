package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

const readBufferSize = 32 << 10

// executor runs posted tasks one at a time on a dedicated goroutine.
type executor struct {
	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []func()
	stopped bool
}

func newExecutor() *executor {
	e := &executor{}
	e.cond = sync.NewCond(&e.mu)
	go e.run()
	return e
}

func (e *executor) post(task func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return false
	}
	e.tasks = append(e.tasks, task)
	e.cond.Signal()
	return true
}

// stop rejects further tasks; tasks already queued still run.
func (e *executor) stop() {
	e.mu.Lock()
	e.stopped = true
	e.cond.Signal()
	e.mu.Unlock()
}

func (e *executor) run() {
	for {
		e.mu.Lock()
		for len(e.tasks) == 0 && !e.stopped {
			e.cond.Wait()
		}
		tasks := e.tasks
		e.tasks = nil
		stopped := e.stopped
		e.mu.Unlock()
		for _, task := range tasks {
			task()
		}
		if stopped && len(tasks) == 0 {
			return
		}
	}
}

type writeReq struct {
	bufs [][]byte
	done func(error)
}

// streamConn drives a net.Conn with a reader goroutine, a writer goroutine
// and an executor that serializes every handler call.
type streamConn struct {
	nc      net.Conn
	id      string
	remote  net.Addr
	secure  bool
	handler Handler
	exec    *executor
	logger  *zap.Logger
	value   any

	mu        sync.Mutex
	readCond  *sync.Cond
	writeCond *sync.Cond
	queue     []writeReq
	paused    bool
	closing   bool
	closed    bool
	onClosed  func(*streamConn)
}

func startStreamConn(nc net.Conn, secure bool, h Handler, logger *zap.Logger, onClosed func(*streamConn)) *streamConn {
	c := &streamConn{
		nc:       nc,
		id:       uuid.NewString(),
		remote:   nc.RemoteAddr(),
		secure:   secure,
		handler:  h,
		exec:     newExecutor(),
		logger:   logger,
		onClosed: onClosed,
	}
	c.readCond = sync.NewCond(&c.mu)
	c.writeCond = sync.NewCond(&c.mu)

	opened := make(chan struct{})
	c.exec.post(func() {
		logger.Debug("connection opened", zap.String("conn", c.id), zap.Stringer("remote", c.remote))
		h.OnOpen(c)
		close(opened)
	})
	<-opened
	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *streamConn) ID() string           { return c.id }
func (c *streamConn) RemoteAddr() net.Addr { return c.remote }
func (c *streamConn) Secure() bool         { return c.secure }
func (c *streamConn) SetContext(v any)     { c.value = v }
func (c *streamConn) Context() any         { return c.value }

func (c *streamConn) Write(bufs [][]byte, done func(error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.closing {
		return ErrClosed
	}
	c.queue = append(c.queue, writeReq{bufs: bufs, done: done})
	c.writeCond.Signal()
	return nil
}

func (c *streamConn) Execute(task func()) error {
	if !c.exec.post(task) {
		return ErrClosed
	}
	return nil
}

func (c *streamConn) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

func (c *streamConn) Resume() {
	c.mu.Lock()
	c.paused = false
	c.readCond.Signal()
	c.mu.Unlock()
}

func (c *streamConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.closing {
		return nil
	}
	c.closing = true
	c.writeCond.Signal()
	return nil
}

func (c *streamConn) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		c.mu.Lock()
		for c.paused && !c.closed {
			c.readCond.Wait()
		}
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		n, err := c.nc.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			c.exec.post(func() { c.handler.OnData(c, data) })
		}
		if err != nil {
			c.shutdown(err)
			return
		}
	}
}

func (c *streamConn) writeLoop() {
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closing && !c.closed {
			c.writeCond.Wait()
		}
		if c.closed || len(c.queue) == 0 {
			c.mu.Unlock()
			// Graceful close once every queued write is flushed.
			_ = c.nc.Close()
			return
		}
		batch := c.queue
		c.queue = nil
		c.mu.Unlock()

		for _, w := range batch {
			bufs := net.Buffers(w.bufs)
			_, err := bufs.WriteTo(c.nc)
			if w.done != nil {
				done := w.done
				c.exec.post(func() { done(err) })
			}
			if err != nil {
				c.shutdown(err)
				return
			}
		}
	}
}

// shutdown runs once: it closes the socket and posts OnClose behind any
// already queued events.
func (c *streamConn) shutdown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	graceful := c.closing
	c.closed = true
	c.readCond.Broadcast()
	c.writeCond.Broadcast()
	c.mu.Unlock()

	_ = c.nc.Close()
	if graceful || errors.Is(err, net.ErrClosed) {
		err = nil
	}
	c.exec.post(func() {
		c.logger.Debug("connection closed", zap.String("conn", c.id), zap.Error(err))
		c.handler.OnClose(c, err)
		if c.onClosed != nil {
			c.onClosed(c)
		}
	})
	c.exec.stop()
}

func dialTLS(ctx context.Context, nc net.Conn, addr string, h Handler, opts Options) (Conn, error) {
	cfg := opts.TLS
	if cfg.ServerName == "" && !cfg.InsecureSkipVerify {
		cfg = cfg.Clone()
		host, _, err := net.SplitHostPort(addr)
		if err == nil {
			cfg.ServerName = host
		}
	}
	ctx, cancel := context.WithTimeout(ctx, opts.HandshakeTimeout)
	defer cancel()
	tc := tls.Client(nc, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = nc.Close()
		return nil, &TLSError{Addr: addr, Err: err}
	}
	return startStreamConn(tc, true, h, opts.Logger, nil), nil
}

// tlsListener accepts TCP connections and completes the TLS handshake on a
// worker before the connection is handed to the handler. Connections that
// fail the handshake never reach OnOpen.
type tlsListener struct {
	ln      net.Listener
	opts    Options
	handler Handler
	workers *ants.Pool
	logger  *zap.Logger

	mu     sync.Mutex
	conns  map[*streamConn]struct{}
	closed bool
	done   chan struct{}
}

func listenTLS(addr string, h Handler, opts Options) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	workers, err := ants.NewPool(opts.Workers)
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	l := &tlsListener{
		ln:      ln,
		opts:    opts,
		handler: h,
		workers: workers,
		logger:  opts.Logger,
		conns:   make(map[*streamConn]struct{}),
		done:    make(chan struct{}),
	}
	go l.serve()
	opts.Logger.Info("listening", zap.String("addr", addr), zap.Bool("tls", true))
	return l, nil
}

func (l *tlsListener) Addr() string {
	return l.ln.Addr().String()
}

func (l *tlsListener) serve() {
	defer close(l.done)
	for {
		nc, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		if tc, ok := nc.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(l.opts.TCPNoDelay)
			if l.opts.TCPKeepAlive > 0 {
				_ = tc.SetKeepAlive(true)
				_ = tc.SetKeepAlivePeriod(l.opts.TCPKeepAlive)
			}
		}
		if err := l.workers.Submit(func() { l.handshake(nc) }); err != nil {
			_ = nc.Close()
		}
	}
}

func (l *tlsListener) handshake(nc net.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), l.opts.HandshakeTimeout)
	defer cancel()
	tc := tls.Server(nc, l.opts.TLS)
	if err := tc.HandshakeContext(ctx); err != nil {
		l.logger.Debug("tls handshake failed", zap.Stringer("remote", nc.RemoteAddr()), zap.Error(err))
		_ = nc.Close()
		return
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = tc.Close()
		return
	}
	l.mu.Unlock()
	c := startStreamConn(tc, true, l.handler, l.logger, l.forget)
	l.mu.Lock()
	l.conns[c] = struct{}{}
	l.mu.Unlock()
}

func (l *tlsListener) forget(c *streamConn) {
	l.mu.Lock()
	delete(l.conns, c)
	l.mu.Unlock()
}

func (l *tlsListener) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conns := make([]*streamConn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	err := l.ln.Close()
	for _, c := range conns {
		c.shutdown(nil)
	}
	select {
	case <-l.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	l.workers.Release()
	return err
}
