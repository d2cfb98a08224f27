package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/panjf2000/gnet/v2"
	"go.uber.org/zap"
)

// loopConn adapts a gnet.Conn. Writes go through AsyncWritev and tasks are
// queued and drained by waking the event loop.
type loopConn struct {
	gc      gnet.Conn
	id      string
	remote  net.Addr
	handler Handler
	value   any
	paused  atomic.Bool

	mu           sync.Mutex
	tasks        []func()
	pending      int
	closed       bool
	closeOnFlush bool
}

func newLoopConn(gc gnet.Conn, h Handler) *loopConn {
	return &loopConn{
		gc:      gc,
		id:      uuid.NewString(),
		remote:  gc.RemoteAddr(),
		handler: h,
	}
}

func (c *loopConn) ID() string           { return c.id }
func (c *loopConn) RemoteAddr() net.Addr { return c.remote }
func (c *loopConn) Secure() bool         { return false }
func (c *loopConn) SetContext(v any)     { c.value = v }
func (c *loopConn) Context() any         { return c.value }

func (c *loopConn) Write(bufs [][]byte, done func(error)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending++
	c.mu.Unlock()

	err := c.gc.AsyncWritev(bufs, func(_ gnet.Conn, err error) error {
		if done != nil {
			done(err)
		}
		c.mu.Lock()
		c.pending--
		closeNow := c.pending == 0 && c.closeOnFlush
		c.mu.Unlock()
		if closeNow {
			return c.gc.Close()
		}
		return nil
	})
	if err != nil {
		c.mu.Lock()
		c.pending--
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *loopConn) Execute(task func()) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.tasks = append(c.tasks, task)
	c.mu.Unlock()
	return c.gc.Wake(nil)
}

func (c *loopConn) Pause() {
	c.paused.Store(true)
}

func (c *loopConn) Resume() {
	if c.paused.CompareAndSwap(true, false) {
		// Data buffered while paused is delivered by the wake-up.
		_ = c.gc.Wake(nil)
	}
}

func (c *loopConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if c.pending > 0 {
		c.closeOnFlush = true
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.gc.Close()
}

func (c *loopConn) runTasks() {
	for {
		c.mu.Lock()
		tasks := c.tasks
		c.tasks = nil
		c.mu.Unlock()
		if len(tasks) == 0 {
			return
		}
		for _, task := range tasks {
			task()
		}
	}
}

// loopEvents implements gnet.EventHandler for both the server engine and
// the client engine. Client connections carry their Handler as the enroll
// context.
type loopEvents struct {
	gnet.BuiltinEventEngine
	handler Handler
	logger  *zap.Logger
	booted  chan struct{}
	engine  gnet.Engine
}

// OnBoot is called when the engine is ready to accept connections.
func (e *loopEvents) OnBoot(eng gnet.Engine) gnet.Action {
	e.engine = eng
	if e.booted != nil {
		close(e.booted)
	}
	return gnet.None
}

// OnOpen binds a loopConn to the new gnet connection.
func (e *loopEvents) OnOpen(gc gnet.Conn) ([]byte, gnet.Action) {
	h := e.handler
	if dh, ok := gc.Context().(Handler); ok {
		h = dh
	}
	if h == nil {
		e.logger.Warn("connection without handler", zap.Stringer("remote", gc.RemoteAddr()))
		return nil, gnet.Close
	}
	lc := newLoopConn(gc, h)
	gc.SetContext(lc)
	e.logger.Debug("connection opened", zap.String("conn", lc.id), zap.Stringer("remote", lc.remote))
	h.OnOpen(lc)
	return nil, gnet.None
}

// OnTraffic runs queued tasks, then delivers readable data unless paused.
func (e *loopEvents) OnTraffic(gc gnet.Conn) gnet.Action {
	lc, ok := gc.Context().(*loopConn)
	if !ok {
		return gnet.Close
	}
	lc.runTasks()
	if lc.paused.Load() {
		return gnet.None
	}
	buf, err := gc.Next(-1)
	if err != nil {
		e.logger.Warn("read failed", zap.String("conn", lc.id), zap.Error(err))
		return gnet.Close
	}
	if len(buf) > 0 {
		lc.handler.OnData(lc, buf)
	}
	return gnet.None
}

// OnClose marks the connection closed, notifies the handler and then runs
// tasks that raced with the close so they observe the closed state.
func (e *loopEvents) OnClose(gc gnet.Conn, err error) gnet.Action {
	lc, ok := gc.Context().(*loopConn)
	if !ok {
		return gnet.None
	}
	lc.mu.Lock()
	lc.closed = true
	lc.mu.Unlock()
	e.logger.Debug("connection closed", zap.String("conn", lc.id), zap.Error(err))
	lc.handler.OnClose(lc, err)
	lc.runTasks()
	return gnet.None
}

func loopOptions(opts Options) []gnet.Option {
	o := []gnet.Option{
		gnet.WithMulticore(opts.Multicore),
		gnet.WithReusePort(opts.ReusePort),
		gnet.WithLogger(opts.Logger.Named("gnet").Sugar()),
		gnet.WithLoadBalancing(gnet.RoundRobin),
	}
	if opts.TCPNoDelay {
		o = append(o, gnet.WithTCPNoDelay(gnet.TCPNoDelay))
	} else {
		o = append(o, gnet.WithTCPNoDelay(gnet.TCPDelay))
	}
	if opts.TCPKeepAlive > 0 {
		o = append(o, gnet.WithTCPKeepAlive(opts.TCPKeepAlive))
	}
	if opts.NumEventLoop > 0 {
		o = append(o, gnet.WithNumEventLoop(opts.NumEventLoop))
	}
	return o
}

// loopServer is a gnet engine accepting plain TCP connections.
type loopServer struct {
	events *loopEvents
	addr   string
}

func listenLoop(addr string, h Handler, opts Options) (Listener, error) {
	events := &loopEvents{
		handler: h,
		logger:  opts.Logger,
		booted:  make(chan struct{}),
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- gnet.Run(events, "tcp://"+addr, loopOptions(opts)...)
	}()
	select {
	case <-events.booted:
	case err := <-errCh:
		if err == nil {
			err = errors.New("transport: engine exited before boot")
		}
		return nil, err
	}
	opts.Logger.Info("listening", zap.String("addr", addr), zap.Bool("multicore", opts.Multicore))
	return &loopServer{events: events, addr: addr}, nil
}

func (s *loopServer) Addr() string {
	return s.addr
}

func (s *loopServer) Close(ctx context.Context) error {
	return s.events.engine.Stop(ctx)
}

// loopClient is a gnet client engine driving outbound plain TCP connections.
type loopClient struct {
	cli *gnet.Client
}

func newLoopClient(opts Options) (*loopClient, error) {
	events := &loopEvents{logger: opts.Logger}
	cli, err := gnet.NewClient(events, loopOptions(opts)...)
	if err != nil {
		return nil, err
	}
	if err := cli.Start(); err != nil {
		return nil, err
	}
	return &loopClient{cli: cli}, nil
}

func (l *loopClient) enroll(nc net.Conn, h Handler) (Conn, error) {
	gc, err := l.cli.EnrollContext(nc, h)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	lc, ok := gc.Context().(*loopConn)
	if !ok {
		_ = gc.Close()
		return nil, ErrClosed
	}
	return lc, nil
}

func (l *loopClient) stop() error {
	return l.cli.Stop()
}
