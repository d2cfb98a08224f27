// Package transport delivers connection events to protocol handlers. Every
// event for one connection runs on that connection's own execution context:
// an event loop for plain TCP, a dedicated goroutine for TLS.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// ErrClosed is returned when operating on a closed connection.
var ErrClosed = errors.New("transport: connection closed")

// Conn is one transport pipe bound to a single execution context.
type Conn interface {
	// ID is unique per connection and stable for its lifetime.
	ID() string
	RemoteAddr() net.Addr
	// Secure reports whether the connection runs over TLS.
	Secure() bool

	// SetContext and Context store per-connection protocol state. They must
	// only be used from the connection's context.
	SetContext(v any)
	Context() any

	// Write queues bufs in call order from any goroutine. done runs on the
	// connection's context once the bytes reached the socket or failed.
	Write(bufs [][]byte, done func(err error)) error
	// Execute runs task on the connection's context.
	Execute(task func()) error
	// Pause stops data delivery until Resume. Data already read may still
	// be delivered once.
	Pause()
	Resume()
	// Close closes the connection after queued writes are flushed.
	Close() error
}

// Handler receives connection events. All calls for a given Conn are
// serialized on its context. OnData's slice is only valid for the call.
type Handler interface {
	OnOpen(c Conn)
	OnData(c Conn, data []byte)
	OnClose(c Conn, err error)
}

// Listener accepts inbound connections.
type Listener interface {
	Addr() string
	Close(ctx context.Context) error
}

// Options configures listeners and dialers.
type Options struct {
	Logger       *zap.Logger
	Multicore    bool
	NumEventLoop int
	ReusePort    bool
	TCPKeepAlive time.Duration
	TCPNoDelay   bool
	// TLS selects the goroutine engine when non-nil.
	TLS *tls.Config
	// HandshakeTimeout bounds TLS handshakes. Zero means 10s.
	HandshakeTimeout time.Duration
	// Workers runs blocking dials and handshakes. Zero means 64.
	Workers int
}

func (o *Options) normalize() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.Workers <= 0 {
		o.Workers = 64
	}
}

// Listen starts accepting connections on addr and dispatches them to h.
func Listen(addr string, h Handler, opts Options) (Listener, error) {
	opts.normalize()
	if opts.TLS != nil {
		return listenTLS(addr, h, opts)
	}
	return listenLoop(addr, h, opts)
}

// TLSError reports a failed TLS handshake.
type TLSError struct {
	Addr string
	Err  error
}

func (e *TLSError) Error() string {
	return "tls handshake with " + e.Addr + " failed: " + e.Err.Error()
}

func (e *TLSError) Unwrap() error {
	return e.Err
}

// Dialer opens outbound connections using the engine matching its options.
type Dialer struct {
	opts    Options
	loop    *loopClient
	workers *ants.Pool
}

// NewDialer creates a dialer. Plain TCP connections are served by a gnet
// client event loop, TLS connections by the goroutine engine.
func NewDialer(opts Options) (*Dialer, error) {
	opts.normalize()
	workers, err := ants.NewPool(opts.Workers)
	if err != nil {
		return nil, err
	}
	d := &Dialer{opts: opts, workers: workers}
	if opts.TLS == nil {
		d.loop, err = newLoopClient(opts)
		if err != nil {
			workers.Release()
			return nil, err
		}
	}
	return d, nil
}

// Dial connects to addr and binds h to the new connection. It blocks until
// the connection is open and h.OnOpen has run.
func (d *Dialer) Dial(ctx context.Context, addr string, h Handler) (Conn, error) {
	nd := net.Dialer{KeepAlive: d.opts.TCPKeepAlive}
	nc, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := nc.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(d.opts.TCPNoDelay)
	}
	if d.opts.TLS == nil {
		return d.loop.enroll(nc, h)
	}
	return dialTLS(ctx, nc, addr, h, d.opts)
}

// DialAsync runs Dial on the worker pool and reports the outcome to cb.
func (d *Dialer) DialAsync(ctx context.Context, addr string, h Handler, cb func(Conn, error)) {
	err := d.workers.Submit(func() {
		c, err := d.Dial(ctx, addr, h)
		cb(c, err)
	})
	if err != nil {
		cb(nil, err)
	}
}

// Close stops the dialer's event loop and worker pool. Open connections
// are closed by the event loop shutdown.
func (d *Dialer) Close() error {
	var err error
	if d.loop != nil {
		err = d.loop.stop()
	}
	d.workers.Release()
	return err
}
