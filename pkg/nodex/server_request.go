package nodex

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/david-hosier/node.x/internal/h1"
)

// ServerRequest is an inbound request. Its body is delivered through
// DataHandler and EndHandler; data that arrives before a handler is
// registered is buffered.
type ServerRequest struct {
	conn     *serverConn
	head     *h1.RequestHead
	response *ServerResponse
	path     string
	query    string
	params   map[string]string
	ctx      context.Context
	span     trace.Span
	start    time.Time

	body bodyQueue

	mu      sync.Mutex
	headers map[string]string
	trailer *h1.Header
}

func newServerRequest(c *serverConn, head *h1.RequestHead) *ServerRequest {
	r := &ServerRequest{
		conn:  c,
		head:  head,
		path:  head.URI,
		start: time.Now(),
		body:  bodyQueue{paused: &c.in.paused},
	}
	if i := strings.IndexByte(head.URI, '?'); i >= 0 {
		r.path, r.query = head.URI[:i], head.URI[i+1:]
	}
	cfg := &c.srv.config
	r.ctx, r.span = startServerSpan(cfg.TracerProvider, cfg.Propagator, head.Method, r.path, &head.Header, c.tc.ID())
	r.response = newServerResponse(c, r)
	return r
}

// Method returns the request method.
func (r *ServerRequest) Method() string { return r.head.Method }

// URI returns the request target as sent by the client.
func (r *ServerRequest) URI() string { return r.head.URI }

// Path returns the URI without its query string.
func (r *ServerRequest) Path() string { return r.path }

// Query returns the raw query string without the leading '?'.
func (r *ServerRequest) Query() string { return r.query }

// Version returns "HTTP/1.1" or "HTTP/1.0".
func (r *ServerRequest) Version() string { return r.head.Version }

// Header returns the value of the named header. Repeated headers are
// joined with ", ".
func (r *ServerRequest) Header(name string) string {
	return r.head.Header.Get(name)
}

// Headers returns all headers. The map is built on first use and shared
// by later calls.
func (r *ServerRequest) Headers() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.headers == nil {
		r.headers = r.head.Header.Map()
	}
	return r.headers
}

// HeaderNames returns header names in arrival order.
func (r *ServerRequest) HeaderNames() []string {
	return r.head.Header.Names()
}

// Trailer returns a trailer field of a chunked request body, or "" until
// the body has ended.
func (r *ServerRequest) Trailer(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trailer.Get(name)
}

// Trailers returns the trailer fields received after the last chunk.
func (r *ServerRequest) Trailers() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trailer.Map()
}

// Params returns route parameters captured by Router.
func (r *ServerRequest) Params() map[string]string {
	return r.params
}

// Param returns a single route parameter.
func (r *ServerRequest) Param(name string) string {
	return r.params[name]
}

// RemoteAddr returns the client address.
func (r *ServerRequest) RemoteAddr() net.Addr {
	return r.conn.tc.RemoteAddr()
}

// Context carries the request's trace span.
func (r *ServerRequest) Context() context.Context {
	return r.ctx
}

// Response returns the response paired with this request.
func (r *ServerRequest) Response() *ServerResponse {
	return r.response
}

// DataHandler receives body chunks in arrival order.
func (r *ServerRequest) DataHandler(fn func(data []byte)) {
	r.body.setData(fn)
	r.scheduleFlush()
}

// EndHandler is called once after the last body byte.
func (r *ServerRequest) EndHandler(fn func()) {
	r.body.setEnd(fn)
	r.scheduleFlush()
}

// BodyHandler accumulates the whole body and passes it to fn at the end.
func (r *ServerRequest) BodyHandler(fn func(body []byte)) {
	r.body.setBody(fn)
	r.scheduleFlush()
}

// ExceptionHandler receives body framing errors and connection loss.
func (r *ServerRequest) ExceptionHandler(fn func(err error)) {
	r.body.setException(fn)
}

// Pause stops body delivery for the whole connection until Resume.
func (r *ServerRequest) Pause() {
	r.conn.in.pause()
}

// Resume restarts body delivery.
func (r *ServerRequest) Resume() {
	r.conn.in.resume(func() {
		r.body.flush()
		r.conn.process()
	})
}

func (r *ServerRequest) scheduleFlush() {
	if err := r.conn.tc.Execute(r.body.flush); err != nil {
		r.body.flush()
	}
}

func (r *ServerRequest) deliverData(data []byte) {
	r.body.push(data)
}

func (r *ServerRequest) deliverEnd(trailer *h1.Header) {
	r.mu.Lock()
	r.trailer = trailer
	r.mu.Unlock()
	r.body.finish()
}

func (r *ServerRequest) fail(err error) {
	if fn := r.body.exceptionHandler(); fn != nil {
		fn(err)
		return
	}
	r.conn.logger.Debug("request failed", zap.String("uri", r.head.URI), zap.Error(err))
}
