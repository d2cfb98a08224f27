package nodex

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/valyala/bytebufferpool"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/http/httpguts"

	"github.com/david-hosier/node.x/internal/h1"
	"github.com/david-hosier/node.x/internal/ws"
)

type wsUpgrade struct {
	key     string
	handler func(*WebSocket, error)
}

// ClientRequest is an outbound request. Headers and body may be written
// before a connection is assigned; bytes are queued until then.
type ClientRequest struct {
	client  *Client
	hp      *hostPool
	method  string
	uri     string
	handler ResponseHandler
	span    trace.Span
	upgrade *wsUpgrade

	mu               sync.Mutex
	header           h1.Header
	trailer          h1.Header
	chunked          bool
	headSent         bool
	ended            bool
	done             bool
	responded        bool
	written          int64
	contentLength    int64
	awaitingContinue bool
	declined         bool
	held             []*bytebufferpool.ByteBuffer
	outbox           []*bytebufferpool.ByteBuffer
	outboxBytes      int
	queueMax         int
	wired            bool
	conn             *clientConn
	continueHandler  func()
	drainHandler     func()
	exceptionHandler func(error)
}

func newClientRequest(c *Client, hp *hostPool, method, uri string, handler ResponseHandler) *ClientRequest {
	r := &ClientRequest{
		client:        c,
		hp:            hp,
		method:        method,
		uri:           uri,
		handler:       handler,
		contentLength: -1,
		queueMax:      c.config.WriteQueueMaxSize,
	}
	host := c.config.Host
	if hp != nil {
		host = hp.host
	}
	r.span = startClientSpan(c.config.TracerProvider, c.config.Propagator, method, uri, host, &r.header)
	return r
}

// Method returns the request method.
func (r *ClientRequest) Method() string { return r.method }

// URI returns the request target.
func (r *ClientRequest) URI() string { return r.uri }

// PutHeader sets a header, replacing earlier values for the same name.
// value is formatted with fmt.Sprint. Changes after the head was sent are
// ignored.
func (r *ClientRequest) PutHeader(name string, value any) *ClientRequest {
	r.mu.Lock()
	if !r.headSent {
		r.header.Set(name, fmt.Sprint(value))
	}
	r.mu.Unlock()
	return r
}

// PutAllHeaders sets every entry of headers.
func (r *ClientRequest) PutAllHeaders(headers map[string]string) *ClientRequest {
	r.mu.Lock()
	if !r.headSent {
		for k, v := range headers {
			r.header.Set(k, v)
		}
	}
	r.mu.Unlock()
	return r
}

// Headers returns a snapshot of the request headers.
func (r *ClientRequest) Headers() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.header.Map()
}

// PutTrailer sets a trailer field sent after the last chunk.
func (r *ClientRequest) PutTrailer(name string, value any) *ClientRequest {
	r.mu.Lock()
	if !r.ended {
		r.trailer.Set(name, fmt.Sprint(value))
	}
	r.mu.Unlock()
	return r
}

// SetChunked selects chunked transfer encoding. It fails once the head or
// any body byte has been sent.
func (r *ClientRequest) SetChunked(chunked bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.headSent {
		return stateError("set chunked", ErrHeadSent)
	}
	r.chunked = chunked
	return nil
}

// ContinueHandler is called when the server answers 100 Continue. Body
// writes made while waiting for it are held back.
func (r *ClientRequest) ContinueHandler(fn func()) *ClientRequest {
	r.mu.Lock()
	r.continueHandler = fn
	r.mu.Unlock()
	return r
}

// ExceptionHandler receives errors of this request instead of the
// response handler.
func (r *ClientRequest) ExceptionHandler(fn func(err error)) {
	r.mu.Lock()
	r.exceptionHandler = fn
	r.mu.Unlock()
}

// SendHead sends the request head without ending the request.
func (r *ClientRequest) SendHead() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return stateError("send head", ErrRequestEnded)
	}
	if !r.headSent {
		r.sendHeadLocked()
	}
	return nil
}

// Write sends body data. Without chunked mode a Content-Length header
// must have been set.
func (r *ClientRequest) Write(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeLocked(data)
}

// WriteString sends s as body data.
func (r *ClientRequest) WriteString(s string) error {
	return r.Write([]byte(s))
}

// End finishes the request. A fixed-length request with no body gets
// Content-Length: 0. When fewer body bytes were written than the declared
// Content-Length, End fails with ErrContentLength, the request is aborted
// and its connection closed.
func (r *ClientRequest) End() error {
	return r.end(nil)
}

// EndWith writes data and ends the request. When neither Content-Length
// nor chunked mode was set, Content-Length is set to len(data).
func (r *ClientRequest) EndWith(data []byte) error {
	return r.end(data)
}

// EndWithString is EndWith for a string body.
func (r *ClientRequest) EndWithString(s string) error {
	return r.end([]byte(s))
}

func (r *ClientRequest) end(data []byte) error {
	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return stateError("end", ErrRequestEnded)
	}
	if r.declined {
		r.ended = true
		r.mu.Unlock()
		return nil
	}
	if !r.headSent && !r.chunked && !r.header.Has("Content-Length") {
		r.header.Set("Content-Length", strconv.Itoa(len(data)))
	}
	if len(data) > 0 {
		if err := r.writeLocked(data); err != nil {
			r.mu.Unlock()
			return err
		}
	}
	if !r.headSent {
		r.sendHeadLocked()
	}
	if !r.chunked && r.contentLength >= 0 && r.written != r.contentLength {
		r.ended = true
		cc := r.conn
		r.mu.Unlock()
		err := stateError("end", ErrContentLength)
		r.fail(err)
		if cc != nil {
			cc.abort()
		}
		return err
	}
	if r.chunked {
		buf := bytebufferpool.Get()
		buf.B = h1.AppendLastChunk(buf.B, &r.trailer)
		r.sendLocked(buf, true)
	}
	r.ended = true
	cc := r.conn
	r.mu.Unlock()
	if cc != nil {
		cc.onRequestEnded(r)
	}
	return nil
}

func (r *ClientRequest) writeLocked(data []byte) error {
	if r.ended {
		return stateError("write", ErrRequestEnded)
	}
	if r.declined {
		return nil
	}
	if !r.headSent && !r.chunked && !r.header.Has("Content-Length") {
		return stateError("write", ErrLengthRequired)
	}
	if !r.headSent {
		r.sendHeadLocked()
	}
	if !r.chunked && r.contentLength >= 0 && r.written+int64(len(data)) > r.contentLength {
		return stateError("write", ErrContentLength)
	}
	if len(data) == 0 {
		return nil
	}
	buf := bytebufferpool.Get()
	if r.chunked {
		buf.B = h1.AppendChunkHeader(buf.B, len(data))
		buf.B = append(buf.B, data...)
		buf.B = append(buf.B, h1.CRLF...)
	} else {
		buf.B = append(buf.B, data...)
	}
	r.written += int64(len(data))
	r.sendLocked(buf, true)
	return nil
}

func (r *ClientRequest) sendHeadLocked() {
	r.headSent = true
	if !r.header.Has("Host") && r.hp != nil {
		r.header.Set("Host", r.hp.host)
	}
	if r.chunked {
		r.header.Del("Content-Length")
		r.header.Set("Transfer-Encoding", "chunked")
	} else if v, ok := r.header.Lookup("Content-Length"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			r.contentLength = n
		}
	}
	if !r.client.config.KeepAlive && !r.header.Has("Connection") {
		r.header.Set("Connection", "close")
	}
	if expect, ok := r.header.Lookup("Expect"); ok {
		r.awaitingContinue = httpguts.HeaderValuesContainsToken([]string{expect}, "100-continue")
	}
	buf := bytebufferpool.Get()
	buf.B = h1.AppendRequestLine(buf.B, r.method, r.uri)
	buf.B = h1.AppendHeader(buf.B, &r.header)
	buf.B = append(buf.B, h1.CRLF...)
	r.sendLocked(buf, false)
}

// sendLocked routes encoded bytes to the wire, the pre-connection outbox
// or, for body bytes while waiting for 100 Continue, the held list.
func (r *ClientRequest) sendLocked(buf *bytebufferpool.ByteBuffer, body bool) {
	switch {
	case body && r.awaitingContinue:
		r.held = append(r.held, buf)
	case r.conn == nil:
		r.outbox = append(r.outbox, buf)
		r.outboxBytes += len(buf.B)
	default:
		r.writeConnLocked(buf)
	}
}

func (r *ClientRequest) writeConnLocked(buf *bytebufferpool.ByteBuffer) {
	r.wired = true
	if err := r.conn.out.write([][]byte{buf.B}, func(error) { bytebufferpool.Put(buf) }); err != nil {
		bytebufferpool.Put(buf)
	}
}

// attach flushes queued bytes to the newly assigned connection.
func (r *ClientRequest) attach(cc *clientConn) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		cc.abandon(r)
		return
	}
	r.conn = cc
	cc.out.setMax(r.queueMax)
	for _, buf := range r.outbox {
		r.writeConnLocked(buf)
	}
	r.outbox, r.outboxBytes = nil, 0
	ended := r.ended
	r.mu.Unlock()
	if ended {
		cc.onRequestEnded(r)
	}
}

// detach unbinds the request from a connection that closed before any of
// its bytes were written, so it can be retried on another connection.
func (r *ClientRequest) detach(cc *clientConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != cc || r.wired || r.done {
		return false
	}
	r.conn = nil
	return true
}

func (r *ClientRequest) prepareUpgrade(handler func(*WebSocket, error)) error {
	key, err := ws.NewKey()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ws.SetRequestHeaders(&r.header, key)
	r.upgrade = &wsUpgrade{key: key, handler: handler}
	return nil
}

func (r *ClientRequest) upgradeDone(w *WebSocket) {
	r.mu.Lock()
	r.done, r.responded = true, true
	r.mu.Unlock()
	endSpan(r.span, 101, nil)
	clientRequestsTotal.WithLabelValues(r.method, "101").Inc()
	r.upgrade.handler(w, nil)
}

func (r *ClientRequest) failUpgrade(err error) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	r.done, r.responded = true, true
	r.mu.Unlock()
	endSpan(r.span, 0, err)
	clientRequestsTotal.WithLabelValues(r.method, "error").Inc()
	r.upgrade.handler(nil, err)
}

// onContinue releases body bytes held for 100 Continue and notifies the
// continue handler.
func (r *ClientRequest) onContinue() {
	r.mu.Lock()
	if r.awaitingContinue {
		r.awaitingContinue = false
		held := r.held
		r.held = nil
		for _, buf := range held {
			r.sendLocked(buf, true)
		}
	}
	fn := r.continueHandler
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// abandonContinue drops held body bytes when the server answered without
// 100 Continue. Later body writes are discarded and End succeeds without
// sending anything. It reports whether anything was dropped or still
// awaited.
func (r *ClientRequest) abandonContinue() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.awaitingContinue {
		return false
	}
	r.awaitingContinue = false
	for _, buf := range r.held {
		bytebufferpool.Put(buf)
	}
	r.held = nil
	r.declined = true
	return true
}

func (r *ClientRequest) onResponse(resp *ClientResponse) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	r.responded = true
	r.mu.Unlock()
	if r.handler != nil {
		r.handler(resp, nil)
	}
}

// complete records the outcome once the response has ended or failed.
func (r *ClientRequest) complete(status int, err error) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	r.done = true
	r.mu.Unlock()
	clientRequestsTotal.WithLabelValues(r.method, statusLabel(status)).Inc()
	endSpan(r.span, status, err)
}

// fail reports err to the exception handler, or to the response handler
// when no response has been delivered yet.
func (r *ClientRequest) fail(err error) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	r.done = true
	responded := r.responded
	r.responded = true
	exc := r.exceptionHandler
	for _, buf := range r.outbox {
		bytebufferpool.Put(buf)
	}
	r.outbox, r.outboxBytes = nil, 0
	r.mu.Unlock()

	clientRequestsTotal.WithLabelValues(r.method, "error").Inc()
	endSpan(r.span, 0, err)
	switch {
	case exc != nil:
		exc(err)
	case !responded && r.handler != nil:
		r.handler(nil, err)
	default:
		r.client.reportException(err)
	}
}

// SetWriteQueueMaxSize sets the WriteQueueFull threshold in bytes.
func (r *ClientRequest) SetWriteQueueMaxSize(n int) {
	r.mu.Lock()
	if n > 0 {
		r.queueMax = n
	}
	cc := r.conn
	r.mu.Unlock()
	if cc != nil {
		cc.out.setMax(n)
	}
}

// WriteQueueFull reports whether queued bytes reached the limit.
func (r *ClientRequest) WriteQueueFull() bool {
	r.mu.Lock()
	cc := r.conn
	pending := r.outboxBytes
	for _, buf := range r.held {
		pending += len(buf.B)
	}
	max := r.queueMax
	r.mu.Unlock()
	if cc == nil {
		return pending >= max
	}
	return cc.out.writeQueueFull(pending)
}

// DrainHandler is called when a full write queue drains to half its limit.
func (r *ClientRequest) DrainHandler(fn func()) {
	r.mu.Lock()
	r.drainHandler = fn
	r.mu.Unlock()
}

func (r *ClientRequest) onDrain() {
	r.mu.Lock()
	fn := r.drainHandler
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}
