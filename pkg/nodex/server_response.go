package nodex

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"
	"golang.org/x/net/http/httpguts"

	"github.com/david-hosier/node.x/internal/date"
	"github.com/david-hosier/node.x/internal/h1"
)

const sendFileChunk = 32 << 10

var continueLine = []byte("HTTP/1.1 100 Continue\r\n\r\n")

// ErrContentLength is wrapped when a fixed-length body overruns its
// declared Content-Length, or a request ends short of it.
var ErrContentLength = errors.New("nodex: body does not match Content-Length")

// ServerResponse is the outbound half of a ServerRequest. The head is sent
// with the first Write or with End.
type ServerResponse struct {
	conn *serverConn
	req  *ServerRequest

	mu            sync.Mutex
	statusCode    int
	statusMessage string
	header        h1.Header
	trailer       h1.Header
	chunked       bool
	headSent      bool
	ended         bool
	noBody        bool
	contentLength int64
	written       int64
	closeAfter    bool
	closeHandler  func()
	drainHandler  func()
	endHandlers   []func()

	// Guarded by conn.mu.
	held      []heldWrite
	heldBytes int
	heldEnd   bool
}

func newServerResponse(c *serverConn, req *ServerRequest) *ServerResponse {
	return &ServerResponse{
		conn:          c,
		req:           req,
		statusCode:    200,
		contentLength: -1,
		noBody:        req.head.Method == "HEAD",
	}
}

// SetStatusCode sets the status code. It has no effect once the head is sent.
func (r *ServerResponse) SetStatusCode(code int) *ServerResponse {
	r.mu.Lock()
	if !r.headSent {
		r.statusCode = code
	}
	r.mu.Unlock()
	return r
}

// StatusCode returns the status code.
func (r *ServerResponse) StatusCode() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusCode
}

// SetStatusMessage overrides the reason phrase.
func (r *ServerResponse) SetStatusMessage(msg string) *ServerResponse {
	r.mu.Lock()
	if !r.headSent {
		r.statusMessage = msg
	}
	r.mu.Unlock()
	return r
}

// PutHeader sets a header, replacing earlier values for the same name.
// value is formatted with fmt.Sprint.
func (r *ServerResponse) PutHeader(name string, value any) *ServerResponse {
	r.mu.Lock()
	if !r.headSent {
		r.header.Set(name, fmt.Sprint(value))
	}
	r.mu.Unlock()
	return r
}

// PutAllHeaders sets every entry of headers.
func (r *ServerResponse) PutAllHeaders(headers map[string]string) *ServerResponse {
	r.mu.Lock()
	if !r.headSent {
		for k, v := range headers {
			r.header.Set(k, v)
		}
	}
	r.mu.Unlock()
	return r
}

// Header returns the value of a response header set so far.
func (r *ServerResponse) Header(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.header.Get(name)
}

// PutTrailer sets a trailer field, sent after the last chunk of a
// chunked response.
func (r *ServerResponse) PutTrailer(name string, value any) *ServerResponse {
	r.mu.Lock()
	if !r.ended {
		r.trailer.Set(name, fmt.Sprint(value))
	}
	r.mu.Unlock()
	return r
}

// PutAllTrailers sets every entry of trailers.
func (r *ServerResponse) PutAllTrailers(trailers map[string]string) *ServerResponse {
	r.mu.Lock()
	if !r.ended {
		for k, v := range trailers {
			r.trailer.Set(k, v)
		}
	}
	r.mu.Unlock()
	return r
}

// SetChunked selects chunked transfer encoding. It fails once the head
// has been sent.
func (r *ServerResponse) SetChunked(chunked bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.headSent {
		return stateError("set chunked", ErrHeadSent)
	}
	r.chunked = chunked
	return nil
}

// Write sends body data. Without chunked mode a Content-Length header
// must have been set.
func (r *ServerResponse) Write(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeLocked(data, false)
}

// WriteString sends s as body data.
func (r *ServerResponse) WriteString(s string) error {
	return r.Write([]byte(s))
}

// End finishes the response. A fixed-length response with no body gets
// Content-Length: 0.
func (r *ServerResponse) End() error {
	r.mu.Lock()
	hooks, err := r.endLocked(nil)
	r.mu.Unlock()
	runHooks(hooks)
	return err
}

// EndWith writes data and ends the response. When neither Content-Length
// nor chunked mode was set, Content-Length is set to len(data).
func (r *ServerResponse) EndWith(data []byte) error {
	r.mu.Lock()
	if !r.headSent && !r.chunked && !r.header.Has("Content-Length") {
		r.header.Set("Content-Length", strconv.Itoa(len(data)))
	}
	hooks, err := r.endLocked(data)
	r.mu.Unlock()
	runHooks(hooks)
	return err
}

// EndWithString is EndWith for a string body.
func (r *ServerResponse) EndWithString(s string) error {
	return r.EndWith([]byte(s))
}

func (r *ServerResponse) writeLocked(data []byte, end bool) error {
	if r.ended {
		return stateError("write", ErrRequestEnded)
	}
	if !r.headSent && !r.chunked && !r.header.Has("Content-Length") && !r.bodylessLocked() && !(end && len(data) == 0) {
		return stateError("write", ErrLengthRequired)
	}
	if limit := r.declaredLengthLocked(); !r.chunked && limit >= 0 && r.written+int64(len(data)) > limit {
		return stateError("write", ErrContentLength)
	}
	buf := bytebufferpool.Get()
	if !r.headSent {
		r.appendHeadLocked(buf)
	}
	if len(data) > 0 && !r.noBody {
		if r.chunked {
			buf.B = h1.AppendChunkHeader(buf.B, len(data))
			buf.B = append(buf.B, data...)
			buf.B = append(buf.B, h1.CRLF...)
		} else {
			buf.B = append(buf.B, data...)
		}
	}
	r.written += int64(len(data))
	if end {
		if r.chunked && !r.noBody {
			buf.B = h1.AppendLastChunk(buf.B, &r.trailer)
		}
		if !r.chunked && !r.noBody && r.written != r.contentLength {
			r.closeAfter = true
		}
		r.ended = true
	}
	if len(buf.B) == 0 && !end {
		bytebufferpool.Put(buf)
		return nil
	}
	return r.conn.emit(r, [][]byte{buf.B}, func(error) { bytebufferpool.Put(buf) }, end)
}

func (r *ServerResponse) endLocked(data []byte) ([]func(), error) {
	if r.ended {
		return nil, stateError("end", ErrRequestEnded)
	}
	if !r.headSent && !r.chunked && !r.header.Has("Content-Length") && r.statusCode != 204 && r.statusCode != 304 {
		r.header.Set("Content-Length", "0")
	}
	if err := r.writeLocked(data, true); err != nil {
		return nil, err
	}
	return r.finishedLocked(), nil
}

// bodylessLocked reports whether the response never carries a body: a
// HEAD response or status 204 or 304.
func (r *ServerResponse) bodylessLocked() bool {
	return r.noBody || r.statusCode == 204 || r.statusCode == 304
}

// declaredLengthLocked returns the Content-Length in effect, or -1.
func (r *ServerResponse) declaredLengthLocked() int64 {
	if r.headSent {
		return r.contentLength
	}
	if v, ok := r.header.Lookup("Content-Length"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			return n
		}
	}
	return -1
}

// appendHeadLocked serializes the status line and header block.
func (r *ServerResponse) appendHeadLocked(buf *bytebufferpool.ByteBuffer) {
	switch {
	case r.statusCode == 204 || r.statusCode == 304:
		r.noBody = true
	case r.chunked:
		r.header.Del("Content-Length")
		r.header.Set("Transfer-Encoding", "chunked")
	default:
		r.contentLength = r.declaredLengthLocked()
	}
	if r.statusCode == 204 || r.statusCode == 304 {
		r.chunked = false
	}
	head := r.req.head
	conn := r.header.Get("Connection")
	switch {
	case !head.KeepAlive && conn == "":
		r.header.Set("Connection", "close")
	case head.KeepAlive && head.Version == "HTTP/1.0" && conn == "":
		r.header.Set("Connection", "keep-alive")
	}
	r.closeAfter = !head.KeepAlive || httpguts.HeaderValuesContainsToken([]string{conn}, "close")
	if !r.header.Has("Date") {
		r.header.Set("Date", date.Current())
	}
	buf.B = h1.AppendStatusLine(buf.B, r.statusCode, r.statusMessage)
	buf.B = h1.AppendHeader(buf.B, &r.header)
	buf.B = append(buf.B, h1.CRLF...)
	r.headSent = true
}

// writeContinue sends an interim 100 response in pipeline order.
func (r *ServerResponse) writeContinue() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.headSent && !r.ended {
		_ = r.conn.emit(r, [][]byte{continueLine}, nil, false)
	}
}

// finishedLocked records metrics, ends the span and returns the end
// handlers to run once the lock is released.
func (r *ServerResponse) finishedLocked() []func() {
	method := r.req.head.Method
	serverRequestsTotal.WithLabelValues(method, statusLabel(r.statusCode)).Inc()
	serverRequestDuration.WithLabelValues(method).Observe(time.Since(r.req.start).Seconds())
	endSpan(r.req.span, r.statusCode, nil)
	hooks := r.endHandlers
	r.endHandlers = nil
	return hooks
}

func runHooks(hooks []func()) {
	for _, fn := range hooks {
		fn()
	}
}

// HeadSent reports whether the status line and headers were written.
func (r *ServerResponse) HeadSent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.headSent
}

// Ended reports whether End was called or the connection closed.
func (r *ServerResponse) Ended() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}

// EndHandler registers fn to run after the response has ended.
func (r *ServerResponse) EndHandler(fn func()) *ServerResponse {
	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		fn()
		return r
	}
	r.endHandlers = append(r.endHandlers, fn)
	r.mu.Unlock()
	return r
}

// CloseHandler is called if the connection closes before the response ends.
func (r *ServerResponse) CloseHandler(fn func()) *ServerResponse {
	r.mu.Lock()
	r.closeHandler = fn
	r.mu.Unlock()
	return r
}

// SetWriteQueueMaxSize sets the WriteQueueFull threshold for the connection.
func (r *ServerResponse) SetWriteQueueMaxSize(n int) {
	r.conn.out.setMax(n)
}

// WriteQueueFull reports whether unflushed bytes reached the limit.
func (r *ServerResponse) WriteQueueFull() bool {
	return r.conn.out.writeQueueFull(r.conn.heldBytes(r))
}

// DrainHandler is called when a full write queue drains to half its limit.
func (r *ServerResponse) DrainHandler(fn func()) {
	r.mu.Lock()
	r.drainHandler = fn
	r.mu.Unlock()
}

// ExceptionHandler receives connection errors. It is shared with the request.
func (r *ServerResponse) ExceptionHandler(fn func(err error)) {
	r.req.ExceptionHandler(fn)
}

func (r *ServerResponse) onDrain() {
	r.mu.Lock()
	fn := r.drainHandler
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (r *ServerResponse) onConnectionClosed(err error) {
	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return
	}
	r.ended = true
	fn := r.closeHandler
	r.mu.Unlock()
	endSpan(r.req.span, 0, err)
	if fn != nil {
		fn()
	}
}

// SendFile streams the file at path as the response body and ends the
// response. Content-Length is taken from the file size unless chunked
// mode is set. The file is read on a worker goroutine and writes pause
// while the connection's write queue is full.
func (r *ServerResponse) SendFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	if st.IsDir() {
		_ = f.Close()
		return fmt.Errorf("nodex: %s is a directory", path)
	}
	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		_ = f.Close()
		return stateError("send file", ErrRequestEnded)
	}
	if !r.headSent {
		if !r.chunked {
			r.header.Set("Content-Length", strconv.FormatInt(st.Size(), 10))
		}
		if !r.header.Has("Content-Type") {
			if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
				r.header.Set("Content-Type", ct)
			}
		}
	}
	r.mu.Unlock()
	if err := r.conn.srv.submit(func() { r.streamFile(f) }); err != nil {
		_ = f.Close()
		return err
	}
	return nil
}

func (r *ServerResponse) streamFile(f *os.File) {
	defer f.Close()
	drained := make(chan struct{}, 1)
	r.DrainHandler(func() {
		select {
		case drained <- struct{}{}:
		default:
		}
	})
	buf := make([]byte, sendFileChunk)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if werr := r.Write(buf[:n]); werr != nil {
				r.conn.logger.Debug("send file aborted", zap.String("file", f.Name()), zap.Error(werr))
				return
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			r.conn.logger.Warn("send file read failed", zap.String("file", f.Name()), zap.Error(err))
			_ = r.conn.tc.Close()
			return
		}
		for r.WriteQueueFull() {
			select {
			case <-drained:
			case <-r.conn.done:
				return
			}
		}
	}
	if err := r.End(); err != nil {
		r.conn.logger.Debug("send file end failed", zap.Error(err))
	}
}
