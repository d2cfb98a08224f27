package nodex

import (
	"errors"
	"net"
	"sync"
	"time"

	gws "github.com/gobwas/ws"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"

	"github.com/david-hosier/node.x/internal/h1"
	"github.com/david-hosier/node.x/internal/transport"
	"github.com/david-hosier/node.x/internal/ws"
)

// closeTimeout bounds how long a locally initiated close waits for the
// peer's close frame before dropping the connection.
const closeTimeout = 5 * time.Second

// FrameType distinguishes text from binary websocket messages.
type FrameType int

const (
	TextFrame FrameType = iota
	BinaryFrame
)

// WebSocket is an upgraded connection exchanging RFC 6455 frames. All
// methods are safe for concurrent use.
type WebSocket struct {
	uri    string
	header *h1.Header
	tc     transport.Conn
	in     *inbound
	out    *outbound
	dec    *ws.Decoder
	masked bool
	logger *zap.Logger

	mu               sync.Mutex
	closeSent        bool
	closeRecv        bool
	closed           bool
	closeTimer       *time.Timer
	dataHandler      func([]byte)
	frameHandler     func(FrameType, []byte)
	closedHandler    func()
	exceptionHandler func(error)
	drainHandler     func()
}

func newWebSocket(uri string, header *h1.Header, tc transport.Conn, in *inbound, out *outbound, server bool, maxMessage int64, logger *zap.Logger) *WebSocket {
	w := &WebSocket{
		uri:    uri,
		header: header,
		tc:     tc,
		in:     in,
		out:    out,
		dec:    ws.NewDecoder(server, maxMessage),
		masked: !server,
		logger: logger,
	}
	out.mu.Lock()
	out.onDrain = w.onDrain
	out.mu.Unlock()
	return w
}

// URI returns the request URI of the upgrade request.
func (w *WebSocket) URI() string {
	return w.uri
}

// Header returns a header of the upgrade request (server side) or of the
// upgrade response (client side).
func (w *WebSocket) Header(name string) string {
	return w.header.Get(name)
}

// RemoteAddr returns the peer address.
func (w *WebSocket) RemoteAddr() net.Addr {
	return w.tc.RemoteAddr()
}

// WriteTextFrame sends s as a single text frame.
func (w *WebSocket) WriteTextFrame(s string) error {
	return w.writeData(gws.OpText, []byte(s))
}

// WriteBinaryFrame sends data as a single binary frame.
func (w *WebSocket) WriteBinaryFrame(data []byte) error {
	return w.writeData(gws.OpBinary, data)
}

// Write sends data as a binary frame.
func (w *WebSocket) Write(data []byte) error {
	return w.WriteBinaryFrame(data)
}

func (w *WebSocket) writeData(op gws.OpCode, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closeSent || w.closed {
		return ErrClosed
	}
	if err := w.writeFrameLocked(op, data); err != nil {
		return err
	}
	websocketFrames.WithLabelValues("out", opName(op)).Inc()
	return nil
}

func (w *WebSocket) writeFrameLocked(op gws.OpCode, payload []byte) error {
	buf := bytebufferpool.Get()
	if err := ws.WriteFrame(buf, op, payload, w.masked); err != nil {
		bytebufferpool.Put(buf)
		return err
	}
	return w.out.write([][]byte{buf.B}, func(error) { bytebufferpool.Put(buf) })
}

// Close starts the closing handshake with status 1000. Writes made after
// Close fail with ErrClosed.
func (w *WebSocket) Close() error {
	return w.CloseWithStatus(gws.StatusNormalClosure, "")
}

// CloseWithStatus starts the closing handshake with the given status.
func (w *WebSocket) CloseWithStatus(code gws.StatusCode, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closeSent || w.closed {
		return nil
	}
	w.closeSent = true
	err := w.writeFrameLocked(gws.OpClose, ws.ClosePayload(code, reason))
	if w.closeRecv {
		_ = w.tc.Close()
		return err
	}
	w.closeTimer = time.AfterFunc(closeTimeout, func() { _ = w.tc.Close() })
	return err
}

// DataHandler receives the payload of every text and binary message.
func (w *WebSocket) DataHandler(fn func(data []byte)) {
	w.mu.Lock()
	w.dataHandler = fn
	w.mu.Unlock()
}

// FrameHandler receives every text and binary message with its type.
func (w *WebSocket) FrameHandler(fn func(t FrameType, data []byte)) {
	w.mu.Lock()
	w.frameHandler = fn
	w.mu.Unlock()
}

// ClosedHandler is called once when the underlying connection closes.
func (w *WebSocket) ClosedHandler(fn func()) {
	w.mu.Lock()
	w.closedHandler = fn
	w.mu.Unlock()
}

// EndHandler is an alias of ClosedHandler.
func (w *WebSocket) EndHandler(fn func()) {
	w.ClosedHandler(fn)
}

// ExceptionHandler receives protocol and connection errors.
func (w *WebSocket) ExceptionHandler(fn func(err error)) {
	w.mu.Lock()
	w.exceptionHandler = fn
	w.mu.Unlock()
}

// Pause stops frame delivery until Resume.
func (w *WebSocket) Pause() {
	w.in.pause()
}

// Resume restarts frame delivery.
func (w *WebSocket) Resume() {
	w.in.resume(w.process)
}

// SetWriteQueueMaxSize sets the WriteQueueFull threshold in bytes.
func (w *WebSocket) SetWriteQueueMaxSize(n int) {
	w.out.setMax(n)
}

// WriteQueueFull reports whether queued outbound bytes reached the limit.
func (w *WebSocket) WriteQueueFull() bool {
	return w.out.writeQueueFull(0)
}

// DrainHandler is called when a full write queue drains to half its limit.
func (w *WebSocket) DrainHandler(fn func()) {
	w.mu.Lock()
	w.drainHandler = fn
	w.mu.Unlock()
}

func (w *WebSocket) onDrain() {
	w.mu.Lock()
	fn := w.drainHandler
	w.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// process decodes buffered frames. It runs on the connection's context.
func (w *WebSocket) process() {
	for !w.in.paused.Load() {
		msg, ok, n, err := w.dec.Decode(w.in.pending())
		if err != nil {
			w.protocolFailure(err)
			return
		}
		if n == 0 {
			break
		}
		w.in.consume(n)
		if ok {
			w.handle(msg)
		}
	}
	w.in.compact()
}

func (w *WebSocket) handle(msg ws.Message) {
	switch msg.Op {
	case gws.OpPing:
		w.mu.Lock()
		if !w.closeSent && !w.closed {
			_ = w.writeFrameLocked(gws.OpPong, msg.Payload)
		}
		w.mu.Unlock()
	case gws.OpPong:
	case gws.OpClose:
		code, reason, err := ws.ParseClosePayload(msg.Payload)
		if err != nil {
			w.protocolFailure(err)
			return
		}
		w.logger.Debug("websocket close received", zap.Int("code", int(code)), zap.String("reason", reason))
		w.mu.Lock()
		w.closeRecv = true
		if !w.closeSent {
			w.closeSent = true
			if code == gws.StatusNoStatusRcvd {
				code = gws.StatusNormalClosure
			}
			_ = w.writeFrameLocked(gws.OpClose, ws.ClosePayload(code, ""))
		}
		w.mu.Unlock()
		_ = w.tc.Close()
	default:
		websocketFrames.WithLabelValues("in", opName(msg.Op)).Inc()
		w.mu.Lock()
		data, frame := w.dataHandler, w.frameHandler
		w.mu.Unlock()
		t := TextFrame
		if msg.Op == gws.OpBinary {
			t = BinaryFrame
		}
		if frame != nil {
			frame(t, msg.Payload)
		}
		if data != nil {
			data(msg.Payload)
		}
	}
}

func (w *WebSocket) protocolFailure(err error) {
	w.logger.Warn("websocket protocol error", zap.Error(err))
	code := gws.StatusProtocolError
	var pe *ws.ProtocolError
	if errors.As(err, &pe) {
		code = pe.Code
	}
	w.mu.Lock()
	if !w.closeSent && !w.closed {
		w.closeSent = true
		_ = w.writeFrameLocked(gws.OpClose, ws.ClosePayload(code, ""))
	}
	fn := w.exceptionHandler
	w.mu.Unlock()
	if fn != nil {
		fn(err)
	}
	_ = w.tc.Close()
}

// onClose runs on the connection's context when the transport closes.
func (w *WebSocket) onClose(err error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	if w.closeTimer != nil {
		w.closeTimer.Stop()
	}
	clean := w.closeSent && w.closeRecv
	exc, closed := w.exceptionHandler, w.closedHandler
	w.mu.Unlock()
	if !clean && err != nil && exc != nil {
		exc(&ConnectionError{Op: "websocket", Addr: remoteAddr(w.tc), Err: err})
	}
	if closed != nil {
		closed()
	}
}

func opName(op gws.OpCode) string {
	if op == gws.OpBinary {
		return "binary"
	}
	return "text"
}
