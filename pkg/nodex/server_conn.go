package nodex

import (
	"sync"

	"go.uber.org/zap"

	"github.com/david-hosier/node.x/internal/h1"
	"github.com/david-hosier/node.x/internal/transport"
	"github.com/david-hosier/node.x/internal/ws"
)

var badRequest = []byte("HTTP/1.1 400 Bad Request\r\nConnection: close\r\nContent-Length: 0\r\n\r\n")

// heldWrite is output of a response that is not yet at the head of the
// pipeline.
type heldWrite struct {
	bufs [][]byte
	done func(error)
}

type pendingUpgrade struct {
	head *h1.RequestHead
	key  string
}

// serverConn parses requests from one connection and writes their
// responses in request order. Fields above mu are only touched from the
// connection's context.
type serverConn struct {
	srv    *Server
	tc     transport.Conn
	logger *zap.Logger
	in     inbound
	out    outbound
	parser *h1.Parser
	head   *h1.RequestHead
	body   h1.BodyReader
	// reading is the request whose body is being received.
	reading *ServerRequest
	// stopped is set once no further request may be parsed.
	stopped bool
	ws      *WebSocket
	done    chan struct{}

	mu      sync.Mutex
	queue   []*ServerResponse
	upgrade *pendingUpgrade
	closed  bool
}

func newServerConn(srv *Server, tc transport.Conn) *serverConn {
	c := &serverConn{
		srv:    srv,
		tc:     tc,
		logger: srv.logger.With(zap.String("conn", tc.ID())),
		in:     inbound{tc: tc},
		out:    outbound{tc: tc, max: srv.config.WriteQueueMaxSize},
		parser: h1.NewParser(srv.config.MaxHeaderBytes),
		head:   &h1.RequestHead{},
		done:   make(chan struct{}),
	}
	c.out.onDrain = c.onDrain
	c.logger.Debug("connection opened", zap.String("remote", remoteAddr(tc)))
	return c
}

func (c *serverConn) onData(data []byte) {
	c.in.append(data)
	c.process()
}

// process parses heads and body bytes until input runs out or delivery is
// paused.
func (c *serverConn) process() {
	for !c.in.paused.Load() {
		if c.ws != nil {
			c.ws.process()
			return
		}
		if c.reading != nil {
			data, n, done, err := c.body.Read(c.in.pending())
			if err != nil {
				c.bodyFailure(err)
				return
			}
			c.in.consume(n)
			if len(data) > 0 {
				c.reading.deliverData(clone(data))
			}
			if done {
				req := c.reading
				c.reading = nil
				req.deliverEnd(c.body.Trailer().Clone())
				continue
			}
			if n == 0 {
				break
			}
			continue
		}
		if c.stopped {
			break
		}
		c.parser.Reset(c.in.pending())
		n, err := c.parser.ParseRequest(c.head)
		if err != nil {
			c.headFailure(err)
			return
		}
		if n == 0 {
			break
		}
		c.in.consume(n)
		head := c.head
		c.head = &h1.RequestHead{}
		c.dispatch(head)
	}
	c.in.compact()
}

func (c *serverConn) dispatch(head *h1.RequestHead) {
	reqHandler, wsHandler := c.srv.handlers()
	if head.Upgrade && wsHandler != nil {
		key, err := ws.CheckRequest(head.Method, &head.Header)
		if err == nil {
			c.stopped = true
			c.mu.Lock()
			c.upgrade = &pendingUpgrade{head: head, key: key}
			ready := len(c.queue) == 0
			c.mu.Unlock()
			if ready {
				c.doUpgrade()
			}
			return
		}
		c.logger.Debug("upgrade rejected", zap.Error(err))
	}

	req := newServerRequest(c, head)
	c.mu.Lock()
	c.queue = append(c.queue, req.response)
	c.mu.Unlock()
	if !head.KeepAlive {
		c.stopped = true
	}

	mode, length := head.BodyMode()
	c.body.Reset(mode, length)
	if !c.body.Done() {
		c.reading = req
		if head.ExpectContinue {
			req.response.writeContinue()
		}
	}

	if reqHandler == nil {
		_ = req.response.SetStatusCode(404).End()
	} else {
		reqHandler(req)
	}
	if c.reading != req {
		req.deliverEnd(nil)
	}
}

// doUpgrade switches the connection to websocket framing. It runs on the
// connection's context once every earlier response has been written.
func (c *serverConn) doUpgrade() {
	c.mu.Lock()
	up := c.upgrade
	c.upgrade = nil
	closed := c.closed
	c.mu.Unlock()
	if up == nil || closed {
		return
	}
	_, wsHandler := c.srv.handlers()
	if err := c.out.write([][]byte{ws.AppendResponse(nil, up.key)}, nil); err != nil {
		return
	}
	c.ws = newWebSocket(up.head.URI, &up.head.Header, c.tc, &c.in, &c.out, true, c.srv.config.MaxWebSocketFrame, c.logger)
	c.logger.Debug("websocket upgraded", zap.String("uri", up.head.URI))
	if wsHandler != nil {
		wsHandler(c.ws)
	}
	c.ws.process()
}

// emit writes bufs on behalf of resp. Only the response at the head of the
// pipeline reaches the transport; later ones are held until it ends.
func (c *serverConn) emit(resp *ServerResponse, bufs [][]byte, done func(error), end bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &ConnectionError{Op: "write", Addr: remoteAddr(c.tc), Err: ErrConnectionClosed}
	}
	if len(c.queue) == 0 || c.queue[0] != resp {
		resp.held = append(resp.held, heldWrite{bufs: bufs, done: done})
		for _, b := range bufs {
			resp.heldBytes += len(b)
		}
		resp.heldEnd = end
		c.mu.Unlock()
		return nil
	}
	err := c.out.write(bufs, done)
	var closeConn, upgrade bool
	if end {
		closeConn, upgrade = c.advanceLocked()
	}
	c.mu.Unlock()

	if closeConn {
		_ = c.tc.Close()
	}
	if upgrade {
		_ = c.tc.Execute(c.doUpgrade)
	}
	return err
}

// advanceLocked pops the ended head response and flushes the held output
// of the responses behind it.
func (c *serverConn) advanceLocked() (closeConn, upgrade bool) {
	for len(c.queue) > 0 {
		head := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		if head.closeAfter {
			for _, r := range c.queue {
				for _, w := range r.held {
					if w.done != nil {
						w.done(ErrConnectionClosed)
					}
				}
			}
			c.queue = nil
			return true, false
		}
		if len(c.queue) == 0 {
			break
		}
		next := c.queue[0]
		for _, w := range next.held {
			_ = c.out.write(w.bufs, w.done)
		}
		next.held, next.heldBytes = nil, 0
		if !next.heldEnd {
			return false, false
		}
	}
	return false, c.upgrade != nil
}

func (c *serverConn) heldBytes(resp *ServerResponse) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return resp.heldBytes
}

func (c *serverConn) onDrain() {
	c.mu.Lock()
	var head *ServerResponse
	if len(c.queue) > 0 {
		head = c.queue[0]
	}
	c.mu.Unlock()
	if head != nil {
		head.onDrain()
	}
}

func (c *serverConn) headFailure(err error) {
	c.logger.Warn("malformed request", zap.Error(err))
	c.stopped = true
	c.mu.Lock()
	idle := len(c.queue) == 0
	c.mu.Unlock()
	if idle {
		_ = c.out.write([][]byte{badRequest}, nil)
	}
	_ = c.tc.Close()
}

func (c *serverConn) bodyFailure(err error) {
	c.logger.Warn("malformed request body", zap.Error(err))
	req := c.reading
	c.reading = nil
	c.stopped = true
	req.fail(err)
	_ = c.tc.Close()
}

func (c *serverConn) onClose(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	queue := c.queue
	c.queue = nil
	c.mu.Unlock()
	close(c.done)
	c.logger.Debug("connection closed", zap.Error(err))

	if c.ws != nil {
		c.ws.onClose(err)
		return
	}
	cause := &ConnectionError{Op: "read", Addr: remoteAddr(c.tc), Err: ErrConnectionClosed}
	if c.reading != nil {
		c.reading.fail(cause)
		c.reading = nil
	}
	for _, r := range queue {
		for _, w := range r.held {
			if w.done != nil {
				w.done(ErrConnectionClosed)
			}
		}
		r.onConnectionClosed(cause)
	}
}
