package nodex

import (
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/david-hosier/node.x/internal/h1"
	"github.com/david-hosier/node.x/internal/transport"
	"github.com/david-hosier/node.x/internal/ws"
)

type connState int

const (
	stateConnecting connState = iota
	stateIdle
	stateActive
	stateUpgraded
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateIdle:
		return "idle"
	case stateActive:
		return "active"
	case stateUpgraded:
		return "upgraded"
	case stateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// clientConn carries one request/response exchange at a time. Fields above
// mu are only touched from the connection's context.
type clientConn struct {
	client *Client
	hp     *hostPool
	tc     transport.Conn
	logger *zap.Logger
	in     inbound
	out    outbound
	parser *h1.Parser
	head   *h1.ResponseHead
	body   h1.BodyReader
	resp   *ClientResponse
	ws     *WebSocket

	mu    sync.Mutex
	state connState
	// handed is set once the pool delivered the connection; evicted once
	// it left the pool's accounting. A slot is released exactly once.
	handed    bool
	evicted   bool
	req       *ClientRequest
	reqEnded  bool
	respEnded bool
	reusable  bool
}

func newClientConn(c *Client, hp *hostPool) *clientConn {
	cc := &clientConn{
		client: c,
		hp:     hp,
		logger: c.logger,
		parser: h1.NewParser(c.config.MaxHeaderBytes),
		head:   &h1.ResponseHead{},
		out:    outbound{max: c.config.WriteQueueMaxSize},
	}
	cc.out.onDrain = cc.onDrain
	return cc
}

func (cc *clientConn) OnOpen(tc transport.Conn) {
	cc.tc = tc
	cc.in.tc = tc
	cc.out.tc = tc
	cc.logger = cc.client.logger.With(zap.String("conn", tc.ID()), zap.String("addr", cc.hp.addr))
	cc.logger.Debug("connection opened")
}

func (cc *clientConn) OnData(_ transport.Conn, data []byte) {
	cc.in.append(data)
	cc.process()
}

func (cc *clientConn) OnClose(_ transport.Conn, err error) {
	cc.mu.Lock()
	prev := cc.state
	cc.state = stateClosed
	req := cc.req
	cc.req = nil
	evict := cc.handed && !cc.evicted
	cc.evicted = cc.evicted || cc.handed
	cc.mu.Unlock()
	cc.logger.Debug("connection closed", zap.Stringer("state", prev), zap.Error(err))
	if evict {
		cc.hp.pool.Evict(cc)
	}

	if cc.ws != nil {
		cc.ws.onClose(err)
		return
	}
	if cc.resp != nil && cc.body.Mode() == h1.BodyUntilClose {
		cc.body.Finish()
		resp := cc.resp
		cc.resp = nil
		resp.deliverEnd(nil)
		return
	}
	if cc.resp == nil && req == nil {
		// Idle or between exchanges: nobody is waiting, so anything other
		// than an orderly close goes to the client's exception handler.
		if err != nil && !errors.Is(err, io.EOF) && prev != stateClosing {
			cc.client.reportException(&ConnectionError{Op: "read", Addr: cc.hp.addr, Err: err})
		}
		return
	}
	if err == nil {
		err = ErrConnectionClosed
	}
	cause := &ConnectionError{Op: "read", Addr: cc.hp.addr, Err: err}
	switch {
	case cc.resp != nil:
		resp := cc.resp
		cc.resp = nil
		resp.fail(cause)
	case req != nil:
		if req.detach(cc) {
			cc.client.acquire(req)
			return
		}
		req.fail(cause)
	}
}

// attach binds req to the connection. It runs on whichever goroutine the
// pool delivered the connection from.
func (cc *clientConn) attach(req *ClientRequest) {
	cc.mu.Lock()
	cc.handed = true
	if cc.state == stateClosed || cc.state == stateClosing {
		evict := !cc.evicted
		cc.evicted = true
		cc.mu.Unlock()
		if evict {
			cc.hp.pool.Evict(cc)
		}
		cc.client.acquire(req)
		return
	}
	cc.state = stateActive
	cc.req = req
	cc.reqEnded = false
	cc.respEnded = false
	cc.reusable = cc.client.config.KeepAlive
	cc.mu.Unlock()
	req.attach(cc)
}

// abandon returns the connection to the pool when its request failed
// before anything was written.
func (cc *clientConn) abandon(req *ClientRequest) {
	cc.mu.Lock()
	if cc.req != req || cc.state != stateActive {
		cc.mu.Unlock()
		return
	}
	cc.req = nil
	cc.state = stateIdle
	cc.mu.Unlock()
	if !cc.hp.pool.Release(cc) {
		cc.markEvicted()
		_ = cc.tc.Close()
	}
}

// abort closes the connection mid-exchange. It is never reused.
func (cc *clientConn) abort() {
	cc.mu.Lock()
	cc.reusable = false
	cc.state = stateClosing
	cc.mu.Unlock()
	_ = cc.tc.Close()
}

func (cc *clientConn) markEvicted() {
	cc.mu.Lock()
	cc.handed = true
	cc.evicted = true
	cc.mu.Unlock()
}

func (cc *clientConn) close() error {
	if cc.tc == nil {
		return nil
	}
	return cc.tc.Close()
}

// process parses responses for the current request. It runs on the
// connection's context.
func (cc *clientConn) process() {
	for !cc.in.paused.Load() {
		if cc.ws != nil {
			cc.ws.process()
			return
		}
		if cc.resp != nil {
			data, n, done, err := cc.body.Read(cc.in.pending())
			if err != nil {
				cc.protocolFailure(err)
				return
			}
			cc.in.consume(n)
			if len(data) > 0 {
				cc.resp.deliverData(clone(data))
			}
			if done {
				cc.finishResponse()
				continue
			}
			if n == 0 {
				break
			}
			continue
		}
		if len(cc.in.pending()) == 0 {
			break
		}
		cc.mu.Lock()
		req := cc.req
		cc.mu.Unlock()
		if req == nil {
			cc.protocolFailure(h1ProtocolError("unexpected data on idle connection"))
			return
		}
		cc.parser.Reset(cc.in.pending())
		n, err := cc.parser.ParseResponse(cc.head)
		if err != nil {
			cc.protocolFailure(err)
			return
		}
		if n == 0 {
			break
		}
		cc.in.consume(n)
		head := cc.head
		cc.head = &h1.ResponseHead{}
		if head.Informational() {
			switch {
			case head.StatusCode == 101 && req.upgrade != nil:
				cc.upgraded(req, head)
				return
			case head.StatusCode == 100:
				req.onContinue()
			}
			continue
		}
		cc.onResponseHead(req, head)
	}
	cc.in.compact()
}

func (cc *clientConn) onResponseHead(req *ClientRequest, head *h1.ResponseHead) {
	if req.upgrade != nil {
		err := ws.CheckResponse(head.StatusCode, &head.Header, req.upgrade.key)
		cc.mu.Lock()
		cc.reusable = false
		cc.req = nil
		cc.mu.Unlock()
		req.failUpgrade(err)
		_ = cc.tc.Close()
		return
	}
	mode, length := head.BodyMode(req.method)
	cc.body.Reset(mode, length)
	dropped := req.abandonContinue()
	cc.mu.Lock()
	if !head.KeepAlive || mode == h1.BodyUntilClose || dropped {
		cc.reusable = false
	}
	if dropped && cc.req == req {
		cc.reqEnded = true
	}
	cc.mu.Unlock()
	resp := newClientResponse(cc, req, head)
	cc.resp = resp
	req.onResponse(resp)
	if cc.body.Done() {
		cc.finishResponse()
	}
}

func (cc *clientConn) finishResponse() {
	resp := cc.resp
	cc.resp = nil
	resp.deliverEnd(cc.body.Trailer().Clone())
	cc.mu.Lock()
	cc.respEnded = true
	cc.mu.Unlock()
	cc.maybeRecycle()
}

// onRequestEnded is called once the request's last byte was queued.
func (cc *clientConn) onRequestEnded(req *ClientRequest) {
	cc.mu.Lock()
	if cc.req != req {
		cc.mu.Unlock()
		return
	}
	cc.reqEnded = true
	cc.mu.Unlock()
	cc.maybeRecycle()
}

// maybeRecycle returns the connection to the pool, or closes it, once both
// halves of the exchange have ended.
func (cc *clientConn) maybeRecycle() {
	cc.mu.Lock()
	if cc.state != stateActive || !cc.reqEnded || !cc.respEnded {
		cc.mu.Unlock()
		return
	}
	cc.req = nil
	if !cc.reusable {
		cc.state = stateClosing
		cc.mu.Unlock()
		_ = cc.tc.Close()
		return
	}
	cc.state = stateIdle
	cc.mu.Unlock()
	if !cc.hp.pool.Release(cc) {
		cc.markEvicted()
		_ = cc.tc.Close()
	}
}

func (cc *clientConn) upgraded(req *ClientRequest, head *h1.ResponseHead) {
	if err := ws.CheckResponse(head.StatusCode, &head.Header, req.upgrade.key); err != nil {
		cc.mu.Lock()
		cc.req = nil
		cc.mu.Unlock()
		req.failUpgrade(err)
		_ = cc.tc.Close()
		return
	}
	cc.mu.Lock()
	cc.state = stateUpgraded
	cc.req = nil
	detach := cc.handed && !cc.evicted
	cc.evicted = true
	cc.mu.Unlock()
	if detach {
		cc.hp.pool.Detach(cc)
	}
	cc.ws = newWebSocket(req.uri, &head.Header, cc.tc, &cc.in, &cc.out, false, cc.client.config.MaxWebSocketFrame, cc.logger)
	cc.logger.Debug("websocket upgraded", zap.String("uri", req.uri))
	req.upgradeDone(cc.ws)
	cc.ws.process()
}

func (cc *clientConn) protocolFailure(err error) {
	cc.logger.Warn("malformed response", zap.Error(err))
	cc.mu.Lock()
	cc.state = stateClosing
	cc.reusable = false
	req := cc.req
	cc.req = nil
	cc.mu.Unlock()
	switch {
	case cc.resp != nil:
		resp := cc.resp
		cc.resp = nil
		resp.fail(err)
	case req != nil:
		req.fail(err)
	default:
		cc.client.reportException(&ConnectionError{Op: "read", Addr: cc.hp.addr, Err: err})
	}
	_ = cc.tc.Close()
}

func (cc *clientConn) onDrain() {
	cc.mu.Lock()
	req := cc.req
	cc.mu.Unlock()
	if req != nil {
		req.onDrain()
	}
}

func h1ProtocolError(reason string) error {
	return &h1.ProtocolError{Reason: reason}
}
