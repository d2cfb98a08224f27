package nodex

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/david-hosier/node.x/internal/pool"
	"github.com/david-hosier/node.x/internal/transport"
)

// ResponseHandler receives the response head of a client request, or the
// error that prevented one.
type ResponseHandler func(resp *ClientResponse, err error)

// Client issues HTTP/1.1 requests over pooled connections. Requests to the
// same host and port share one pool capped at MaxPoolSize.
type Client struct {
	config ClientConfig
	logger *zap.Logger
	dialer *transport.Dialer

	mu               sync.Mutex
	pools            map[string]*hostPool
	exceptionHandler func(error)
	closed           bool
}

// hostPool is the connection pool for one host and port.
type hostPool struct {
	addr   string
	host   string
	pool   *pool.Pool[*clientConn]
	gauges poolGauges
}

// NewClient creates a client. No connection is opened until the first
// request.
func NewClient(config ClientConfig) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	tlsCfg, err := config.tlsConfig()
	if err != nil {
		return nil, err
	}
	logger := config.Logger.Named("client")
	dialer, err := transport.NewDialer(transport.Options{
		Logger:           logger,
		TCPKeepAlive:     config.TCPKeepAlive,
		TCPNoDelay:       config.TCPNoDelay,
		TLS:              tlsCfg,
		HandshakeTimeout: config.ConnectTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &Client{
		config: config,
		logger: logger,
		dialer: dialer,
		pools:  make(map[string]*hostPool),
	}, nil
}

// SetExceptionHandler sets the handler for connection failures that cannot
// be attributed to a request still in progress. It replaces any previous
// handler.
func (c *Client) SetExceptionHandler(fn func(err error)) *Client {
	c.mu.Lock()
	c.exceptionHandler = fn
	c.mu.Unlock()
	return c
}

// reportException routes an unattributed failure to the exception handler.
func (c *Client) reportException(err error) {
	c.mu.Lock()
	fn := c.exceptionHandler
	c.mu.Unlock()
	if fn != nil {
		fn(err)
		return
	}
	c.logger.Error("unhandled client exception", zap.Error(err))
}

// Request creates a request. Transmission starts at the first Write,
// SendHead or End.
func (c *Client) Request(method, uri string, handler ResponseHandler) *ClientRequest {
	hp, target, err := c.route(uri)
	req := newClientRequest(c, hp, method, target, handler)
	if err != nil {
		req.fail(err)
		return req
	}
	c.acquire(req)
	return req
}

// Get creates a GET request.
func (c *Client) Get(uri string, handler ResponseHandler) *ClientRequest {
	return c.Request("GET", uri, handler)
}

// Put creates a PUT request.
func (c *Client) Put(uri string, handler ResponseHandler) *ClientRequest {
	return c.Request("PUT", uri, handler)
}

// Post creates a POST request.
func (c *Client) Post(uri string, handler ResponseHandler) *ClientRequest {
	return c.Request("POST", uri, handler)
}

// Head creates a HEAD request.
func (c *Client) Head(uri string, handler ResponseHandler) *ClientRequest {
	return c.Request("HEAD", uri, handler)
}

// Delete creates a DELETE request.
func (c *Client) Delete(uri string, handler ResponseHandler) *ClientRequest {
	return c.Request("DELETE", uri, handler)
}

// Options creates an OPTIONS request.
func (c *Client) Options(uri string, handler ResponseHandler) *ClientRequest {
	return c.Request("OPTIONS", uri, handler)
}

// Trace creates a TRACE request.
func (c *Client) Trace(uri string, handler ResponseHandler) *ClientRequest {
	return c.Request("TRACE", uri, handler)
}

// Connect creates a CONNECT request.
func (c *Client) Connect(uri string, handler ResponseHandler) *ClientRequest {
	return c.Request("CONNECT", uri, handler)
}

// Patch creates a PATCH request.
func (c *Client) Patch(uri string, handler ResponseHandler) *ClientRequest {
	return c.Request("PATCH", uri, handler)
}

// GetNow sends a GET request with the given headers and no body.
func (c *Client) GetNow(uri string, headers map[string]string, handler ResponseHandler) {
	req := c.Get(uri, handler)
	req.PutAllHeaders(headers)
	if err := req.End(); err != nil {
		c.logger.Debug("get failed", zap.String("uri", uri), zap.Error(err))
	}
}

// ConnectWebsocket performs a websocket upgrade on uri and hands the
// session to handler. The connection leaves the pool on success.
func (c *Client) ConnectWebsocket(uri string, handler func(ws *WebSocket, err error)) {
	req := c.Request("GET", uri, func(_ *ClientResponse, err error) {
		if err != nil {
			handler(nil, err)
		}
	})
	if err := req.prepareUpgrade(handler); err != nil {
		handler(nil, err)
		return
	}
	if err := req.End(); err != nil {
		c.logger.Debug("websocket request failed", zap.String("uri", uri), zap.Error(err))
	}
}

// Close closes idle connections and fails requests still waiting for one
// with ErrPoolClosed. Connections in use close when their exchange ends.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pools := c.pools
	c.pools = make(map[string]*hostPool)
	c.mu.Unlock()

	var err error
	for _, hp := range pools {
		for _, cc := range hp.pool.Close() {
			cc.markEvicted()
			err = multierr.Append(err, cc.close())
		}
		hp.gauges.reset()
	}
	return multierr.Append(err, c.dialer.Close())
}

// route resolves uri into its pool and request target. Absolute http and
// ws URIs select their own host and port; anything else is a request
// target on the configured host.
func (c *Client) route(uri string) (*hostPool, string, error) {
	host, port, target := c.config.Host, c.config.Port, uri
	if i := strings.Index(uri, "://"); i > 0 {
		u, err := url.Parse(uri)
		if err != nil {
			return nil, uri, fmt.Errorf("nodex: invalid uri %q: %w", uri, err)
		}
		host = u.Hostname()
		port = c.config.Port
		if p := u.Port(); p != "" {
			if port, err = strconv.Atoi(p); err != nil {
				return nil, uri, fmt.Errorf("nodex: invalid port in %q", uri)
			}
		} else if u.Scheme == "https" || u.Scheme == "wss" {
			port = 443
		} else {
			port = 80
		}
		target = u.RequestURI()
	}
	if target == "" {
		target = "/"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, target, ErrPoolClosed
	}
	if hp, ok := c.pools[addr]; ok {
		return hp, target, nil
	}
	hp := &hostPool{addr: addr, host: hostHeader(host, port, c.config.SSL)}
	hp.pool = pool.New[*clientConn](c.config.MaxPoolSize, c.dialFunc(hp),
		pool.WithRetryBackoff(c.config.DialRetryMin, c.config.DialRetryMax),
		pool.WithObserver(hp.gauges.observe),
		pool.WithDialFailureHook(func(err error) {
			clientDialFailures.Inc()
			c.logger.Warn("connect failed", zap.String("addr", addr), zap.Error(err))
		}),
	)
	c.pools[addr] = hp
	return hp, target, nil
}

func hostHeader(host string, port int, ssl bool) string {
	if (!ssl && port == 80) || (ssl && port == 443) {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func (c *Client) dialFunc(hp *hostPool) pool.DialFunc[*clientConn] {
	return func(done func(*clientConn, error)) {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.ConnectTimeout)
		cc := newClientConn(c, hp)
		c.dialer.DialAsync(ctx, hp.addr, cc, func(_ transport.Conn, err error) {
			cancel()
			if err != nil {
				done(nil, &ConnectionError{Op: "dial", Addr: hp.addr, Err: err})
				return
			}
			done(cc, nil)
		})
	}
}

// acquire queues req for a connection from its pool.
func (c *Client) acquire(req *ClientRequest) {
	req.hp.pool.Acquire(func(cc *clientConn, err error) {
		if err != nil {
			if cc != nil {
				// Dialed after the pool closed; the slot is already released.
				cc.markEvicted()
				_ = cc.close()
			}
			req.fail(err)
			return
		}
		cc.attach(req)
	})
}
