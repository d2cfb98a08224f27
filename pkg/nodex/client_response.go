package nodex

import (
	"sync"

	"github.com/david-hosier/node.x/internal/h1"
)

// ClientResponse is the response to a ClientRequest. The body is delivered
// through DataHandler and EndHandler; trailers become visible once the
// body has ended.
type ClientResponse struct {
	conn *clientConn
	req  *ClientRequest
	head *h1.ResponseHead
	body bodyQueue

	mu       sync.Mutex
	trailer  *h1.Header
	headers  map[string]string
	trailers map[string]string
}

func newClientResponse(cc *clientConn, req *ClientRequest, head *h1.ResponseHead) *ClientResponse {
	return &ClientResponse{
		conn: cc,
		req:  req,
		head: head,
		body: bodyQueue{paused: &cc.in.paused},
	}
}

// StatusCode returns the response status code.
func (r *ClientResponse) StatusCode() int { return r.head.StatusCode }

// StatusMessage returns the reason phrase.
func (r *ClientResponse) StatusMessage() string { return r.head.StatusMessage }

// Version returns the protocol version of the response.
func (r *ClientResponse) Version() string { return r.head.Version }

// Header returns the value of the named header. Repeated headers are
// joined with ", ".
func (r *ClientResponse) Header(name string) string {
	return r.head.Header.Get(name)
}

// Headers returns all headers. The map is built on first use and shared
// by later calls.
func (r *ClientResponse) Headers() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.headers == nil {
		r.headers = r.head.Header.Map()
	}
	return r.headers
}

// HeaderNames returns header names in arrival order.
func (r *ClientResponse) HeaderNames() []string {
	return r.head.Header.Names()
}

// Trailer returns a trailer field, or "" before the body has ended.
func (r *ClientResponse) Trailer(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trailer.Get(name)
}

// Trailers returns all trailer fields. It is empty until the body has
// ended.
func (r *ClientResponse) Trailers() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.trailer == nil {
		return map[string]string{}
	}
	if r.trailers == nil {
		r.trailers = r.trailer.Map()
	}
	return r.trailers
}

// TrailerNames returns trailer names in arrival order.
func (r *ClientResponse) TrailerNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trailer.Names()
}

// DataHandler receives body chunks in arrival order.
func (r *ClientResponse) DataHandler(fn func(data []byte)) {
	r.body.setData(fn)
	r.scheduleFlush()
}

// EndHandler is called once after the last body byte and trailers.
func (r *ClientResponse) EndHandler(fn func()) {
	r.body.setEnd(fn)
	r.scheduleFlush()
}

// BodyHandler accumulates the whole body and passes it to fn at the end.
func (r *ClientResponse) BodyHandler(fn func(body []byte)) {
	r.body.setBody(fn)
	r.scheduleFlush()
}

// ExceptionHandler receives errors that occur while the body is received.
func (r *ClientResponse) ExceptionHandler(fn func(err error)) {
	r.body.setException(fn)
}

// Pause stops body delivery until Resume.
func (r *ClientResponse) Pause() {
	r.conn.in.pause()
}

// Resume restarts body delivery.
func (r *ClientResponse) Resume() {
	r.conn.in.resume(func() {
		r.body.flush()
		r.conn.process()
	})
}

func (r *ClientResponse) scheduleFlush() {
	if err := r.conn.tc.Execute(r.body.flush); err != nil {
		r.body.flush()
	}
}

func (r *ClientResponse) deliverData(data []byte) {
	r.body.push(data)
}

// deliverEnd publishes trailers and ends the body.
func (r *ClientResponse) deliverEnd(trailer *h1.Header) {
	if trailer == nil {
		trailer = h1.NewHeader()
	}
	r.mu.Lock()
	r.trailer = trailer
	r.mu.Unlock()
	r.req.complete(r.head.StatusCode, nil)
	r.body.finish()
}

func (r *ClientResponse) fail(err error) {
	r.req.complete(0, err)
	if fn := r.body.exceptionHandler(); fn != nil {
		fn(err)
		return
	}
	r.req.client.reportException(err)
}
