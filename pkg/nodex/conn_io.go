package nodex

import (
	"sync"
	"sync/atomic"

	"github.com/david-hosier/node.x/internal/transport"
)

// inbound accumulates received bytes for a connection. It is only touched
// from the connection's context, except for the paused flag.
type inbound struct {
	tc     transport.Conn
	buf    []byte
	off    int
	paused atomic.Bool
}

func (in *inbound) append(data []byte) {
	in.buf = append(in.buf, data...)
}

func (in *inbound) pending() []byte {
	return in.buf[in.off:]
}

func (in *inbound) consume(n int) {
	in.off += n
}

// compact moves unconsumed bytes to the front. Slices handed to callers
// are always copies, so the backing array can be reused.
func (in *inbound) compact() {
	if in.off == 0 {
		return
	}
	n := copy(in.buf, in.buf[in.off:])
	in.buf = in.buf[:n]
	in.off = 0
}

func (in *inbound) pause() {
	if in.paused.CompareAndSwap(false, true) {
		in.tc.Pause()
	}
}

// resume clears the paused flag on the connection's context and runs
// process to deliver what was buffered meanwhile.
func (in *inbound) resume(process func()) {
	_ = in.tc.Execute(func() {
		if in.paused.CompareAndSwap(true, false) {
			in.tc.Resume()
			process()
		}
	})
}

func remoteAddr(tc transport.Conn) string {
	if a := tc.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

// outbound tracks bytes handed to the transport but not yet flushed.
type outbound struct {
	tc transport.Conn

	mu      sync.Mutex
	queued  int
	max     int
	full    bool
	onDrain func()
}

func (o *outbound) write(bufs [][]byte, done func(error)) error {
	n := 0
	for _, b := range bufs {
		n += len(b)
	}
	o.mu.Lock()
	o.queued += n
	if o.queued >= o.max {
		o.full = true
	}
	o.mu.Unlock()

	err := o.tc.Write(bufs, func(err error) {
		o.mu.Lock()
		o.queued -= n
		fire := o.full && o.queued <= o.max/2
		if fire {
			o.full = false
		}
		drain := o.onDrain
		o.mu.Unlock()
		if done != nil {
			done(err)
		}
		if fire && drain != nil {
			drain()
		}
	})
	if err != nil {
		o.mu.Lock()
		o.queued -= n
		o.mu.Unlock()
	}
	return err
}

func (o *outbound) setMax(n int) {
	if n <= 0 {
		return
	}
	o.mu.Lock()
	o.max = n
	o.mu.Unlock()
}

func (o *outbound) writeQueueFull(extra int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.queued+extra >= o.max {
		o.full = true
		return true
	}
	return false
}

// bodyQueue delivers body chunks and the end event to handlers that may be
// registered after data started arriving. push, finish and flush run on
// the connection's context; handler setters may run anywhere.
type bodyQueue struct {
	paused *atomic.Bool

	mu           sync.Mutex
	pending      [][]byte
	ended        bool
	endDelivered bool
	data         func([]byte)
	end          func()
	exception    func(error)
}

func (q *bodyQueue) setData(fn func([]byte)) {
	q.mu.Lock()
	q.data = fn
	q.mu.Unlock()
}

func (q *bodyQueue) setEnd(fn func()) {
	q.mu.Lock()
	q.end = fn
	q.mu.Unlock()
}

func (q *bodyQueue) setBody(fn func([]byte)) {
	var body []byte
	q.mu.Lock()
	q.data = func(data []byte) { body = append(body, data...) }
	q.end = func() { fn(body) }
	q.mu.Unlock()
}

func (q *bodyQueue) setException(fn func(error)) {
	q.mu.Lock()
	q.exception = fn
	q.mu.Unlock()
}

func (q *bodyQueue) exceptionHandler() func(error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.exception
}

func (q *bodyQueue) push(data []byte) {
	q.mu.Lock()
	q.pending = append(q.pending, data)
	q.mu.Unlock()
	q.flush()
}

func (q *bodyQueue) finish() {
	q.mu.Lock()
	q.ended = true
	q.mu.Unlock()
	q.flush()
}

func (q *bodyQueue) isEnded() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ended
}

// flush hands buffered chunks and the end event to the registered
// handlers. Without a data handler, chunks are dropped once an end
// handler exists.
func (q *bodyQueue) flush() {
	for {
		q.mu.Lock()
		data, end := q.data, q.end
		if data == nil && end == nil {
			q.mu.Unlock()
			return
		}
		if len(q.pending) > 0 {
			chunk := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			q.mu.Unlock()
			if data != nil {
				data(chunk)
			}
			if q.paused.Load() {
				return
			}
			continue
		}
		if q.ended && !q.endDelivered && end != nil {
			q.endDelivered = true
			q.mu.Unlock()
			end()
			return
		}
		q.mu.Unlock()
		return
	}
}
