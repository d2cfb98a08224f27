package nodex

import (
	"sync"
	"sync/atomic"
)

// ReadStream is implemented by every source of body or frame data.
type ReadStream interface {
	DataHandler(fn func(data []byte))
	EndHandler(fn func())
	ExceptionHandler(fn func(err error))
	Pause()
	Resume()
}

// WriteStream is implemented by every sink of body or frame data.
type WriteStream interface {
	Write(data []byte) error
	SetWriteQueueMaxSize(n int)
	WriteQueueFull() bool
	DrainHandler(fn func())
	ExceptionHandler(fn func(err error))
}

var (
	_ ReadStream  = (*ServerRequest)(nil)
	_ ReadStream  = (*ClientResponse)(nil)
	_ ReadStream  = (*WebSocket)(nil)
	_ WriteStream = (*ServerResponse)(nil)
	_ WriteStream = (*ClientRequest)(nil)
	_ WriteStream = (*WebSocket)(nil)
)

// Pump copies a ReadStream into a WriteStream, pausing the source while
// the sink's write queue is full.
type Pump struct {
	rs     ReadStream
	ws     WriteStream
	pumped atomic.Int64

	mu      sync.Mutex
	started bool
}

// NewPump creates a stopped pump.
func NewPump(rs ReadStream, ws WriteStream) *Pump {
	return &Pump{rs: rs, ws: ws}
}

// Start begins copying.
func (p *Pump) Start() *Pump {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return p
	}
	p.started = true
	p.ws.DrainHandler(p.rs.Resume)
	p.rs.DataHandler(func(data []byte) {
		if err := p.ws.Write(data); err != nil {
			return
		}
		p.pumped.Add(int64(len(data)))
		if p.ws.WriteQueueFull() {
			p.rs.Pause()
		}
	})
	return p
}

// Stop detaches the pump from both streams.
func (p *Pump) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return
	}
	p.started = false
	p.ws.DrainHandler(nil)
	p.rs.DataHandler(nil)
}

// BytesPumped returns the number of bytes written so far.
func (p *Pump) BytesPumped() int64 {
	return p.pumped.Load()
}
