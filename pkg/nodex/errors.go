package nodex

import (
	"errors"
	"fmt"

	"github.com/david-hosier/node.x/internal/h1"
	"github.com/david-hosier/node.x/internal/pool"
	"github.com/david-hosier/node.x/internal/transport"
	"github.com/david-hosier/node.x/internal/ws"
)

var (
	// ErrRequestEnded is wrapped when writing to or ending an ended message.
	ErrRequestEnded = errors.New("nodex: message already ended")
	// ErrHeadSent is wrapped when changing framing after the head was sent.
	ErrHeadSent = errors.New("nodex: head already sent")
	// ErrLengthRequired is wrapped when writing a fixed-length body without
	// a Content-Length header.
	ErrLengthRequired = errors.New("nodex: Content-Length or chunked encoding required")
	// ErrConnectionClosed is wrapped when a connection closes mid-exchange.
	ErrConnectionClosed = errors.New("nodex: connection closed")
	// ErrPoolClosed is delivered to requests still queued when the client closes.
	ErrPoolClosed = pool.ErrClosed
	// ErrClosed is returned by websocket writes after Close.
	ErrClosed = errors.New("nodex: websocket closed")
)

// RequestStateError reports a programming error such as writing after End.
type RequestStateError struct {
	Op  string
	Err error
}

func (e *RequestStateError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RequestStateError) Unwrap() error {
	return e.Err
}

func stateError(op string, err error) error {
	return &RequestStateError{Op: op, Err: err}
}

// ConnectionError reports connection establishment failures, resets and
// closes in the middle of an exchange.
type ConnectionError struct {
	Op   string
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ProtocolError reports malformed HTTP framing.
type ProtocolError = h1.ProtocolError

// HandshakeError reports a failed websocket upgrade.
type HandshakeError = ws.HandshakeError

// TLSError reports a failed TLS handshake.
type TLSError = transport.TLSError
