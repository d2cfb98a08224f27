package ws

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	gws "github.com/gobwas/ws"
	"github.com/lithdew/bytesutil"
)

type (
	OpCode     = gws.OpCode
	StatusCode = gws.StatusCode
)

// Opcodes re-exported for callers that do not import gobwas/ws.
const (
	OpText   = gws.OpText
	OpBinary = gws.OpBinary
	OpClose  = gws.OpClose
	OpPing   = gws.OpPing
	OpPong   = gws.OpPong
)

// DefaultMaxMessageSize bounds a reassembled message.
const DefaultMaxMessageSize = 16 << 20

// ProtocolError reports an invalid frame. Code is the close status to send.
type ProtocolError struct {
	Code   gws.StatusCode
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("websocket protocol error (%d): %s", e.Code, e.Reason)
}

func protocolError(code gws.StatusCode, reason string) error {
	return &ProtocolError{Code: code, Reason: reason}
}

// Message is a complete data message or a single control frame.
type Message struct {
	Op      gws.OpCode
	Payload []byte
}

// Decoder incrementally parses frames and reassembles fragmented messages.
type Decoder struct {
	expectMasked bool
	maxSize      int64

	fragmented bool
	fragOp     gws.OpCode
	frag       []byte
}

// NewDecoder creates a decoder. Servers expect masked frames from clients
// and clients expect unmasked frames from servers.
func NewDecoder(server bool, maxSize int64) *Decoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &Decoder{expectMasked: server, maxSize: maxSize}
}

// Decode consumes at most one frame from buf. ok is false when the frame
// was a non-final fragment or when more input is needed (n == 0).
func (d *Decoder) Decode(buf []byte) (msg Message, ok bool, n int, err error) {
	r := bytes.NewReader(buf)
	hdr, err := gws.ReadHeader(r)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Message{}, false, 0, nil
		}
		return Message{}, false, 0, protocolError(gws.StatusProtocolError, err.Error())
	}
	if hdr.Length < 0 {
		return Message{}, false, 0, protocolError(gws.StatusProtocolError, "invalid payload length")
	}
	if hdr.Length > d.maxSize || int64(len(d.frag))+hdr.Length > d.maxSize {
		return Message{}, false, 0, protocolError(gws.StatusMessageTooBig, "message too large")
	}
	headerLen := len(buf) - r.Len()
	if int64(r.Len()) < hdr.Length {
		return Message{}, false, 0, nil
	}
	if hdr.Rsv != 0 {
		return Message{}, false, 0, protocolError(gws.StatusProtocolError, "reserved bits set")
	}
	if hdr.Masked != d.expectMasked {
		return Message{}, false, 0, protocolError(gws.StatusProtocolError, "unexpected masking")
	}

	n = headerLen + int(hdr.Length)
	payload := make([]byte, hdr.Length)
	copy(payload, buf[headerLen:n])
	if hdr.Masked {
		gws.Cipher(payload, hdr.Mask, 0)
	}

	if hdr.OpCode.IsControl() {
		if !hdr.Fin || hdr.Length > 125 {
			return Message{}, false, n, protocolError(gws.StatusProtocolError, "invalid control frame")
		}
		return Message{Op: hdr.OpCode, Payload: payload}, true, n, nil
	}

	switch hdr.OpCode {
	case gws.OpContinuation:
		if !d.fragmented {
			return Message{}, false, n, protocolError(gws.StatusProtocolError, "unexpected continuation")
		}
		d.frag = append(d.frag, payload...)
		if !hdr.Fin {
			return Message{}, false, n, nil
		}
		msg = Message{Op: d.fragOp, Payload: d.frag}
		d.fragmented = false
		d.frag = nil
	case gws.OpText, gws.OpBinary:
		if d.fragmented {
			return Message{}, false, n, protocolError(gws.StatusProtocolError, "interleaved data frame")
		}
		if !hdr.Fin {
			d.fragmented = true
			d.fragOp = hdr.OpCode
			d.frag = payload
			return Message{}, false, n, nil
		}
		msg = Message{Op: hdr.OpCode, Payload: payload}
	default:
		return Message{}, false, n, protocolError(gws.StatusProtocolError, "unknown opcode")
	}

	if msg.Op == gws.OpText && !utf8.Valid(msg.Payload) {
		return Message{}, false, n, protocolError(gws.StatusInvalidFramePayloadData, "invalid utf-8 text")
	}
	return msg, true, n, nil
}

// WriteFrame writes a single final frame. Client frames must be masked.
func WriteFrame(w io.Writer, op gws.OpCode, payload []byte, masked bool) error {
	hdr := gws.Header{Fin: true, OpCode: op, Length: int64(len(payload)), Masked: masked}
	if masked {
		hdr.Mask = gws.NewMask()
		p := make([]byte, len(payload))
		copy(p, payload)
		gws.Cipher(p, hdr.Mask, 0)
		payload = p
	}
	if err := gws.WriteHeader(w, hdr); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ClosePayload encodes a close status code and reason.
func ClosePayload(code gws.StatusCode, reason string) []byte {
	if len(reason) > 123 {
		reason = reason[:123]
	}
	dst := bytesutil.AppendUint16BE(make([]byte, 0, 2+len(reason)), uint16(code))
	return append(dst, reason...)
}

// ParseClosePayload decodes a close frame body. An empty body yields
// StatusNoStatusRcvd.
func ParseClosePayload(p []byte) (gws.StatusCode, string, error) {
	switch {
	case len(p) == 0:
		return gws.StatusNoStatusRcvd, "", nil
	case len(p) == 1:
		return 0, "", protocolError(gws.StatusProtocolError, "truncated close payload")
	}
	code := gws.StatusCode(bytesutil.Uint16BE(p[:2]))
	reason := p[2:]
	if !utf8.Valid(reason) {
		return 0, "", protocolError(gws.StatusInvalidFramePayloadData, "invalid close reason")
	}
	return code, string(reason), nil
}
