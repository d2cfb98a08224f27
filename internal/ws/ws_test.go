package ws

import (
	"bytes"
	"errors"
	"testing"

	"github.com/david-hosier/node.x/internal/h1"
	gws "github.com/gobwas/ws"
)

func TestAcceptKey_RFCExample(t *testing.T) {
	// Sample nonce from RFC 6455 section 1.3.
	got := AcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	if got != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
		t.Errorf("Expected s3pPLMBiTxaQ9kYGzzhZRbK+xOo=, got %s", got)
	}
}

func TestNewKey_Valid(t *testing.T) {
	key, err := NewKey()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !validKey(key) {
		t.Errorf("Expected a 16-byte base64 key, got %q", key)
	}
}

func TestHandshake_RequestResponse(t *testing.T) {
	key, _ := NewKey()
	var req h1.Header
	req.Set("Host", "example.com")
	SetRequestHeaders(&req, key)

	got, err := CheckRequest("GET", &req)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got != key {
		t.Errorf("Expected key %q, got %q", key, got)
	}

	wire := AppendResponse(nil, key)
	p := h1.NewParser(0)
	p.Reset(wire)
	var resp h1.ResponseHead
	if _, err := p.ParseResponse(&resp); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := CheckResponse(resp.StatusCode, &resp.Header, key); err != nil {
		t.Errorf("Expected valid response, got %v", err)
	}
}

func TestCheckRequest_Rejects(t *testing.T) {
	key, _ := NewKey()
	tests := []struct {
		name   string
		method string
		mutate func(h *h1.Header)
	}{
		{"post", "POST", func(*h1.Header) {}},
		{"no upgrade", "GET", func(h *h1.Header) { h.Del("Upgrade") }},
		{"no connection", "GET", func(h *h1.Header) { h.Set("Connection", "keep-alive") }},
		{"bad version", "GET", func(h *h1.Header) { h.Set("Sec-WebSocket-Version", "8") }},
		{"bad key", "GET", func(h *h1.Header) { h.Set("Sec-WebSocket-Key", "short") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var h h1.Header
			SetRequestHeaders(&h, key)
			tt.mutate(&h)
			_, err := CheckRequest(tt.method, &h)
			var herr *HandshakeError
			if !errors.As(err, &herr) {
				t.Errorf("Expected HandshakeError, got %v", err)
			}
		})
	}
}

func TestCheckResponse_InvalidAccept(t *testing.T) {
	key, _ := NewKey()
	var h h1.Header
	h.Set("Upgrade", "websocket")
	h.Set("Connection", "Upgrade")
	h.Set("Sec-WebSocket-Accept", "bogus")
	if err := CheckResponse(101, &h, key); err == nil {
		t.Error("Expected invalid accept key to fail")
	}
	h.Set("Sec-WebSocket-Accept", AcceptKey(key))
	if err := CheckResponse(200, &h, key); err == nil {
		t.Error("Expected non-101 status to fail")
	}
}

func encode(t *testing.T, op gws.OpCode, payload []byte, masked bool) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := WriteFrame(&buf, op, payload, masked); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	return buf.Bytes()
}

func TestDecoder_MaskedFromClient(t *testing.T) {
	wire := encode(t, OpText, []byte("hello"), true)
	d := NewDecoder(true, 0)

	for i := 0; i < len(wire); i++ {
		_, ok, n, err := d.Decode(wire[:i])
		if err != nil || ok || n != 0 {
			t.Fatalf("Expected need-more at %d, got ok=%v n=%d err=%v", i, ok, n, err)
		}
	}
	msg, ok, n, err := d.Decode(wire)
	if err != nil || !ok || n != len(wire) {
		t.Fatalf("Expected full frame, got ok=%v n=%d err=%v", ok, n, err)
	}
	if msg.Op != OpText || string(msg.Payload) != "hello" {
		t.Errorf("Unexpected message %v %q", msg.Op, msg.Payload)
	}
}

func TestDecoder_MaskingRules(t *testing.T) {
	if _, _, _, err := NewDecoder(true, 0).Decode(encode(t, OpBinary, []byte{1}, false)); err == nil {
		t.Error("Expected server to reject unmasked frame")
	}
	if _, _, _, err := NewDecoder(false, 0).Decode(encode(t, OpBinary, []byte{1}, true)); err == nil {
		t.Error("Expected client to reject masked frame")
	}
}

func TestDecoder_Fragmentation(t *testing.T) {
	var wire bytes.Buffer
	_ = gws.WriteHeader(&wire, gws.Header{OpCode: gws.OpText, Length: 3})
	wire.WriteString("hel")
	// A ping may arrive between fragments.
	_ = gws.WriteHeader(&wire, gws.Header{Fin: true, OpCode: gws.OpPing, Length: 1})
	wire.WriteString("p")
	_ = gws.WriteHeader(&wire, gws.Header{Fin: true, OpCode: gws.OpContinuation, Length: 2})
	wire.WriteString("lo")

	d := NewDecoder(false, 0)
	buf := wire.Bytes()
	var msgs []Message
	for len(buf) > 0 {
		msg, ok, n, err := d.Decode(buf)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if n == 0 {
			t.Fatal("Unexpected need-more")
		}
		buf = buf[n:]
		if ok {
			msgs = append(msgs, msg)
		}
	}
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Op != OpPing || msgs[1].Op != OpText || string(msgs[1].Payload) != "hello" {
		t.Errorf("Unexpected messages %+v", msgs)
	}
}

func TestDecoder_Errors(t *testing.T) {
	tests := []struct {
		name string
		hdr  gws.Header
		body string
	}{
		{"orphan continuation", gws.Header{Fin: true, OpCode: gws.OpContinuation, Length: 1}, "x"},
		{"fragmented control", gws.Header{OpCode: gws.OpPing, Length: 1}, "x"},
		{"reserved bits", gws.Header{Fin: true, Rsv: 4, OpCode: gws.OpText, Length: 1}, "x"},
		{"invalid utf8", gws.Header{Fin: true, OpCode: gws.OpText, Length: 2}, "\xff\xfe"},
		{"too large", gws.Header{Fin: true, OpCode: gws.OpBinary, Length: 64}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var wire bytes.Buffer
			_ = gws.WriteHeader(&wire, tt.hdr)
			wire.WriteString(tt.body)
			_, _, _, err := NewDecoder(false, 16).Decode(wire.Bytes())
			var perr *ProtocolError
			if !errors.As(err, &perr) {
				t.Errorf("Expected ProtocolError, got %v", err)
			}
		})
	}
}

func TestClosePayload(t *testing.T) {
	p := ClosePayload(gws.StatusGoingAway, "bye")
	code, reason, err := ParseClosePayload(p)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if code != gws.StatusGoingAway || reason != "bye" {
		t.Errorf("Expected 1001/bye, got %d/%s", code, reason)
	}
	if code, _, _ := ParseClosePayload(nil); code != gws.StatusNoStatusRcvd {
		t.Errorf("Expected no-status code, got %d", code)
	}
	if _, _, err := ParseClosePayload([]byte{3}); err == nil {
		t.Error("Expected truncated payload to fail")
	}
}
