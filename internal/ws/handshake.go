// Package ws implements the RFC 6455 opening handshake and an incremental
// frame codec for connections that already speak HTTP/1.1.
package ws

import (
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // mandated by RFC 6455
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/david-hosier/node.x/internal/h1"
	"golang.org/x/net/http/httpguts"
)

const keyGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Version is the only protocol version accepted.
const Version = "13"

// HandshakeError reports a failed opening handshake.
type HandshakeError struct {
	Reason string
}

func (e *HandshakeError) Error() string {
	return "websocket handshake failed: " + e.Reason
}

func handshakeErrorf(format string, args ...any) error {
	return &HandshakeError{Reason: fmt.Sprintf(format, args...)}
}

// NewKey returns a random Sec-WebSocket-Key.
func NewKey() (string, error) {
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(nonce[:]), nil
}

// AcceptKey computes Sec-WebSocket-Accept for key.
func AcceptKey(key string) string {
	sum := sha1.Sum([]byte(key + keyGUID)) //nolint:gosec
	return base64.StdEncoding.EncodeToString(sum[:])
}

func validKey(key string) bool {
	b, err := base64.StdEncoding.DecodeString(key)
	return err == nil && len(b) == 16
}

// SetRequestHeaders adds the upgrade fields to an outgoing request header.
func SetRequestHeaders(h *h1.Header, key string) {
	h.Set("Upgrade", "websocket")
	h.Set("Connection", "Upgrade")
	h.Set("Sec-WebSocket-Key", key)
	h.Set("Sec-WebSocket-Version", Version)
}

// CheckRequest validates an inbound upgrade request and returns its key.
func CheckRequest(method string, h *h1.Header) (string, error) {
	if method != "GET" {
		return "", handshakeErrorf("method %s", method)
	}
	if !httpguts.HeaderValuesContainsToken([]string{h.Get("Connection")}, "upgrade") {
		return "", handshakeErrorf("missing Connection: upgrade")
	}
	if !httpguts.HeaderValuesContainsToken([]string{h.Get("Upgrade")}, "websocket") {
		return "", handshakeErrorf("missing Upgrade: websocket")
	}
	if v := strings.TrimSpace(h.Get("Sec-WebSocket-Version")); v != Version {
		return "", handshakeErrorf("unsupported version %q", v)
	}
	key := strings.TrimSpace(h.Get("Sec-WebSocket-Key"))
	if !validKey(key) {
		return "", handshakeErrorf("invalid key %q", key)
	}
	return key, nil
}

// AppendResponse appends the 101 response accepting key.
func AppendResponse(dst []byte, key string) []byte {
	dst = h1.AppendStatusLine(dst, 101, "")
	dst = h1.AppendField(dst, "Upgrade", "websocket")
	dst = h1.AppendField(dst, "Connection", "Upgrade")
	dst = h1.AppendField(dst, "Sec-WebSocket-Accept", AcceptKey(key))
	return append(dst, h1.CRLF...)
}

// CheckResponse validates the server's reply to an upgrade request sent
// with key.
func CheckResponse(status int, h *h1.Header, key string) error {
	if status != 101 {
		return handshakeErrorf("unexpected status %d", status)
	}
	if !httpguts.HeaderValuesContainsToken([]string{h.Get("Upgrade")}, "websocket") {
		return handshakeErrorf("missing Upgrade: websocket")
	}
	if !httpguts.HeaderValuesContainsToken([]string{h.Get("Connection")}, "upgrade") {
		return handshakeErrorf("missing Connection: upgrade")
	}
	if got := strings.TrimSpace(h.Get("Sec-WebSocket-Accept")); got != AcceptKey(key) {
		return handshakeErrorf("invalid accept key %q", got)
	}
	return nil
}
