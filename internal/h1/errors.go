package h1

import "fmt"

// ProtocolError reports malformed HTTP/1.1 framing. The connection that
// produced it cannot be used further.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "http: protocol error: " + e.Reason
}

func protocolErrorf(format string, args ...any) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}
