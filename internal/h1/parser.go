// Package h1 implements the HTTP/1.1 wire codec shared by client and server
// connections: incremental head parsing, body framing, and encoding.
package h1

import (
	"bytes"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// DefaultMaxHeaderBytes bounds the size of a request or response head.
const DefaultMaxHeaderBytes = 1 << 20

// BodyMode describes how a message body is delimited on the wire.
type BodyMode int

const (
	BodyNone BodyMode = iota
	BodyFixed
	BodyChunked
	// BodyUntilClose is only valid for responses without framing headers.
	BodyUntilClose
)

var (
	crlfcrlf = []byte("\r\n\r\n")
	bHTTP11  = []byte("HTTP/1.1")
	bHTTP10  = []byte("HTTP/1.0")
	sHTTP11  = "HTTP/1.1"
	sHTTP10  = "HTTP/1.0"
)

// RequestHead is a parsed request line plus header block.
type RequestHead struct {
	Method  string
	URI     string
	Version string
	Header  Header
	// ContentLength is -1 when absent or superseded by Transfer-Encoding.
	ContentLength  int64
	Chunked        bool
	KeepAlive      bool
	ExpectContinue bool
	// Upgrade is set when the Connection header carries the upgrade token.
	Upgrade bool
}

// Reset clears the head for reuse.
func (r *RequestHead) Reset() {
	r.Method = ""
	r.URI = ""
	r.Version = ""
	r.Header.Reset()
	r.ContentLength = -1
	r.Chunked = false
	r.KeepAlive = false
	r.ExpectContinue = false
	r.Upgrade = false
}

// BodyMode returns the framing of the request body.
func (r *RequestHead) BodyMode() (BodyMode, int64) {
	switch {
	case r.Chunked:
		return BodyChunked, -1
	case r.ContentLength > 0:
		return BodyFixed, r.ContentLength
	default:
		return BodyNone, 0
	}
}

// ResponseHead is a parsed status line plus header block.
type ResponseHead struct {
	Version       string
	StatusCode    int
	StatusMessage string
	Header        Header
	ContentLength int64
	Chunked       bool
	KeepAlive     bool
}

// Reset clears the head for reuse.
func (r *ResponseHead) Reset() {
	r.Version = ""
	r.StatusCode = 0
	r.StatusMessage = ""
	r.Header.Reset()
	r.ContentLength = -1
	r.Chunked = false
	r.KeepAlive = false
}

// Informational reports whether the response is a 1xx interim response.
func (r *ResponseHead) Informational() bool {
	return r.StatusCode >= 100 && r.StatusCode < 200
}

// BodyMode returns the framing of the response body for a request made
// with method.
func (r *ResponseHead) BodyMode(method string) (BodyMode, int64) {
	switch {
	case method == "HEAD", r.Informational(), r.StatusCode == 204, r.StatusCode == 304:
		return BodyNone, 0
	case r.Chunked:
		return BodyChunked, -1
	case r.ContentLength == 0:
		return BodyNone, 0
	case r.ContentLength > 0:
		return BodyFixed, r.ContentLength
	default:
		return BodyUntilClose, -1
	}
}

// Parser parses HTTP/1.1 heads from a caller-owned buffer. It never retains
// the buffer across calls to Reset.
type Parser struct {
	buf            []byte
	pos            int
	maxHeaderBytes int
}

// NewParser creates a parser. A non-positive maxHeaderBytes selects
// DefaultMaxHeaderBytes.
func NewParser(maxHeaderBytes int) *Parser {
	if maxHeaderBytes <= 0 {
		maxHeaderBytes = DefaultMaxHeaderBytes
	}
	return &Parser{maxHeaderBytes: maxHeaderBytes}
}

// Reset resets the parser with new buffer data.
func (p *Parser) Reset(buf []byte) {
	p.buf = buf
	p.pos = 0
}

// Remaining returns the number of unparsed bytes in the buffer.
func (p *Parser) Remaining() int {
	return len(p.buf) - p.pos
}

// head locates the next complete head. It returns nil when more data is needed.
func (p *Parser) head() ([]byte, error) {
	// Tolerate empty lines ahead of a message.
	for p.pos+1 < len(p.buf) && p.buf[p.pos] == '\r' && p.buf[p.pos+1] == '\n' {
		p.pos += 2
	}
	end := bytes.Index(p.buf[p.pos:], crlfcrlf)
	if end == -1 {
		if len(p.buf)-p.pos > p.maxHeaderBytes {
			return nil, protocolErrorf("header block exceeds %d bytes", p.maxHeaderBytes)
		}
		return nil, nil
	}
	if end > p.maxHeaderBytes {
		return nil, protocolErrorf("header block exceeds %d bytes", p.maxHeaderBytes)
	}
	// Include the CRLF terminating the final line.
	head := p.buf[p.pos : p.pos+end+2]
	p.pos += end + 4
	return head, nil
}

// ParseRequest parses a request head. It returns the number of bytes
// consumed, or 0 with a nil error when more data is needed.
func (p *Parser) ParseRequest(req *RequestHead) (int, error) {
	start := p.pos
	head, err := p.head()
	if err != nil || head == nil {
		p.pos = start
		return 0, err
	}
	req.Reset()

	lineEnd := bytes.IndexByte(head, '\n')
	line := bytes.TrimSuffix(head[:lineEnd], []byte("\r"))
	if err := parseRequestLine(line, req); err != nil {
		return 0, err
	}
	if err := parseFields(head[lineEnd+1:], &req.Header); err != nil {
		return 0, err
	}

	req.KeepAlive = req.Version == sHTTP11
	if err := applyFraming(&req.Header, &req.ContentLength, &req.Chunked, &req.KeepAlive); err != nil {
		return 0, err
	}
	if conn, ok := req.Header.Lookup("Connection"); ok {
		req.Upgrade = httpguts.HeaderValuesContainsToken([]string{conn}, "upgrade")
	}
	if expect, ok := req.Header.Lookup("Expect"); ok {
		req.ExpectContinue = strings.EqualFold(strings.TrimSpace(expect), "100-continue")
	}
	if req.Version == sHTTP11 && !req.Header.Has("Host") {
		return 0, protocolErrorf("missing Host header")
	}
	return p.pos - start, nil
}

// ParseResponse parses a status line and header block. It returns the
// number of bytes consumed, or 0 with a nil error when more data is needed.
func (p *Parser) ParseResponse(resp *ResponseHead) (int, error) {
	start := p.pos
	head, err := p.head()
	if err != nil || head == nil {
		p.pos = start
		return 0, err
	}
	resp.Reset()

	lineEnd := bytes.IndexByte(head, '\n')
	line := bytes.TrimSuffix(head[:lineEnd], []byte("\r"))
	if err := parseStatusLine(line, resp); err != nil {
		return 0, err
	}
	if err := parseFields(head[lineEnd+1:], &resp.Header); err != nil {
		return 0, err
	}
	resp.KeepAlive = resp.Version == sHTTP11
	if err := applyFraming(&resp.Header, &resp.ContentLength, &resp.Chunked, &resp.KeepAlive); err != nil {
		return 0, err
	}
	return p.pos - start, nil
}

// parseRequestLine parses METHOD SP URI SP VERSION.
func parseRequestLine(line []byte, req *RequestHead) error {
	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) != 3 || len(parts[0]) == 0 || len(parts[1]) == 0 {
		return protocolErrorf("invalid request line %q", line)
	}
	if !httpguts.ValidHeaderFieldName(string(parts[0])) {
		return protocolErrorf("invalid method %q", parts[0])
	}
	req.Method = string(parts[0])
	req.URI = string(parts[1])
	version, err := parseVersion(parts[2])
	if err != nil {
		return err
	}
	req.Version = version
	return nil
}

// parseStatusLine parses VERSION SP CODE [SP REASON].
func parseStatusLine(line []byte, resp *ResponseHead) error {
	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) < 2 {
		return protocolErrorf("invalid status line %q", line)
	}
	version, err := parseVersion(parts[0])
	if err != nil {
		return err
	}
	resp.Version = version
	if len(parts[1]) != 3 {
		return protocolErrorf("invalid status code %q", parts[1])
	}
	code, ok := parseInt64Bytes(parts[1])
	if !ok || code < 100 {
		return protocolErrorf("invalid status code %q", parts[1])
	}
	resp.StatusCode = int(code)
	if len(parts) == 3 {
		resp.StatusMessage = string(parts[2])
	}
	return nil
}

func parseVersion(b []byte) (string, error) {
	switch {
	case bytes.Equal(b, bHTTP11):
		return sHTTP11, nil
	case bytes.Equal(b, bHTTP10):
		return sHTTP10, nil
	default:
		return "", protocolErrorf("unsupported HTTP version %q", b)
	}
}

// parseFields parses CRLF-terminated header lines into h.
func parseFields(block []byte, h *Header) error {
	for len(block) > 0 {
		lineEnd := bytes.IndexByte(block, '\n')
		if lineEnd == -1 {
			return protocolErrorf("unterminated header line")
		}
		line := bytes.TrimSuffix(block[:lineEnd], []byte("\r"))
		block = block[lineEnd+1:]
		if len(line) == 0 {
			continue
		}
		name, value, err := parseField(line)
		if err != nil {
			return err
		}
		h.Add(name, value)
	}
	return nil
}

// parseField splits a single "name: value" line.
func parseField(line []byte) (string, string, error) {
	if line[0] == ' ' || line[0] == '\t' {
		return "", "", protocolErrorf("obsolete line folding")
	}
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return "", "", protocolErrorf("invalid header line %q", line)
	}
	name := string(line[:colon])
	if !httpguts.ValidHeaderFieldName(name) {
		return "", "", protocolErrorf("invalid header name %q", name)
	}
	value := string(bytes.Trim(line[colon+1:], " \t"))
	if !httpguts.ValidHeaderFieldValue(value) {
		return "", "", protocolErrorf("invalid value for header %q", name)
	}
	return name, value, nil
}

// applyFraming derives body framing and persistence from a parsed header.
func applyFraming(h *Header, contentLength *int64, chunked, keepAlive *bool) error {
	*contentLength = -1
	if te, ok := h.Lookup("Transfer-Encoding"); ok {
		if !onlyChunked(te) {
			return protocolErrorf("unsupported transfer encoding %q", te)
		}
		*chunked = true
	} else if cl, ok := h.Lookup("Content-Length"); ok {
		n, err := parseContentLength(cl)
		if err != nil {
			return err
		}
		*contentLength = n
	}
	if conn, ok := h.Lookup("Connection"); ok {
		switch {
		case httpguts.HeaderValuesContainsToken([]string{conn}, "close"):
			*keepAlive = false
		case httpguts.HeaderValuesContainsToken([]string{conn}, "keep-alive"):
			*keepAlive = true
		}
	}
	return nil
}

// onlyChunked reports whether te names chunked as its only coding. Empty
// list elements are skipped.
func onlyChunked(te string) bool {
	seen := false
	for _, coding := range strings.Split(te, ",") {
		coding = strings.TrimSpace(coding)
		switch {
		case coding == "":
		case strings.EqualFold(coding, "chunked") && !seen:
			seen = true
		default:
			return false
		}
	}
	return seen
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// parseContentLength accepts repeated identical values folded by Add.
func parseContentLength(v string) (int64, error) {
	var n int64 = -1
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if !isDigits(part) {
			return 0, protocolErrorf("invalid content-length %q", v)
		}
		cl, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return 0, protocolErrorf("invalid content-length %q", v)
		}
		if n != -1 && cl != n {
			return 0, protocolErrorf("conflicting content-length %q", v)
		}
		n = cl
	}
	return n, nil
}

// parseInt64Bytes parses a base-10 int64 from ASCII bytes, returning ok=false on error
func parseInt64Bytes(b []byte) (int64, bool) {
	if len(b) == 0 || len(b) > 18 {
		return 0, false
	}
	var n int64
	for i := 0; i < len(b); i++ {
		c := b[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, true
}
