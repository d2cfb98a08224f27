package h1

import (
	"strconv"
)

var (
	crlf      = []byte("\r\n")
	headerSep = []byte(": ")
	lastChunk = []byte("0\r\n")
)

// CRLF is the line terminator used by chunk framing.
var CRLF = crlf

// AppendRequestLine appends "METHOD URI HTTP/1.1\r\n".
func AppendRequestLine(dst []byte, method, uri string) []byte {
	dst = append(dst, method...)
	dst = append(dst, ' ')
	dst = append(dst, uri...)
	dst = append(dst, " HTTP/1.1\r\n"...)
	return dst
}

// AppendStatusLine appends "HTTP/1.1 CODE MESSAGE\r\n". An empty message
// selects the standard reason phrase.
func AppendStatusLine(dst []byte, code int, message string) []byte {
	if message == "" {
		message = StatusText(code)
	}
	dst = append(dst, "HTTP/1.1 "...)
	dst = strconv.AppendInt(dst, int64(code), 10)
	dst = append(dst, ' ')
	dst = append(dst, message...)
	dst = append(dst, crlf...)
	return dst
}

// AppendField appends a single "name: value\r\n" line.
func AppendField(dst []byte, name, value string) []byte {
	dst = append(dst, name...)
	dst = append(dst, headerSep...)
	dst = append(dst, value...)
	dst = append(dst, crlf...)
	return dst
}

// AppendHeader appends every field of h without the terminating blank line.
func AppendHeader(dst []byte, h *Header) []byte {
	for _, f := range h.All() {
		dst = AppendField(dst, f[0], f[1])
	}
	return dst
}

// AppendChunkHeader appends the hex size line that precedes n bytes of chunk data.
func AppendChunkHeader(dst []byte, n int) []byte {
	dst = strconv.AppendInt(dst, int64(n), 16)
	dst = append(dst, crlf...)
	return dst
}

// AppendLastChunk appends the terminal zero-length chunk, any trailer fields
// and the closing blank line.
func AppendLastChunk(dst []byte, trailer *Header) []byte {
	dst = append(dst, lastChunk...)
	dst = AppendHeader(dst, trailer)
	dst = append(dst, crlf...)
	return dst
}

// StatusText returns the reason phrase for common HTTP status codes.
func StatusText(code int) string {
	switch code {
	case 100:
		return "Continue"
	case 101:
		return "Switching Protocols"
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 202:
		return "Accepted"
	case 204:
		return "No Content"
	case 206:
		return "Partial Content"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 304:
		return "Not Modified"
	case 307:
		return "Temporary Redirect"
	case 308:
		return "Permanent Redirect"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 408:
		return "Request Timeout"
	case 409:
		return "Conflict"
	case 410:
		return "Gone"
	case 411:
		return "Length Required"
	case 413:
		return "Payload Too Large"
	case 414:
		return "URI Too Long"
	case 415:
		return "Unsupported Media Type"
	case 417:
		return "Expectation Failed"
	case 426:
		return "Upgrade Required"
	case 429:
		return "Too Many Requests"
	case 431:
		return "Request Header Fields Too Large"
	case 500:
		return "Internal Server Error"
	case 501:
		return "Not Implemented"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	case 504:
		return "Gateway Timeout"
	case 505:
		return "HTTP Version Not Supported"
	default:
		return "Unknown"
	}
}
