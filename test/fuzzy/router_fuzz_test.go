package fuzzy

import (
	"bytes"
	"strconv"
	"strings"
	"testing"

	"github.com/david-hosier/node.x/internal/h1"
	"github.com/david-hosier/node.x/pkg/nodex"
)

// routeRecorder records which route a request resolved to. Handlers are
// invoked with a nil request, so they must not touch it.
type routeRecorder struct {
	router *nodex.Router
	hit    string
}

func newRouteRecorder() *routeRecorder {
	p := &routeRecorder{router: nodex.NewRouter()}
	mark := func(name string) nodex.RequestHandler {
		return func(*nodex.ServerRequest) { p.hit = name }
	}
	p.router.NotFound(mark("not-found"))
	p.router.GET("/", mark("root"))
	p.router.GET("/users/:id", mark("user"))
	p.router.POST("/users/:id/uploads", mark("upload"))
	p.router.GET("/files/*path", mark("files"))
	return p
}

// resolve routes a parsed head the way the server does: the query is not
// part of the path.
func (p *routeRecorder) resolve(head *h1.RequestHead) map[string]string {
	path := head.URI
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	p.hit = ""
	handler, params := p.router.FindRoute(head.Method, path)
	if handler != nil {
		handler(nil)
	}
	return params
}

// encodeChunked frames body as chunks of at most size bytes followed by a
// last chunk carrying an X-Sum trailer.
func encodeChunked(dst, body []byte, size int) []byte {
	var trailer h1.Header
	trailer.Set("X-Sum", strconv.Itoa(len(body)))
	for len(body) > 0 {
		n := min(size, len(body))
		dst = h1.AppendChunkHeader(dst, n)
		dst = append(dst, body[:n]...)
		dst = append(dst, h1.CRLF...)
		body = body[n:]
	}
	return h1.AppendLastChunk(dst, &trailer)
}

// FuzzRoutedChunkedUpload builds a chunked POST for a fuzzed user id, runs
// it through the request parser, routes the parsed head and decodes the
// body in fuzzed step sizes.
func FuzzRoutedChunkedUpload(f *testing.F) {
	f.Add("42", []byte("hello world"), uint8(3))
	f.Add("alice", []byte(""), uint8(0))
	f.Add("a%20b", bytes.Repeat([]byte("x"), 300), uint8(17))
	f.Add("id?x=1", []byte("q"), uint8(1))
	f.Add(":", []byte("colon"), uint8(2))
	f.Add("../..", []byte("dots"), uint8(5))

	routes := newRouteRecorder()

	f.Fuzz(func(t *testing.T, id string, body []byte, step uint8) {
		if len(body) > 1<<16 {
			t.Skip("body too large")
		}
		if strings.ContainsAny(id, " \r\n") {
			t.Skip("id splits the request line")
		}
		size := int(step)%32 + 1
		uri := "/users/" + id + "/uploads"

		var head h1.Header
		head.Set("Host", "fuzz")
		head.Set("Transfer-Encoding", "chunked")
		wire := h1.AppendRequestLine(nil, "POST", uri)
		wire = h1.AppendHeader(wire, &head)
		wire = append(wire, h1.CRLF...)
		headLen := len(wire)
		wire = encodeChunked(wire, body, size)

		parser := h1.NewParser(1 << 16)
		parser.Reset(wire)
		req := &h1.RequestHead{}
		n, err := parser.ParseRequest(req)
		if err != nil {
			// Ids that break the request line are rejected, never routed.
			return
		}
		if n != headLen {
			t.Fatalf("consumed %d bytes of a %d byte head", n, headLen)
		}
		if req.URI != uri || !req.Chunked || req.ContentLength != -1 {
			t.Fatalf("unexpected head %+v", req)
		}

		params := routes.resolve(req)
		if id != "" && !strings.ContainsAny(id, "/?") {
			if routes.hit != "upload" {
				t.Errorf("%q routed to %q", uri, routes.hit)
			}
			if params["id"] != id {
				t.Errorf("param id = %q, want %q", params["id"], id)
			}
		}

		mode, _ := req.BodyMode()
		var r h1.BodyReader
		r.Reset(mode, -1)
		rest := wire[n:]
		avail := 0
		var got []byte
		for {
			if avail < len(rest) {
				avail = min(avail+size, len(rest))
			}
			data, used, done, err := r.Read(rest[:avail])
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			got = append(got, data...)
			rest = rest[used:]
			avail -= used
			if done {
				break
			}
			if used == 0 && avail == len(rest) {
				t.Fatalf("decoder stalled with %d bytes left", len(rest))
			}
		}
		if len(rest) != 0 {
			t.Errorf("%d bytes left after the last chunk", len(rest))
		}
		if !bytes.Equal(got, body) {
			t.Errorf("decoded %d bytes, want %d", len(got), len(body))
		}
		if sum := r.Trailer().Get("X-Sum"); sum != strconv.Itoa(len(body)) {
			t.Errorf("trailer X-Sum = %q", sum)
		}
	})
}

// FuzzRoutedMethod parses a request line with a fuzzed method and checks
// that only GET reaches the GET routes.
func FuzzRoutedMethod(f *testing.F) {
	for _, m := range []string{"GET", "POST", "HEAD", "get", "", "G ET", "PATCH", "M-SEARCH"} {
		f.Add(m, "/users/7")
	}
	f.Add("GET", "/files/a/b/c.txt")
	f.Add("GET", "/?q=1")
	f.Add("GET", "/files/*")
	f.Add("GET", "/users/:")
	f.Add("DELETE", "/nowhere")

	routes := newRouteRecorder()

	f.Fuzz(func(t *testing.T, method, uri string) {
		if strings.ContainsAny(method+uri, " \r\n") {
			t.Skip("token splits the request line")
		}
		wire := []byte(method + " " + uri + " HTTP/1.1\r\nHost: fuzz\r\n\r\n")
		parser := h1.NewParser(1 << 16)
		parser.Reset(wire)
		req := &h1.RequestHead{}
		if _, err := parser.ParseRequest(req); err != nil {
			return
		}
		if req.Method != method || req.URI != uri {
			t.Fatalf("parsed %q %q from %q %q", req.Method, req.URI, method, uri)
		}

		params := routes.resolve(req)
		if routes.hit == "" {
			t.Fatalf("no handler ran for %s %s", method, uri)
		}
		if method != "GET" && routes.hit != "not-found" && routes.hit != "upload" {
			t.Errorf("%s %s reached GET route %q", method, uri, routes.hit)
		}
		if routes.hit == "files" && params["path"] == "" {
			t.Errorf("wildcard route without path for %q", uri)
		}
	})
}

// FuzzFixedLengthResponse frames a body with a fuzzed status code as the
// server does and checks the client side of the codec agrees on framing.
func FuzzFixedLengthResponse(f *testing.F) {
	f.Add(200, []byte("ok"), false)
	f.Add(204, []byte(""), false)
	f.Add(304, []byte(""), true)
	f.Add(404, []byte("missing"), true)
	f.Add(100, []byte(""), false)
	f.Add(999, []byte("x"), false)

	f.Fuzz(func(t *testing.T, status int, body []byte, head bool) {
		if status < 100 || status > 999 {
			t.Skip("status out of range")
		}
		noBody := status == 204 || status == 304 || status < 200
		var hdr h1.Header
		if !noBody {
			hdr.Set("Content-Length", strconv.Itoa(len(body)))
		}
		wire := h1.AppendStatusLine(nil, status, "")
		wire = h1.AppendHeader(wire, &hdr)
		wire = append(wire, h1.CRLF...)
		headLen := len(wire)
		if !noBody && !head {
			wire = append(wire, body...)
		}

		parser := h1.NewParser(1 << 16)
		parser.Reset(wire)
		resp := &h1.ResponseHead{}
		n, err := parser.ParseResponse(resp)
		if err != nil || n != headLen {
			t.Fatalf("parse %d: n=%d err=%v", status, n, err)
		}
		if resp.StatusCode != status {
			t.Fatalf("status %d parsed as %d", status, resp.StatusCode)
		}

		method := "GET"
		if head {
			method = "HEAD"
		}
		mode, length := resp.BodyMode(method)
		if noBody || head {
			if mode != h1.BodyNone {
				t.Errorf("%s %d: body mode %v", method, status, mode)
			}
			return
		}
		var r h1.BodyReader
		r.Reset(mode, length)
		data, used, done, err := r.Read(wire[n:])
		if err != nil || !done || used != len(body) || !bytes.Equal(data, body) {
			t.Errorf("body read: used=%d done=%v err=%v", used, done, err)
		}
	})
}
