package integration

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/david-hosier/node.x/pkg/nodex"
)

// These tests point a nodex client at a net/http server.

func startUpstream(t *testing.T, handler http.Handler) (host string, port int) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	h, p, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err = strconv.Atoi(p)
	require.NoError(t, err)
	return h, port
}

func TestClient_StdlibChunkedResponseWithTrailers(t *testing.T) {
	host, port := startUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Trailer", "X-Checksum")
		flusher := w.(http.Flusher)
		for i := 0; i < 3; i++ {
			_, _ = fmt.Fprintf(w, "chunk%d ", i)
			flusher.Flush()
		}
		w.Header().Set("X-Checksum", "abc")
	}))
	c := newClient(t, host, port, nil)

	res := do(t, c, "GET", "/stream", nil)
	require.NoError(t, res.err)
	assert.Equal(t, 200, res.status)
	assert.Equal(t, "chunk0 chunk1 chunk2 ", res.body)
	assert.Equal(t, "abc", res.trailers["X-Checksum"])
}

func TestClient_StdlibEchoesChunkedUpload(t *testing.T) {
	host, port := startUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Transfer-Encoding", fmt.Sprint(r.TransferEncoding))
		w.Header().Set("X-Trailer", r.Trailer.Get("X-Sent"))
		_, _ = w.Write(body)
	}))
	c := newClient(t, host, port, nil)

	res := do(t, c, "POST", "/upload", func(req *nodex.ClientRequest) error {
		if err := req.SetChunked(true); err != nil {
			return err
		}
		req.PutTrailer("X-Sent", "yes")
		for _, part := range []string{"a", "bb", "ccc"} {
			if err := req.WriteString(part); err != nil {
				return err
			}
		}
		return req.End()
	})
	require.NoError(t, res.err)
	assert.Equal(t, "abbccc", res.body)
	assert.Equal(t, "[chunked]", res.header["X-Transfer-Encoding"])
	assert.Equal(t, "yes", res.header["X-Trailer"])
}

func TestClient_StdlibExpectContinue(t *testing.T) {
	host, port := startUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write(body)
	}))
	c := newClient(t, host, port, nil)

	continued := make(chan struct{}, 1)
	res := do(t, c, "PUT", "/upload", func(req *nodex.ClientRequest) error {
		req.PutHeader("Content-Length", 5).PutHeader("Expect", "100-continue")
		req.ContinueHandler(func() {
			continued <- struct{}{}
			_ = req.EndWithString("hello")
		})
		return req.SendHead()
	})
	require.NoError(t, res.err)
	assert.Equal(t, "hello", res.body)
	assert.Len(t, continued, 1)
}

func TestClient_StdlibConnectionClose(t *testing.T) {
	var mu sync.Mutex
	remotes := map[string]bool{}
	host, port := startUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		remotes[r.RemoteAddr] = true
		mu.Unlock()
		w.Header().Set("Connection", "close")
		_, _ = w.Write([]byte("bye"))
	}))
	c := newClient(t, host, port, nil)

	for i := 0; i < 3; i++ {
		res := do(t, c, "GET", "/", nil)
		require.NoError(t, res.err)
		require.Equal(t, "bye", res.body)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, remotes, 3)
}

func TestClient_StdlibPooledConcurrency(t *testing.T) {
	host, port := startUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.URL.Query().Get("i")))
	}))
	c := newClient(t, host, port, func(config *nodex.ClientConfig) {
		config.MaxPoolSize = 4
	})

	type reply struct {
		i    int
		body string
		err  error
	}
	const numRequests = 40
	replies := make(chan reply, numRequests)
	for i := 0; i < numRequests; i++ {
		i := i
		_ = c.Get(fmt.Sprintf("/?i=%d", i), func(resp *nodex.ClientResponse, err error) {
			if err != nil {
				replies <- reply{i: i, err: err}
				return
			}
			resp.BodyHandler(func(body []byte) {
				replies <- reply{i: i, body: string(body)}
			})
		}).End()
	}
	for n := 0; n < numRequests; n++ {
		select {
		case r := <-replies:
			require.NoError(t, r.err)
			assert.Equal(t, strconv.Itoa(r.i), r.body)
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d responses arrived", n, numRequests)
		}
	}
}
