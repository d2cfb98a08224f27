package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/david-hosier/node.x/pkg/nodex"
)

// These tests drive a nodex server with the net/http client to check wire
// compatibility with an independent HTTP/1.1 implementation.

func TestStdlibClient_RouterAndMiddleware(t *testing.T) {
	router := nodex.NewRouter()
	router.Use(nodex.Recovery(zap.NewNop()), nodex.RequestID())
	router.GET("/users/:id", func(req *nodex.ServerRequest) {
		body, _ := json.Marshal(map[string]string{"user_id": req.Param("id")})
		_ = req.Response().PutHeader("Content-Type", "application/json").EndWith(body)
	})
	router.GET("/boom", func(*nodex.ServerRequest) {
		panic("boom")
	})
	_, port := startServer(t, router.Serve)
	client := stdlibClient(t)

	resp, err := client.Get(baseURL(port) + "/users/123")
	require.NoError(t, err)
	var payload map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	_ = resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "123", payload["user_id"])
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	_, err = uuid.Parse(resp.Header.Get(nodex.RequestIDHeader))
	assert.NoError(t, err)

	resp, err = client.Get(baseURL(port) + "/boom")
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, 500, resp.StatusCode)

	resp, err = client.Get(baseURL(port) + "/missing")
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, 404, resp.StatusCode)
}

func TestStdlibClient_KeepAliveReusesConnection(t *testing.T) {
	var mu sync.Mutex
	remotes := map[string]int{}
	_, port := startServer(t, func(req *nodex.ServerRequest) {
		mu.Lock()
		remotes[req.RemoteAddr().String()]++
		mu.Unlock()
		_ = req.Response().EndWithString("ok")
	})
	client := stdlibClient(t)

	for i := 0; i < 10; i++ {
		resp, err := client.Get(baseURL(port) + "/")
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		_ = resp.Body.Close()
		require.Equal(t, "ok", string(body))
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, remotes, 1)
}

func TestStdlibClient_ChunkedUploadEcho(t *testing.T) {
	_, port := startServer(t, func(req *nodex.ServerRequest) {
		resp := req.Response()
		_ = resp.SetChunked(true)
		pump := nodex.NewPump(req, resp).Start()
		req.EndHandler(func() {
			resp.PutTrailer("X-Bytes", pump.BytesPumped())
			_ = resp.End()
		})
	})
	client := stdlibClient(t)

	pr, pw := io.Pipe()
	go func() {
		for i := 0; i < 5; i++ {
			_, _ = fmt.Fprintf(pw, "part-%d;", i)
			time.Sleep(5 * time.Millisecond)
		}
		_ = pw.Close()
	}()
	httpReq, err := http.NewRequest("POST", baseURL(port)+"/echo", pr)
	require.NoError(t, err)
	resp, err := client.Do(httpReq)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()

	want := "part-0;part-1;part-2;part-3;part-4;"
	assert.Equal(t, want, string(body))
	assert.Equal(t, []string{"chunked"}, resp.TransferEncoding)
	assert.Equal(t, strconv.Itoa(len(want)), resp.Trailer.Get("X-Bytes"))
}

func TestStdlibClient_ConcurrentRequests(t *testing.T) {
	router := nodex.NewRouter()
	router.GET("/n/:i", func(req *nodex.ServerRequest) {
		_ = req.Response().EndWithString(req.Param("i"))
	})
	_, port := startServer(t, router.Serve)
	client := stdlibClient(t)

	const numRequests = 50
	var wg sync.WaitGroup
	errs := make(chan error, numRequests)
	for i := 0; i < numRequests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := client.Get(fmt.Sprintf("%s/n/%d", baseURL(port), i))
			if err != nil {
				errs <- err
				return
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				errs <- err
				return
			}
			if string(body) != strconv.Itoa(i) {
				errs <- fmt.Errorf("request %d got %q", i, body)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestStdlibClient_ExpectContinue(t *testing.T) {
	_, port := startServer(t, func(req *nodex.ServerRequest) {
		req.BodyHandler(func(body []byte) {
			_ = req.Response().EndWithString(strings.ToUpper(string(body)))
		})
	})
	transport := &http.Transport{ExpectContinueTimeout: 5 * time.Second}
	t.Cleanup(transport.CloseIdleConnections)
	client := &http.Client{Transport: transport, Timeout: 5 * time.Second}

	httpReq, err := http.NewRequest("PUT", baseURL(port)+"/upload", strings.NewReader("payload"))
	require.NoError(t, err)
	httpReq.Header.Set("Expect", "100-continue")
	start := time.Now()
	resp, err := client.Do(httpReq)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, "PAYLOAD", string(body))
	// Without the interim response the client would wait out the timeout.
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestStdlibClient_HeadRequest(t *testing.T) {
	_, port := startServer(t, func(req *nodex.ServerRequest) {
		_ = req.Response().EndWithString("hello")
	})
	client := stdlibClient(t)

	resp, err := client.Head(baseURL(port) + "/")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, int64(5), resp.ContentLength)
}
