package integration

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/david-hosier/node.x/pkg/nodex"
)

var hopByHop = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"transfer-encoding": true,
	"upgrade":           true,
	"te":                true,
	"trailer":           true,
}

// forward relays a server request through a pooled client, pumping both
// bodies so neither side is buffered whole.
func forward(upstream *nodex.Client) nodex.RequestHandler {
	return func(req *nodex.ServerRequest) {
		resp := req.Response()
		creq := upstream.Request(req.Method(), "/"+req.Param("path"), func(cresp *nodex.ClientResponse, err error) {
			if err != nil {
				_ = resp.SetStatusCode(502).EndWithString("Bad Gateway")
				return
			}
			resp.SetStatusCode(cresp.StatusCode())
			for name, value := range cresp.Headers() {
				if !hopByHop[strings.ToLower(name)] {
					resp.PutHeader(name, value)
				}
			}
			if cresp.Header("Content-Length") == "" {
				_ = resp.SetChunked(true)
			}
			nodex.NewPump(cresp, resp).Start()
			cresp.EndHandler(func() { _ = resp.End() })
		})
		for name, value := range req.Headers() {
			if !hopByHop[strings.ToLower(name)] {
				creq.PutHeader(name, value)
			}
		}
		if strings.Contains(strings.ToLower(req.Header("Transfer-Encoding")), "chunked") {
			_ = creq.SetChunked(true)
		}
		nodex.NewPump(req, creq).Start()
		req.EndHandler(func() { _ = creq.End() })
	}
}

func TestProxy_EndToEnd(t *testing.T) {
	host, port := startUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Upstream-Path", r.URL.Path)
		w.Header().Set("X-Upstream-Method", r.Method)
		_, _ = w.Write([]byte(strings.ToUpper(string(body))))
	}))
	upstream := newClient(t, host, port, func(config *nodex.ClientConfig) {
		config.MaxPoolSize = 2
	})

	router := nodex.NewRouter()
	router.Use(nodex.Logger(zap.NewNop()))
	router.Handle("GET", "/proxy/*path", forward(upstream))
	router.Handle("POST", "/proxy/*path", forward(upstream))
	_, proxyPort := startServer(t, router.Serve)
	client := stdlibClient(t)

	resp, err := client.Get(baseURL(proxyPort) + "/proxy/a/b")
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "/a/b", resp.Header.Get("X-Upstream-Path"))
	assert.Equal(t, "GET", resp.Header.Get("X-Upstream-Method"))

	payload := strings.Repeat("stream me ", 20000)
	resp, err = client.Post(baseURL(proxyPort)+"/proxy/upper", "text/plain", strings.NewReader(payload))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, strings.ToUpper(payload), string(body))
}

func TestProxy_UpstreamDown(t *testing.T) {
	upstream := newClient(t, "127.0.0.1", getTestPort(), nil)

	router := nodex.NewRouter()
	router.GET("/proxy/*path", forward(upstream))
	_, proxyPort := startServer(t, router.Serve)
	client := stdlibClient(t)

	resp, err := client.Get(baseURL(proxyPort) + "/proxy/x")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, 502, resp.StatusCode)
	assert.Equal(t, "Bad Gateway", string(body))
}
