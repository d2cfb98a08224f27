package integration

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/david-hosier/node.x/pkg/nodex"
)

var testPortCounter uint32

// getTestPort returns a port outside the range used by package tests.
func getTestPort() int {
	return 26000 + int(atomic.AddUint32(&testPortCounter, 1))
}

func startServer(t *testing.T, handler nodex.RequestHandler) (*nodex.Server, int) {
	t.Helper()
	config := nodex.DefaultServerConfig()
	config.Multicore = true
	srv, err := nodex.NewServer(config)
	require.NoError(t, err)
	srv.RequestHandler(handler)
	port := getTestPort()
	require.NoError(t, srv.Listen(port, "127.0.0.1"))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv, port
}

func newClient(t *testing.T, host string, port int, mutate func(*nodex.ClientConfig)) *nodex.Client {
	t.Helper()
	config := nodex.DefaultClientConfig()
	config.Host = host
	config.Port = port
	if mutate != nil {
		mutate(&config)
	}
	c, err := nodex.NewClient(config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func baseURL(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}

func stdlibClient(t *testing.T) *http.Client {
	t.Helper()
	transport := &http.Transport{MaxIdleConnsPerHost: 4}
	t.Cleanup(transport.CloseIdleConnections)
	return &http.Client{Transport: transport, Timeout: 5 * time.Second}
}

type result struct {
	status   int
	header   map[string]string
	trailers map[string]string
	body     string
	err      error
}

// do sends a request through a nodex client and collects the whole
// response. prepare may set headers and send the body; when nil the
// request is ended empty.
func do(t *testing.T, c *nodex.Client, method, uri string, prepare func(*nodex.ClientRequest) error) result {
	t.Helper()
	ch := make(chan result, 1)
	deliver := func(r result) {
		select {
		case ch <- r:
		default:
		}
	}
	req := c.Request(method, uri, func(resp *nodex.ClientResponse, err error) {
		if err != nil {
			deliver(result{err: err})
			return
		}
		resp.BodyHandler(func(body []byte) {
			deliver(result{
				status:   resp.StatusCode(),
				header:   resp.Headers(),
				trailers: resp.Trailers(),
				body:     string(body),
			})
		})
		resp.ExceptionHandler(func(err error) { deliver(result{err: err}) })
	})
	if prepare == nil {
		prepare = (*nodex.ClientRequest).End
	}
	require.NoError(t, prepare(req))
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatalf("%s %s timed out", method, uri)
		return result{}
	}
}
