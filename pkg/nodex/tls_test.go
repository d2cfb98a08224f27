package nodex

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/david-hosier/node.x/internal/testcert"
)

func tlsServerConfig(t *testing.T) (ServerConfig, *testcert.Pair) {
	t.Helper()
	pair, err := testcert.Generate("localhost", "127.0.0.1", "localhost")
	require.NoError(t, err)
	config := testServerConfig()
	config.SSL = true
	config.Certificates = []tls.Certificate{pair.Cert}
	return config, pair
}

func TestTLS_TrustAll(t *testing.T) {
	config, _ := tlsServerConfig(t)
	_, port := startServer(t, config, func(req *ServerRequest) {
		_ = req.Response().EndWithString("secure")
	})
	c := newTestClient(t, port, func(cfg *ClientConfig) {
		cfg.SSL = true
		cfg.TrustAll = true
	})

	res := fetch(t, c, "GET", "/", nil)
	require.NoError(t, res.err)
	require.Equal(t, "secure", res.body)
}

func TestTLS_TrustedRoot(t *testing.T) {
	config, pair := tlsServerConfig(t)
	_, port := startServer(t, config, func(req *ServerRequest) {
		_ = req.Response().EndWithString("verified")
	})
	c := newTestClient(t, port, func(cfg *ClientConfig) {
		cfg.SSL = true
		cfg.RootCAs = pair.Pool
	})

	res := fetch(t, c, "GET", "/", nil)
	require.NoError(t, res.err)
	require.Equal(t, "verified", res.body)
}

func TestTLS_UntrustedCertificateFails(t *testing.T) {
	config, _ := tlsServerConfig(t)
	_, port := startServer(t, config, func(req *ServerRequest) {
		_ = req.Response().End()
	})
	c := newTestClient(t, port, func(cfg *ClientConfig) { cfg.SSL = true })

	res := fetch(t, c, "GET", "/", nil)
	require.Error(t, res.err)
	var tlsErr *TLSError
	require.ErrorAs(t, res.err, &tlsErr)
}

func TestTLS_ClientAuth(t *testing.T) {
	config, serverPair := tlsServerConfig(t)
	clientPair, err := testcert.Generate("client")
	require.NoError(t, err)
	config.ClientAuthRequired = true
	config.ClientCAs = clientPair.Pool
	_, port := startServer(t, config, func(req *ServerRequest) {
		_ = req.Response().EndWithString("authenticated")
	})

	c := newTestClient(t, port, func(cfg *ClientConfig) {
		cfg.SSL = true
		cfg.RootCAs = serverPair.Pool
		cfg.Certificates = []tls.Certificate{clientPair.Cert}
	})
	res := fetch(t, c, "GET", "/", nil)
	require.NoError(t, res.err)
	require.Equal(t, "authenticated", res.body)
}

func TestTLS_WebSocket(t *testing.T) {
	config, _ := tlsServerConfig(t)
	srv, port := startServer(t, config, nil)
	srv.WebsocketHandler(func(ws *WebSocket) {
		ws.DataHandler(func(data []byte) { _ = ws.WriteTextFrame(string(data)) })
	})
	c := newTestClient(t, port, func(cfg *ClientConfig) {
		cfg.SSL = true
		cfg.TrustAll = true
	})

	ws := connectWebsocket(t, c, "/secure")
	got := make(chan string, 1)
	ws.DataHandler(func(data []byte) { got <- string(data) })
	require.NoError(t, ws.WriteTextFrame("over tls"))
	require.Equal(t, "over tls", await(t, got))
	require.NoError(t, ws.Close())
}
