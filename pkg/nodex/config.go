// Package nodex provides an asynchronous HTTP/1.1 client and server with
// connection pooling, streaming bodies, pipelined response ordering and
// websocket upgrades.
package nodex

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"time"

	"github.com/david-hosier/node.x/internal/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ClientConfig holds the HttpClient configuration options.
type ClientConfig struct {
	Host              string            // Default target host
	Port              int               // Default target port
	MaxPoolSize       int               // Connection cap per host and port
	KeepAlive         bool              // Reuse connections between requests
	SSL               bool              // Connect over TLS
	TrustAll          bool              // Skip peer certificate validation (TLS only)
	TrustStoreFile    string            // PEM roots used instead of the system pool
	KeyStoreCertFile  string            // Client certificate presented when the server asks
	KeyStoreKeyFile   string            // Private key for KeyStoreCertFile
	RootCAs           *x509.CertPool    // In-memory alternative to TrustStoreFile
	Certificates      []tls.Certificate // In-memory alternative to the key store files
	TCPKeepAlive      time.Duration     // TCP keep-alive period
	TCPNoDelay        bool              // Disable Nagle's algorithm
	ConnectTimeout    time.Duration     // Bound on dial plus TLS handshake
	MaxHeaderBytes    int               // Maximum response head size
	WriteQueueMaxSize int               // Bytes queued before WriteQueueFull reports true
	MaxWebSocketFrame int64             // Maximum reassembled websocket message
	DialRetryMin      time.Duration     // First delay before re-dialing after a failure
	DialRetryMax      time.Duration     // Cap on the re-dial delay
	Logger            *zap.Logger
	TracerProvider    trace.TracerProvider
	Propagator        propagation.TextMapPropagator
}

// DefaultClientConfig returns a ClientConfig with sensible default values.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Host:              "localhost",
		Port:              80,
		MaxPoolSize:       1,
		KeepAlive:         true,
		SSL:               false,
		TrustAll:          false,
		TCPKeepAlive:      30 * time.Second,
		TCPNoDelay:        true,
		ConnectTimeout:    30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
		WriteQueueMaxSize: 64 << 10,
		MaxWebSocketFrame: 16 << 20,
		DialRetryMin:      50 * time.Millisecond,
		DialRetryMax:      5 * time.Second,
		Logger:            zap.NewNop(),
	}
}

// Validate checks and normalizes the configuration values.
func (c *ClientConfig) Validate() error {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 80
		if c.SSL {
			c.Port = 443
		}
	}
	if c.Port < 0 || c.Port > 65535 {
		return errors.New("nodex: port out of range")
	}
	if c.MaxPoolSize < 1 {
		c.MaxPoolSize = 1
	}
	if c.TrustAll && !c.SSL {
		return errors.New("nodex: TrustAll requires SSL")
	}
	if (c.KeyStoreCertFile == "") != (c.KeyStoreKeyFile == "") {
		return errors.New("nodex: client certificate and key must be set together")
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.MaxHeaderBytes <= 0 {
		c.MaxHeaderBytes = 1 << 20
	}
	if c.WriteQueueMaxSize <= 0 {
		c.WriteQueueMaxSize = 64 << 10
	}
	if c.MaxWebSocketFrame <= 0 {
		c.MaxWebSocketFrame = 16 << 20
	}
	if c.DialRetryMin <= 0 {
		c.DialRetryMin = 50 * time.Millisecond
	}
	if c.DialRetryMax < c.DialRetryMin {
		c.DialRetryMax = c.DialRetryMin
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.TracerProvider == nil {
		c.TracerProvider = otel.GetTracerProvider()
	}
	if c.Propagator == nil {
		c.Propagator = propagation.TraceContext{}
	}
	return nil
}

// ServerConfig holds the HttpServer configuration options.
type ServerConfig struct {
	Multicore          bool              // Run one event loop per CPU
	NumEventLoop       int               // Number of event loops (0 for auto-detect)
	ReusePort          bool              // Enable SO_REUSEPORT for load balancing
	TCPKeepAlive       time.Duration     // TCP keep-alive period
	TCPNoDelay         bool              // Disable Nagle's algorithm
	SSL                bool              // Accept TLS connections
	CertFile           string            // PEM certificate for SSL
	KeyFile            string            // PEM private key for SSL
	ClientAuthRequired bool              // Require and verify a client certificate
	ClientCAFile       string            // PEM roots used to verify client certificates
	Certificates       []tls.Certificate // In-memory alternative to CertFile and KeyFile
	ClientCAs          *x509.CertPool    // In-memory alternative to ClientCAFile
	MaxHeaderBytes     int               // Maximum request head size
	WriteQueueMaxSize  int               // Bytes queued before WriteQueueFull reports true
	MaxWebSocketFrame  int64             // Maximum reassembled websocket message
	SendFileWorkers    int               // Goroutines streaming files for SendFile
	Logger             *zap.Logger
	TracerProvider     trace.TracerProvider
	Propagator         propagation.TextMapPropagator
}

// DefaultServerConfig returns a ServerConfig with sensible default values.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Multicore:         true,
		NumEventLoop:      0, // Auto-detect
		ReusePort:         false,
		TCPKeepAlive:      30 * time.Second,
		TCPNoDelay:        true,
		MaxHeaderBytes:    1 << 20, // 1 MB
		WriteQueueMaxSize: 64 << 10,
		MaxWebSocketFrame: 16 << 20,
		SendFileWorkers:   16,
		Logger:            zap.NewNop(),
	}
}

// Validate checks and normalizes the configuration values.
func (c *ServerConfig) Validate() error {
	if c.SSL && len(c.Certificates) == 0 && (c.CertFile == "" || c.KeyFile == "") {
		return errors.New("nodex: SSL requires CertFile and KeyFile")
	}
	if c.ClientAuthRequired && !c.SSL {
		return errors.New("nodex: ClientAuthRequired requires SSL")
	}
	if c.NumEventLoop < 0 {
		return errors.New("nodex: NumEventLoop must not be negative")
	}
	if c.MaxHeaderBytes <= 0 {
		c.MaxHeaderBytes = 1 << 20
	}
	if c.WriteQueueMaxSize <= 0 {
		c.WriteQueueMaxSize = 64 << 10
	}
	if c.MaxWebSocketFrame <= 0 {
		c.MaxWebSocketFrame = 16 << 20
	}
	if c.SendFileWorkers <= 0 {
		c.SendFileWorkers = 16
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.TracerProvider == nil {
		c.TracerProvider = otel.GetTracerProvider()
	}
	if c.Propagator == nil {
		c.Propagator = propagation.TraceContext{}
	}
	return nil
}

// tlsConfig builds the client TLS configuration, or nil when SSL is off.
func (c *ClientConfig) tlsConfig() (*tls.Config, error) {
	if !c.SSL {
		return nil, nil
	}
	roots := c.RootCAs
	if roots == nil && c.TrustStoreFile != "" {
		var err error
		if roots, err = transport.LoadCertPool(c.TrustStoreFile); err != nil {
			return nil, err
		}
	}
	certs := c.Certificates
	if c.KeyStoreCertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.KeyStoreCertFile, c.KeyStoreKeyFile)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	return transport.ClientTLSConfig(c.TrustAll, roots, certs...), nil
}

// tlsConfig builds the server TLS configuration, or nil when SSL is off.
func (c *ServerConfig) tlsConfig() (*tls.Config, error) {
	if !c.SSL {
		return nil, nil
	}
	var cert tls.Certificate
	if len(c.Certificates) > 0 {
		cert = c.Certificates[0]
	} else {
		var err error
		if cert, err = tls.LoadX509KeyPair(c.CertFile, c.KeyFile); err != nil {
			return nil, err
		}
	}
	cas := c.ClientCAs
	if cas == nil && c.ClientCAFile != "" {
		var err error
		if cas, err = transport.LoadCertPool(c.ClientCAFile); err != nil {
			return nil, err
		}
	}
	return transport.ServerTLSConfig(cert, c.ClientAuthRequired, cas), nil
}
