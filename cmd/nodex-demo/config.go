package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/david-hosier/node.x/internal/logging"
	"github.com/david-hosier/node.x/pkg/nodex"
)

// Config is the demo's YAML configuration file.
type Config struct {
	Host        string         `yaml:"host"`
	Port        int            `yaml:"port"`
	Multicore   bool           `yaml:"multicore"`
	EventLoops  int            `yaml:"event_loops"`
	StaticDir   string         `yaml:"static_dir"`
	RateLimit   int            `yaml:"rate_limit"`
	Timeout     time.Duration  `yaml:"timeout"`
	TLS         TLSConfig      `yaml:"tls"`
	Upstream    UpstreamConfig `yaml:"upstream"`
	Log         logging.Config `yaml:"log"`
	MetricsPath string         `yaml:"metrics_path"`
}

// TLSConfig enables HTTPS on the listener.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	ClientCA   string `yaml:"client_ca"`
	ClientAuth bool   `yaml:"client_auth"`
}

// UpstreamConfig is the backend reached through /proxy/.
type UpstreamConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	SSL         bool   `yaml:"ssl"`
	TrustAll    bool   `yaml:"trust_all"`
	MaxPoolSize int    `yaml:"max_pool_size"`
	KeepAlive   *bool  `yaml:"keep_alive"`
}

func defaultConfig() Config {
	return Config{
		Host:        "0.0.0.0",
		Port:        8080,
		Multicore:   true,
		Timeout:     30 * time.Second,
		MetricsPath: "/metrics",
		Log:         logging.Config{Level: "info", Format: "json"},
	}
}

// loadConfig reads path over the defaults. An empty path returns the
// defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return cfg, errors.New("port out of range")
	}
	if cfg.TLS.Enabled && (cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "") {
		return cfg, errors.New("tls requires cert_file and key_file")
	}
	return cfg, nil
}

func (c Config) serverConfig() nodex.ServerConfig {
	sc := nodex.DefaultServerConfig()
	sc.Multicore = c.Multicore
	sc.NumEventLoop = c.EventLoops
	if c.TLS.Enabled {
		sc.SSL = true
		sc.CertFile = c.TLS.CertFile
		sc.KeyFile = c.TLS.KeyFile
		sc.ClientAuthRequired = c.TLS.ClientAuth
		sc.ClientCAFile = c.TLS.ClientCA
	}
	return sc
}

// clientConfig returns the upstream client configuration, or false when no
// upstream is configured.
func (c Config) clientConfig() (nodex.ClientConfig, bool) {
	cc := nodex.DefaultClientConfig()
	if c.Upstream.Host == "" {
		return cc, false
	}
	cc.Host = c.Upstream.Host
	cc.Port = c.Upstream.Port
	cc.SSL = c.Upstream.SSL
	cc.TrustAll = c.Upstream.TrustAll
	if c.Upstream.MaxPoolSize > 0 {
		cc.MaxPoolSize = c.Upstream.MaxPoolSize
	}
	if c.Upstream.KeepAlive != nil {
		cc.KeepAlive = *c.Upstream.KeepAlive
	}
	return cc, true
}
