package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nodex.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("Expected default port 8080, got %d", cfg.Port)
	}
	if cfg.MetricsPath != "/metrics" {
		t.Errorf("Expected metrics path /metrics, got %s", cfg.MetricsPath)
	}
	if _, ok := cfg.clientConfig(); ok {
		t.Error("Expected no upstream by default")
	}
}

func TestLoadConfig_File(t *testing.T) {
	path := writeConfig(t, `
port: 9090
multicore: false
event_loops: 2
timeout: 5s
rate_limit: 100
log:
  level: debug
  format: console
upstream:
  host: backend.local
  port: 8443
  ssl: true
  trust_all: true
  max_pool_size: 8
  keep_alive: false
`)
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Port != 9090 || cfg.Multicore || cfg.EventLoops != 2 {
		t.Errorf("Unexpected listener config: %+v", cfg)
	}
	if cfg.Timeout != 5*time.Second {
		t.Errorf("Expected timeout 5s, got %v", cfg.Timeout)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "console" {
		t.Errorf("Unexpected log config: %+v", cfg.Log)
	}

	cc, ok := cfg.clientConfig()
	if !ok {
		t.Fatal("Expected upstream client config")
	}
	if cc.Host != "backend.local" || cc.Port != 8443 || !cc.SSL || !cc.TrustAll {
		t.Errorf("Unexpected client config: %+v", cc)
	}
	if cc.MaxPoolSize != 8 || cc.KeepAlive {
		t.Errorf("Expected pool size 8 without keep-alive, got %d, %v", cc.MaxPoolSize, cc.KeepAlive)
	}
	if err := cc.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := map[string]string{
		"bad yaml":        "port: [",
		"port range":      "port: 70000",
		"tls without key": "tls:\n  enabled: true\n  cert_file: cert.pem\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := loadConfig(writeConfig(t, body)); err == nil {
				t.Error("Expected error")
			}
		})
	}
	if _, err := loadConfig("/nonexistent/nodex.yaml"); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestServerConfig_TLS(t *testing.T) {
	cfg := defaultConfig()
	cfg.TLS = TLSConfig{Enabled: true, CertFile: "c.pem", KeyFile: "k.pem", ClientAuth: true, ClientCA: "ca.pem"}
	sc := cfg.serverConfig()
	if !sc.SSL || !sc.ClientAuthRequired || sc.ClientCAFile != "ca.pem" {
		t.Errorf("Unexpected server config: %+v", sc)
	}
}
