package redis

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildTLSConfigDisabled(t *testing.T) {
	cfg, err := BuildTLSConfig(TLSOptions{CACert: "/does/not/matter"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg != nil {
		t.Fatal("expected nil tls config when disabled")
	}
}

func TestBuildTLSConfigCertKeyPairValidation(t *testing.T) {
	if _, err := BuildTLSConfig(TLSOptions{Enabled: true, Cert: "/tmp/redis-client-cert.pem"}); err == nil {
		t.Fatal("expected error when cert is set without key")
	}
}

func TestBuildTLSConfigBasic(t *testing.T) {
	cfg, err := BuildTLSConfig(TLSOptions{Enabled: true, ServerName: " redis.internal "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Fatalf("unexpected min tls version: %d", cfg.MinVersion)
	}
	if cfg.ServerName != "redis.internal" {
		t.Fatalf("unexpected server name: %s", cfg.ServerName)
	}
}

func TestBuildTLSConfigInvalidCACert(t *testing.T) {
	caPath := filepath.Join(t.TempDir(), "invalid-ca.pem")
	if err := os.WriteFile(caPath, []byte("not-a-certificate"), 0o600); err != nil {
		t.Fatalf("write temp ca file: %v", err)
	}

	_, err := BuildTLSConfig(TLSOptions{Enabled: true, CACert: caPath})
	if err == nil || !strings.Contains(err.Error(), "no valid certificates") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestConfigOptionsCarriesTLS(t *testing.T) {
	cfg := DefaultConfig
	cfg.TLS = TLSOptions{Enabled: true}
	opts, err := cfg.Options()
	if err != nil {
		t.Fatalf("Options: %v", err)
	}
	if opts.TLSConfig == nil || opts.Addr != DefaultConfig.Addr {
		t.Fatalf("unexpected options %+v", opts)
	}
}
