package redis

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
)

// TLSOptions Redis TLS 选项，由配置层从环境变量或配置文件填充
type TLSOptions struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	CACert     string `json:"caCert" yaml:"caCert"`
	Cert       string `json:"cert" yaml:"cert"`
	Key        string `json:"key" yaml:"key"`
	ServerName string `json:"serverName" yaml:"serverName"`
}

// BuildTLSConfig builds a client TLS config; it returns nil when TLS is disabled.
func BuildTLSConfig(opts TLSOptions) (*tls.Config, error) {
	if !opts.Enabled {
		return nil, nil
	}

	caCertPath := strings.TrimSpace(opts.CACert)
	certPath := strings.TrimSpace(opts.Cert)
	keyPath := strings.TrimSpace(opts.Key)

	if (certPath == "") != (keyPath == "") {
		return nil, fmt.Errorf("redis tls: cert and key must be set together")
	}

	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: strings.TrimSpace(opts.ServerName),
	}

	if caCertPath != "" {
		caBytes, err := os.ReadFile(caCertPath)
		if err != nil {
			return nil, fmt.Errorf("redis tls: read ca cert: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if ok := pool.AppendCertsFromPEM(caBytes); !ok {
			return nil, fmt.Errorf("redis tls: ca cert %s has no valid certificates", caCertPath)
		}
		cfg.RootCAs = pool
	}

	if certPath != "" {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("redis tls: load key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}
