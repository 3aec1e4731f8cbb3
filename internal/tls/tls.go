// Package tls builds the server TLS configuration from config, optionally
// generating a self-signed certificate on first start.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/loykin/gridvisor/internal/config"
)

const (
	tlsCrt = "tls.crt"
	tlsKey = "tls.key"
)

func parseTLSVersion(ver string) (uint16, bool) {
	switch ver {
	case "1.2", "TLS1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "TLS1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

// Setup returns nil when TLS is disabled.
func Setup(server config.ServerConfig) (*tls.Config, error) {
	if server.TLS == nil || !server.TLS.Enabled {
		return nil, nil
	}
	minVer, maxVer := uint16(tls.VersionTLS12), uint16(tls.VersionTLS13)
	if v, ok := parseTLSVersion(server.TLSMinVersion); ok {
		minVer = v
	} else if server.TLSMinVersion != "" {
		return nil, fmt.Errorf("unknown tls_min_version %q", server.TLSMinVersion)
	}
	if v, ok := parseTLSVersion(server.TLSMaxVersion); ok {
		maxVer = v
	} else if server.TLSMaxVersion != "" {
		return nil, fmt.Errorf("unknown tls_max_version %q", server.TLSMaxVersion)
	}
	if minVer > maxVer {
		return nil, errors.New("tls_min_version is above tls_max_version")
	}

	certPath, keyPath := server.TLS.CertFile, server.TLS.KeyFile
	if certPath == "" || keyPath == "" {
		if server.TLS.Dir == "" {
			return nil, errors.New("TLS enabled but neither cert_file/key_file nor dir is set")
		}
		certPath = filepath.Join(server.TLS.Dir, tlsCrt)
		keyPath = filepath.Join(server.TLS.Dir, tlsKey)
		if server.TLS.AutoGenerate && !exists(certPath, keyPath) {
			if err := generate(server.TLS.AutoGen, certPath, keyPath); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	}
	// Fail at start rather than on the first handshake.
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	return &tls.Config{
		// reload per handshake so rotated certificates are picked up
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			c, err := tls.LoadX509KeyPair(certPath, keyPath)
			return &c, err
		},
		MinVersion: minVer,
		MaxVersion: maxVer,
	}, nil
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

func generate(ag *config.AutoGenTLS, certPath, keyPath string) error {
	if ag == nil {
		ag = &config.AutoGenTLS{}
	}
	days := ag.ValidDays
	if days <= 0 {
		days = 365
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   orDefault(ag.CommonName, "localhost"),
		Organization: orDefault(ag.Organization, "gridvisor"),
		DNSNames:     orDefaultSlice(ag.DNSNames, []string{"localhost"}),
		IPAddresses:  orDefaultSlice(ag.IPAddresses, []string{"127.0.0.1"}),
		NotAfter:     time.Now().AddDate(0, 0, days),
		CertPath:     certPath,
		KeyPath:      keyPath,
	})
}

func orDefault(v, d string) string {
	if v == "" {
		return d
	}
	return v
}

func orDefaultSlice(v, d []string) []string {
	if len(v) == 0 {
		return d
	}
	return v
}
