// Package tls selects the certificate source for the feed server: ACME, files on disk,
// or a self-signed certificate outside production.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"attack-feed/internal/config"
	"attack-feed/internal/util"
)

var ErrNoCertificate = errors.New("no certificate source configured")

type Manager struct {
	cfg        config.ServerConfig
	production bool
	autoCert   *autocert.Manager
	logger     *zap.Logger

	mu       sync.Mutex
	fileCert *tls.Certificate
	devCert  *tls.Certificate
}

func NewManager(cfg config.ServerConfig, production bool, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{cfg: cfg, production: production, logger: logger}
	if cfg.AutoCert && cfg.EnableTLS {
		m.setupAutoCert()
	}
	return m
}

func (m *Manager) setupAutoCert() {
	if err := os.MkdirAll(m.cfg.AutoCertDir, 0o700); err != nil {
		m.logger.Warn("Could not create autocert directory", util.ErrorField(err))
		return
	}

	m.autoCert = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(m.cfg.Domain),
		Cache:      autocert.DirCache(m.cfg.AutoCertDir),
		Email:      m.cfg.Email,
	}

	m.logger.Info("AutoCert configured",
		util.String("domain", m.cfg.Domain),
		util.String("cache_dir", m.cfg.AutoCertDir))
}

// GetCertificate tries ACME, then the configured key pair, then (outside production) a
// self-signed certificate.
func (m *Manager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		cert, err := m.autoCert.GetCertificate(hello)
		if err == nil {
			return cert, nil
		}
		m.logger.Debug("AutoCert lookup failed", util.ErrorField(err))
	}

	if m.cfg.CertFile != "" && m.cfg.KeyFile != "" {
		if cert, err := m.loadFileCert(); err == nil {
			return cert, nil
		} else if m.production {
			return nil, err
		}
	}

	if m.production {
		return nil, ErrNoCertificate
	}
	return m.selfSigned()
}

func (m *Manager) loadFileCert() (*tls.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fileCert != nil {
		return m.fileCert, nil
	}
	cert, err := tls.LoadX509KeyPair(m.cfg.CertFile, m.cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load key pair: %w", err)
	}
	m.fileCert = &cert
	return m.fileCert, nil
}

func (m *Manager) selfSigned() (*tls.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.devCert != nil {
		return m.devCert, nil
	}

	hosts := []string{m.cfg.Domain, "localhost", "127.0.0.1", "::1"}
	cert, err := NewDevCertGenerator(m.cfg.AutoCertDir, m.logger).GenerateCert(hosts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	m.devCert = &cert
	return m.devCert, nil
}

func (m *Manager) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos:     []string{"http/1.1"},
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
}

// AutocertManager is nil unless ACME is enabled.
func (m *Manager) AutocertManager() *autocert.Manager {
	return m.autoCert
}
