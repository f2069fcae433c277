package tls

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attack-feed/internal/config"
)

func TestDevCertGeneratedAndReused(t *testing.T) {
	dir := t.TempDir()
	gen := NewDevCertGenerator(dir, nil)

	first, err := gen.GenerateCert([]string{"feed.local", "127.0.0.1", ""})
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(first.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"feed.local"}, leaf.DNSNames)
	require.Len(t, leaf.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", leaf.IPAddresses[0].String())

	info, err := os.Stat(filepath.Join(dir, "dev-key.pem"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := gen.GenerateCert([]string{"other.local"})
	require.NoError(t, err)
	assert.Equal(t, first.Certificate[0], second.Certificate[0])
}

func TestManagerFallsBackToSelfSignedOutsideProduction(t *testing.T) {
	m := NewManager(config.ServerConfig{EnableTLS: true, Domain: "localhost", AutoCertDir: t.TempDir()}, false, nil)
	assert.Nil(t, m.AutocertManager())

	cert, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	require.NoError(t, err)
	again, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	require.NoError(t, err)
	assert.Same(t, cert, again)

	cfg := m.TLSConfig()
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.NotNil(t, cfg.GetCertificate)
}

func TestManagerRefusesSelfSignedInProduction(t *testing.T) {
	m := NewManager(config.ServerConfig{EnableTLS: true, AutoCertDir: t.TempDir()}, true, nil)
	_, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "feed.example"})
	assert.ErrorIs(t, err, ErrNoCertificate)

	m = NewManager(config.ServerConfig{EnableTLS: true, CertFile: "missing.pem", KeyFile: "missing.key"}, true, nil)
	_, err = m.GetCertificate(&tls.ClientHelloInfo{})
	assert.Error(t, err)
}
