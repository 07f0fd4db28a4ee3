package tls

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureSelfSigned(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "certs", "status.crt")
	keyFile := filepath.Join(dir, "certs", "status.key")

	created, err := EnsureSelfSigned(certFile, keyFile, "hopscotch", time.Hour, "10.0.0.5", "status.local")
	require.NoError(t, err)
	assert.True(t, created)

	data, err := os.ReadFile(certFile)
	require.NoError(t, err)
	block, _ := pem.Decode(data)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.Equal(t, "hopscotch", cert.Subject.CommonName)
	assert.Contains(t, cert.DNSNames, "status.local")
	assert.Len(t, cert.IPAddresses, 3)

	info, err := os.Stat(keyFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	created, err = EnsureSelfSigned(certFile, keyFile, "hopscotch", time.Hour)
	require.NoError(t, err)
	assert.False(t, created, "existing certificate is kept")

	cfg, err := ServerConfig(certFile, keyFile, "")
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
	assert.Nil(t, cfg.ClientCAs)
}

func TestServerConfigClientCA(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "status.crt")
	keyFile := filepath.Join(dir, "status.key")
	_, err := EnsureSelfSigned(certFile, keyFile, "hopscotch", time.Hour)
	require.NoError(t, err)

	cfg, err := ServerConfig(certFile, keyFile, certFile)
	require.NoError(t, err)
	assert.NotNil(t, cfg.ClientCAs)

	bogus := filepath.Join(dir, "bogus.pem")
	require.NoError(t, os.WriteFile(bogus, []byte("not a cert"), 0644))
	_, err = ServerConfig(certFile, keyFile, bogus)
	assert.Error(t, err)

	_, err = ServerConfig(filepath.Join(dir, "missing.crt"), keyFile, "")
	assert.Error(t, err)
}
