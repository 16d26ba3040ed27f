package pcp

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nupi-ai/pxp-agent/internal/tlswarn"
)

func writeCertificate(t *testing.T, dir, commonName string) (certPath, keyPath string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certPath = filepath.Join(dir, commonName+".crt")
	keyPath = filepath.Join(dir, commonName+".key")
	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644))
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certPath, keyPath
}

func TestLoadTLS(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeCertificate(t, dir, "agent01.example.com")

	cfg, commonName, err := LoadTLS(nil, certPath, certPath, keyPath)
	require.NoError(t, err)

	assert.Equal(t, "agent01.example.com", commonName)
	assert.Len(t, cfg.Certificates, 1)
	assert.NotNil(t, cfg.RootCAs)
}

func TestLoadTLSErrors(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeCertificate(t, dir, "agent01")
	garbage := filepath.Join(dir, "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not pem"), 0o644))

	_, _, err := LoadTLS(nil, filepath.Join(dir, "missing.pem"), certPath, keyPath)
	assert.ErrorContains(t, err, "read CA certificate")

	_, _, err = LoadTLS(nil, garbage, certPath, keyPath)
	assert.ErrorContains(t, err, "no certificates found")

	_, _, err = LoadTLS(nil, certPath, certPath, garbage)
	assert.ErrorContains(t, err, "load client certificate")
}

func TestLoadTLSWarnsAboutExpiryThroughLogger(t *testing.T) {
	tlswarn.ResetForTesting()
	t.Cleanup(tlswarn.ResetForTesting)

	dir := t.TempDir()
	certPath, keyPath := writeCertificate(t, dir, "agent02")

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	_, _, err := LoadTLS(logger, certPath, certPath, keyPath)
	require.NoError(t, err)

	assert.Contains(t, logs.String(), "TLS client certificate is about to expire")
	assert.Contains(t, logs.String(), "component=pcp_client")
	assert.Contains(t, logs.String(), "common_name=agent02")
}
