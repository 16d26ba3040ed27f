package pcp

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nupi-ai/pxp-agent/internal/tlswarn"
)

// LoadTLS builds the client TLS configuration from PEM files and returns
// the common name of the client certificate, which names the agent on the
// broker. An expiring client certificate is reported through logger.
func LoadTLS(logger *slog.Logger, caPath, certPath, keyPath string) (*tls.Config, string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	caPEM, err := os.ReadFile(caPath)
	if err != nil {
		return nil, "", fmt.Errorf("pcp: read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, "", fmt.Errorf("pcp: no certificates found in %s", caPath)
	}

	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, "", fmt.Errorf("pcp: load client certificate: %w", err)
	}
	leaf := pair.Leaf
	if leaf == nil {
		leaf, err = x509.ParseCertificate(pair.Certificate[0])
		if err != nil {
			return nil, "", fmt.Errorf("pcp: parse client certificate: %w", err)
		}
	}
	if leaf.Subject.CommonName == "" {
		return nil, "", fmt.Errorf("pcp: client certificate %s has no common name", certPath)
	}

	tlswarn.CheckExpiry(logger.With("component", logComponent), leaf, time.Now())

	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		RootCAs:      pool,
		Certificates: []tls.Certificate{pair},
	}
	return cfg, leaf.Subject.CommonName, nil
}
