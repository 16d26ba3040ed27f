// Package tlswarn provides a process-wide one-shot warning for client
// certificates close to expiry.
package tlswarn

import (
	"crypto/x509"
	"log/slog"
	"sync"
	"time"
)

// ExpiryWindow is how long before expiry a certificate is reported.
const ExpiryWindow = 30 * 24 * time.Hour

var once sync.Once

// CheckExpiry logs a warning the first time it sees cert within
// ExpiryWindow of its expiry, or expired. It reports whether cert is in
// that window. Subsequent warnings are suppressed so that reconnects do not
// spam the log.
func CheckExpiry(logger *slog.Logger, cert *x509.Certificate, now time.Time) bool {
	remaining := cert.NotAfter.Sub(now)
	if remaining > ExpiryWindow {
		return false
	}
	once.Do(func() {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("TLS client certificate is about to expire",
			"common_name", cert.Subject.CommonName,
			"not_after", cert.NotAfter, "remaining", remaining.Round(time.Hour))
	})
	return true
}

// ResetForTesting re-arms the one-shot warning. Must not be called
// concurrently with CheckExpiry.
func ResetForTesting() {
	once = sync.Once{}
}
