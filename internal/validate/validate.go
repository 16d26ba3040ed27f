// Package validate holds input checks shared by the configuration and the
// request processor.
package validate

import (
	"fmt"
	"net/url"
	"regexp"
)

// IdentRe matches identifiers that are safe to use as a single path
// component, such as transaction ids naming spool directories.
// Must start with alphanumeric, followed by alphanumeric, dots, hyphens, or underscores.
var IdentRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// MaxIdentLen is the maximum length for identifiers.
const MaxIdentLen = 128

// Ident validates a string as a valid identifier.
func Ident(s string) bool {
	return len(s) > 0 && len(s) <= MaxIdentLen && IdentRe.MatchString(s)
}

// BrokerURI ensures the broker URI is a secure websocket URL with a host.
func BrokerURI(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "wss" {
		return fmt.Errorf("broker-ws-uri value must start with wss://")
	}
	if u.Host == "" {
		return fmt.Errorf("URL missing host: %s", rawURL)
	}
	return nil
}
