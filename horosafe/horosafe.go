// Package horosafe holds the input checks shared by uipatch components:
// identifiers that end up in SQLite keys and MCP payloads, upstream and
// page URLs, and bounded reads of untrusted bodies.
package horosafe

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// ErrUnsafeScheme is returned when a URL uses a non-HTTP(S) scheme.
var ErrUnsafeScheme = errors.New("horosafe: only http and https schemes are allowed")

// ErrTooLarge is returned by LimitedReadAll when the limit is exceeded.
var ErrTooLarge = errors.New("horosafe: body exceeds limit")

// ValidateURL checks that rawURL is absolute http/https with a host and no
// embedded credentials. Private addresses are allowed: admin panels
// usually live on internal hosts.
func ValidateURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("horosafe: invalid URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, ErrUnsafeScheme
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("horosafe: URL %q has no host", rawURL)
	}
	if u.User != nil {
		return nil, fmt.Errorf("horosafe: URL must not embed credentials")
	}
	return u, nil
}

// ValidateIdentifier rejects names unsuitable for SQL keys, file names or
// URL path segments. Allows alphanumeric, underscore, hyphen and dot.
func ValidateIdentifier(s string) error {
	if s == "" {
		return fmt.Errorf("horosafe: identifier must not be empty")
	}
	if len(s) > 256 {
		return fmt.Errorf("horosafe: identifier too long (max 256)")
	}
	for _, r := range s {
		if !isIdentChar(r) {
			return fmt.Errorf("horosafe: invalid character %q in identifier %q", r, s)
		}
	}
	return nil
}

// LimitedReadAll reads at most maxBytes from r. When r holds more, it
// returns the maxBytes+1 bytes read so far together with ErrTooLarge, so
// a caller can still replay them.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return data, ErrTooLarge
	}
	return data, nil
}

func isIdentChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.'
}
