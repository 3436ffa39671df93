// Package sniff extracts the intended server hostname from the first bytes
// of a client flow without consuming or terminating the protocol.
package sniff

import (
	"errors"
	"strings"
)

// maxHostnameLen is the DNS limit on a presentation-form name.
const maxHostnameLen = 253

// ErrInvalidHostname is returned when an extracted name is not a legal DNS
// hostname.
var ErrInvalidHostname = errors.New("sniff: invalid hostname")

// NormalizeHostname lowercases a hostname and validates it as a DNS name in
// presentation form. The returned name is non-empty, at most 253 octets, and
// contains only DNS-legal characters.
func NormalizeHostname(name string) (string, error) {
	if name == "" || len(name) > maxHostnameLen {
		return "", ErrInvalidHostname
	}

	lowered := strings.ToLower(name)
	for i := 0; i < len(lowered); i++ {
		c := lowered[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '.' || c == '_':
		default:
			return "", ErrInvalidHostname
		}
	}

	// Labels must be non-empty except for a single trailing dot.
	trimmed := strings.TrimSuffix(lowered, ".")
	if trimmed == "" {
		return "", ErrInvalidHostname
	}
	for _, label := range strings.Split(trimmed, ".") {
		if label == "" || len(label) > 63 {
			return "", ErrInvalidHostname
		}
	}

	return trimmed, nil
}
