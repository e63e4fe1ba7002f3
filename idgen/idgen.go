// Package idgen generates identifiers for patch runs and stored rules.
//
// Constructors that persist or report something accept a Generator so the
// ID strategy stays a startup-time decision.
package idgen

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
// They sort by creation time, which keeps run logs ordered on disk.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID
// (e.g. "run_", "rule_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is UUIDv7.
var Default Generator = UUIDv7()

// Parse validates a UUID string, ignoring any prefix added by Prefixed,
// and returns the bare UUID.
func Parse(s string) (string, error) {
	if i := len(s) - 36; i > 0 {
		s = s[i:]
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("idgen: invalid UUID: %w", err)
	}
	return u.String(), nil
}
