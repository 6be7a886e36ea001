// Package timezone validates and loads IANA timezone identifiers.
//
// Every component that touches delivery times goes through this package so
// that an invalid zone fails loudly instead of silently degrading to UTC,
// which would corrupt delivery-time guarantees.
package timezone

import (
	"fmt"
	"strings"
	"time"
)

// Load resolves an IANA timezone identifier against the platform tz
// database. It rejects the empty string and the process-dependent "Local"
// alias, both of which time.LoadLocation would otherwise accept.
func Load(name string) (*time.Location, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return nil, fmt.Errorf("timezone is empty")
	}
	if trimmed != name {
		return nil, fmt.Errorf("invalid timezone %q: surrounding whitespace", name)
	}
	if name == "Local" {
		return nil, fmt.Errorf("invalid timezone %q: must be an IANA identifier", name)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, nil
}

// Valid reports whether name is an acceptable IANA timezone identifier.
func Valid(name string) bool {
	_, err := Load(name)
	return err == nil
}
