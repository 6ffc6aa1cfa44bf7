// Package identity derives the stable key that namespaces a pipeline's
// state and run lock.
package identity

import (
	"fmt"
	"strings"
)

// Identity is the stable key for an extractor/loader/task combination.
// Identical triads always resolve to the identical identity; distinct
// triads never collide because ':' is forbidden in component names.
type Identity string

// New derives the identity for the given extractor, loader and optional
// job name.
func New(extractor, loader, job string) (Identity, error) {
	if extractor == "" || loader == "" {
		return "", fmt.Errorf("identity requires both extractor and loader names")
	}
	for _, part := range []string{extractor, loader, job} {
		if strings.ContainsRune(part, ':') {
			return "", fmt.Errorf("identity component %q must not contain ':'", part)
		}
	}
	if job == "" {
		return Identity(extractor + ":" + loader), nil
	}
	return Identity(extractor + ":" + loader + ":" + job), nil
}

// Parse validates a raw "extractor:loader" or "extractor:loader:job"
// string, as received from CLI arguments or URL paths.
func Parse(raw string) (Identity, error) {
	parts := strings.Split(raw, ":")
	switch len(parts) {
	case 2:
		return New(parts[0], parts[1], "")
	case 3:
		return New(parts[0], parts[1], parts[2])
	default:
		return "", fmt.Errorf("identity %q must be extractor:loader[:job]", raw)
	}
}

func (i Identity) String() string { return string(i) }
