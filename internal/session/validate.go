package session

import (
	"errors"
	"fmt"
)

// MaxNameLength bounds session names; they become directory names.
const MaxNameLength = 64

// ErrInvalidName is returned for names that cannot name a session directory.
var ErrInvalidName = errors.New("invalid session name")

// ValidateName accepts 1 to MaxNameLength lowercase letters, digits,
// hyphens and underscores.
func ValidateName(name string) error {
	if name == "" || len(name) > MaxNameLength {
		return fmt.Errorf("%w %q: must be 1 to %d characters", ErrInvalidName, name, MaxNameLength)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return fmt.Errorf("%w %q: %q is not allowed, use a-z, 0-9, '-' or '_'", ErrInvalidName, name, r)
		}
	}
	return nil
}
