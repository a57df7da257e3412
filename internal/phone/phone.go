// Package phone holds the number rules shared by every record that carries a
// DID or a counterpart number.
package phone

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidNumber is returned for empty numbers or numbers with non-digit characters.
var ErrInvalidNumber = errors.New("invalid phone number")

// Validate checks that s is a non-empty string of ASCII digits.
func Validate(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty", ErrInvalidNumber)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: %q", ErrInvalidNumber, s)
		}
	}
	return nil
}

// Digits returns only the ASCII digits of s.
func Digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeContact strips the North American country code from an 11-digit number.
func NormalizeContact(s string) string {
	if len(s) == 11 && s[0] == '1' {
		return s[1:]
	}
	return s
}

// Format renders 10-digit (or 1-prefixed 11-digit) numbers as (555) 123-4567.
// Anything else is returned unchanged.
func Format(s string) string {
	d := s
	if len(d) == 11 && d[0] == '1' {
		d = d[1:]
	}
	if len(d) != 10 || Validate(d) != nil {
		return s
	}
	return fmt.Sprintf("(%s) %s-%s", d[0:3], d[3:6], d[6:])
}
