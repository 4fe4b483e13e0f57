package ilp

import (
	"fmt"
	"strings"

	"github.com/Kava-Labs/switch-api/errors"
)

// Address is a dot-separated ILP address, e.g. "g.kava.abc123".
type Address string

// String returns the address as a plain string.
func (a Address) String() string { return string(a) }

// Validate checks the address against the allowed grammar: a known
// allocation scheme followed by one or more non-empty segments of
// alphanumerics, underscores, tildes and hyphens.
func (a Address) Validate() error {
	segments := strings.Split(string(a), ".")
	if len(segments) < 2 {
		return errors.WrapInvalid(
			fmt.Errorf("address %q needs a scheme and at least one segment: %w", a, errors.ErrParsingFailed),
			"ilp", "Validate", "address structure")
	}

	switch segments[0] {
	case "g", "private", "example", "peer", "self", "test", "test1", "test2", "test3", "local":
	default:
		return errors.WrapInvalid(
			fmt.Errorf("address %q has unknown allocation scheme %q: %w", a, segments[0], errors.ErrParsingFailed),
			"ilp", "Validate", "scheme check")
	}

	for _, seg := range segments[1:] {
		if seg == "" {
			return errors.WrapInvalid(
				fmt.Errorf("address %q contains an empty segment: %w", a, errors.ErrParsingFailed),
				"ilp", "Validate", "segment check")
		}
		for _, c := range seg {
			if !isAddressChar(c) {
				return errors.WrapInvalid(
					fmt.Errorf("address %q contains invalid character %q: %w", a, c, errors.ErrParsingFailed),
					"ilp", "Validate", "character check")
			}
		}
	}

	return nil
}

// SegmentsAfter strips prefix (and its trailing separator) from the
// address and returns the remaining sub-address. The second return is
// false when the address does not sit at or below prefix.
//
// SegmentsAfter("g.kava.abc123.~n9f", "g.kava.abc123") == "~n9f", true.
// SegmentsAfter("g.kava.abc123", "g.kava.abc123") == "", true.
func (a Address) SegmentsAfter(prefix Address) (string, bool) {
	if a == prefix {
		return "", true
	}
	rest, found := strings.CutPrefix(string(a), string(prefix)+".")
	if !found || rest == "" {
		return "", false
	}
	return rest, true
}

// Child returns the address extended with a sub-address segment.
func (a Address) Child(segment string) Address {
	return Address(string(a) + "." + segment)
}

func isAddressChar(c rune) bool {
	return c >= 'a' && c <= 'z' ||
		c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9' ||
		c == '_' || c == '~' || c == '-'
}
