// Package phone normalises recipient numbers and derives the digit suffix
// used to match vendor events that carry no correlation id.
package phone

import (
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// Normalize parses raw in the context of region (ISO 3166 code, e.g. "US")
// and returns it in E.164 form.
func Normalize(raw, region string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("phone number cannot be empty")
	}
	if region == "" {
		region = "US"
	}

	parsed, err := phonenumbers.Parse(raw, region)
	if err != nil {
		return "", fmt.Errorf("failed to parse phone number %q: %w", raw, err)
	}
	if !phonenumbers.IsPossibleNumber(parsed) {
		return "", fmt.Errorf("phone number %q is not a possible number", raw)
	}
	return phonenumbers.Format(parsed, phonenumbers.E164), nil
}

// Digits strips everything but ASCII digits.
func Digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Suffix returns the last n digits of s. Numbers shorter than n are
// returned whole; an empty result means s had no digits.
func Suffix(s string, n int) string {
	d := Digits(s)
	if n <= 0 || len(d) <= n {
		return d
	}
	return d[len(d)-n:]
}

// MatchesSuffix reports whether the digits of stored end with suffix.
func MatchesSuffix(stored, suffix string) bool {
	if suffix == "" {
		return false
	}
	return strings.HasSuffix(Digits(stored), suffix)
}
