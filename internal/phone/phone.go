// Package phone normalizes and validates Kenyan mobile subscriber numbers.
package phone

import (
	"regexp"
	"strings"
)

// Canonical form: 254 country code + 9 subscriber digits. Mobile numbers
// additionally carry the 7 prefix.
var mobilePattern = regexp.MustCompile(`^2547[0-9]{8}$`)

// Format canonicalizes raw user input to the 12-digit 254XXXXXXXXX form.
// All non-digit characters are stripped first. Four input shapes are accepted:
//
//	0712345678   -> 254712345678
//	712345678    -> 254712345678
//	254712345678 -> 254712345678
//	+254712345678 -> 254712345678
//
// Anything else is rejected with ok=false and no formatted value.
func Format(raw string) (string, bool) {
	digits := stripNonDigits(raw)

	switch {
	case len(digits) == 10 && strings.HasPrefix(digits, "0"):
		return "254" + digits[1:], true
	case len(digits) == 9:
		return "254" + digits, true
	case len(digits) == 12 && strings.HasPrefix(digits, "254"):
		return digits, true
	}

	return "", false
}

// Validate reports whether raw input is a valid Kenyan mobile number.
// Formatting and validity are distinct checks: a number can format to
// canonical shape yet still be invalid (e.g. a non-mobile prefix), and both
// checks must pass before the number is used.
func Validate(raw string) bool {
	formatted, ok := Format(raw)
	if !ok {
		return false
	}
	return mobilePattern.MatchString(formatted)
}

func stripNonDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
