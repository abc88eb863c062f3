// Package phone validates and normalizes Bangladeshi mobile numbers.
package phone

import (
	"errors"
	"regexp"
	"strings"
)

// Accepted formats, after stripping whitespace, dashes, and parentheses:
//   +8801712345678  country code with plus
//   8801712345678   country code without plus
//   01712345678     local format
// Mobile operator prefixes are 013 through 019.
var (
	patternPlus  = regexp.MustCompile(`^\+8801[3-9]\d{8}$`)
	pattern880   = regexp.MustCompile(`^8801[3-9]\d{8}$`)
	patternLocal = regexp.MustCompile(`^01[3-9]\d{8}$`)
)

// ErrInvalidNumber is returned for anything that is not a Bangladeshi mobile
// number in one of the accepted formats.
var ErrInvalidNumber = errors.New(
	"invalid Bangladeshi phone number format; valid formats: +8801712345678, 8801712345678, or 01712345678 (mobile prefixes 013-019)")

var stripper = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "")

// Normalize validates a phone number and returns it in +880XXXXXXXXXX form.
func Normalize(number string) (string, error) {
	p := stripper.Replace(strings.TrimSpace(number))

	switch {
	case patternPlus.MatchString(p):
		return p, nil
	case pattern880.MatchString(p):
		return "+" + p, nil
	case patternLocal.MatchString(p):
		return "+880" + p[1:], nil
	default:
		return "", ErrInvalidNumber
	}
}

// IsValid reports whether the number normalizes successfully.
func IsValid(number string) bool {
	_, err := Normalize(number)
	return err == nil
}
