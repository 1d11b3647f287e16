package util

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var foldCaser = cases.Fold()

// NormalizeEmail returns the comparison form of an email address: NFKC
// normalised, case folded and trimmed.
func NormalizeEmail(address string) string {
	return foldCaser.String(norm.NFKC.String(strings.TrimSpace(address)))
}

// NormalizeMSISDN strips everything but digits from a phone number, so
// "+44 7700 900123" and "447700900123" compare equal.
func NormalizeMSISDN(address string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, norm.NFKC.String(address))
}
