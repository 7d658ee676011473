// Package memo handles deposit memo generation, normalization, and
// validation. A memo is the short tag a user attaches to an on-chain
// transfer so the deposit indexer can attribute the otherwise-anonymous
// payment to a platform account.
package memo

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"regexp"
	"strings"
)

// memoRegex matches the canonical memo format: DEP-{6 uppercase hex}.
// Example: DEP-1A2B3C
var memoRegex = regexp.MustCompile(`^DEP-[A-F0-9]{6}$`)

// ErrInvalidMemo is returned when a memo does not match DEP-{6 hex}.
var ErrInvalidMemo = errors.New("memo: invalid format")

// Generate returns a fresh random memo, e.g. "DEP-9F41C2".
func Generate() string {
	var b [3]byte
	rand.Read(b[:])
	return "DEP-" + strings.ToUpper(hex.EncodeToString(b[:]))
}

// Normalize trims whitespace and upper-cases a raw memo string.
// Matching is case-insensitive on-chain; the normalized form is what
// gets stored and looked up.
func Normalize(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// IsValid reports whether the (already normalized) memo matches the
// canonical format.
func IsValid(m string) bool {
	return memoRegex.MatchString(m)
}

// Parse normalizes and validates a raw memo in one step.
func Parse(raw string) (string, error) {
	m := Normalize(raw)
	if !memoRegex.MatchString(m) {
		return "", ErrInvalidMemo
	}
	return m, nil
}
