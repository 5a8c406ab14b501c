// Package plan resolves raw dashboard labels to canonical service identities
// and maps each identity to its notification plan (recipients per channel,
// or the global default fallback).
package plan

import (
	"errors"
	"strings"
	"unicode"
)

// ErrUnresolvedLabel is returned when a raw label normalizes to nothing.
// The observation is discarded; the tick continues.
var ErrUnresolvedLabel = errors.New("label resolves to empty identity")

// Identity is the canonical service key: the raw label lower-cased with
// every non-letter/digit rune stripped. "DB-Service", "db service" and
// "dbservice" all resolve to "dbservice".
type Identity string

// ResolveIdentity derives the canonical identity for a raw label.
// Pure and deterministic: equal labels always yield equal identities.
func ResolveIdentity(rawLabel string) (Identity, error) {
	var b strings.Builder
	for _, r := range rawLabel {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	if b.Len() == 0 {
		return "", ErrUnresolvedLabel
	}
	return Identity(b.String()), nil
}
