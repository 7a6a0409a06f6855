package broker

import (
	"strings"
	"unicode"
)

// NormalizeIdentifier turns a raw remote-control identifier into the canonical
// form used in launch URIs. Identifiers arrive with formatting noise: embedded
// whitespace from copy/paste (" 579 487 224 ") and a single-letter prefix from
// the provider's own export format ("r579487224"). Normalization strips all
// whitespace, then strips one leading non-digit rune if what remains is purely
// numeric. It is idempotent.
func NormalizeIdentifier(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if !unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	s := b.String()
	runes := []rune(s)
	if len(runes) > 1 && !unicode.IsDigit(runes[0]) && allDigits(runes[1:]) {
		return string(runes[1:])
	}
	return s
}

func allDigits(runes []rune) bool {
	for _, r := range runes {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
