package panel

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// fold lowercases s and strips combining marks, so "Reunião" and "reuniao"
// compare equal.
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// MatchesMarker reports whether label contains marker, ignoring case and
// accents. An empty marker matches nothing.
func MatchesMarker(label, marker string) bool {
	if marker == "" {
		return false
	}
	return strings.Contains(fold(label), fold(marker))
}
