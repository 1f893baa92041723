// Package normalize standardizes titles and contributor names so the
// search index and resolver compare like with like. The same folding is
// applied at indexing time and query time; any drift between the two
// silently loses tier-1 matches.
package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	multiSpaceRe = regexp.MustCompile(`\s{2,}`)

	// Smart punctuation to ASCII. Idempotent: straight quotes map to
	// themselves by omission.
	quoteReplacer = strings.NewReplacer(
		"‘", "'", // left single
		"’", "'", // right single
		"‚", "'", // low single
		"“", `"`, // left double
		"”", `"`, // right double
		"„", `"`, // low double
		"–", "-", // en dash
		"—", "-", // em dash
		" ", " ", // nbsp
	)

	// NFD, strip combining marks, recompose.
	diacriticFold = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
)

// Quotes replaces smart quotes and dashes with their straight ASCII
// equivalents, preserving case. Normalizing already-normalized text is
// a no-op.
func Quotes(s string) string {
	return quoteReplacer.Replace(s)
}

// StripDiacritics removes combining marks ("Björk" -> "Bjork"). Input
// that fails to transform is returned unchanged.
func StripDiacritics(s string) string {
	out, _, err := transform.String(diacriticFold, s)
	if err != nil {
		return s
	}
	return out
}

// Fold produces the canonical comparison form of a title or name:
// straight quotes, no diacritics, lower case, single spaces.
func Fold(s string) string {
	s = Quotes(s)
	s = StripDiacritics(s)
	s = strings.ToLower(s)
	s = multiSpaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// FoldAll folds every string in the slice, dropping empties.
func FoldAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if f := Fold(s); f != "" {
			out = append(out, f)
		}
	}
	return out
}
