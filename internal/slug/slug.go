// Package slug derives URL-safe usernames from free-form display names.
package slug

import (
	"strconv"
	"strings"
	"unicode"

	unidecode "github.com/mozillazg/go-unidecode"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MaxLength bounds the size of a generated slug.
const MaxLength = 60

// Fallback is used when a display name has no transliterable characters.
const Fallback = "user"

// Slugify lower-cases the display name, transliterates it to ASCII and joins the
// remaining alphanumeric runs with single hyphens. Names in non-Latin scripts are
// romanized. The result may be empty.
func Slugify(displayName string) string {
	stripMarks := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	decomposed, _, err := transform.String(stripMarks, displayName)
	if err != nil {
		decomposed = displayName
	}
	decomposed = unidecode.Unidecode(decomposed)

	var builder strings.Builder
	pendingSeparator := false
	for _, r := range decomposed {
		ascii, ok := transliterate(r)
		if !ok {
			if builder.Len() > 0 {
				pendingSeparator = true
			}
			continue
		}
		if pendingSeparator {
			builder.WriteByte('-')
			pendingSeparator = false
		}
		builder.WriteString(ascii)
	}
	return truncate(builder.String(), MaxLength)
}

// WithSuffix appends a numeric suffix to base, shortening base so the result
// stays within MaxLength. An empty base becomes Fallback.
func WithSuffix(base string, suffix int) string {
	if base == "" {
		base = Fallback
	}
	tail := "-" + strconv.Itoa(suffix)
	return truncate(base, MaxLength-len(tail)) + tail
}

// IsSlug reports whether value is already in canonical slug form.
func IsSlug(value string) bool {
	return value != "" && Slugify(value) == value
}

func transliterate(r rune) (string, bool) {
	switch {
	case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return string(r), true
	case r >= 'A' && r <= 'Z':
		return string(unicode.ToLower(r)), true
	}
	return "", false
}

func truncate(value string, limit int) string {
	if len(value) > limit {
		value = value[:limit]
	}
	return strings.TrimRight(value, "-")
}
