// Package normalization folds Arabic gazette text into a canonical form so
// fingerprints and verbatim checks survive OCR and typesetting variance.
package normalization

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const tatweel = 'ـ'

// Arabic strips diacritics and tatweel, unifies alef, ya and ta-marbuta,
// folds Eastern-Arabic and Persian digits to ASCII, lowercases Latin text
// and collapses whitespace.
func Arabic(s string) string {
	if s == "" {
		return ""
	}
	t := transform.Chain(
		norm.NFKD,
		runes.Remove(runes.Predicate(func(r rune) bool {
			return unicode.Is(unicode.Mn, r) || r == tatweel
		})),
		runes.Map(foldRune),
		norm.NFC,
	)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return CollapseSpace(strings.ToLower(out))
}

// ArabicPtr is Arabic for optional values; nil stays nil.
func ArabicPtr(s *string) *string {
	if s == nil {
		return nil
	}
	out := Arabic(*s)
	return &out
}

// FoldDigits rewrites Eastern-Arabic (U+0660..) and Persian (U+06F0..)
// digits to ASCII and leaves everything else untouched.
func FoldDigits(s string) string {
	return strings.Map(foldDigit, s)
}

// CollapseSpace trims s and reduces every whitespace run to one space.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Compact keeps only letters and digits of the normalized text. It is the
// form used for near-verbatim containment checks.
func Compact(s string) string {
	s = Arabic(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsArabicLetter reports whether r is a letter from the Arabic blocks,
// including the supplement and both presentation-form blocks.
func IsArabicLetter(r rune) bool {
	if !unicode.IsLetter(r) {
		return false
	}
	switch {
	case r >= 0x0600 && r <= 0x06FF,
		r >= 0x0750 && r <= 0x077F,
		r >= 0xFB50 && r <= 0xFDFF,
		r >= 0xFE70 && r <= 0xFEFF:
		return true
	}
	return false
}

// ArabicRatio is Arabic letters over all letters. Text without letters
// scores 0.
func ArabicRatio(s string) float64 {
	var arabic, letters int
	for _, r := range s {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if IsArabicLetter(r) {
			arabic++
		}
	}
	if letters == 0 {
		return 0
	}
	return float64(arabic) / float64(letters)
}

func foldRune(r rune) rune {
	switch r {
	case 'أ', 'إ', 'آ', 'ٱ':
		return 'ا'
	case 'ى':
		return 'ي'
	case 'ة':
		return 'ه'
	}
	return foldDigit(r)
}

func foldDigit(r rune) rune {
	switch {
	case r >= '٠' && r <= '٩':
		return '0' + (r - '٠')
	case r >= '۰' && r <= '۹':
		return '0' + (r - '۰')
	}
	return r
}
