package parser

import (
	"strings"
	"unicode"

	"golang.org/x/text/width"
)

// normalizeText folds full-width characters to half-width, drops stray
// escape and zero-width characters and unifies line endings. Newlines are
// kept because field values end at the line boundary.
func normalizeText(s string) string {
	s = width.Narrow.String(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n':
			b.WriteRune(r)
		case r == '\t', r == '\u00a0', r == '\u3000':
			b.WriteRune(' ')
		case r == '\\', r == '\u200b', r == '\u200c', r == '\u200d', r == '\ufeff':
			// stray escapes and zero-width marks
		case unicode.IsControl(r):
			// escape sequences left behind by text extraction
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// normalizeAmount turns "¥1,234.5" into "1234.50". Values without digits
// are returned unchanged.
func normalizeAmount(raw string) string {
	m := amountPattern.FindString(raw)
	if m == "" {
		return raw
	}
	m = strings.ReplaceAll(m, ",", "")
	whole, frac, _ := strings.Cut(m, ".")
	whole = strings.TrimLeft(whole, "0")
	if whole == "" {
		whole = "0"
	}
	for len(frac) < 2 {
		frac += "0"
	}
	return whole + "." + frac[:2]
}
