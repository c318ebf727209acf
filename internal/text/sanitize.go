// Package text prepares block text for synthesis.
//
// The provider only accepts Arabic letters, diacritics, digits and basic
// punctuation plus Latin letters and digits, so everything else is stripped
// before submission.
package text

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Regex patterns for text sanitation.
const (
	disallowedRegexPattern = `[^\x{0621}-\x{063A}\x{0641}-\x{064A}\x{064B}-\x{0652}\x{0670}` +
		`\x{0660}-\x{0669}\x{060C}\x{061B}\x{061F}a-zA-Z0-9\s.,!?:;'"()\-]`
	whitespaceRegexPattern = `\s+`
)

// Punctuation and formatting constants.
const (
	emDash       = "—"
	enDash       = "–"
	figureDash   = "‒"
	ellipsis     = "..."
	ellipsisChar = "…"
)

// Preprocessor sanitizes text for the TTS provider.
type Preprocessor struct {
	disallowedPattern *regexp.Regexp
	whitespacePattern *regexp.Regexp
	quoteReplacer     *strings.Replacer
}

// NewPreprocessor creates a new text preprocessor with compiled patterns and replacers.
func NewPreprocessor() *Preprocessor {
	return &Preprocessor{
		disallowedPattern: regexp.MustCompile(disallowedRegexPattern),
		whitespacePattern: regexp.MustCompile(whitespaceRegexPattern),
		quoteReplacer: strings.NewReplacer(
			emDash, "-",
			enDash, "-",
			figureDash, "-",
			ellipsisChar, ellipsis,
			"“", `"`, "”", `"`,
			"‘", "'", "’", "'",
			"«", `"`, "»", `"`,
		),
	}
}

// Sanitize strips characters outside the accepted set and normalizes spacing.
func (p *Preprocessor) Sanitize(text string) string {
	if text == "" {
		return text
	}

	cleaned := p.quoteReplacer.Replace(text)
	cleaned = p.disallowedPattern.ReplaceAllString(cleaned, "")
	cleaned = removeExcessivePunctuation(cleaned)
	cleaned = p.whitespacePattern.ReplaceAllString(cleaned, " ")

	return strings.TrimSpace(cleaned)
}

// CountWords returns the number of whitespace-separated words.
func CountWords(text string) int {
	return len(strings.Fields(text))
}

// CountChars returns the number of characters billed for text.
func CountChars(text string) int {
	return utf8.RuneCountInString(text)
}

// IsBlank reports whether text contains nothing but whitespace.
func IsBlank(text string) bool {
	return strings.TrimSpace(text) == ""
}

// removeExcessivePunctuation removes repeated punctuation marks.
func removeExcessivePunctuation(text string) string {
	var (
		result       []rune
		lastWasPunct bool
	)

	for _, char := range text {
		isPunct := unicode.IsPunct(char)
		if !isPunct || !lastWasPunct {
			result = append(result, char)
		}

		lastWasPunct = isPunct
	}

	return string(result)
}
