package coqui

import (
	"strings"
	"unicode"
)

// abbreviations end in a period without ending the sentence. Matched
// case-insensitively against the word before the period.
var abbreviations = map[string]bool{
	"dr": true, "mr": true, "mrs": true, "ms": true, "prof": true, "st": true,
	"e.g": true, "i.e": true, "etc": true, "vs": true, "approx": true,
	"fig": true, "mg": true, "ml": true, "mcg": true,
}

// splitSentences breaks a diagnosis into synthesis units. A unit ends at a
// line break or at '.', '!' or '?' followed by whitespace, except after a
// known abbreviation. Decimals like "2.5" never split because no whitespace
// follows the period.
func splitSentences(text string) []string {
	var out []string
	for _, line := range strings.FieldsFunc(text, func(r rune) bool { return r == '\n' || r == '\r' }) {
		start := 0
		for i := 0; i < len(line); i++ {
			if !isTerminal(line[i]) || (i+1 < len(line) && !unicode.IsSpace(rune(line[i+1]))) {
				continue
			}
			if line[i] == '.' && abbreviations[strings.ToLower(lastWord(line[start:i]))] {
				continue
			}
			if s := strings.TrimSpace(line[start : i+1]); s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
		if s := strings.TrimSpace(line[start:]); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func isTerminal(c byte) bool { return c == '.' || c == '!' || c == '?' }

// lastWord returns the trailing run of letters and inner periods of s.
func lastWord(s string) string {
	i := len(s)
	for i > 0 && (s[i-1] == '.' || unicode.IsLetter(rune(s[i-1]))) {
		i--
	}
	return s[i:]
}
