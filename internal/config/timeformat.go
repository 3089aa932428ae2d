package config

import (
	"fmt"
	"strings"
)

// patternTokens maps SimpleDateFormat-style token runs to Go layout elements.
// The suffix pattern comes from deployments that predate this service, so the
// config keeps the original notation.
var patternTokens = map[string]string{
	"yyyy": "2006",
	"yy":   "06",
	"MM":   "01",
	"dd":   "02",
	"HH":   "15",
	"mm":   "04",
	"ss":   "05",
}

// TranslateTimePattern converts a date pattern like "yyyyMMdd" into the
// equivalent Go time layout ("20060102"). Non-letter characters pass through
// unchanged, unknown letter runs are an error.
func TranslateTimePattern(pattern string) (string, error) {
	if pattern == "" {
		return "", fmt.Errorf("empty time pattern")
	}
	var b strings.Builder
	for i := 0; i < len(pattern); {
		c := pattern[i]
		if !isPatternLetter(c) {
			b.WriteByte(c)
			i++
			continue
		}
		j := i
		for j < len(pattern) && pattern[j] == c {
			j++
		}
		run := pattern[i:j]
		layout, ok := patternTokens[run]
		if !ok {
			return "", fmt.Errorf("unsupported token %q in time pattern %q", run, pattern)
		}
		b.WriteString(layout)
		i = j
	}
	return b.String(), nil
}

func isPatternLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
