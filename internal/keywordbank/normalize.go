package keywordbank

import "strings"

// DefaultLanguage is used when a caller does not name a language.
const DefaultLanguage = "en"

// NormalizeKeyword trims, lowercases and collapses inner whitespace.
func NormalizeKeyword(keyword string) string {
	return strings.Join(strings.Fields(strings.ToLower(keyword)), " ")
}

// NormalizeCountry returns an upper-case ISO2 code.
func NormalizeCountry(country string) string {
	return strings.ToUpper(strings.TrimSpace(country))
}

// NormalizeLanguage returns a lower-case language code, defaulting to English.
func NormalizeLanguage(language string) string {
	language = strings.ToLower(strings.TrimSpace(language))
	if language == "" {
		return DefaultLanguage
	}
	return language
}

// NormalizeKeywords normalizes and de-duplicates keywords, keeping first
// occurrence order and dropping blanks.
func NormalizeKeywords(keywords []string) []string {
	seen := make(map[string]struct{}, len(keywords))
	out := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		n := NormalizeKeyword(kw)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
