package keywords

import (
	"fmt"

	"github.com/cuongbtq/keyword-intel/internal/domain"
	"github.com/cuongbtq/keyword-intel/internal/keywordbank"
)

// Locale is the provider locale for a keyword record.
type Locale struct {
	CountryCode  string
	LanguageCode string
}

// primary language per market; anything else queries in English.
var primaryLanguage = map[string]string{
	"DE": "de", "AT": "de", "CH": "de",
	"FR": "fr", "BE": "fr",
	"ES": "es", "MX": "es", "AR": "es", "CO": "es", "CL": "es",
	"IT": "it",
	"NL": "nl",
	"PT": "pt", "BR": "pt",
	"PL": "pl",
	"SE": "sv",
	"DK": "da",
	"NO": "no",
	"FI": "fi",
	"JP": "ja",
	"KR": "ko",
	"VN": "vi",
	"TH": "th",
	"ID": "id",
	"TR": "tr",
	"RU": "ru",
	"UA": "uk",
	"CZ": "cs",
}

// ResolveLocale maps a record's ISO 3166-1 alpha-2 country to the provider
// locale.
func ResolveLocale(country string) (Locale, error) {
	cc := keywordbank.NormalizeCountry(country)
	if len(cc) != 2 || cc[0] < 'A' || cc[0] > 'Z' || cc[1] < 'A' || cc[1] > 'Z' {
		return Locale{}, domain.NewError(domain.KindInvalidRequest, "invalid country code %q", country)
	}

	lang, ok := primaryLanguage[cc]
	if !ok {
		lang = keywordbank.DefaultLanguage
	}
	return Locale{CountryCode: cc, LanguageCode: lang}, nil
}

func (l Locale) String() string {
	return fmt.Sprintf("%s-%s", l.LanguageCode, l.CountryCode)
}
