package enrichment

import (
	"regexp"

	"github.com/cuongbtq/keyword-intel/internal/domain"
)

var intentPatterns = []struct {
	intent  domain.Intent
	pattern *regexp.Regexp
}{
	{
		domain.IntentCommercial,
		regexp.MustCompile(`\b(buy|price|prices|pricing|cheap|cheapest|best|top|reviews?|vs|versus|compare|comparison|deals?|discount|coupons?|sale|shop|online|purchase|order|cost|affordable)\b`),
	},
	{
		domain.IntentTransactional,
		regexp.MustCompile(`\b(download|subscribe|sign ?up|register|book|booking|hire|install|free trial|trial|quote|apply|reserve|near me)\b`),
	},
	{
		domain.IntentNavigational,
		regexp.MustCompile(`\b(login|log in|sign in|website|official|homepage|account|www|facebook|youtube|amazon|contact)\b|\.(com|net|org|io)\b`),
	},
	{
		domain.IntentInformational,
		regexp.MustCompile(`\b(how|what|why|when|where|who|which|guide|tutorial|tips|ideas|examples?|definition|meaning|learn)\b`),
	},
}

// ClassifyIntent guesses search intent from a normalized keyword. Patterns
// are tried in order; keywords matching none are informational.
func ClassifyIntent(keyword string) domain.Intent {
	for _, p := range intentPatterns {
		if p.pattern.MatchString(keyword) {
			return p.intent
		}
	}
	return domain.IntentInformational
}
