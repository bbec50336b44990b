package dto

// EnrichRequest is a synchronous lookup. Larger keyword sets go through a
// bulk job.
type EnrichRequest struct {
	Keyword      string   `json:"keyword"`
	Keywords     []string `json:"keywords" binding:"max=100"`
	CountryCode  string   `json:"country_code" binding:"required,len=2"`
	LanguageCode string   `json:"language_code"`
	ForceRefresh bool     `json:"force_refresh"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
