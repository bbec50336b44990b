// Package provider talks to the metered keyword intelligence API.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cuongbtq/keyword-intel/internal/domain"
	"github.com/cuongbtq/keyword-intel/internal/keywordbank"
	"github.com/sony/gobreaker"
)

// ErrBatchTooLarge is the cause when a call carries more than BatchSize keywords.
var ErrBatchTooLarge = errors.New("keyword batch too large")

// ErrCircuitOpen is the cause when the breaker short-circuits a call.
var ErrCircuitOpen = errors.New("provider circuit breaker is open")

// Paths are relative to the base URL, which carries the API version.
const (
	metricsPath = "/keywords/metrics"
	accountPath = "/account"
)

// Config controls timeouts, retries and the circuit breaker.
type Config struct {
	BaseURL          string
	Timeout          time.Duration
	MaxRetries       int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	MaxRetryAfter    time.Duration
	CredentialTTL    time.Duration
	BatchSize        int
	BreakerFailures  int
	BreakerOpenFor   time.Duration
	BreakerHalfOpens int
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxRetryAfter <= 0 {
		c.MaxRetryAfter = 300 * time.Second
	}
	if c.CredentialTTL <= 0 {
		c.CredentialTTL = 5 * time.Minute
	}
	if c.BatchSize <= 0 || c.BatchSize > 100 {
		c.BatchSize = 100
	}
	if c.BreakerFailures <= 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerOpenFor <= 0 {
		c.BreakerOpenFor = time.Minute
	}
	if c.BreakerHalfOpens <= 0 {
		c.BreakerHalfOpens = 1
	}
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	c := Config{MaxRetries: 3}
	c.applyDefaults()
	return c
}

// Health is the result of TestConnection.
type Health struct {
	Status       string `json:"status"`
	Message      string `json:"message,omitempty"`
	LatencyMS    int64  `json:"latency_ms"`
	CircuitState string `json:"circuit_state"`
}

type metricsRequest struct {
	Keywords     []string `json:"keywords"`
	CountryCode  string   `json:"country_code"`
	LanguageCode string   `json:"language_code"`
}

// Client calls the provider with retries and a circuit breaker.
type Client struct {
	config  Config
	http    *http.Client
	creds   *credentialCache
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() time.Duration
}

// NewClient creates a provider client. Zero config fields take defaults.
func NewClient(cfg Config, source CredentialSource, logger *slog.Logger) *Client {
	cfg.applyDefaults()
	logger = logger.With("component", "provider_client")

	c := &Client{
		config: cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		now:    time.Now,
		sleep:  sleepContext,
		jitter: func() time.Duration { return rand.N(time.Second) },
	}
	c.creds = &credentialCache{source: source, ttl: cfg.CredentialTTL, now: func() time.Time { return c.now() }}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "keyword-provider",
		MaxRequests: uint32(cfg.BreakerHalfOpens),
		Interval:    time.Minute,
		Timeout:     cfg.BreakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.BreakerFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			// caller mistakes say nothing about provider health
			return err == nil || !domain.IsRetryable(err)
		},
	})

	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// BatchSize is the largest keyword list FetchKeywordData accepts.
func (c *Client) BatchSize() int {
	return c.config.BatchSize
}

// CircuitState reports the breaker state.
func (c *Client) CircuitState() string {
	return c.breaker.State().String()
}

// FetchKeywordData fetches metrics for up to BatchSize keywords in one call.
// The result has one item per distinct normalized keyword, in request order;
// keywords the provider omitted come back with IsDataFound=false.
func (c *Client) FetchKeywordData(ctx context.Context, keywords []string, country, language string) ([]domain.KeywordMetrics, error) {
	keywords = keywordbank.NormalizeKeywords(keywords)
	if len(keywords) == 0 {
		return nil, nil
	}
	if len(keywords) > c.config.BatchSize {
		return nil, &domain.Error{
			Kind:    domain.KindInvalidRequest,
			Message: fmt.Sprintf("%d keywords exceed the batch size of %d", len(keywords), c.config.BatchSize),
			Cause:   ErrBatchTooLarge,
		}
	}

	creds, err := c.credentials(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(metricsRequest{
		Keywords:     keywords,
		CountryCode:  keywordbank.NormalizeCountry(country),
		LanguageCode: keywordbank.NormalizeLanguage(language),
	})
	if err != nil {
		return nil, domain.WrapError(domain.KindInvalidRequest, err, "failed to encode request")
	}

	var metrics []domain.KeywordMetrics
	for attempt := 0; ; attempt++ {
		metrics, err = c.attempt(ctx, creds, body)
		if err == nil {
			break
		}

		if domain.KindOf(err) == domain.KindAuthentication {
			c.creds.invalidate()
		}
		if !domain.IsRetryable(err) || attempt >= c.config.MaxRetries || errors.Is(err, ErrCircuitOpen) {
			c.logger.Error("Provider call failed",
				slog.Int("attempts", attempt+1),
				slog.Int("keywords", len(keywords)),
				slog.Any("error", err),
			)
			return nil, err
		}

		delay := c.retryDelay(err, attempt)
		c.logger.Warn("Provider call failed, retrying...",
			slog.Int("attempt", attempt+1),
			slog.Int("max_retries", c.config.MaxRetries),
			slog.Duration("retry_after", delay),
			slog.Any("error", err),
		)
		if serr := c.sleep(ctx, delay); serr != nil {
			return nil, domain.WrapError(domain.KindNetwork, serr, "retry wait interrupted")
		}
	}

	return alignResults(keywords, metrics), nil
}

func alignResults(keywords []string, metrics []domain.KeywordMetrics) []domain.KeywordMetrics {
	byKeyword := make(map[string]domain.KeywordMetrics, len(metrics))
	for _, m := range metrics {
		m.Keyword = keywordbank.NormalizeKeyword(m.Keyword)
		if _, ok := byKeyword[m.Keyword]; !ok {
			byKeyword[m.Keyword] = m
		}
	}

	out := make([]domain.KeywordMetrics, 0, len(keywords))
	for _, kw := range keywords {
		m, ok := byKeyword[kw]
		if !ok {
			m = domain.KeywordMetrics{Keyword: kw}
		}
		out = append(out, m)
	}
	return out
}

func (c *Client) credentials(ctx context.Context) (*Credentials, error) {
	creds, err := c.creds.get(ctx)
	if err != nil {
		var de *domain.Error
		if errors.As(err, &de) {
			return nil, err
		}
		return nil, domain.WrapError(domain.KindAuthentication, err, "failed to resolve provider credential")
	}
	if creds == nil || creds.APIKey == "" {
		return nil, domain.NewError(domain.KindAuthentication, "provider credential is not configured")
	}
	return creds, nil
}

func (c *Client) baseURL(creds *Credentials) string {
	base := creds.BaseURL
	if base == "" {
		base = c.config.BaseURL
	}
	return strings.TrimRight(base, "/")
}

// attempt performs one HTTP round trip through the breaker.
func (c *Client) attempt(ctx context.Context, creds *Credentials, body []byte) ([]domain.KeywordMetrics, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.post(ctx, creds, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &domain.Error{Kind: domain.KindNetwork, Message: "provider unavailable", Cause: ErrCircuitOpen}
	}
	if err != nil {
		return nil, err
	}
	return result.([]domain.KeywordMetrics), nil
}

func (c *Client) post(ctx context.Context, creds *Credentials, body []byte) ([]domain.KeywordMetrics, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL(creds)+metricsPath, bytes.NewReader(body))
	if err != nil {
		return nil, domain.WrapError(domain.KindInvalidRequest, err, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, classifyTransportError(err)
	}

	if err := c.statusError(resp, payload); err != nil {
		return nil, err
	}
	return parseMetrics(payload)
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return domain.WrapError(domain.KindTimeout, err, "provider request timed out")
	}
	return domain.WrapError(domain.KindNetwork, err, "provider request failed")
}

func (c *Client) statusError(resp *http.Response, payload []byte) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}

	snippet := strings.TrimSpace(string(payload))
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}

	e := &domain.Error{StatusCode: code, Message: snippet}
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		e.Kind = domain.KindAuthentication
	case code == http.StatusTooManyRequests:
		e.Kind = domain.KindRateLimit
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), c.now())
	case code >= 400 && code < 500:
		e.Kind = domain.KindInvalidRequest
	default:
		e.Kind = domain.KindUnknown
	}
	if e.Message == "" {
		e.Message = http.StatusText(code)
	}
	return e
}

// TestConnection probes the provider account endpoint once, without retries.
func (c *Client) TestConnection(ctx context.Context) *Health {
	health := &Health{CircuitState: c.CircuitState()}

	creds, err := c.credentials(ctx)
	if err != nil {
		health.Status = "unconfigured"
		health.Message = err.Error()
		return health
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL(creds)+accountPath, nil)
	if err != nil {
		health.Status = "unhealthy"
		health.Message = err.Error()
		return health
	}
	req.Header.Set("Authorization", "Bearer "+creds.APIKey)

	start := c.now()
	resp, err := c.http.Do(req)
	health.LatencyMS = c.now().Sub(start).Milliseconds()
	if err != nil {
		health.Status = "unhealthy"
		health.Message = classifyTransportError(err).Error()
		return health
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if err := c.statusError(resp, payload); err != nil {
		if domain.KindOf(err) == domain.KindAuthentication {
			c.creds.invalidate()
		}
		health.Status = "unhealthy"
		health.Message = err.Error()
		return health
	}
	health.Status = "healthy"
	return health
}
