// Package tone wraps the remote tone analysis endpoint.
package tone

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/harunnryd/tonerelay/pkg/errorsx"
	"github.com/harunnryd/tonerelay/pkg/logging"
	"github.com/harunnryd/tonerelay/pkg/resilience"
)

const (
	DefaultURL     = "https://gateway.watsonplatform.net/tone-analyzer/api"
	DefaultVersion = "2016-05-19"
	DefaultTimeout = 10 * time.Second
)

type Config struct {
	URL     string
	Version string
	// Timeout bounds one request. Zero keeps HTTPClient's own timeout, or
	// DefaultTimeout when that is unset too.
	Timeout time.Duration
	// TokenSource authorizes requests. Nil sends them unauthenticated.
	TokenSource oauth2.TokenSource
	// HTTPClient is copied; its transport is wrapped for authorization.
	HTTPClient       *http.Client
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// Score is one named tone with its likelihood.
type Score struct {
	ID    string  `json:"tone_id"`
	Name  string  `json:"tone_name"`
	Score float64 `json:"score"`
}

// Category groups related tones (emotion, language, social).
type Category struct {
	ID    string  `json:"category_id"`
	Name  string  `json:"category_name"`
	Tones []Score `json:"tones"`
}

type analysisResponse struct {
	DocumentTone struct {
		ToneCategories []Category `json:"tone_categories"`
	} `json:"document_tone"`
}

type Client struct {
	endpoint string
	version  string
	http     *http.Client
	breaker  *resilience.CircuitBreaker
	logger   *slog.Logger
}

func New(cfg Config) *Client {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = DefaultURL
	}
	if strings.TrimSpace(cfg.Version) == "" {
		cfg.Version = DefaultVersion
	}
	client := &http.Client{}
	if cfg.HTTPClient != nil {
		copied := *cfg.HTTPClient
		client = &copied
	}
	switch {
	case cfg.Timeout > 0:
		client.Timeout = cfg.Timeout
	case client.Timeout <= 0:
		client.Timeout = DefaultTimeout
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	if cfg.TokenSource != nil {
		client.Transport = &oauth2.Transport{
			Source: oauth2.ReuseTokenSource(nil, cfg.TokenSource),
			Base:   base,
		}
	}
	return &Client{
		endpoint: strings.TrimRight(cfg.URL, "/") + "/v3/tone",
		version:  cfg.Version,
		http:     client,
		breaker:  resilience.NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		logger:   logging.NewComponentLogger(slog.Default(), "tone"),
	}
}

// Analyze sends text for tone analysis and returns every tone category.
func (c *Client) Analyze(ctx context.Context, text string) ([]Category, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errorsx.Wrapf(errorsx.ReasonAnalysis, "tone: text is empty")
	}
	if !c.breaker.Allow() {
		return nil, errorsx.Wrapf(errorsx.ReasonToneCircuitOpen, "tone: circuit open after repeated rate limits")
	}
	cats, err := c.analyze(ctx, text)
	if err != nil {
		c.breaker.OnError(err)
		if c.breaker.Open() {
			c.logger.Warn("tone_circuit_opened", slog.String("error", err.Error()))
		}
		return nil, err
	}
	c.breaker.OnSuccess()
	return cats, nil
}

// TopTones returns the tones of the first category only.
func (c *Client) TopTones(ctx context.Context, text string) ([]Score, error) {
	cats, err := c.Analyze(ctx, text)
	if err != nil {
		return nil, err
	}
	return cats[0].Tones, nil
}

func (c *Client) analyze(ctx context.Context, text string) ([]Category, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	u := c.endpoint + "?" + url.Values{"version": {c.version}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewBufferString(text))
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("tone: build request: %w", err), errorsx.ReasonAnalysis)
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("tone: request: %w", err), errorsx.ReasonAnalysis)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("tone: read response: %w", err), errorsx.ReasonAnalysis)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, errorsx.Wrap(resilience.RateLimitError{Provider: "tone", Message: strings.TrimSpace(string(body))}, errorsx.ReasonToneRateLimit)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errorsx.Wrapf(errorsx.ReasonAnalysis, "tone: analysis returned %d", resp.StatusCode)
	}

	var out analysisResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("tone: decode response: %w", err), errorsx.ReasonAnalysis)
	}
	if len(out.DocumentTone.ToneCategories) == 0 {
		return nil, errorsx.Wrapf(errorsx.ReasonAnalysis, "tone: response has no tone categories")
	}
	return out.DocumentTone.ToneCategories, nil
}
