// Package auth exchanges an API key for a short-lived IAM bearer token.
package auth

import (
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
)

const (
	DefaultTokenURL = "https://iam.cloud.ibm.com/identity/token"
	grantTypeAPIKey = "urn:ibm:params:oauth:grant-type:apikey"
)

type Config struct {
	APIKey     string
	TokenURL   string
	HTTPClient *http.Client
}

// Token is a bearer credential with the expiry reported by the token service.
type Token struct {
	AccessToken string
	TokenType   string
	Expiry      time.Time
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Expiration  int64  `json:"expiration"`
}

// Provider fetches tokens. It keeps no cache; every FetchToken is one network call.
type Provider struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

func NewProvider(cfg Config) *Provider {
	if strings.TrimSpace(cfg.TokenURL) == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Provider{
		cfg:    cfg,
		client: client,
		logger: logging.NewComponentLogger(slog.Default(), "auth"),
	}
}

// FetchToken performs the API key exchange.
func (p *Provider) FetchToken(ctx context.Context) (Token, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		return Token{}, errorsx.Wrapf(errorsx.ReasonAuth, "auth: api key is empty")
	}
	form := url.Values{}
	form.Set("grant_type", grantTypeAPIKey)
	form.Set("apikey", p.cfg.APIKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, errorsx.Wrap(fmt.Errorf("auth: build request: %w", err), errorsx.ReasonAuth)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return Token{}, errorsx.Wrap(fmt.Errorf("auth: token request: %w", err), errorsx.ReasonAuth)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return Token{}, errorsx.Wrap(fmt.Errorf("auth: read response: %w", err), errorsx.ReasonAuth)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		p.logger.Warn("auth_token_rejected",
			slog.Int("status", resp.StatusCode),
			slog.String("token_url", p.cfg.TokenURL))
		return Token{}, errorsx.Wrapf(errorsx.ReasonAuth, "auth: token exchange returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return Token{}, errorsx.Wrap(fmt.Errorf("auth: decode response: %w", err), errorsx.ReasonAuth)
	}
	if strings.TrimSpace(tr.AccessToken) == "" {
		return Token{}, errorsx.Wrapf(errorsx.ReasonAuth, "auth: response missing access_token")
	}

	tok := Token{AccessToken: tr.AccessToken, TokenType: tr.TokenType}
	switch {
	case tr.Expiration > 0:
		tok.Expiry = time.Unix(tr.Expiration, 0)
	case tr.ExpiresIn > 0:
		tok.Expiry = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	if tok.TokenType == "" {
		tok.TokenType = "Bearer"
	}
	p.logger.Debug("auth_token_fetched", slog.Time("expiry", tok.Expiry))
	return tok, nil
}

// Token implements oauth2.TokenSource. Wrap it with oauth2.ReuseTokenSource to cache.
func (p *Provider) Token() (*oauth2.Token, error) {
	tok, err := p.FetchToken(context.Background())
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
		Expiry:      tok.Expiry,
	}, nil
}

var _ oauth2.TokenSource = (*Provider)(nil)

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
