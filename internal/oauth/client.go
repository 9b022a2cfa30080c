// Package oauth exchanges an authorization code for provider tokens.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/weiawesome/wes-sync-relay/internal/config"
)

var (
	ErrAuthFailed  = errors.New("token exchange failed")
	ErrMissingCode = errors.New("authorization code is required")
)

// maxBody bounds how much of a token response is read.
const maxBody = 1 << 20

// Tokens is the provider's token response. Raw keeps the body exactly as
// received so callers can pass it through untouched.
type Tokens struct {
	AccessToken  string          `json:"access_token"`
	TokenType    string          `json:"token_type"`
	Scope        string          `json:"scope"`
	ExpiresIn    int             `json:"expires_in"`
	RefreshToken string          `json:"refresh_token"`
	Raw          json.RawMessage `json:"-"`
}

// Exchanger is implemented by Client and by test fakes.
type Exchanger interface {
	Exchange(ctx context.Context, code string) (*Tokens, error)
}

type Client struct {
	cfg  config.OAuthConfig
	http *http.Client
}

func NewClient(cfg config.OAuthConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: timeout}}
}

// Exchange performs the authorization_code grant. Any failure is wrapped
// in ErrAuthFailed; there is no retry.
func (c *Client) Exchange(ctx context.Context, code string) (*Tokens, error) {
	if code == "" {
		return nil, ErrMissingCode
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {c.cfg.RedirectURI},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrAuthFailed, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrAuthFailed, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: provider returned %d: %s", ErrAuthFailed, resp.StatusCode, truncate(body, 200))
	}

	var tokens Tokens
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrAuthFailed, err)
	}
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("%w: response has no access_token", ErrAuthFailed)
	}
	tokens.Raw = body
	return &tokens, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
