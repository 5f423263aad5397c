package reddit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// DefaultTokenURL is Reddit's OAuth token endpoint.
const DefaultTokenURL = "https://www.reddit.com/api/v1/access_token"

// Credentials identify a Reddit "script" application and the account it acts as.
type Credentials struct {
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
	TokenURL     string // DefaultTokenURL when empty
	UserAgent    string
}

// userAgentTransport stamps every outgoing request, including token requests, with the
// configured User-Agent; Reddit throttles requests without one.
type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.base.RoundTrip(req)
}

// passwordSource mints tokens with the resource-owner password grant. Reddit issues no refresh
// token for this grant, so an expired token is replaced by a fresh grant.
type passwordSource struct {
	ctx      context.Context
	conf     *oauth2.Config
	username string
	password string
}

func (s *passwordSource) Token() (*oauth2.Token, error) {
	tok, err := s.conf.PasswordCredentialsToken(s.ctx, s.username, s.password)
	if err != nil {
		return nil, fmt.Errorf("password grant: %w", err)
	}
	return tok, nil
}

// NewHTTPClient returns an HTTP client that authenticates as the configured account. The first
// token is requested eagerly so bad credentials fail at startup.
func NewHTTPClient(ctx context.Context, creds Credentials, timeout time.Duration) (*http.Client, error) {
	if creds.ClientID == "" || creds.ClientSecret == "" || creds.Username == "" || creds.Password == "" {
		return nil, errors.New("reddit credentials incomplete")
	}
	tokenURL := creds.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}

	base := &http.Client{
		Timeout:   timeout,
		Transport: &userAgentTransport{base: http.DefaultTransport, userAgent: creds.UserAgent},
	}
	// The token source keeps this context for later refreshes.
	ctx = context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, base)

	conf := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
	src := &passwordSource{ctx: ctx, conf: conf, username: creds.Username, password: creds.Password}
	tok, err := src.Token()
	if err != nil {
		return nil, err
	}
	return oauth2.NewClient(ctx, oauth2.ReuseTokenSource(tok, src)), nil
}
