package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	domainoauth "github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/domain/oauth"
)

// ProviderClient encapsulates outbound calls to the authorization server.
type ProviderClient interface {
	AuthCodeURL(provider domainoauth.ProviderConfig, state string) string
	ExchangeCode(ctx context.Context, provider domainoauth.ProviderConfig, code string) (*domainoauth.TokenResponse, error)
	Refresh(ctx context.Context, provider domainoauth.ProviderConfig, refreshToken string) (*domainoauth.TokenResponse, error)
}

// HTTPProviderClient is the default golang.org/x/oauth2 implementation.
type HTTPProviderClient struct {
	httpClient *http.Client
}

var _ ProviderClient = (*HTTPProviderClient)(nil)

// NewHTTPProviderClient constructs the default ProviderClient.
func NewHTTPProviderClient(client *http.Client) *HTTPProviderClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPProviderClient{httpClient: client}
}

func (c *HTTPProviderClient) oauthConfig(provider domainoauth.ProviderConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     provider.ClientID,
		ClientSecret: provider.ClientSecret,
		RedirectURL:  provider.RedirectURI,
		Scopes:       provider.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   provider.AuthURL,
			TokenURL:  provider.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func (c *HTTPProviderClient) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// AuthCodeURL builds the authorization endpoint URL carrying state.
func (c *HTTPProviderClient) AuthCodeURL(provider domainoauth.ProviderConfig, state string) string {
	return c.oauthConfig(provider).AuthCodeURL(state)
}

// ExchangeCode performs the authorization-code grant.
func (c *HTTPProviderClient) ExchangeCode(ctx context.Context, provider domainoauth.ProviderConfig, code string) (*domainoauth.TokenResponse, error) {
	if strings.TrimSpace(provider.TokenURL) == "" {
		return nil, fmt.Errorf("token url missing")
	}
	tok, err := c.oauthConfig(provider).Exchange(c.withClient(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", describeRetrieveError(err))
	}
	return toTokenResponse(tok)
}

// Refresh performs the refresh-token grant. When the server omits a new
// refresh token the previous one is returned in the response.
func (c *HTTPProviderClient) Refresh(ctx context.Context, provider domainoauth.ProviderConfig, refreshToken string) (*domainoauth.TokenResponse, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, fmt.Errorf("refresh token missing")
	}
	src := c.oauthConfig(provider).TokenSource(c.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("token refresh: %w", describeRetrieveError(err))
	}
	return toTokenResponse(tok)
}

// IsInvalidGrant reports whether the authorization server rejected the grant itself.
func IsInvalidGrant(err error) bool {
	var re *oauth2.RetrieveError
	return errors.As(err, &re) && re.ErrorCode == "invalid_grant"
}

type retrieveError struct {
	cause *oauth2.RetrieveError
}

func (e *retrieveError) Error() string {
	status := 0
	if e.cause.Response != nil {
		status = e.cause.Response.StatusCode
	}
	if e.cause.ErrorCode != "" {
		return fmt.Sprintf("status=%d error=%s", status, e.cause.ErrorCode)
	}
	return fmt.Sprintf("status=%d", status)
}

func (e *retrieveError) Unwrap() error { return e.cause }

// describeRetrieveError drops the raw response body from the message, since it
// may echo credentials.
func describeRetrieveError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return &retrieveError{cause: re}
	}
	return err
}

func toTokenResponse(tok *oauth2.Token) (*domainoauth.TokenResponse, error) {
	if tok == nil || strings.TrimSpace(tok.AccessToken) == "" {
		return nil, domainoauth.ErrTokenInvalid
	}
	resp := &domainoauth.TokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.Type(),
		ExpiresIn:    tok.ExpiresIn,
		Expiry:       tok.Expiry,
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		resp.Scope = scope
	}
	if resp.ExpiresIn <= 0 && !tok.Expiry.IsZero() {
		resp.ExpiresIn = int64(time.Until(tok.Expiry).Round(time.Second).Seconds())
	}
	return resp, nil
}
