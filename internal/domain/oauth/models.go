package oauth

import "time"

// ProviderConfig holds the client registration for the upstream authorization server.
type ProviderConfig struct {
	Name         string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURI  string
	Scopes       []string
}

// TokenResponse models a token endpoint response for either grant.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiresIn    int64
	Expiry       time.Time
}

// AuthorizationStart is returned to the operator starting an authorization.
type AuthorizationStart struct {
	AuthorizationURL string
	State            string
	ExpiresAt        time.Time
}
