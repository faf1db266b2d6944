package domain

import "time"

// TokenRecord is the persisted credential for one upstream provider.
// At most one record per provider has Active set.
type TokenRecord struct {
	ID                         int64
	Provider                   string
	AccessToken                string
	EncryptedRefreshToken      string
	TokenType                  string
	Scope                      string
	ExpiresAt                  time.Time
	OriginalLifetimeSeconds    int64
	LastRefreshedAt            *time.Time
	ConsecutiveRefreshFailures int
	NeedsReauth                bool
	Active                     bool
	CreatedAt                  time.Time
	UpdatedAt                  time.Time
	SupersededAt               *time.Time
}

// OriginalLifetime returns the lifetime granted by the last exchange or refresh.
func (r TokenRecord) OriginalLifetime() time.Duration {
	return time.Duration(r.OriginalLifetimeSeconds) * time.Second
}

// TokenUpdate carries the fields written after a successful refresh. An empty
// EncryptedRefreshToken keeps the stored one.
type TokenUpdate struct {
	AccessToken             string
	EncryptedRefreshToken   string
	TokenType               string
	Scope                   string
	ExpiresAt               time.Time
	OriginalLifetimeSeconds int64
	RefreshedAt             time.Time
}

// AuthorizationState binds an authorization request to its callback.
type AuthorizationState struct {
	State       string     `json:"state"`
	Provider    string     `json:"provider"`
	UserID      string     `json:"user_id,omitempty"`
	RedirectURI string     `json:"redirect_uri,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	ConsumedAt  *time.Time `json:"consumed_at,omitempty"`
}

// Expired reports whether the state is past its expiry at now.
func (s AuthorizationState) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
