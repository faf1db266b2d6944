package repository

import (
	"context"
	"time"

	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/domain"
)

// TokenRepository persists provider credentials. Implementations must keep at
// most one active record per provider.
type TokenRepository interface {
	// GetActive returns the active record or oauth.ErrTokenNotFound.
	GetActive(ctx context.Context, provider string) (domain.TokenRecord, error)
	// ReplaceActive deactivates the current record and inserts record as active.
	ReplaceActive(ctx context.Context, record domain.TokenRecord) (domain.TokenRecord, error)
	// UpdateTokens applies a successful refresh and resets the failure counter.
	UpdateTokens(ctx context.Context, provider string, update domain.TokenUpdate) error
	// IncrementFailures bumps the failure counter and sets needs_reauth once it reaches maxFailures.
	IncrementFailures(ctx context.Context, provider string, maxFailures int) (failures int, needsReauth bool, err error)
	// MarkNeedsReauth sets needs_reauth and drops the stored access token.
	MarkNeedsReauth(ctx context.Context, provider string) error
	// PurgeSuperseded hard-deletes inactive records superseded before the cutoff.
	PurgeSuperseded(ctx context.Context, before time.Time) (int64, error)
}

// Locker provides named mutual exclusion shared by every gateway instance.
type Locker interface {
	// TryLock attempts the lock once without blocking.
	TryLock(ctx context.Context, name string) (bool, error)
	// Unlock releases a lock obtained by TryLock.
	Unlock(ctx context.Context, name string) error
}

// OAuthStateStore persists short-lived CSRF states.
type OAuthStateStore interface {
	SaveState(ctx context.Context, state domain.AuthorizationState) error
	// ConsumeState atomically marks the state consumed and returns it. It
	// returns nil, nil when the state is unknown or was already consumed.
	ConsumeState(ctx context.Context, state string, now time.Time) (*domain.AuthorizationState, error)
	// DeleteExpired removes states expired at now and states consumed before consumedBefore.
	DeleteExpired(ctx context.Context, now, consumedBefore time.Time) (int64, error)
	CountStates(ctx context.Context) (int64, error)
}
