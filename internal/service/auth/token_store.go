package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/domain"
	domainoauth "github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/domain/oauth"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/encryption"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/repository"
)

const lockRetryInterval = 50 * time.Millisecond

// TokenStore persists provider credentials with the refresh token encrypted
// at rest and guards refreshes with a lock shared by all instances.
type TokenStore struct {
	repo        repository.TokenRepository
	locker      repository.Locker
	crypto      *encryption.Service
	node        *snowflake.Node
	maxFailures int
	now         func() time.Time
	logger      *zap.Logger
}

// NewTokenStore wires the token store.
func NewTokenStore(
	repo repository.TokenRepository,
	locker repository.Locker,
	crypto *encryption.Service,
	node *snowflake.Node,
	maxFailures int,
	logger *zap.Logger,
	opts ...Option,
) *TokenStore {
	o := buildOptions(opts)
	if maxFailures <= 0 {
		maxFailures = 3
	}
	return &TokenStore{
		repo:        repo,
		locker:      locker,
		crypto:      crypto,
		node:        node,
		maxFailures: maxFailures,
		now:         o.now,
		logger:      logger,
	}
}

func (s *TokenStore) log() *zap.Logger {
	if s.logger != nil {
		return s.logger
	}
	return zap.L()
}

func lockName(provider string) string {
	return "token:" + provider
}

// Store replaces the active credential for provider with tok.
func (s *TokenStore) Store(ctx context.Context, provider string, tok *domainoauth.TokenResponse) (domain.TokenRecord, error) {
	if tok == nil || strings.TrimSpace(tok.AccessToken) == "" {
		return domain.TokenRecord{}, domainoauth.ErrTokenInvalid
	}
	if strings.TrimSpace(tok.RefreshToken) == "" {
		return domain.TokenRecord{}, fmt.Errorf("%w: refresh token missing", domainoauth.ErrTokenInvalid)
	}
	encrypted, err := s.crypto.EncryptString(tok.RefreshToken)
	if err != nil {
		return domain.TokenRecord{}, err
	}

	now := s.now().UTC()
	expiresAt, lifetime := expiry(tok, now)
	record := domain.TokenRecord{
		ID:                      s.node.Generate().Int64(),
		Provider:                provider,
		AccessToken:             tok.AccessToken,
		EncryptedRefreshToken:   encrypted,
		TokenType:               tokenType(tok.TokenType),
		Scope:                   tok.Scope,
		ExpiresAt:               expiresAt,
		OriginalLifetimeSeconds: lifetime,
		LastRefreshedAt:         &now,
	}
	stored, err := s.repo.ReplaceActive(ctx, record)
	if err != nil {
		return domain.TokenRecord{}, fmt.Errorf("store token: %w", err)
	}
	s.log().Info("provider credential stored",
		zap.String("provider", provider),
		zap.Int64("token_id", stored.ID),
		zap.Time("expires_at", stored.ExpiresAt),
		zap.String("access_token", encryption.Mask(stored.AccessToken)),
	)
	return stored, nil
}

// Read returns the active credential or ErrTokenNotFound.
func (s *TokenStore) Read(ctx context.Context, provider string) (domain.TokenRecord, error) {
	return s.repo.GetActive(ctx, provider)
}

// RefreshToken decrypts the refresh token of record.
func (s *TokenStore) RefreshToken(record domain.TokenRecord) (string, error) {
	return s.crypto.DecryptString(record.EncryptedRefreshToken)
}

// AcquireLock polls the provider lock until it is held or timeout elapses.
// It reports false without error when the lock stayed busy.
func (s *TokenStore) AcquireLock(ctx context.Context, provider string, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := s.locker.TryLock(ctx, lockName(provider))
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			return false, nil
		}
		if wait > lockRetryInterval {
			wait = lockRetryInterval
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}
}

// ReleaseLock releases the provider lock.
func (s *TokenStore) ReleaseLock(ctx context.Context, provider string) error {
	return s.locker.Unlock(ctx, lockName(provider))
}

// RecordRefreshSuccess stores a refreshed token pair and resets the failure
// counter. A response without a refresh token keeps the stored one.
func (s *TokenStore) RecordRefreshSuccess(ctx context.Context, provider string, tok *domainoauth.TokenResponse) error {
	if tok == nil || strings.TrimSpace(tok.AccessToken) == "" {
		return domainoauth.ErrTokenInvalid
	}
	var encrypted string
	if tok.RefreshToken != "" {
		var err error
		encrypted, err = s.crypto.EncryptString(tok.RefreshToken)
		if err != nil {
			return err
		}
	}
	now := s.now().UTC()
	expiresAt, lifetime := expiry(tok, now)
	err := s.repo.UpdateTokens(ctx, provider, domain.TokenUpdate{
		AccessToken:             tok.AccessToken,
		EncryptedRefreshToken:   encrypted,
		TokenType:               tokenType(tok.TokenType),
		Scope:                   tok.Scope,
		ExpiresAt:               expiresAt,
		OriginalLifetimeSeconds: lifetime,
		RefreshedAt:             now,
	})
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	return nil
}

// RecordRefreshFailure increments the failure counter and reports whether the
// credential now needs reauthorization.
func (s *TokenStore) RecordRefreshFailure(ctx context.Context, provider string) (int, bool, error) {
	failures, needsReauth, err := s.repo.IncrementFailures(ctx, provider, s.maxFailures)
	if err != nil {
		return 0, false, fmt.Errorf("record refresh failure: %w", err)
	}
	return failures, needsReauth, nil
}

// MarkNeedsReauth flags the active credential as unusable.
func (s *TokenStore) MarkNeedsReauth(ctx context.Context, provider string) error {
	if err := s.repo.MarkNeedsReauth(ctx, provider); err != nil {
		if errors.Is(err, domainoauth.ErrTokenNotFound) {
			return nil
		}
		return fmt.Errorf("mark needs reauth: %w", err)
	}
	return nil
}

// PurgeSuperseded hard-deletes credentials superseded before cutoff.
func (s *TokenStore) PurgeSuperseded(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.repo.PurgeSuperseded(ctx, cutoff)
}

// expiry derives the absolute expiry and granted lifetime in seconds.
func expiry(tok *domainoauth.TokenResponse, now time.Time) (time.Time, int64) {
	lifetime := tok.ExpiresIn
	if lifetime <= 0 && !tok.Expiry.IsZero() {
		lifetime = int64(tok.Expiry.Sub(now).Round(time.Second) / time.Second)
	}
	if lifetime <= 0 {
		lifetime = int64(defaultLifetime / time.Second)
	}
	return now.Add(time.Duration(lifetime) * time.Second), lifetime
}

// defaultLifetime applies when the token endpoint omits expires_in.
const defaultLifetime = time.Hour

func tokenType(t string) string {
	if strings.TrimSpace(t) == "" {
		return "Bearer"
	}
	return t
}
