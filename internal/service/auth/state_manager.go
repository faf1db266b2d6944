package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/config"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/domain"
	domainoauth "github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/domain/oauth"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/encryption"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/repository"
)

const stateBytes = 32

// CleanupResult reports a state cleanup run.
type CleanupResult struct {
	Removed int64 `json:"removed"`
	Before  int64 `json:"before"`
	After   int64 `json:"after"`
}

// StateManager issues and validates single-use CSRF states.
type StateManager struct {
	store       repository.OAuthStateStore
	ttl         time.Duration
	retention   time.Duration
	redirectURI string
	now         func() time.Time
	logger      *zap.Logger
}

// NewStateManager wires a StateManager over the configured state store.
func NewStateManager(store repository.OAuthStateStore, cfg config.Config, logger *zap.Logger, opts ...Option) *StateManager {
	o := buildOptions(opts)
	ttl := cfg.OAuthStateTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	retention := cfg.StateRetention
	if retention <= 0 {
		retention = time.Hour
	}
	return &StateManager{
		store:       store,
		ttl:         ttl,
		retention:   retention,
		redirectURI: cfg.OAuthRedirectURI,
		now:         o.now,
		logger:      logger,
	}
}

func (m *StateManager) log() *zap.Logger {
	if m.logger != nil {
		return m.logger
	}
	return zap.L()
}

// Generate persists a new state bound to provider and returns it.
func (m *StateManager) Generate(ctx context.Context, provider, userID string) (domain.AuthorizationState, error) {
	if strings.TrimSpace(provider) == "" {
		return domain.AuthorizationState{}, domainoauth.ErrInvalidRequest
	}
	value, err := randomState()
	if err != nil {
		return domain.AuthorizationState{}, err
	}
	now := m.now().UTC()
	state := domain.AuthorizationState{
		State:       value,
		Provider:    provider,
		UserID:      userID,
		RedirectURI: m.redirectURI,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.ttl),
	}
	if err := m.store.SaveState(ctx, state); err != nil {
		return domain.AuthorizationState{}, fmt.Errorf("persist state: %w", err)
	}
	return state, nil
}

// ValidateAndConsume marks state used and checks it belongs to provider and
// has not expired. Any rejection is reported as ErrInvalidState.
func (m *StateManager) ValidateAndConsume(ctx context.Context, state, provider string) (*domain.AuthorizationState, error) {
	state = strings.TrimSpace(state)
	if state == "" {
		m.securityEvent("missing", state, provider)
		return nil, domainoauth.ErrInvalidState
	}

	now := m.now().UTC()
	stored, err := m.store.ConsumeState(ctx, state, now)
	if err != nil {
		return nil, fmt.Errorf("consume state: %w", err)
	}
	if stored == nil {
		m.securityEvent("unknown_or_reused", state, provider)
		return nil, domainoauth.ErrInvalidState
	}
	if stored.Expired(now) {
		m.securityEvent("expired", state, provider)
		return nil, domainoauth.ErrInvalidState
	}
	if !strings.EqualFold(stored.Provider, provider) {
		m.securityEvent("provider_mismatch", state, provider)
		return nil, domainoauth.ErrInvalidState
	}
	return stored, nil
}

// CleanupExpired removes expired states and consumed states older than the
// retention window.
func (m *StateManager) CleanupExpired(ctx context.Context) (CleanupResult, error) {
	before, err := m.store.CountStates(ctx)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("count states: %w", err)
	}
	now := m.now().UTC()
	removed, err := m.store.DeleteExpired(ctx, now, now.Add(-m.retention))
	if err != nil {
		return CleanupResult{}, fmt.Errorf("delete expired states: %w", err)
	}
	after, err := m.store.CountStates(ctx)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("count states: %w", err)
	}
	m.log().Info("oauth state cleanup",
		zap.Int64("before", before),
		zap.Int64("removed", removed),
		zap.Int64("after", after),
	)
	return CleanupResult{Removed: removed, Before: before, After: after}, nil
}

func (m *StateManager) securityEvent(reason, state, provider string) {
	m.log().Warn("oauth state rejected",
		zap.String("event", "security"),
		zap.String("reason", reason),
		zap.String("provider", provider),
		zap.String("state", encryption.Mask(state)),
	)
}

func randomState() (string, error) {
	buf := make([]byte, stateBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
