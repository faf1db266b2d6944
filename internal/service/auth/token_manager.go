package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	oauthadapter "github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/adapter/oauth"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/config"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/domain"
	domainoauth "github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/domain/oauth"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/encryption"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/metrics"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/telemetry"
)

// TokenManager hands out valid upstream access tokens and drives the
// credential lifecycle for each configured provider.
type TokenManager interface {
	GetValidAccessToken(ctx context.Context, provider string) (string, error)
	ForceRefresh(ctx context.Context, provider, staleToken string) (string, error)
	StartAuthorization(ctx context.Context, provider, userID string) (*domainoauth.AuthorizationStart, error)
	ExchangeCode(ctx context.Context, provider, code, state string) (*TokenStatus, error)
	ExchangeCodeDirect(ctx context.Context, provider, code string) (*TokenStatus, error)
	ImportToken(ctx context.Context, provider string, tok *domainoauth.TokenResponse) (*TokenStatus, error)
	ForceReauth(ctx context.Context, provider string) error
	Status(ctx context.Context, provider string) (*TokenStatus, error)
}

// TokenStatus describes a credential without exposing secrets.
type TokenStatus struct {
	Provider            string     `json:"provider"`
	Connected           bool       `json:"connected"`
	ExpiresAt           *time.Time `json:"expires_at,omitempty"`
	NeedsRefresh        bool       `json:"needs_refresh"`
	NeedsReauth         bool       `json:"needs_reauth"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastRefreshedAt     *time.Time `json:"last_refreshed_at,omitempty"`
}

// RefreshPolicy controls when and how refreshes happen.
type RefreshPolicy struct {
	Fraction        float64
	MinThreshold    time.Duration
	MaxThreshold    time.Duration
	LockTimeout     time.Duration
	PollInterval    time.Duration
	PollAttempts    int
	EndpointTimeout time.Duration
}

// PolicyFromConfig extracts the refresh policy from cfg.
func PolicyFromConfig(cfg config.Config) RefreshPolicy {
	return RefreshPolicy{
		Fraction:        cfg.RefreshFraction,
		MinThreshold:    cfg.RefreshMinThreshold,
		MaxThreshold:    cfg.RefreshMaxThreshold,
		LockTimeout:     cfg.LockTimeout,
		PollInterval:    cfg.LockPollInterval,
		PollAttempts:    cfg.LockPollAttempts,
		EndpointTimeout: cfg.TokenEndpointTimeout,
	}
}

func (p RefreshPolicy) withDefaults() RefreshPolicy {
	if p.Fraction <= 0 || p.Fraction >= 1 {
		p.Fraction = 0.10
	}
	if p.MinThreshold <= 0 {
		p.MinThreshold = time.Minute
	}
	if p.LockTimeout <= 0 {
		p.LockTimeout = 3 * time.Second
	}
	if p.PollInterval <= 0 {
		p.PollInterval = 300 * time.Millisecond
	}
	if p.PollAttempts <= 0 {
		p.PollAttempts = 10
	}
	if p.EndpointTimeout <= 0 {
		p.EndpointTimeout = 10 * time.Second
	}
	return p
}

type tokenManager struct {
	providers map[string]domainoauth.ProviderConfig
	store     *TokenStore
	states    *StateManager
	client    oauthadapter.ProviderClient
	policy    RefreshPolicy
	flights   singleflight.Group
	metrics   *metrics.Metrics
	now       func() time.Time
	logger    *zap.Logger
}

// NewTokenManager wires the lifecycle manager for the given providers.
func NewTokenManager(
	providers []domainoauth.ProviderConfig,
	store *TokenStore,
	states *StateManager,
	client oauthadapter.ProviderClient,
	policy RefreshPolicy,
	logger *zap.Logger,
	opts ...Option,
) TokenManager {
	o := buildOptions(opts)
	byName := make(map[string]domainoauth.ProviderConfig, len(providers))
	for _, p := range providers {
		byName[strings.ToLower(p.Name)] = p
	}
	return &tokenManager{
		providers: byName,
		store:     store,
		states:    states,
		client:    client,
		policy:    policy.withDefaults(),
		metrics:   o.metrics,
		now:       o.now,
		logger:    logger,
	}
}

func (m *tokenManager) log() *zap.Logger {
	if m.logger != nil {
		return m.logger
	}
	return zap.L()
}

func (m *tokenManager) provider(name string) (domainoauth.ProviderConfig, error) {
	cfg, ok := m.providers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return domainoauth.ProviderConfig{}, fmt.Errorf("%w: %s", domainoauth.ErrProviderNotFound, name)
	}
	return cfg, nil
}

// threshold is how long before expiry a token counts as due for refresh.
func (m *tokenManager) threshold(rec domain.TokenRecord) time.Duration {
	lifetime := rec.OriginalLifetime()
	t := time.Duration(float64(lifetime) * m.policy.Fraction)
	if t < m.policy.MinThreshold {
		t = m.policy.MinThreshold
	}
	if m.policy.MaxThreshold > 0 && t > m.policy.MaxThreshold {
		t = m.policy.MaxThreshold
	}
	if lifetime > 0 && t > lifetime/2 {
		t = lifetime / 2
	}
	return t
}

func (m *tokenManager) fresh(rec domain.TokenRecord, now time.Time) bool {
	return rec.AccessToken != "" && now.Before(rec.ExpiresAt.Add(-m.threshold(rec)))
}

func unexpired(rec domain.TokenRecord, now time.Time) bool {
	return rec.AccessToken != "" && now.Before(rec.ExpiresAt)
}

// usable reports whether rec can be handed out without calling the token
// endpoint. A forced refresh accepts any unexpired token other than the one
// the caller already saw rejected.
func (m *tokenManager) usable(rec domain.TokenRecord, stale string, force bool) bool {
	now := m.now()
	if force {
		return rec.AccessToken != stale && unexpired(rec, now)
	}
	return m.fresh(rec, now)
}

// GetValidAccessToken returns a token that stays valid for at least the
// refresh threshold, refreshing it when due.
func (m *tokenManager) GetValidAccessToken(ctx context.Context, provider string) (string, error) {
	cfg, err := m.provider(provider)
	if err != nil {
		return "", err
	}
	rec, err := m.store.Read(ctx, cfg.Name)
	if err != nil {
		return "", err
	}
	if rec.NeedsReauth {
		return "", domainoauth.ErrReauthRequired
	}
	if m.fresh(rec, m.now()) {
		return rec.AccessToken, nil
	}
	return m.refresh(ctx, cfg, "", false)
}

// ForceRefresh refreshes regardless of remaining lifetime. staleToken is the
// token the upstream rejected.
func (m *tokenManager) ForceRefresh(ctx context.Context, provider, staleToken string) (string, error) {
	cfg, err := m.provider(provider)
	if err != nil {
		return "", err
	}
	rec, err := m.store.Read(ctx, cfg.Name)
	if err != nil {
		return "", err
	}
	if rec.NeedsReauth {
		return "", domainoauth.ErrReauthRequired
	}
	return m.refresh(ctx, cfg, staleToken, true)
}

// refresh collapses concurrent callers in this process into one flight. The
// flight runs detached from any single caller so a cancelled request does not
// abort the refresh others are waiting on.
func (m *tokenManager) refresh(ctx context.Context, cfg domainoauth.ProviderConfig, stale string, force bool) (string, error) {
	key := cfg.Name
	if force {
		key += "|force"
	}
	budget := m.policy.LockTimeout + m.policy.EndpointTimeout +
		time.Duration(m.policy.PollAttempts)*m.policy.PollInterval

	ch := m.flights.DoChan(key, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), budget)
		defer cancel()
		return m.refreshLocked(fctx, cfg, stale, force)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (m *tokenManager) refreshLocked(ctx context.Context, cfg domainoauth.ProviderConfig, stale string, force bool) (token string, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "token.refresh")
	span.SetAttributes(
		attribute.String("oauth.provider", cfg.Name),
		attribute.Bool("oauth.force", force),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	acquired, err := m.store.AcquireLock(ctx, cfg.Name, m.policy.LockTimeout)
	if err != nil {
		return "", fmt.Errorf("acquire refresh lock: %w", err)
	}
	if !acquired {
		m.metrics.LockObserved("busy")
		return m.awaitPeer(ctx, cfg.Name, stale, force)
	}
	m.metrics.LockObserved("acquired")
	defer m.releaseLock(ctx, cfg.Name)

	rec, err := m.store.Read(ctx, cfg.Name)
	if err != nil {
		return "", err
	}
	if rec.NeedsReauth {
		return "", domainoauth.ErrReauthRequired
	}
	if m.usable(rec, stale, force) {
		return rec.AccessToken, nil
	}

	refreshToken, err := m.store.RefreshToken(rec)
	if err != nil {
		m.log().Error("stored refresh token unreadable, reauthorization required",
			zap.String("provider", cfg.Name),
			zap.Error(err),
		)
		if markErr := m.store.MarkNeedsReauth(ctx, cfg.Name); markErr != nil {
			m.log().Error("mark needs reauth", zap.String("provider", cfg.Name), zap.Error(markErr))
		}
		return "", fmt.Errorf("%w: %v", domainoauth.ErrReauthRequired, err)
	}

	started := time.Now()
	tok, err := m.client.Refresh(ctx, cfg, refreshToken)
	if err != nil {
		m.metrics.RefreshObserved(cfg.Name, "failure", 0)
		return m.refreshFailed(ctx, cfg.Name, rec, force, err)
	}
	if err := m.store.RecordRefreshSuccess(ctx, cfg.Name, tok); err != nil {
		return "", err
	}
	m.metrics.RefreshObserved(cfg.Name, "success", time.Since(started).Seconds())
	m.log().Info("provider token refreshed",
		zap.String("provider", cfg.Name),
		zap.Bool("forced", force),
		zap.String("access_token", encryption.Mask(tok.AccessToken)),
		zap.Bool("rotated_refresh_token", tok.RefreshToken != ""),
	)
	return tok.AccessToken, nil
}

func (m *tokenManager) refreshFailed(ctx context.Context, provider string, rec domain.TokenRecord, force bool, cause error) (string, error) {
	failures, needsReauth, err := m.store.RecordRefreshFailure(ctx, provider)
	if err != nil {
		m.log().Error("record refresh failure", zap.String("provider", provider), zap.Error(err))
	}
	if needsReauth {
		m.log().Error("token refresh failed repeatedly, reauthorization required",
			zap.String("provider", provider),
			zap.Int("consecutive_failures", failures),
			zap.Bool("invalid_grant", oauthadapter.IsInvalidGrant(cause)),
			zap.Error(cause),
		)
		if err := m.store.MarkNeedsReauth(ctx, provider); err != nil {
			m.log().Error("mark needs reauth", zap.String("provider", provider), zap.Error(err))
		}
		return "", fmt.Errorf("%w: %w", domainoauth.ErrRefreshFailed, cause)
	}
	m.log().Warn("token refresh failed",
		zap.String("provider", provider),
		zap.Int("consecutive_failures", failures),
		zap.Error(cause),
	)
	if !force && unexpired(rec, m.now()) {
		return rec.AccessToken, nil
	}
	return "", fmt.Errorf("%w: %w", domainoauth.ErrRefreshFailed, cause)
}

// awaitPeer polls the record while another instance holds the lock. When the
// peer does not renew in time an unexpired token is still served, matching
// what the lock holder does after a failed refresh below the failure limit.
func (m *tokenManager) awaitPeer(ctx context.Context, provider, stale string, force bool) (string, error) {
	var last domain.TokenRecord
	for attempt := 0; attempt < m.policy.PollAttempts; attempt++ {
		timer := time.NewTimer(m.policy.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
		rec, err := m.store.Read(ctx, provider)
		if err != nil {
			return "", err
		}
		if rec.NeedsReauth {
			return "", domainoauth.ErrReauthRequired
		}
		if m.usable(rec, stale, force) {
			return rec.AccessToken, nil
		}
		last = rec
	}
	if !force && unexpired(last, m.now()) {
		m.log().Warn("refresh lock held elsewhere, serving unexpired token",
			zap.String("provider", provider),
			zap.Time("expires_at", last.ExpiresAt),
		)
		return last.AccessToken, nil
	}
	m.log().Warn("refresh lock held elsewhere and token not renewed in time",
		zap.String("provider", provider),
		zap.Int("attempts", m.policy.PollAttempts),
	)
	return "", domainoauth.ErrLockTimeout
}

func (m *tokenManager) releaseLock(ctx context.Context, provider string) {
	if err := m.store.ReleaseLock(context.WithoutCancel(ctx), provider); err != nil {
		m.log().Error("release refresh lock", zap.String("provider", provider), zap.Error(err))
	}
}

// StartAuthorization issues a state and builds the authorization URL.
func (m *tokenManager) StartAuthorization(ctx context.Context, provider, userID string) (*domainoauth.AuthorizationStart, error) {
	cfg, err := m.provider(provider)
	if err != nil {
		return nil, err
	}
	state, err := m.states.Generate(ctx, cfg.Name, userID)
	if err != nil {
		return nil, err
	}
	return &domainoauth.AuthorizationStart{
		AuthorizationURL: m.client.AuthCodeURL(cfg, state.State),
		State:            state.State,
		ExpiresAt:        state.ExpiresAt,
	}, nil
}

// ExchangeCode validates state before any call to the token endpoint.
func (m *tokenManager) ExchangeCode(ctx context.Context, provider, code, state string) (*TokenStatus, error) {
	cfg, err := m.provider(provider)
	if err != nil {
		return nil, err
	}
	if _, err := m.states.ValidateAndConsume(ctx, state, cfg.Name); err != nil {
		return nil, err
	}
	return m.exchange(ctx, cfg, code)
}

// ExchangeCodeDirect exchanges a code obtained out of band. Only reachable
// from admin-authenticated routes.
func (m *tokenManager) ExchangeCodeDirect(ctx context.Context, provider, code string) (*TokenStatus, error) {
	cfg, err := m.provider(provider)
	if err != nil {
		return nil, err
	}
	return m.exchange(ctx, cfg, code)
}

func (m *tokenManager) exchange(ctx context.Context, cfg domainoauth.ProviderConfig, code string) (*TokenStatus, error) {
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("%w: code is required", domainoauth.ErrInvalidRequest)
	}
	tok, err := m.client.ExchangeCode(ctx, cfg, code)
	if err != nil {
		m.log().Warn("authorization code exchange failed", zap.String("provider", cfg.Name), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", domainoauth.ErrInvalidRequest, err)
	}
	return m.storeLocked(ctx, cfg.Name, tok)
}

// ImportToken stores a token pair obtained outside the gateway.
func (m *tokenManager) ImportToken(ctx context.Context, provider string, tok *domainoauth.TokenResponse) (*TokenStatus, error) {
	cfg, err := m.provider(provider)
	if err != nil {
		return nil, err
	}
	return m.storeLocked(ctx, cfg.Name, tok)
}

func (m *tokenManager) storeLocked(ctx context.Context, provider string, tok *domainoauth.TokenResponse) (*TokenStatus, error) {
	acquired, err := m.store.AcquireLock(ctx, provider, m.policy.LockTimeout)
	if err != nil {
		return nil, fmt.Errorf("acquire refresh lock: %w", err)
	}
	if !acquired {
		return nil, domainoauth.ErrLockTimeout
	}
	defer m.releaseLock(ctx, provider)

	rec, err := m.store.Store(ctx, provider, tok)
	if err != nil {
		return nil, err
	}
	return m.status(rec), nil
}

// ForceReauth flags the credential unusable until a new exchange. It takes
// the provider lock so an in-flight refresh cannot refill the access token
// after the mark.
func (m *tokenManager) ForceReauth(ctx context.Context, provider string) error {
	cfg, err := m.provider(provider)
	if err != nil {
		return err
	}
	acquired, err := m.store.AcquireLock(ctx, cfg.Name, m.policy.LockTimeout)
	if err != nil {
		return fmt.Errorf("acquire refresh lock: %w", err)
	}
	if !acquired {
		return domainoauth.ErrLockTimeout
	}
	defer m.releaseLock(ctx, cfg.Name)

	if err := m.store.MarkNeedsReauth(ctx, cfg.Name); err != nil {
		return err
	}
	m.flights.Forget(cfg.Name)
	m.flights.Forget(cfg.Name + "|force")
	m.log().Warn("provider credential marked for reauthorization", zap.String("provider", cfg.Name))
	return nil
}

// Status reports the credential state. A provider without a credential is
// reported as disconnected rather than as an error.
func (m *tokenManager) Status(ctx context.Context, provider string) (*TokenStatus, error) {
	cfg, err := m.provider(provider)
	if err != nil {
		return nil, err
	}
	rec, err := m.store.Read(ctx, cfg.Name)
	if err != nil {
		if errors.Is(err, domainoauth.ErrTokenNotFound) {
			return &TokenStatus{Provider: cfg.Name}, nil
		}
		return nil, err
	}
	return m.status(rec), nil
}

func (m *tokenManager) status(rec domain.TokenRecord) *TokenStatus {
	expiresAt := rec.ExpiresAt
	return &TokenStatus{
		Provider:            rec.Provider,
		Connected:           !rec.NeedsReauth && rec.AccessToken != "",
		ExpiresAt:           &expiresAt,
		NeedsRefresh:        !m.fresh(rec, m.now()),
		NeedsReauth:         rec.NeedsReauth,
		ConsecutiveFailures: rec.ConsecutiveRefreshFailures,
		LastRefreshedAt:     rec.LastRefreshedAt,
	}
}
