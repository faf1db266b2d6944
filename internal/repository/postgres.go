package repository

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/domain"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/domain/oauth"
)

// Compile-time interface assertions.
var (
	_ TokenRepository = (*PostgresTokenRepo)(nil)
	_ OAuthStateStore = (*PostgresStateStore)(nil)
	_ Locker          = (*PostgresAdvisoryLocker)(nil)
)

// PostgresTokenRepo implements TokenRepository on the oauth_tokens table.
type PostgresTokenRepo struct {
	db *pgxpool.Pool
}

func NewPostgresTokenRepo(pool *pgxpool.Pool) *PostgresTokenRepo {
	return &PostgresTokenRepo{db: pool}
}

const tokenColumns = `id, provider, access_token, encrypted_refresh_token, token_type, scope, expires_at,
original_lifetime_seconds, last_refreshed_at, consecutive_refresh_failures, needs_reauth, active,
created_at, updated_at, superseded_at`

func (r *PostgresTokenRepo) GetActive(ctx context.Context, provider string) (domain.TokenRecord, error) {
	query := `SELECT ` + tokenColumns + ` FROM oauth_tokens WHERE provider = $1 AND active LIMIT 1`
	record, err := scanToken(r.db.QueryRow(ctx, query, provider))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TokenRecord{}, fmt.Errorf("provider %s: %w", provider, oauth.ErrTokenNotFound)
		}
		return domain.TokenRecord{}, fmt.Errorf("get active token: %w", err)
	}
	return record, nil
}

const deactivateTokenSQL = `UPDATE oauth_tokens
SET active = FALSE, superseded_at = now(), updated_at = now()
WHERE provider = $1 AND active`

const insertTokenSQL = `INSERT INTO oauth_tokens (id, provider, access_token, encrypted_refresh_token, token_type, scope,
expires_at, original_lifetime_seconds, last_refreshed_at, consecutive_refresh_failures, needs_reauth, active)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, FALSE, TRUE)
RETURNING ` + tokenColumns

func (r *PostgresTokenRepo) ReplaceActive(ctx context.Context, record domain.TokenRecord) (domain.TokenRecord, error) {
	var stored domain.TokenRecord
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, deactivateTokenSQL, record.Provider); err != nil {
			return fmt.Errorf("deactivate token: %w", err)
		}
		row := tx.QueryRow(ctx, insertTokenSQL,
			record.ID,
			record.Provider,
			record.AccessToken,
			record.EncryptedRefreshToken,
			record.TokenType,
			record.Scope,
			record.ExpiresAt,
			record.OriginalLifetimeSeconds,
			record.LastRefreshedAt,
		)
		var err error
		stored, err = scanToken(row)
		if err != nil {
			return fmt.Errorf("insert token: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.TokenRecord{}, err
	}
	return stored, nil
}

const updateTokensSQL = `UPDATE oauth_tokens
SET access_token = $2,
    encrypted_refresh_token = COALESCE(NULLIF($3, ''), encrypted_refresh_token),
    token_type = $4,
    scope = COALESCE(NULLIF($5, ''), scope),
    expires_at = $6,
    original_lifetime_seconds = $7,
    last_refreshed_at = $8,
    consecutive_refresh_failures = 0,
    updated_at = now()
WHERE provider = $1 AND active`

func (r *PostgresTokenRepo) UpdateTokens(ctx context.Context, provider string, update domain.TokenUpdate) error {
	tag, err := r.db.Exec(ctx, updateTokensSQL,
		provider,
		update.AccessToken,
		update.EncryptedRefreshToken,
		update.TokenType,
		update.Scope,
		update.ExpiresAt,
		update.OriginalLifetimeSeconds,
		update.RefreshedAt,
	)
	if err != nil {
		return fmt.Errorf("update tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("provider %s: %w", provider, oauth.ErrTokenNotFound)
	}
	return nil
}

const incrementFailuresSQL = `UPDATE oauth_tokens
SET consecutive_refresh_failures = consecutive_refresh_failures + 1,
    needs_reauth = needs_reauth OR consecutive_refresh_failures + 1 >= $2,
    updated_at = now()
WHERE provider = $1 AND active
RETURNING consecutive_refresh_failures, needs_reauth`

func (r *PostgresTokenRepo) IncrementFailures(ctx context.Context, provider string, maxFailures int) (int, bool, error) {
	var (
		failures    int32
		needsReauth bool
	)
	if err := r.db.QueryRow(ctx, incrementFailuresSQL, provider, maxFailures).Scan(&failures, &needsReauth); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, fmt.Errorf("provider %s: %w", provider, oauth.ErrTokenNotFound)
		}
		return 0, false, fmt.Errorf("increment refresh failures: %w", err)
	}
	return int(failures), needsReauth, nil
}

const markNeedsReauthSQL = `UPDATE oauth_tokens
SET needs_reauth = TRUE, access_token = '', updated_at = now()
WHERE provider = $1 AND active`

func (r *PostgresTokenRepo) MarkNeedsReauth(ctx context.Context, provider string) error {
	tag, err := r.db.Exec(ctx, markNeedsReauthSQL, provider)
	if err != nil {
		return fmt.Errorf("mark needs reauth: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("provider %s: %w", provider, oauth.ErrTokenNotFound)
	}
	return nil
}

func (r *PostgresTokenRepo) PurgeSuperseded(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM oauth_tokens WHERE NOT active AND superseded_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge superseded tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanToken(row pgx.Row) (domain.TokenRecord, error) {
	var (
		rec      domain.TokenRecord
		failures int32
	)
	err := row.Scan(
		&rec.ID,
		&rec.Provider,
		&rec.AccessToken,
		&rec.EncryptedRefreshToken,
		&rec.TokenType,
		&rec.Scope,
		&rec.ExpiresAt,
		&rec.OriginalLifetimeSeconds,
		&rec.LastRefreshedAt,
		&failures,
		&rec.NeedsReauth,
		&rec.Active,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.SupersededAt,
	)
	rec.ConsecutiveRefreshFailures = int(failures)
	return rec, err
}

// PostgresStateStore implements OAuthStateStore on the oauth_states table.
type PostgresStateStore struct {
	db *pgxpool.Pool
}

func NewPostgresStateStore(pool *pgxpool.Pool) *PostgresStateStore {
	return &PostgresStateStore{db: pool}
}

const insertStateSQL = `INSERT INTO oauth_states (state, provider, user_id, redirect_uri, created_at, expires_at)
VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)`

func (s *PostgresStateStore) SaveState(ctx context.Context, state domain.AuthorizationState) error {
	if _, err := s.db.Exec(ctx, insertStateSQL,
		state.State,
		state.Provider,
		state.UserID,
		state.RedirectURI,
		state.CreatedAt,
		state.ExpiresAt,
	); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

const consumeStateSQL = `UPDATE oauth_states
SET consumed_at = $2
WHERE state = $1 AND consumed_at IS NULL
RETURNING state, provider, COALESCE(user_id, ''), redirect_uri, created_at, expires_at, consumed_at`

func (s *PostgresStateStore) ConsumeState(ctx context.Context, state string, now time.Time) (*domain.AuthorizationState, error) {
	var out domain.AuthorizationState
	err := s.db.QueryRow(ctx, consumeStateSQL, state, now).Scan(
		&out.State,
		&out.Provider,
		&out.UserID,
		&out.RedirectURI,
		&out.CreatedAt,
		&out.ExpiresAt,
		&out.ConsumedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("consume state: %w", err)
	}
	return &out, nil
}

func (s *PostgresStateStore) DeleteExpired(ctx context.Context, now, consumedBefore time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM oauth_states WHERE expires_at < $1 OR (consumed_at IS NOT NULL AND consumed_at < $2)`,
		now, consumedBefore)
	if err != nil {
		return 0, fmt.Errorf("delete expired states: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStateStore) CountStates(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM oauth_states`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count states: %w", err)
	}
	return n, nil
}

// PostgresAdvisoryLocker maps lock names to session-level advisory locks.
// Each held lock pins one pooled connection until Unlock.
type PostgresAdvisoryLocker struct {
	db   *pgxpool.Pool
	mu   sync.Mutex
	held map[string]*pgxpool.Conn
}

func NewPostgresAdvisoryLocker(pool *pgxpool.Pool) *PostgresAdvisoryLocker {
	return &PostgresAdvisoryLocker{db: pool, held: make(map[string]*pgxpool.Conn)}
}

// LockID derives the numeric advisory lock key for name.
func LockID(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("erp-gateway:" + name))
	return int64(h.Sum64())
}

func (l *PostgresAdvisoryLocker) TryLock(ctx context.Context, name string) (bool, error) {
	l.mu.Lock()
	_, busy := l.held[name]
	l.mu.Unlock()
	if busy {
		return false, nil
	}

	conn, err := l.db.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire lock connection: %w", err)
	}
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, LockID(name)).Scan(&ok); err != nil {
		conn.Release()
		return false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return false, nil
	}

	l.mu.Lock()
	l.held[name] = conn
	l.mu.Unlock()
	return true, nil
}

func (l *PostgresAdvisoryLocker) Unlock(ctx context.Context, name string) error {
	l.mu.Lock()
	conn, ok := l.held[name]
	delete(l.held, name)
	l.mu.Unlock()
	if !ok {
		return nil
	}

	var released bool
	err := conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1)`, LockID(name)).Scan(&released)
	if err != nil || !released {
		// Closing the session is the only way to guarantee the lock is gone.
		_ = conn.Conn().Close(context.WithoutCancel(ctx))
		conn.Release()
		if err != nil {
			return fmt.Errorf("advisory unlock: %w", err)
		}
		return fmt.Errorf("advisory unlock %s: lock was not held", name)
	}
	conn.Release()
	return nil
}
