// Package memory provides process-local implementations of the repository
// interfaces. They give the same guarantees as the Postgres ones within a
// single process and back tests and single-instance development setups.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/domain"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/domain/oauth"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/repository"
)

var (
	_ repository.TokenRepository = (*TokenRepo)(nil)
	_ repository.OAuthStateStore = (*StateStore)(nil)
	_ repository.Locker          = (*Locker)(nil)
)

// TokenRepo keeps token records in memory.
type TokenRepo struct {
	mu      sync.Mutex
	records []domain.TokenRecord
	now     func() time.Time
}

func NewTokenRepo() *TokenRepo {
	return &TokenRepo{now: time.Now}
}

func (r *TokenRepo) activeIndex(provider string) int {
	for i := range r.records {
		if r.records[i].Active && r.records[i].Provider == provider {
			return i
		}
	}
	return -1
}

func (r *TokenRepo) GetActive(_ context.Context, provider string) (domain.TokenRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.activeIndex(provider)
	if i < 0 {
		return domain.TokenRecord{}, fmt.Errorf("provider %s: %w", provider, oauth.ErrTokenNotFound)
	}
	return r.records[i], nil
}

func (r *TokenRepo) ReplaceActive(_ context.Context, record domain.TokenRecord) (domain.TokenRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if i := r.activeIndex(record.Provider); i >= 0 {
		r.records[i].Active = false
		r.records[i].SupersededAt = &now
		r.records[i].UpdatedAt = now
	}
	record.Active = true
	record.NeedsReauth = false
	record.ConsecutiveRefreshFailures = 0
	record.CreatedAt = now
	record.UpdatedAt = now
	record.SupersededAt = nil
	r.records = append(r.records, record)
	return record, nil
}

func (r *TokenRepo) UpdateTokens(_ context.Context, provider string, update domain.TokenUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.activeIndex(provider)
	if i < 0 {
		return fmt.Errorf("provider %s: %w", provider, oauth.ErrTokenNotFound)
	}
	rec := &r.records[i]
	rec.AccessToken = update.AccessToken
	if update.EncryptedRefreshToken != "" {
		rec.EncryptedRefreshToken = update.EncryptedRefreshToken
	}
	rec.TokenType = update.TokenType
	if update.Scope != "" {
		rec.Scope = update.Scope
	}
	rec.ExpiresAt = update.ExpiresAt
	rec.OriginalLifetimeSeconds = update.OriginalLifetimeSeconds
	refreshed := update.RefreshedAt
	rec.LastRefreshedAt = &refreshed
	rec.ConsecutiveRefreshFailures = 0
	rec.UpdatedAt = r.now()
	return nil
}

func (r *TokenRepo) IncrementFailures(_ context.Context, provider string, maxFailures int) (int, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.activeIndex(provider)
	if i < 0 {
		return 0, false, fmt.Errorf("provider %s: %w", provider, oauth.ErrTokenNotFound)
	}
	rec := &r.records[i]
	rec.ConsecutiveRefreshFailures++
	if rec.ConsecutiveRefreshFailures >= maxFailures {
		rec.NeedsReauth = true
	}
	rec.UpdatedAt = r.now()
	return rec.ConsecutiveRefreshFailures, rec.NeedsReauth, nil
}

func (r *TokenRepo) MarkNeedsReauth(_ context.Context, provider string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.activeIndex(provider)
	if i < 0 {
		return fmt.Errorf("provider %s: %w", provider, oauth.ErrTokenNotFound)
	}
	r.records[i].NeedsReauth = true
	r.records[i].AccessToken = ""
	r.records[i].UpdatedAt = r.now()
	return nil
}

func (r *TokenRepo) PurgeSuperseded(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.records[:0]
	var purged int64
	for _, rec := range r.records {
		if !rec.Active && rec.SupersededAt != nil && rec.SupersededAt.Before(before) {
			purged++
			continue
		}
		kept = append(kept, rec)
	}
	r.records = kept
	return purged, nil
}

// ActiveCount returns how many active records exist for provider.
func (r *TokenRepo) ActiveCount(provider string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.records {
		if rec.Active && rec.Provider == provider {
			n++
		}
	}
	return n
}

// Len returns the number of stored records, active or not.
func (r *TokenRepo) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// StateStore keeps CSRF states in memory.
type StateStore struct {
	mu     sync.Mutex
	states map[string]domain.AuthorizationState
}

func NewStateStore() *StateStore {
	return &StateStore{states: make(map[string]domain.AuthorizationState)}
}

func (s *StateStore) SaveState(_ context.Context, state domain.AuthorizationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.states[state.State]; exists {
		return fmt.Errorf("persist state: duplicate state")
	}
	s.states[state.State] = state
	return nil
}

func (s *StateStore) ConsumeState(_ context.Context, state string, now time.Time) (*domain.AuthorizationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.states[state]
	if !ok || stored.ConsumedAt != nil {
		return nil, nil
	}
	consumed := now
	stored.ConsumedAt = &consumed
	s.states[state] = stored
	return &stored, nil
}

func (s *StateStore) DeleteExpired(_ context.Context, now, consumedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for key, st := range s.states {
		if st.ExpiresAt.Before(now) || (st.ConsumedAt != nil && st.ConsumedAt.Before(consumedBefore)) {
			delete(s.states, key)
			removed++
		}
	}
	return removed, nil
}

func (s *StateStore) CountStates(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.states)), nil
}

// Locker is a non-reentrant named lock table.
type Locker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocker() *Locker {
	return &Locker{held: make(map[string]struct{})}
}

func (l *Locker) TryLock(_ context.Context, name string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[name]; busy {
		return false, nil
	}
	l.held[name] = struct{}{}
	return true, nil
}

func (l *Locker) Unlock(_ context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, name)
	return nil
}
