package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/domain"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/repository"
)

const stateKeyPrefix = "oauth:state:"

// RedisStateStore implements OAuthStateStore backed by Redis. Expiry is
// delegated to key TTLs, so DeleteExpired has nothing to sweep.
type RedisStateStore struct {
	client redis.UniversalClient
}

var _ repository.OAuthStateStore = (*RedisStateStore)(nil)

// NewRedisStateStore constructs a Redis-backed state store.
func NewRedisStateStore(client redis.UniversalClient) *RedisStateStore {
	return &RedisStateStore{client: client}
}

// SaveState stores the encoded state with a TTL matching its lifetime. The
// TTL is taken from the state's own timestamps so it follows the issuer's
// clock rather than this process's.
func (s *RedisStateStore) SaveState(ctx context.Context, state domain.AuthorizationState) error {
	ttl := time.Until(state.ExpiresAt)
	if !state.CreatedAt.IsZero() {
		ttl = state.ExpiresAt.Sub(state.CreatedAt)
	}
	if ttl <= 0 {
		return fmt.Errorf("persist state: already expired")
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	ok, err := s.client.SetNX(ctx, stateKeyPrefix+state.State, payload, ttl).Result()
	if err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	if !ok {
		return fmt.Errorf("persist state: duplicate state")
	}
	return nil
}

// ConsumeState reads and deletes the key in one GETDEL round trip.
func (s *RedisStateStore) ConsumeState(ctx context.Context, state string, now time.Time) (*domain.AuthorizationState, error) {
	bytes, err := s.client.GetDel(ctx, stateKeyPrefix+state).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("consume state: %w", err)
	}
	var out domain.AuthorizationState
	if err := json.Unmarshal(bytes, &out); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	consumed := now
	out.ConsumedAt = &consumed
	return &out, nil
}

// DeleteExpired is a no-op; Redis evicts states when their TTL lapses.
func (s *RedisStateStore) DeleteExpired(context.Context, time.Time, time.Time) (int64, error) {
	return 0, nil
}

// CountStates scans the state keyspace.
func (s *RedisStateStore) CountStates(ctx context.Context) (int64, error) {
	var (
		cursor uint64
		total  int64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, stateKeyPrefix+"*", 500).Result()
		if err != nil {
			return 0, fmt.Errorf("count states: %w", err)
		}
		total += int64(len(keys))
		if next == 0 {
			return total, nil
		}
		cursor = next
	}
}
