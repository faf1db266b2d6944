package memory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/domain"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/domain/oauth"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/repository/memory"
)

func TestTokenRepoKeepsOneActiveRecord(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewTokenRepo()

	_, err := repo.GetActive(ctx, "tiny")
	require.ErrorIs(t, err, oauth.ErrTokenNotFound)

	for i := 0; i < 5; i++ {
		_, err := repo.ReplaceActive(ctx, domain.TokenRecord{ID: int64(i + 1), Provider: "tiny", AccessToken: "a"})
		require.NoError(t, err)
		require.Equal(t, 1, repo.ActiveCount("tiny"))
	}
	active, err := repo.GetActive(ctx, "tiny")
	require.NoError(t, err)
	require.Equal(t, int64(5), active.ID)

	purged, err := repo.PurgeSuperseded(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, int64(4), purged)
	require.Equal(t, 1, repo.Len())
}

func TestTokenRepoFailureThreshold(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewTokenRepo()
	_, err := repo.ReplaceActive(ctx, domain.TokenRecord{ID: 1, Provider: "tiny"})
	require.NoError(t, err)

	n, reauth, err := repo.IncrementFailures(ctx, "tiny", 3)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.False(t, reauth)
	_, _, _ = repo.IncrementFailures(ctx, "tiny", 3)
	n, reauth, err = repo.IncrementFailures(ctx, "tiny", 3)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.True(t, reauth)

	require.NoError(t, repo.UpdateTokens(ctx, "tiny", domain.TokenUpdate{AccessToken: "new"}))
	rec, err := repo.GetActive(ctx, "tiny")
	require.NoError(t, err)
	require.Zero(t, rec.ConsecutiveRefreshFailures)
	require.True(t, rec.NeedsReauth, "a refresh success never clears needs_reauth")
}

func TestStateStoreConsumesOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStateStore()
	now := time.Now()
	require.NoError(t, store.SaveState(ctx, domain.AuthorizationState{State: "s1", Provider: "tiny", ExpiresAt: now.Add(time.Minute)}))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := store.ConsumeState(ctx, "s1", now)
			if err == nil && st != nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
}

func TestLockerIsExclusive(t *testing.T) {
	ctx := context.Background()
	l := memory.NewLocker()
	ok, err := l.TryLock(ctx, "token:tiny")
	require.NoError(t, err)
	require.True(t, ok)
	ok, _ = l.TryLock(ctx, "token:tiny")
	require.False(t, ok)
	ok, _ = l.TryLock(ctx, "token:other")
	require.True(t, ok)
	require.NoError(t, l.Unlock(ctx, "token:tiny"))
	ok, _ = l.TryLock(ctx, "token:tiny")
	require.True(t, ok)
}
