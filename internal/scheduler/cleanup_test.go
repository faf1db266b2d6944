package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/service/auth"
)

type fakeStates struct {
	calls   atomic.Int32
	err     error
	panic   bool
	delay   time.Duration
	inRun   atomic.Int32
	overlap atomic.Bool
}

func (f *fakeStates) CleanupExpired(context.Context) (auth.CleanupResult, error) {
	if f.inRun.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.inRun.Add(-1)
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.panic {
		panic("boom")
	}
	return auth.CleanupResult{Removed: 2, Before: 5, After: 3}, f.err
}

type fakePurger struct {
	mu      sync.Mutex
	cutoffs []time.Time
}

func (f *fakePurger) PurgeSuperseded(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, before)
	return 1, nil
}

func TestCleanup_TriggerUsesRetentionCutoff(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	states := &fakeStates{}
	purger := &fakePurger{}
	c := NewCleanup(states, purger, time.Hour, 30*24*time.Hour, nil, zap.NewNop()).
		WithClock(func() time.Time { return now })

	res, err := c.Trigger(t.Context())
	require.NoError(t, err)
	require.EqualValues(t, 2, res.States.Removed)
	require.EqualValues(t, 1, res.TokensPurged)
	require.Equal(t, []time.Time{now.Add(-30 * 24 * time.Hour)}, purger.cutoffs)
}

func TestCleanup_ErrorsStopTheRun(t *testing.T) {
	states := &fakeStates{err: errors.New("db down")}
	purger := &fakePurger{}
	c := NewCleanup(states, purger, time.Hour, time.Hour, nil, zap.NewNop())

	_, err := c.Trigger(t.Context())
	require.ErrorContains(t, err, "db down")
	require.Empty(t, purger.cutoffs)
}

func TestCleanup_RecoversPanics(t *testing.T) {
	c := NewCleanup(&fakeStates{panic: true}, &fakePurger{}, time.Hour, time.Hour, nil, zap.NewNop())
	_, err := c.Trigger(t.Context())
	require.ErrorContains(t, err, "cleanup panic")

	// the mutex is released after a panic
	_, err = c.Trigger(t.Context())
	require.Error(t, err)
}

func TestCleanup_RunsDoNotOverlap(t *testing.T) {
	states := &fakeStates{delay: 30 * time.Millisecond}
	c := NewCleanup(states, &fakePurger{}, time.Hour, time.Hour, nil, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Trigger(context.Background())
		}()
	}
	wg.Wait()
	require.EqualValues(t, 4, states.calls.Load())
	require.False(t, states.overlap.Load())
}

func TestCleanup_RunStartsImmediatelyAndTicks(t *testing.T) {
	states := &fakeStates{}
	c := NewCleanup(states, &fakePurger{}, 20*time.Millisecond, time.Hour, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return states.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestCleanup_LogsStateCounts(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	c := NewCleanup(&fakeStates{}, &fakePurger{}, time.Hour, time.Hour, nil, zap.New(core))

	_, err := c.Trigger(t.Context())
	require.NoError(t, err)

	entries := logs.FilterMessage("cleanup finished").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, int64(5), fields["states_before"])
	require.Equal(t, int64(2), fields["states_removed"])
	require.Equal(t, int64(3), fields["states_after"])
	require.Equal(t, int64(1), fields["tokens_purged"])
}
