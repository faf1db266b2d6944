package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/metrics"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/service/auth"
)

// StateCleaner removes expired authorization states.
type StateCleaner interface {
	CleanupExpired(ctx context.Context) (auth.CleanupResult, error)
}

// TokenPurger hard-deletes superseded credentials.
type TokenPurger interface {
	PurgeSuperseded(ctx context.Context, before time.Time) (int64, error)
}

// Result reports one cleanup run.
type Result struct {
	StartedAt    time.Time          `json:"started_at"`
	States       auth.CleanupResult `json:"states"`
	TokensPurged int64              `json:"tokens_purged"`
}

// Cleanup periodically removes expired states and old superseded tokens.
type Cleanup struct {
	states    StateCleaner
	tokens    TokenPurger
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu sync.Mutex
}

// NewCleanup wires the cleanup job.
func NewCleanup(states StateCleaner, tokens TokenPurger, interval, retention time.Duration, m *metrics.Metrics, logger *zap.Logger) *Cleanup {
	if interval <= 0 {
		interval = time.Hour
	}
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &Cleanup{
		states:    states,
		tokens:    tokens,
		interval:  interval,
		retention: retention,
		now:       time.Now,
		metrics:   m,
		logger:    logger,
	}
}

// WithClock overrides time.Now for the retention cutoff.
func (c *Cleanup) WithClock(now func() time.Time) *Cleanup {
	if now != nil {
		c.now = now
	}
	return c
}

func (c *Cleanup) log() *zap.Logger {
	if c.logger != nil {
		return c.logger
	}
	return zap.L()
}

// Run executes a pass immediately and then on every tick until ctx is done.
// Failures are logged and retried on the next tick.
func (c *Cleanup) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runLogged(ctx)
		}
	}
}

func (c *Cleanup) runLogged(ctx context.Context) {
	if _, err := c.Trigger(ctx); err != nil {
		c.log().Error("cleanup run failed", zap.Error(err))
	}
}

// Trigger runs one pass. Concurrent calls are serialized.
func (c *Cleanup) Trigger(ctx context.Context) (res Result, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cleanup panic: %v", r)
		}
	}()

	res.StartedAt = c.now().UTC()
	res.States, err = c.states.CleanupExpired(ctx)
	if err != nil {
		return res, fmt.Errorf("cleanup states: %w", err)
	}
	c.metrics.CleanupObserved("states", res.States.Removed)

	res.TokensPurged, err = c.tokens.PurgeSuperseded(ctx, res.StartedAt.Add(-c.retention))
	if err != nil {
		return res, fmt.Errorf("purge superseded tokens: %w", err)
	}
	c.metrics.CleanupObserved("tokens", res.TokensPurged)

	c.log().Info("cleanup finished",
		zap.Int64("states_before", res.States.Before),
		zap.Int64("states_removed", res.States.Removed),
		zap.Int64("states_after", res.States.After),
		zap.Int64("tokens_purged", res.TokensPurged),
	)
	return res, nil
}
