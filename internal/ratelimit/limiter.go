// Package ratelimit enforces minimum spacing between calls to one upstream
// provider across many memory-isolated instances. Last-call timestamps live
// in a shared Redis store; nothing in process memory is trusted.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bibliofeed/aggregator/internal/book"
	"github.com/bibliofeed/aggregator/internal/metrics"
)

// stampTTL keeps stale timestamps from outliving their usefulness. Any
// delay we would owe an upstream is far shorter than this.
const stampTTL = 2 * time.Minute

// Store is the slice of the Redis API the limiter touches.
type Store interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// Limiter spaces out calls per provider key using a shared Redis store.
// The read-modify-write is deliberately best-effort: a brief race between
// two instances causing one slightly-early call is an accepted trade, and
// a Redis outage means we proceed without delay rather than stall jobs.
type Limiter struct {
	client Store
	clock  book.Clock
	delays map[string]time.Duration
	logger *zap.Logger
	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration)
}

// New creates a Limiter with per-provider minimum delays.
func New(client Store, clock book.Clock, delays map[string]time.Duration, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		client: client,
		clock:  clock,
		delays: delays,
		logger: logger,
		sleep:  pause,
	}
}

func (l *Limiter) key(rateKey string) string {
	return fmt.Sprintf("ratelimit:%s:last_call", rateKey)
}

// Wait blocks until the provider's minimum inter-call delay has elapsed
// since the last recorded call, then stamps the new call time. Store
// failures are logged and ignored: politeness is best-effort, availability
// is not sacrificed for it.
func (l *Limiter) Wait(ctx context.Context, rateKey string) error {
	minDelay, ok := l.delays[rateKey]
	if !ok || minDelay <= 0 {
		return nil
	}

	now := l.clock.Now()
	lastMs, err := l.client.Get(ctx, l.key(rateKey)).Int64()
	switch {
	case errors.Is(err, redis.Nil):
		// First call this instance has seen; no wait owed.
	case err != nil:
		l.logger.Warn("rate limit store read failed, proceeding without delay",
			zap.String("provider", rateKey), zap.Error(err))
	default:
		elapsed := now.Sub(time.UnixMilli(lastMs))
		if wait := minDelay - elapsed; wait > 0 {
			metrics.ObserveRateLimitDelay(rateKey, wait)
			l.sleep(ctx, wait)
			if ctx.Err() != nil {
				return fmt.Errorf("rate limit wait: %w", ctx.Err())
			}
		}
	}

	stamp := l.clock.Now().UnixMilli()
	if err := l.client.Set(ctx, l.key(rateKey), stamp, stampTTL).Err(); err != nil {
		l.logger.Warn("rate limit stamp write failed",
			zap.String("provider", rateKey), zap.Error(err))
	}
	return nil
}

func pause(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
