package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/af-corp/aiproxy/internal/proxyerr"
)

const budgetKeyPrefix = "aiproxy:budget:daily:"

// counter is the daily spend storage behind a TokenBudget.
type counter interface {
	Get(ctx context.Context, key string) (int64, error)
	IncrBy(ctx context.Context, key string, n int64, ttl time.Duration) error
}

type redisCounter struct {
	rdb *redis.Client
}

func (c redisCounter) Get(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (c redisCounter) IncrBy(ctx context.Context, key string, n int64, ttl time.Duration) error {
	pipe := c.rdb.Pipeline()
	pipe.IncrBy(ctx, key, n)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// TokenBudget tracks tokens spent per client per UTC day in Redis.
type TokenBudget struct {
	store counter
	limit func() int64
	now   func() time.Time
}

// NewTokenBudget creates a daily token budget. limit is read on every check so
// config reloads apply immediately; a limit of zero or less disables the
// budget. If rdb is nil, all checks pass.
func NewTokenBudget(rdb *redis.Client, limit func() int64) *TokenBudget {
	b := &TokenBudget{limit: limit, now: time.Now}
	if rdb != nil {
		b.store = redisCounter{rdb: rdb}
	}
	return b
}

func (b *TokenBudget) key(clientKey string) string {
	return budgetKeyPrefix + clientKey + ":" + b.now().UTC().Format("2006-01-02")
}

// Spent returns the tokens recorded for the client today.
func (b *TokenBudget) Spent(ctx context.Context, clientKey string) (int64, error) {
	if b.store == nil {
		return 0, nil
	}
	return b.store.Get(ctx, b.key(clientKey))
}

// Check fails with a budget-exceeded error once the client's spend for the
// current day reaches the limit. Storage errors fail open.
func (b *TokenBudget) Check(ctx context.Context, clientKey string) error {
	limit := b.limit()
	if b.store == nil || limit <= 0 {
		return nil
	}
	spent, err := b.Spent(ctx, clientKey)
	if err != nil {
		slog.Warn("budget check failed, allowing request", "error", err)
		return nil
	}
	if spent >= limit {
		return proxyerr.BudgetExceeded("daily token budget exhausted: spent %d of %d tokens", spent, limit).
			WithDetail("spent_tokens", spent).
			WithDetail("limit_tokens", limit)
	}
	return nil
}

// Record adds tokens to the client's spend for the current day.
func (b *TokenBudget) Record(ctx context.Context, clientKey string, tokens int) {
	if b.store == nil || tokens <= 0 {
		return
	}
	// Expire at end of day UTC + 1 hour buffer
	now := b.now().UTC()
	endOfDay := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	if err := b.store.IncrBy(ctx, b.key(clientKey), int64(tokens), endOfDay.Sub(now)+time.Hour); err != nil {
		slog.Warn("budget record failed", "error", fmt.Errorf("incr: %w", err), "tokens", tokens)
	}
}
