package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/af-corp/aiproxy/internal/proxyerr"
)

type memCounter struct {
	values map[string]int64
	ttls   map[string]time.Duration
	err    error
}

func newMemCounter() *memCounter {
	return &memCounter{values: map[string]int64{}, ttls: map[string]time.Duration{}}
}

func (m *memCounter) Get(_ context.Context, key string) (int64, error) {
	return m.values[key], m.err
}

func (m *memCounter) IncrBy(_ context.Context, key string, n int64, ttl time.Duration) error {
	if m.err != nil {
		return m.err
	}
	m.values[key] += n
	m.ttls[key] = ttl
	return nil
}

func fixedLimit(n int64) func() int64 { return func() int64 { return n } }

func TestTokenBudget_NilRedis_FailOpen(t *testing.T) {
	b := NewTokenBudget(nil, fixedLimit(10))
	b.Record(context.Background(), "client", 500)
	if err := b.Check(context.Background(), "client"); err != nil {
		t.Fatalf("expected allowed when Redis is nil, got %v", err)
	}
}

func TestTokenBudget_ExhaustedAfterRecord(t *testing.T) {
	store := newMemCounter()
	b := &TokenBudget{store: store, limit: fixedLimit(100), now: func() time.Time {
		return time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC)
	}}
	ctx := context.Background()

	b.Record(ctx, "client", 60)
	if err := b.Check(ctx, "client"); err != nil {
		t.Fatalf("under budget: %v", err)
	}
	b.Record(ctx, "client", 40)
	err := b.Check(ctx, "client")
	if proxyerr.KindOf(err) != proxyerr.KindBudgetExceeded {
		t.Fatalf("expected budget exceeded, got %v", err)
	}
	if err := b.Check(ctx, "other"); err != nil {
		t.Errorf("budget leaked across clients: %v", err)
	}

	key := b.key("client")
	if key != "aiproxy:budget:daily:client:2026-03-01" {
		t.Errorf("key = %q", key)
	}
	if ttl := store.ttls[key]; ttl != 3*time.Hour {
		t.Errorf("ttl = %v, want end of day plus an hour", ttl)
	}
}

func TestTokenBudget_DayRollover(t *testing.T) {
	store := newMemCounter()
	now := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	b := &TokenBudget{store: store, limit: fixedLimit(10), now: func() time.Time { return now }}
	ctx := context.Background()

	b.Record(ctx, "client", 10)
	if b.Check(ctx, "client") == nil {
		t.Fatal("expected exhausted budget")
	}
	now = now.Add(2 * time.Minute)
	if err := b.Check(ctx, "client"); err != nil {
		t.Errorf("new day should reset spend: %v", err)
	}
}

func TestTokenBudget_DisabledAndStoreErrors(t *testing.T) {
	store := newMemCounter()
	store.values["aiproxy:budget:daily:c:"+time.Now().UTC().Format("2006-01-02")] = 1000
	b := &TokenBudget{store: store, limit: fixedLimit(0), now: time.Now}
	if err := b.Check(context.Background(), "c"); err != nil {
		t.Errorf("zero limit should disable the budget: %v", err)
	}

	store.err = errors.New("redis down")
	b.limit = fixedLimit(1)
	if err := b.Check(context.Background(), "c"); err != nil {
		t.Errorf("store errors should fail open: %v", err)
	}
}
