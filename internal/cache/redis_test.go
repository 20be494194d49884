package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type fakeKV struct {
	mu     sync.Mutex
	data   map[string]string
	expiry map[string]time.Duration
	err    error
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: map[string]string{}, expiry: map[string]time.Duration{}}
}

func (f *fakeKV) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeKV) Set(_ context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	}
	f.expiry[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeKV) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestRedisStore_RoundTrip(t *testing.T) {
	kv := newFakeKV()
	s := newRedisStore(kv, "")
	ctx := context.Background()
	e := Entry{Payload: []byte(`{"text":"hi"}`), CreatedAt: time.UnixMilli(1_700_000_000_123), TTL: 90 * time.Second}

	if err := s.Set(ctx, "k", e); err != nil {
		t.Fatal(err)
	}
	if got := kv.expiry[DefaultRedisPrefix+"k"]; got != 91*time.Second {
		t.Errorf("redis expiry = %v, want 91s", got)
	}

	got, ok, err := s.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Get = %v %v", ok, err)
	}
	if string(got.Payload) != string(e.Payload) || !got.CreatedAt.Equal(e.CreatedAt) || got.TTL != e.TTL {
		t.Errorf("Get = %+v, want %+v", got, e)
	}

	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := s.Get(ctx, "k"); ok || err != nil {
		t.Errorf("after Delete: %v %v", ok, err)
	}
}

func TestRedisStore_Failures(t *testing.T) {
	ctx := context.Background()

	kv := newFakeKV()
	kv.data["p:bad"] = "not json"
	s := newRedisStore(kv, "p:")
	if _, ok, err := s.Get(ctx, "bad"); ok || err == nil {
		t.Errorf("corrupt entry: %v %v", ok, err)
	}

	boom := errors.New("connection reset")
	kv.err = boom
	if _, _, err := s.Get(ctx, "k"); !errors.Is(err, boom) {
		t.Errorf("Get err = %v", err)
	}
	if err := s.Set(ctx, "k", Entry{TTL: time.Second}); !errors.Is(err, boom) {
		t.Errorf("Set err = %v", err)
	}
}

func TestRedisStore_LivenessThroughCache(t *testing.T) {
	clock := &fakeClock{now: time.UnixMilli(5_000)}
	kv := newFakeKV()
	c := New(newRedisStore(kv, "p:"), WithClock(clock.Now))
	ctx := context.Background()

	c.Put(ctx, "k", []byte("v"), 10*time.Second)
	clock.Advance(10*time.Second - time.Millisecond)
	if got, ok := c.Lookup(ctx, "k"); !ok || string(got) != "v" {
		t.Fatalf("before expiry: %q %v", got, ok)
	}
	clock.Advance(time.Millisecond)
	if _, ok := c.Lookup(ctx, "k"); ok {
		t.Fatal("expired entry served")
	}
	if _, ok := kv.data["p:k"]; ok {
		t.Error("expired entry left in redis")
	}
}
