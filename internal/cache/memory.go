package cache

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const defaultShards = 32

type shard struct {
	mu    sync.RWMutex
	items map[string]Entry
}

// MemoryStore is an in-process Store split into independently locked shards.
type MemoryStore struct {
	shards   []*shard
	perShard int
}

// NewMemoryStore creates a store holding at most maxEntries entries
// (0 for unbounded). When a shard is full the oldest entry in it is evicted.
// Fewer shards are used when maxEntries is below the default shard count.
func NewMemoryStore(maxEntries int) *MemoryStore {
	n := defaultShards
	if maxEntries > 0 && maxEntries < n {
		n = maxEntries
	}
	m := &MemoryStore{shards: make([]*shard, n)}
	for i := range m.shards {
		m.shards[i] = &shard{items: make(map[string]Entry)}
	}
	if maxEntries > 0 {
		m.perShard = maxEntries / n
	}
	return m
}

func (m *MemoryStore) shardFor(key string) *shard {
	return m.shards[xxhash.Sum64String(key)%uint64(len(m.shards))]
}

func (m *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	s := m.shardFor(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	return e, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, e Entry) error {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[key]; !exists && m.perShard > 0 && len(s.items) >= m.perShard {
		s.evictOldest()
	}
	s.items[key] = e
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	s := m.shardFor(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (m *MemoryStore) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}

// Evict removes entries expired at now and returns how many were removed.
func (m *MemoryStore) Evict(now time.Time) int {
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for k, e := range s.items {
			if e.Expired(now) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// RunJanitor evicts expired entries every interval until ctx is done.
func (m *MemoryStore) RunJanitor(ctx context.Context, interval time.Duration, onEvict func(int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := m.Evict(now); n > 0 && onEvict != nil {
				onEvict(n)
			}
		}
	}
}

// evictOldest must be called with s.mu held.
func (s *shard) evictOldest() {
	var oldestKey string
	var oldest time.Time
	first := true
	for k, e := range s.items {
		if first || e.CreatedAt.Before(oldest) {
			oldestKey, oldest, first = k, e.CreatedAt, false
		}
	}
	if !first {
		delete(s.items, oldestKey)
	}
}
