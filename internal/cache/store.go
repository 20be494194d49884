package cache

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned by stores whose backend is not connected.
var ErrUnavailable = errors.New("cache store unavailable")

// Entry is an immutable stored response. Updating a key replaces its entry.
type Entry struct {
	Payload   []byte        `json:"payload"`
	CreatedAt time.Time     `json:"created_at"`
	TTL       time.Duration `json:"ttl"`
}

// Expired reports whether the entry is no longer live at now. An entry is
// live strictly before CreatedAt+TTL.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.CreatedAt.Add(e.TTL))
}

// Store is the storage backend behind a Cache. Get may return expired
// entries; the Cache decides liveness.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, e Entry) error
	Delete(ctx context.Context, key string) error
}
