// Package store provides the shared event-log backends for sliding-window rate limiting.
//
// Every key owns an ordered log of request arrivals scored by timestamp. A backend
// must trim, count, record, and refresh the key's TTL as one indivisible unit so that
// two concurrent callers on the same key never observe the same pre-insertion count.
package store

import (
	"context"
	"time"
)

// Store defines the interface for sliding-window storage backends.
// Implementations must be safe for concurrent use.
type Store interface {
	// Hit atomically removes entries scored at or before now-window, counts the
	// entries that remain, records a new entry at now, and refreshes the key TTL
	// to window. The returned count excludes the entry recorded by this call.
	Hit(ctx context.Context, key string, now time.Time, window time.Duration) (count int64, err error)

	// Count removes entries scored at or before now-window and returns how many
	// remain, without recording a new entry.
	Count(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error)

	// Reset removes the event log for the given key.
	Reset(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}
