package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type eventLog struct {
	stamps     []time.Time
	expiration time.Time
}

// trim drops every stamp at or before cutoff. Stamps are kept in ascending order.
func (e *eventLog) trim(cutoff time.Time) {
	i := sort.Search(len(e.stamps), func(i int) bool {
		return e.stamps[i].After(cutoff)
	})
	if i > 0 {
		e.stamps = append(e.stamps[:0], e.stamps[i:]...)
	}
}

func (e *eventLog) insert(at time.Time) {
	i := sort.Search(len(e.stamps), func(i int) bool {
		return e.stamps[i].After(at)
	})
	e.stamps = append(e.stamps, time.Time{})
	copy(e.stamps[i+1:], e.stamps[i:])
	e.stamps[i] = at
}

// Memory is an in-memory implementation of Store using ordered per-key logs
// behind a single mutex.
//
// WARNING: This implementation is NOT suitable for distributed deployments.
// Each kiosk backend instance keeps its own logs, so limits are not shared
// across instances. Use the Redis store when more than one instance serves traffic.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*eventLog
	// lastSeen is the latest time passed to Hit or Count. Cleanup expires logs
	// against it so the store follows the caller's clock, not the wall clock.
	lastSeen  time.Time
	stopCh    chan struct{}
	closeOnce sync.Once
}

// NewMemory creates a new in-memory store with automatic cleanup of expired logs.
// A background goroutine runs every minute to remove logs whose TTL has passed
// relative to the latest time seen by Hit or Count.
//
// Important: You must call Close() when done to stop the cleanup goroutine.
func NewMemory() *Memory {
	m := &Memory{
		entries: make(map[string]*eventLog),
		stopCh:  make(chan struct{}),
	}

	go m.cleanup()
	return m
}

// Hit trims, counts, and records under the write lock, which makes the whole
// batch indivisible for concurrent callers.
//
// Note: The context parameter is accepted for interface compatibility but is not used.
func (m *Memory) Hit(_ context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.observe(now)
	entry := m.live(key, now)
	if entry == nil {
		entry = &eventLog{}
		m.entries[key] = entry
	}

	entry.trim(now.Add(-window))
	count := int64(len(entry.stamps))
	entry.insert(now)
	entry.expiration = now.Add(window)

	return count, nil
}

// Count trims the log for key and returns its size without recording.
func (m *Memory) Count(_ context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.observe(now)
	entry := m.live(key, now)
	if entry == nil {
		return 0, nil
	}

	entry.trim(now.Add(-window))
	return int64(len(entry.stamps)), nil
}

// Caller must hold the lock.
func (m *Memory) observe(now time.Time) {
	if now.After(m.lastSeen) {
		m.lastSeen = now
	}
}

// live returns the log for key, dropping it first if its TTL has passed.
// Caller must hold the lock.
func (m *Memory) live(key string, now time.Time) *eventLog {
	entry, exists := m.entries[key]
	if !exists {
		return nil
	}
	if now.After(entry.expiration) {
		delete(m.entries, key)
		return nil
	}
	return entry
}

// Reset removes the log for the given key.
func (m *Memory) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

// Close stops the background cleanup goroutine and releases resources.
// Calling it more than once is safe.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		close(m.stopCh)
		m.mu.Lock()
		m.entries = make(map[string]*eventLog)
		m.mu.Unlock()
	})
	return nil
}

// runCleanup executes a single cleanup cycle, removing every log that expired
// before the latest time seen.
func (m *Memory) runCleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, entry := range m.entries {
		if m.lastSeen.After(entry.expiration) {
			delete(m.entries, key)
		}
	}
}

func (m *Memory) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runCleanup()
		case <-m.stopCh:
			return
		}
	}
}
