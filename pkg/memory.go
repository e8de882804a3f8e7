package pkg

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// MemoryConfig holds configuration for in-memory storage.
type MemoryConfig struct {
	// CleanupInterval determines how often expired entries are removed.
	// Default is 1 minute if not specified.
	CleanupInterval time.Duration

	// Clock drives expiry; defaults to the wall clock.
	Clock clock.Clock
}

// MemoryStorage is a thread-safe map of byte values with optional expiry.
// Expired entries are dropped on read and by a periodic sweep.
type MemoryStorage struct {
	mu    sync.RWMutex
	data  map[string]*entry
	clock clock.Clock

	// Sweeper lifecycle
	ticker  *clock.Ticker
	done    chan struct{}
	closed  atomic.Bool
	cleaned sync.WaitGroup // released when cleanupExpired returns

	// Metrics for monitoring
	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	deletes   atomic.Int64
	evictions atomic.Int64
}

// entry represents a stored value with expiration.
type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// expired reports whether the entry is past its expiry at now.
func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewMemoryStorage creates a new in-memory storage instance.
// If config is nil, default values are used.
func NewMemoryStorage(config *MemoryConfig) *MemoryStorage {
	interval := time.Minute
	clk := clock.New()
	if config != nil {
		if config.CleanupInterval > 0 {
			interval = config.CleanupInterval
		}
		if config.Clock != nil {
			clk = config.Clock
		}
	}

	ms := &MemoryStorage{
		data:   make(map[string]*entry),
		clock:  clk,
		ticker: clk.Ticker(interval),
		done:   make(chan struct{}),
	}

	// Start cleanup goroutine
	ms.cleaned.Add(1)
	go ms.cleanupExpired()

	return ms
}

// check fails when ctx is already done or the storage is closed.
func (ms *MemoryStorage) check(ctx context.Context) error {
	// Check if context is already canceled
	select {
	case <-ctx.Done():
		return ErrContextCanceled
	default:
	}

	// Check if storage is closed
	if ms.closed.Load() {
		return ErrStorageUnavailable
	}
	return nil
}

// Get retrieves a copy of the value stored under key.
// Returns ErrKeyNotFound if the key doesn't exist or has expired.
func (ms *MemoryStorage) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ms.check(ctx); err != nil {
		return nil, err
	}

	ms.mu.RLock()
	e, exists := ms.data[key]
	ms.mu.RUnlock()

	if !exists {
		ms.misses.Add(1)
		return nil, ErrKeyNotFound
	}

	// Lazily drop expired entries
	if e.expired(ms.clock.Now()) {
		ms.mu.Lock()
		delete(ms.data, key)
		ms.mu.Unlock()

		ms.misses.Add(1)
		ms.evictions.Add(1)
		return nil, ErrKeyNotFound
	}

	ms.hits.Add(1)
	// Return a copy so callers cannot mutate stored data
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set stores a copy of value under key. A zero ttl never expires.
func (ms *MemoryStorage) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ms.check(ctx); err != nil {
		return err
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = ms.clock.Now().Add(ttl)
	}

	// Copy the value to prevent external modifications
	stored := make([]byte, len(value))
	copy(stored, value)

	ms.mu.Lock()
	ms.data[key] = &entry{value: stored, expiresAt: expiresAt}
	ms.mu.Unlock()

	ms.sets.Add(1)
	return nil
}

// Delete removes key. Missing keys are not an error.
func (ms *MemoryStorage) Delete(ctx context.Context, key string) error {
	if err := ms.check(ctx); err != nil {
		return err
	}

	ms.mu.Lock()
	delete(ms.data, key)
	ms.mu.Unlock()

	ms.deletes.Add(1)
	return nil
}

// Keys returns the live keys in sorted order.
func (ms *MemoryStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ms.check(ctx); err != nil {
		return nil, err
	}

	now := ms.clock.Now()
	ms.mu.RLock()
	keys := make([]string, 0, len(ms.data))
	for k, e := range ms.data {
		if !e.expired(now) {
			keys = append(keys, k)
		}
	}
	ms.mu.RUnlock()

	sort.Strings(keys)
	return keys, nil
}

// Len returns the number of stored entries, including ones not yet swept.
func (ms *MemoryStorage) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.data)
}

// Close stops the sweeper and drops all data.
func (ms *MemoryStorage) Close() error {
	if !ms.closed.CompareAndSwap(false, true) {
		return nil
	}

	ms.ticker.Stop()
	close(ms.done)
	ms.cleaned.Wait()

	// Clear data to free memory
	ms.mu.Lock()
	ms.data = nil
	ms.mu.Unlock()

	return nil
}

// cleanupExpired runs periodically to remove expired entries.
func (ms *MemoryStorage) cleanupExpired() {
	defer ms.cleaned.Done()
	for {
		select {
		case <-ms.ticker.C:
			ms.removeExpiredEntries()
		case <-ms.done:
			return
		}
	}
}

// removeExpiredEntries removes all expired entries from storage.
func (ms *MemoryStorage) removeExpiredEntries() {
	now := ms.clock.Now()

	ms.mu.Lock()
	defer ms.mu.Unlock()

	for key, e := range ms.data {
		if e.expired(now) {
			delete(ms.data, key)
			ms.evictions.Add(1)
		}
	}
}

// Stats is a snapshot of storage counters.
type Stats struct {
	Entries   int // including expired entries not yet swept
	Hits      int64
	Misses    int64
	Sets      int64
	Deletes   int64
	Evictions int64
}

// GetStats returns current storage statistics.
func (ms *MemoryStorage) GetStats() Stats {
	return Stats{
		Entries:   ms.Len(),
		Hits:      ms.hits.Load(),
		Misses:    ms.misses.Load(),
		Sets:      ms.sets.Load(),
		Deletes:   ms.deletes.Load(),
		Evictions: ms.evictions.Load(),
	}
}
