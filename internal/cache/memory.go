package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryCache keeps snapshots in process. It suits a single engine; several
// processes syncing one database should share a RedisCache instead.
type MemoryCache struct {
	config Config
	sweep  time.Duration

	mu      sync.RWMutex
	entries map[string]entry

	stop chan struct{}
	once sync.Once
}

// entry is a stored snapshot; a zero deadline never expires
type entry struct {
	data     []byte
	deadline time.Time
}

func (e entry) stale(now time.Time) bool {
	return !e.deadline.IsZero() && !now.Before(e.deadline)
}

// NewMemoryCache creates a memory cache with DefaultConfig
func NewMemoryCache() *MemoryCache {
	return NewMemoryCacheWithConfig(DefaultConfig())
}

// NewMemoryCacheWithConfig creates a memory cache. Stale snapshots are swept
// once a minute until Close.
func NewMemoryCacheWithConfig(config Config) *MemoryCache {
	m := &MemoryCache{
		config:  config,
		sweep:   time.Minute,
		entries: make(map[string]entry),
		stop:    make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Get returns a copy of the snapshot stored under key
func (m *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	e, ok := m.entries[m.config.Prefix+key]
	m.mu.RUnlock()

	if !ok || e.stale(time.Now()) {
		return nil, ErrCacheMiss{Key: key}
	}
	return append([]byte(nil), e.data...), nil
}

// Set stores a copy of value. A zero ttl uses the configured default and a
// negative one keeps the snapshot until it is invalidated.
func (m *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if ttl == 0 {
		ttl = m.config.DefaultTTL
	}
	e := entry{data: append([]byte(nil), value...)}
	if ttl > 0 {
		e.deadline = time.Now().Add(ttl)
	}

	m.mu.Lock()
	m.entries[m.config.Prefix+key] = e
	m.mu.Unlock()
	return nil
}

// Delete invalidates one snapshot
func (m *MemoryCache) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.entries, m.config.Prefix+key)
	m.mu.Unlock()
	return nil
}

// DeletePrefix invalidates every snapshot under prefix, typically all
// fingerprints of one collection
func (m *MemoryCache) DeletePrefix(ctx context.Context, prefix string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	full := m.config.Prefix + prefix
	m.mu.Lock()
	for k := range m.entries {
		if strings.HasPrefix(k, full) {
			delete(m.entries, k)
		}
	}
	m.mu.Unlock()
	return nil
}

// Clear drops every snapshot
func (m *MemoryCache) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	m.entries = make(map[string]entry)
	m.mu.Unlock()
	return nil
}

// Exists reports whether a fresh snapshot is stored under key
func (m *MemoryCache) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.Get(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case IsCacheMiss(err):
		return false, nil
	}
	return false, err
}

// Close stops the sweeper. It is safe to call more than once.
func (m *MemoryCache) Close() error {
	m.once.Do(func() { close(m.stop) })
	return nil
}

func (m *MemoryCache) sweepLoop() {
	ticker := time.NewTicker(m.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.removeStale(now)
		}
	}
}

func (m *MemoryCache) removeStale(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.entries {
		if e.stale(now) {
			delete(m.entries, k)
		}
	}
}
