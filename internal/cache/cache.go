// Package cache holds the resolved current status per repository so badge
// requests don't hit the record store every time.
package cache

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL bounds how long an unused entry is kept.
const DefaultTTL = 30 * time.Second

// minSweep is the item count below which Fill never prunes.
const minSweep = 1024

// Entry is the cached current status of a repository.
type Entry struct {
	Found     bool   `json:"found"`
	CommitID  string `json:"commit_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Cache stores Entries by repo key.
//
// Fills are conditional: a reader takes Version before querying the store
// and passes it to Fill. Invalidate bumps the version, so a fill computed
// from data read before a write is discarded instead of outliving it.
type Cache interface {
	// Get returns the entry and whether it was present.
	Get(ctx context.Context, repoKey string) (Entry, bool, error)
	// Version returns the current invalidation version of repoKey.
	Version(ctx context.Context, repoKey string) (uint64, error)
	// Fill stores e unless repoKey was invalidated since version was read.
	// It reports whether e was stored.
	Fill(ctx context.Context, repoKey string, version uint64, e Entry) (bool, error)
	Invalidate(ctx context.Context, repoKey string) error
	Close() error
}

type memoryItem struct {
	entry   Entry
	expires time.Time
}

// Memory is an in-process Cache.
type Memory struct {
	ttl time.Duration
	now func() time.Time

	mu        sync.Mutex
	items     map[string]memoryItem
	nextSweep int
	lastSweep time.Time
	// versions only holds keys that have been invalidated, i.e. repos
	// that received a write; reads never add to it.
	versions map[string]uint64
}

// NewMemory creates an in-process cache. A ttl <= 0 uses DefaultTTL.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		ttl:       ttl,
		now:       time.Now,
		items:     make(map[string]memoryItem),
		nextSweep: minSweep,
		versions:  make(map[string]uint64),
	}
}

func (m *Memory) Get(ctx context.Context, repoKey string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[repoKey]
	if !ok {
		return Entry{}, false, nil
	}
	if m.now().After(item.expires) {
		delete(m.items, repoKey)
		return Entry{}, false, nil
	}
	return item.entry, true, nil
}

func (m *Memory) Version(ctx context.Context, repoKey string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.versions[repoKey], nil
}

func (m *Memory) Fill(ctx context.Context, repoKey string, version uint64, e Entry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.versions[repoKey] != version {
		return false, nil
	}
	now := m.now()
	if n := len(m.items); n >= m.nextSweep || (n >= minSweep && now.Sub(m.lastSweep) >= m.ttl) {
		m.sweep(now)
	}
	m.items[repoKey] = memoryItem{entry: e, expires: now.Add(m.ttl)}
	return true, nil
}

// sweep drops expired items. It runs when the map doubles past what the
// last sweep kept, or once per ttl while the map is large. Callers hold mu.
func (m *Memory) sweep(now time.Time) {
	m.lastSweep = now
	for k, item := range m.items {
		if now.After(item.expires) {
			delete(m.items, k)
		}
	}
	m.nextSweep = max(minSweep, 2*len(m.items))
}

func (m *Memory) Invalidate(ctx context.Context, repoKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, repoKey)
	m.versions[repoKey]++
	return nil
}

// Len returns the number of items held, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *Memory) Close() error {
	return nil
}
