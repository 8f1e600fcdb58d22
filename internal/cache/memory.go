package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/placesync/placesync/pkg/types"
)

// MemoryConfig configures the L1 tier.
type MemoryConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
	Now        func() time.Time
}

// Memory is the in-process L1 tier. It is bounded by entry count and
// evicts in insertion order; reads do not reorder entries.
type Memory struct {
	mu     sync.Mutex
	config MemoryConfig
	items  map[string]*list.Element
	order  *list.List // front is the oldest insertion
	stats  MemoryStats
}

// MemoryStats counts L1 activity.
type MemoryStats struct {
	Entries   int    `json:"entries"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Expired   uint64 `json:"expired"`
}

// NewMemory creates an L1 tier. A zero TTL defaults to 30 seconds and a
// zero MaxEntries to 500.
func NewMemory(config MemoryConfig) *Memory {
	if config.TTL <= 0 {
		config.TTL = 30 * time.Second
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = 500
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Memory{
		config: config,
		items:  make(map[string]*list.Element),
		order:  list.New(),
	}
}

// Level implements Tier.
func (m *Memory) Level() types.Tier { return types.TierL1 }

// DefaultTTL implements WritableTier.
func (m *Memory) DefaultTTL() time.Duration { return m.config.TTL }

// Get implements Tier.
func (m *Memory) Get(_ context.Context, key string) (types.CacheEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.items[key]
	if !ok {
		m.stats.Misses++
		return types.CacheEntry{}, false, nil
	}
	entry := el.Value.(types.CacheEntry)
	if entry.Expired(m.config.Now()) {
		m.removeElement(el)
		m.stats.Expired++
		m.stats.Misses++
		return types.CacheEntry{}, false, nil
	}
	m.stats.Hits++
	return entry, true, nil
}

// Set implements WritableTier. Replacing a key gives it a new position at
// the back of the eviction order.
func (m *Memory) Set(_ context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.config.TTL
	}
	entry := types.CacheEntry{
		Key:        key,
		Value:      append(json.RawMessage(nil), value...),
		Tier:       types.TierL1,
		InsertedAt: m.config.Now(),
		TTL:        ttl,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.items[key]; ok {
		m.removeElement(el)
	}
	m.items[key] = m.order.PushBack(entry)
	for m.order.Len() > m.config.MaxEntries {
		m.removeElement(m.order.Front())
		m.stats.Evictions++
	}
	return nil
}

// Delete implements WritableTier.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.items[key]; ok {
		m.removeElement(el)
	}
	return nil
}

// Clear implements WritableTier.
func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]*list.Element)
	m.order.Init()
	return nil
}

// Len returns the number of entries, including expired ones not yet read.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

// Stats returns a copy of the tier counters.
func (m *Memory) Stats() MemoryStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Entries = m.order.Len()
	return s
}

func (m *Memory) removeElement(el *list.Element) {
	entry := m.order.Remove(el).(types.CacheEntry)
	delete(m.items, entry.Key)
}
