package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/placesync/placesync/pkg/types"
)

// Fallback is the L4 tier: a static dataset that always answers. A key is
// resolved by exact match, then by its domain prefix ("search" for
// "search:coffee"), then by the default value.
type Fallback struct {
	mu       sync.RWMutex
	entries  map[string]json.RawMessage
	fallback json.RawMessage
}

// NewFallback creates an L4 tier. An empty or invalid def becomes null.
func NewFallback(entries map[string]json.RawMessage, def json.RawMessage) *Fallback {
	f := &Fallback{}
	f.Replace(entries, def)
	return f
}

// Replace swaps in a new dataset.
func (f *Fallback) Replace(entries map[string]json.RawMessage, def json.RawMessage) {
	copied := make(map[string]json.RawMessage, len(entries))
	for k, v := range entries {
		if json.Valid(v) {
			copied[k] = v
		}
	}
	if len(def) == 0 || !json.Valid(def) {
		def = json.RawMessage("null")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = copied
	f.fallback = def
}

// Len returns the number of bundled entries.
func (f *Fallback) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.entries)
}

// Level implements Tier.
func (f *Fallback) Level() types.Tier { return types.TierL4 }

// Get implements Tier. It never misses.
func (f *Fallback) Get(_ context.Context, key string) (types.CacheEntry, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	value, ok := f.entries[key]
	if !ok {
		if prefix, _, found := strings.Cut(key, ":"); found {
			value, ok = f.entries[prefix]
		}
	}
	if !ok {
		value = f.fallback
	}
	return types.CacheEntry{Key: key, Value: value, Tier: types.TierL4}, true, nil
}
