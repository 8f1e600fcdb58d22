package cache

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/placesync/placesync/internal/localstore"
	"github.com/placesync/placesync/pkg/errors"
	"github.com/placesync/placesync/pkg/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openStore(t *testing.T, clock *fakeClock) *localstore.Store {
	t.Helper()
	store, err := localstore.Open(localstore.Config{Directory: t.TempDir(), Now: clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestMemoryEvictsInInsertionOrder(t *testing.T) {
	t.Parallel()

	m := NewMemory(MemoryConfig{TTL: time.Minute, MaxEntries: 2})
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "a", json.RawMessage(`1`), 0))
	require.NoError(t, m.Set(ctx, "b", json.RawMessage(`2`), 0))

	// Reading "a" must not protect it: eviction is FIFO, not LRU.
	_, ok, _ := m.Get(ctx, "a")
	require.True(t, ok)

	require.NoError(t, m.Set(ctx, "c", json.RawMessage(`3`), 0))
	assert.Equal(t, 2, m.Len())

	_, ok, _ = m.Get(ctx, "a")
	assert.False(t, ok, "oldest insertion should be evicted")
	_, ok, _ = m.Get(ctx, "b")
	assert.True(t, ok)
	assert.EqualValues(t, 1, m.Stats().Evictions)
}

func TestMemoryReplaceMovesToBack(t *testing.T) {
	t.Parallel()

	m := NewMemory(MemoryConfig{TTL: time.Minute, MaxEntries: 2})
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "a", json.RawMessage(`1`), 0))
	require.NoError(t, m.Set(ctx, "b", json.RawMessage(`2`), 0))
	require.NoError(t, m.Set(ctx, "a", json.RawMessage(`10`), 0))
	require.NoError(t, m.Set(ctx, "c", json.RawMessage(`3`), 0))

	_, ok, _ := m.Get(ctx, "b")
	assert.False(t, ok)
	e, ok, _ := m.Get(ctx, "a")
	require.True(t, ok)
	assert.JSONEq(t, `10`, string(e.Value))
}

func TestMemoryTTL(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	m := NewMemory(MemoryConfig{TTL: 30 * time.Second, Now: clock.Now})
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", json.RawMessage(`"v"`), 0))

	clock.Advance(29 * time.Second)
	e, ok, _ := m.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, types.TierL1, e.Tier)
	assert.Equal(t, 30*time.Second, e.TTL)

	clock.Advance(time.Second)
	_, ok, _ = m.Get(ctx, "k")
	assert.False(t, ok, "entry expires at InsertedAt+TTL")
	assert.Equal(t, 0, m.Len())
}

func TestMemoryDefaults(t *testing.T) {
	t.Parallel()

	m := NewMemory(MemoryConfig{})
	assert.Equal(t, 30*time.Second, m.DefaultTTL())
	assert.Equal(t, 500, m.config.MaxEntries)
	assert.Equal(t, types.TierL1, m.Level())
}

func TestPartitionFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		key  string
		want string
	}{
		{"search:coffee", types.PartitionSearches},
		{"place:123", types.PartitionPlaces},
		{"fav:user-1", types.PartitionFavorites},
		{"favorites:user-1", types.PartitionFavorites},
		{"plain-key", types.PartitionPlaces},
		{"weather:today", types.PartitionPlaces},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PartitionFor(tt.key), tt.key)
	}
}

func TestPersistentRoundTripAndExpiry(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := openStore(t, clock)
	p := NewPersistent(store, PersistentConfig{TTL: time.Hour, Now: clock.Now})
	ctx := context.Background()

	require.NoError(t, p.Set(ctx, "search:tacos", json.RawMessage(`["place:1"]`), 0))
	assert.Equal(t, 1, store.Len(types.PartitionSearches))

	e, ok, err := p.Get(ctx, "search:tacos")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.TierL2, e.Tier)
	assert.Equal(t, time.Hour, e.TTL)
	assert.True(t, e.InsertedAt.Equal(clock.Now()))

	clock.Advance(time.Hour)
	_, ok, err = p.Get(ctx, "search:tacos")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPersistentCorruptRecordIsRemoved(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := openStore(t, clock)
	p := NewPersistent(store, PersistentConfig{Now: clock.Now})
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, types.PartitionPlaces, "place:9", []byte("not json"), 0))

	_, ok, err := p.Get(ctx, "place:9")
	assert.False(t, ok)
	assert.True(t, errors.IsCode(err, errors.ErrCodeMalformedPayload), "got %v", err)

	_, found, err := store.Get(ctx, types.PartitionPlaces, "place:9")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPersistentClearKeepsMutations(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := openStore(t, clock)
	p := NewPersistent(store, PersistentConfig{Now: clock.Now})
	ctx := context.Background()

	require.NoError(t, p.Set(ctx, "place:1", json.RawMessage(`{}`), 0))
	require.NoError(t, store.Set(ctx, types.PartitionMutations, "m1", []byte(`{}`), 0))

	require.NoError(t, p.Clear(ctx))
	assert.Equal(t, 0, store.Len(types.PartitionPlaces))
	assert.Equal(t, 1, store.Len(types.PartitionMutations))
}

type stubRemote struct {
	mu    sync.Mutex
	rec   types.RemoteRecord
	err   error
	calls int
}

func (s *stubRemote) Lookup(ctx context.Context, key string) (types.RemoteRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.rec, s.err
}

func (s *stubRemote) set(rec types.RemoteRecord, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec, s.err = rec, err
}

func (s *stubRemote) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestRemoteTierFreshness(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	value := json.RawMessage(`{"id":"p1"}`)

	tests := []struct {
		name   string
		budget time.Duration
		rec    types.RemoteRecord
		err    error
		wantOK bool
	}{
		{"fresh", 0, types.RemoteRecord{Value: value, Freshness: types.FreshnessFresh}, nil, true},
		{"stale without budget", 0, types.RemoteRecord{Value: value, Freshness: types.FreshnessStale, ServedAt: clock.Now().Add(-24 * time.Hour)}, nil, true},
		{"stale within budget", 15 * time.Minute, types.RemoteRecord{Value: value, Freshness: types.FreshnessStale, ServedAt: clock.Now().Add(-10 * time.Minute)}, nil, true},
		{"stale beyond budget", 15 * time.Minute, types.RemoteRecord{Value: value, Freshness: types.FreshnessStale, ServedAt: clock.Now().Add(-20 * time.Minute)}, nil, false},
		{"expired", 0, types.RemoteRecord{Value: value, Freshness: types.FreshnessExpired}, nil, false},
		{"network failure", 0, types.RemoteRecord{}, errors.New(errors.ErrCodeNetworkError, "offline"), false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			src := &stubRemote{}
			src.set(tt.rec, tt.err)
			r := NewRemote(src, RemoteConfig{StaleBudget: tt.budget, Now: clock.Now})

			e, ok, err := r.Get(context.Background(), "place:p1")
			assert.Equal(t, tt.wantOK, ok)
			if tt.err != nil {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if ok {
				assert.Equal(t, types.TierL3, e.Tier)
				assert.JSONEq(t, string(value), string(e.Value))
			}
		})
	}
}

func TestFallbackResolution(t *testing.T) {
	t.Parallel()

	f := NewFallback(map[string]json.RawMessage{
		"place:eiffel": json.RawMessage(`{"name":"Eiffel Tower"}`),
		"search":       json.RawMessage(`["place:eiffel"]`),
		"broken":       json.RawMessage(`{`),
	}, json.RawMessage(`[]`))
	ctx := context.Background()

	tests := []struct {
		key  string
		want string
	}{
		{"place:eiffel", `{"name":"Eiffel Tower"}`},
		{"search:anything at all", `["place:eiffel"]`},
		{"place:unknown", `[]`},
		{"broken", `[]`},
	}
	for _, tt := range tests {
		e, ok, err := f.Get(ctx, tt.key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, types.TierL4, e.Tier)
		assert.JSONEq(t, tt.want, string(e.Value), tt.key)
	}
	assert.Equal(t, 2, f.Len())

	f.Replace(nil, nil)
	e, _, _ := f.Get(ctx, "place:eiffel")
	assert.Equal(t, "null", string(e.Value))
}

func TestEffectiveTTL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		def, hint, want time.Duration
	}{
		{30 * time.Second, 0, 30 * time.Second},
		{30 * time.Second, 10 * time.Second, 10 * time.Second},
		{30 * time.Second, time.Hour, 30 * time.Second},
		{0, time.Minute, time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, effectiveTTL(tt.def, tt.hint))
	}
}
