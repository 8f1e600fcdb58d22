package localstore

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/placesync/placesync/pkg/errors"
	"github.com/placesync/placesync/pkg/types"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openTestStore(t *testing.T, dir string, clk *clock, compress bool) *Store {
	t.Helper()
	cfg := Config{Directory: dir, Compression: compress}
	if clk != nil {
		cfg.Now = clk.Now
	}
	s, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var _ types.KeyValueStore = (*Store)(nil)

func TestStoreSetGet(t *testing.T) {
	t.Parallel()

	for _, compress := range []bool{false, true} {
		compress := compress
		t.Run(map[bool]string{false: "plain", true: "snappy"}[compress], func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := openTestStore(t, t.TempDir(), nil, compress)

			value := []byte(`{"name":"Blue Bottle","rating":4.6}`)
			require.NoError(t, s.Set(ctx, types.PartitionPlaces, "place:42", value, 0))

			got, ok, err := s.Get(ctx, types.PartitionPlaces, "place:42")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, value, got)

			_, ok, err = s.Get(ctx, types.PartitionPlaces, "place:missing")
			require.NoError(t, err)
			assert.False(t, ok)

			_, ok, err = s.Get(ctx, types.PartitionSearches, "place:42")
			require.NoError(t, err)
			assert.False(t, ok, "partitions must be isolated")
		})
	}
}

func TestStoreTTL(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	s := openTestStore(t, t.TempDir(), clk, false)

	require.NoError(t, s.Set(ctx, types.PartitionSearches, "search:coffee", []byte(`[]`), time.Hour))
	require.NoError(t, s.Set(ctx, types.PartitionSearches, "search:tea", []byte(`[]`), 0))

	clk.Advance(59 * time.Minute)
	_, ok, _ := s.Get(ctx, types.PartitionSearches, "search:coffee")
	assert.True(t, ok)

	clk.Advance(2 * time.Minute)
	_, ok, _ = s.Get(ctx, types.PartitionSearches, "search:coffee")
	assert.False(t, ok, "expired entry must be absent")
	assert.Equal(t, 1, s.Len(types.PartitionSearches), "expired entry is removed on access")

	_, ok, _ = s.Get(ctx, types.PartitionSearches, "search:tea")
	assert.True(t, ok, "zero ttl never expires")
}

func TestStoreSweep(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := &clock{now: time.Unix(0, 0)}
	s := openTestStore(t, t.TempDir(), clk, false)

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, s.Set(ctx, types.PartitionPlaces, k, []byte(`1`), time.Minute))
	}
	require.NoError(t, s.Set(ctx, types.PartitionPlaces, "keep", []byte(`1`), 0))

	clk.Advance(2 * time.Minute)
	assert.Equal(t, 3, s.Sweep())
	assert.Equal(t, []string{"keep"}, s.Keys(types.PartitionPlaces))
}

func TestStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(Config{Directory: dir, Compression: true})
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, types.PartitionMutations, "m1", []byte(`{"id":"m1"}`), 0))
	require.NoError(t, s.Set(ctx, types.PartitionMutations, "m2", []byte(`{"id":"m2"}`), 0))
	require.NoError(t, s.Delete(ctx, types.PartitionMutations, "m1"))
	// Simulate a crash: no Close.

	reopened := openTestStore(t, dir, nil, true)
	all, err := reopened.GetAll(ctx, types.PartitionMutations)
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"m2": []byte(`{"id":"m2"}`)}, all)
}

func TestStoreCorruptEntry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	s := openTestStore(t, dir, nil, false)

	require.NoError(t, s.Set(ctx, types.PartitionPlaces, "place:1", []byte(`{"ok":true}`), 0))
	path := filepath.Join(dir, types.PartitionPlaces, s.partitions[types.PartitionPlaces].index["place:1"].File)
	require.NoError(t, os.WriteFile(path, []byte(`garbage`), 0o640))

	_, ok, err := s.Get(ctx, types.PartitionPlaces, "place:1")
	assert.False(t, ok)
	assert.True(t, errors.IsCode(err, errors.ErrCodeMalformedPayload), "got %v", err)
	assert.Equal(t, 0, s.Len(types.PartitionPlaces), "corrupt entry is removed")

	_, ok, err = s.Get(ctx, types.PartitionPlaces, "place:1")
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreClearAndClosed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := Open(Config{Directory: t.TempDir()})
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, types.PartitionFavorites, "fav:1", []byte(`1`), 0))
	require.NoError(t, s.Clear(ctx, types.PartitionFavorites))
	assert.Equal(t, 0, s.Len(types.PartitionFavorites))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	err = s.Set(ctx, types.PartitionFavorites, "fav:2", []byte(`1`), 0)
	assert.True(t, errors.IsCode(err, errors.ErrCodeStoreUnavailable), "got %v", err)
}

func TestStoreRejectsBadPartition(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, t.TempDir(), nil, false)
	err := s.Set(context.Background(), "../escape", "k", []byte(`1`), 0)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidKey), "got %v", err)
}

func TestOpenRequiresDirectory(t *testing.T) {
	t.Parallel()

	_, err := Open(Config{})
	assert.True(t, errors.IsCode(err, errors.ErrCodeMissingConfig))
}

func TestStoreFailedSetKeepsPreviousValue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	s := openTestStore(t, dir, nil, false)

	require.NoError(t, s.Set(ctx, types.PartitionPlaces, "place:1", []byte(`{"v":1}`), 0))

	// A directory in the way of the index temp file makes saveIndex fail.
	blocker := filepath.Join(dir, types.PartitionPlaces, indexFile+".tmp")
	require.NoError(t, os.Mkdir(blocker, 0o750))
	err := s.Set(ctx, types.PartitionPlaces, "place:1", []byte(`{"v":2}`), 0)
	assert.True(t, errors.IsCode(err, errors.ErrCodeStoreUnavailable), "got %v", err)
	require.NoError(t, os.Remove(blocker))

	got, ok, err := s.Get(ctx, types.PartitionPlaces, "place:1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"v":1}`, string(got))

	files, err := os.ReadDir(filepath.Join(dir, types.PartitionPlaces))
	require.NoError(t, err)
	assert.Len(t, files, 2, "index and the surviving value file")

	require.NoError(t, s.Set(ctx, types.PartitionPlaces, "place:1", []byte(`{"v":3}`), 0))
	files, err = os.ReadDir(filepath.Join(dir, types.PartitionPlaces))
	require.NoError(t, err)
	assert.Len(t, files, 2, "replaced version is removed")
}
