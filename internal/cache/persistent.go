package cache

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/placesync/placesync/pkg/errors"
	"github.com/placesync/placesync/pkg/types"
	"github.com/placesync/placesync/pkg/utils"
)

// PersistentConfig configures the L2 tier.
type PersistentConfig struct {
	TTL    time.Duration `yaml:"ttl"`
	Now    func() time.Time
	Logger *zap.Logger
}

// Persistent is the on-device L2 tier. Keys are routed to a local store
// partition by their domain prefix.
type Persistent struct {
	store  types.KeyValueStore
	config PersistentConfig
	logger *zap.Logger
}

// persistedEntry is the on-disk record. The store tracks expiry itself;
// InsertedAt and TTL are kept so reads can report them.
type persistedEntry struct {
	Value      json.RawMessage `json:"value"`
	InsertedAt time.Time       `json:"inserted_at"`
	TTL        time.Duration   `json:"ttl"`
}

var cachePartitions = []string{types.PartitionSearches, types.PartitionPlaces, types.PartitionFavorites}

// NewPersistent creates an L2 tier over store. A zero TTL defaults to 24 hours.
func NewPersistent(store types.KeyValueStore, config PersistentConfig) *Persistent {
	if config.TTL <= 0 {
		config.TTL = 24 * time.Hour
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Persistent{
		store:  store,
		config: config,
		logger: utils.OrNop(config.Logger).Named("cache.l2"),
	}
}

// PartitionFor maps a key to its local store partition.
func PartitionFor(key string) string {
	prefix, _, found := strings.Cut(key, ":")
	if !found {
		return types.PartitionPlaces
	}
	switch prefix {
	case "search", "searches":
		return types.PartitionSearches
	case "fav", "favorite", "favorites":
		return types.PartitionFavorites
	default:
		return types.PartitionPlaces
	}
}

// Level implements Tier.
func (p *Persistent) Level() types.Tier { return types.TierL2 }

// DefaultTTL implements WritableTier.
func (p *Persistent) DefaultTTL() time.Duration { return p.config.TTL }

// Get implements Tier. A record that cannot be decoded is deleted and
// reported as MALFORMED_PAYLOAD.
func (p *Persistent) Get(ctx context.Context, key string) (types.CacheEntry, bool, error) {
	partition := PartitionFor(key)
	raw, ok, err := p.store.Get(ctx, partition, key)
	if err != nil || !ok {
		return types.CacheEntry{}, false, err
	}

	var rec persistedEntry
	if err := json.Unmarshal(raw, &rec); err != nil || !json.Valid(rec.Value) {
		if delErr := p.store.Delete(ctx, partition, key); delErr != nil {
			p.logger.Warn("failed to remove corrupt entry", zap.String("key", key), zap.Error(delErr))
		}
		return types.CacheEntry{}, false, errors.Wrap(err, errors.ErrCodeMalformedPayload, "corrupt cache record").
			WithComponent("cache").WithOperation("l2_get").WithContext("key", key)
	}

	entry := types.CacheEntry{
		Key:        key,
		Value:      rec.Value,
		Tier:       types.TierL2,
		InsertedAt: rec.InsertedAt,
		TTL:        rec.TTL,
	}
	if entry.Expired(p.config.Now()) {
		return types.CacheEntry{}, false, nil
	}
	return entry, true, nil
}

// Set implements WritableTier.
func (p *Persistent) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = p.config.TTL
	}
	data, err := json.Marshal(persistedEntry{Value: value, InsertedAt: p.config.Now(), TTL: ttl})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeMalformedPayload, "encode cache record").
			WithComponent("cache").WithOperation("l2_set")
	}
	return p.store.Set(ctx, PartitionFor(key), key, data, ttl)
}

// Delete implements WritableTier.
func (p *Persistent) Delete(ctx context.Context, key string) error {
	return p.store.Delete(ctx, PartitionFor(key), key)
}

// Clear implements WritableTier. The mutations partition is never touched.
func (p *Persistent) Clear(ctx context.Context) error {
	for _, partition := range cachePartitions {
		if err := p.store.Clear(ctx, partition); err != nil {
			return err
		}
	}
	return nil
}
