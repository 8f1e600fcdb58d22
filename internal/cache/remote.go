package cache

import (
	"context"
	"time"

	"github.com/placesync/placesync/pkg/types"
)

// RemoteConfig configures the L3 tier.
type RemoteConfig struct {
	// StaleBudget rejects stale records served longer ago than this.
	// Zero accepts any stale record.
	StaleBudget time.Duration `yaml:"stale_budget"`
	Now         func() time.Time
}

// Remote is the L3 tier over the remote authoritative cache.
type Remote struct {
	source types.RemoteCache
	config RemoteConfig
}

// NewRemote creates an L3 tier.
func NewRemote(source types.RemoteCache, config RemoteConfig) *Remote {
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Remote{source: source, config: config}
}

// Level implements Tier.
func (r *Remote) Level() types.Tier { return types.TierL3 }

// Get implements Tier. Expired records and stale records outside the
// budget are misses.
func (r *Remote) Get(ctx context.Context, key string) (types.CacheEntry, bool, error) {
	rec, err := r.source.Lookup(ctx, key)
	if err != nil {
		return types.CacheEntry{}, false, err
	}
	if !r.usable(rec) {
		return types.CacheEntry{}, false, nil
	}
	return types.CacheEntry{
		Key:        key,
		Value:      rec.Value,
		Tier:       types.TierL3,
		InsertedAt: rec.ServedAt,
	}, true, nil
}

func (r *Remote) usable(rec types.RemoteRecord) bool {
	switch rec.Freshness {
	case types.FreshnessFresh:
		return true
	case types.FreshnessStale:
		if r.config.StaleBudget <= 0 || rec.ServedAt.IsZero() {
			return true
		}
		return r.config.Now().Sub(rec.ServedAt) <= r.config.StaleBudget
	default:
		return false
	}
}
