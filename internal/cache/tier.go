package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/placesync/placesync/pkg/types"
)

// Tier is one level of the read path.
type Tier interface {
	Level() types.Tier
	// Get returns the entry for key. A missing or expired entry is
	// (zero, false, nil). Errors are reported so the caller can log them
	// but always mean "no value here".
	Get(ctx context.Context, key string) (types.CacheEntry, bool, error)
}

// WritableTier is a tier the orchestrator writes to.
type WritableTier interface {
	Tier
	// Set stores value with a new InsertedAt. A ttl of zero applies the
	// tier's DefaultTTL.
	Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	DefaultTTL() time.Duration
}

// effectiveTTL caps the tier default by hint when hint is shorter.
func effectiveTTL(def, hint time.Duration) time.Duration {
	if hint <= 0 {
		return def
	}
	if def <= 0 || hint < def {
		return hint
	}
	return def
}
