package types

import (
	"context"
	"time"
)

// RemoteCache is the remote authoritative cache consulted as L3.
type RemoteCache interface {
	Lookup(ctx context.Context, key string) (RemoteRecord, error)
}

// Request is an outbound write to the remote authority.
type Request struct {
	Method  string
	URL     string
	Body    []byte
	Headers map[string]string
}

// Transport delivers mutations. A 2xx response is success; everything
// else, including no response, is an error.
type Transport interface {
	Send(ctx context.Context, req Request) error
}

// FlagSource loads and administers feature flags.
type FlagSource interface {
	FetchFlags(ctx context.Context) ([]FeatureFlag, error)
	CreateFlag(ctx context.Context, flag FeatureFlag) (FeatureFlag, error)
	UpdateFlag(ctx context.Context, name string, patch FlagPatch) (FeatureFlag, error)
	ToggleFlag(ctx context.Context, name string) (FeatureFlag, error)
}

// KeyValueStore is the durable on-device store, split into named partitions.
type KeyValueStore interface {
	Get(ctx context.Context, partition, key string) ([]byte, bool, error)
	Set(ctx context.Context, partition, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, partition, key string) error
	GetAll(ctx context.Context, partition string) (map[string][]byte, error)
	Clear(ctx context.Context, partition string) error
}

// TierRecorder observes orchestrator decisions.
type TierRecorder interface {
	RecordHit(tier Tier)
	RecordMiss()
}

// Local store partitions.
const (
	PartitionSearches  = "searches"
	PartitionPlaces    = "places"
	PartitionFavorites = "favorites"
	PartitionMutations = "mutations"
)
