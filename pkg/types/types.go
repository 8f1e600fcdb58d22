package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Tier identifies a cache tier. Lower values are faster.
type Tier int

const (
	// TierNone is reported when no tier produced a value.
	TierNone Tier = iota
	// TierL1 is the in-process volatile tier.
	TierL1
	// TierL2 is the on-device persistent tier.
	TierL2
	// TierL3 is the remote authoritative cache.
	TierL3
	// TierL4 is the bundled static fallback.
	TierL4
)

// Tiers lists the real tiers in probe order.
var Tiers = []Tier{TierL1, TierL2, TierL3, TierL4}

// String returns the short tier name.
func (t Tier) String() string {
	switch t {
	case TierL1:
		return "L1"
	case TierL2:
		return "L2"
	case TierL3:
		return "L3"
	case TierL4:
		return "L4"
	default:
		return "none"
	}
}

// ParseTier parses "L1".."L4" (case-insensitive).
func ParseTier(s string) (Tier, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "L1":
		return TierL1, nil
	case "L2":
		return TierL2, nil
	case "L3":
		return TierL3, nil
	case "L4":
		return TierL4, nil
	default:
		return TierNone, fmt.Errorf("unknown tier %q", s)
	}
}

// MarshalText renders the tier name so maps keyed by Tier encode readably.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText parses a tier name.
func (t *Tier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// CacheEntry is one cached value. Entries are replaced, never mutated.
type CacheEntry struct {
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	Tier       Tier            `json:"tier"`
	InsertedAt time.Time       `json:"inserted_at"`
	// TTL of zero means the entry does not expire.
	TTL time.Duration `json:"ttl"`
}

// ExpiresAt returns InsertedAt+TTL, or the zero time when TTL is zero.
func (e CacheEntry) ExpiresAt() time.Time {
	if e.TTL <= 0 {
		return time.Time{}
	}
	return e.InsertedAt.Add(e.TTL)
}

// Expired reports whether the entry is past its TTL at now.
func (e CacheEntry) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return !now.Before(e.InsertedAt.Add(e.TTL))
}

// Freshness is the remote authority's classification of a cached record.
type Freshness string

const (
	FreshnessFresh   Freshness = "fresh"
	FreshnessStale   Freshness = "stale"
	FreshnessExpired Freshness = "expired"
)

// Valid reports whether f is one of the known values.
func (f Freshness) Valid() bool {
	switch f {
	case FreshnessFresh, FreshnessStale, FreshnessExpired:
		return true
	}
	return false
}

// RemoteRecord is a record returned by the remote authoritative cache.
type RemoteRecord struct {
	Value     json.RawMessage `json:"value"`
	Freshness Freshness       `json:"freshness"`
	ServedAt  time.Time       `json:"served_at"`
}

// Priority orders queued mutations. Higher drains first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParsePriority parses "low", "normal" or "high". Empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// MarshalText renders the priority name.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses a priority name.
func (p *Priority) UnmarshalText(b []byte) error {
	parsed, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MutationStatus is the lifecycle state of a queued mutation.
type MutationStatus string

const (
	MutationPending      MutationStatus = "pending"
	MutationDeadLettered MutationStatus = "dead_lettered"
)

// QueuedMutation is a write waiting to be delivered to the remote authority.
type QueuedMutation struct {
	// ID doubles as the idempotency key sent with every attempt.
	ID            string            `json:"id"`
	TargetURL     string            `json:"target_url"`
	Method        string            `json:"method"`
	Body          json.RawMessage   `json:"body,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Priority      Priority          `json:"priority"`
	RetryCount    int               `json:"retry_count"`
	MaxRetries    int               `json:"max_retries"`
	CreatedAt     time.Time         `json:"created_at"`
	Status        MutationStatus    `json:"status"`
	LastError     string            `json:"last_error,omitempty"`
	LastAttemptAt time.Time         `json:"last_attempt_at,omitempty"`
}

// FeatureFlag is a remotely managed boolean toggle.
type FeatureFlag struct {
	Name              string    `json:"name"`
	Description       string    `json:"description,omitempty"`
	Enabled           bool      `json:"enabled"`
	RolloutPercentage int       `json:"rollout_percentage"`
	UserIDs           []string  `json:"user_ids,omitempty"`
	Regions           []string  `json:"regions,omitempty"`
	UpdatedAt         time.Time `json:"updated_at,omitempty"`
}

// FlagPatch carries a partial flag update. Nil fields are left unchanged.
type FlagPatch struct {
	Enabled           *bool     `json:"enabled,omitempty"`
	RolloutPercentage *int      `json:"rollout_percentage,omitempty"`
	UserIDs           *[]string `json:"user_ids,omitempty"`
	Regions           *[]string `json:"regions,omitempty"`
	Description       *string   `json:"description,omitempty"`
}

// CacheMetricsSnapshot is a point-in-time copy of the cache counters.
type CacheMetricsSnapshot struct {
	TotalQueries uint64          `json:"total_queries"`
	CacheHits    uint64          `json:"cache_hits"`
	CacheMisses  uint64          `json:"cache_misses"`
	TierHits     map[Tier]uint64 `json:"tier_hits"`
	SessionStart time.Time       `json:"session_start"`
	HitRate      float64         `json:"hit_rate"`
}

// QueueStatus summarises the offline mutation queue.
type QueueStatus struct {
	Pending      int `json:"pending"`
	DeadLettered int `json:"dead_lettered"`
}

// ProcessResult summarises one drain of the mutation queue.
type ProcessResult struct {
	Succeeded    int `json:"succeeded"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"dead_lettered"`
}
