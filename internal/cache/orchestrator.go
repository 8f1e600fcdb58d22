package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/placesync/placesync/pkg/errors"
	"github.com/placesync/placesync/pkg/types"
	"github.com/placesync/placesync/pkg/utils"
)

// DefaultMaxKeyLength bounds cache keys when Config.MaxKeyLength is zero.
const DefaultMaxKeyLength = 512

// Metrics observes orchestrator decisions.
type Metrics interface {
	RecordHit(tier types.Tier)
	RecordMiss()
	RecordBackfillFailure(tier types.Tier)
}

// Config wires the tiers into an Orchestrator. L1 and L4 are required;
// a nil L2 or L3 disables that tier.
type Config struct {
	L1 WritableTier
	L2 WritableTier
	L3 Tier
	L4 Tier

	Metrics         Metrics
	MaxKeyLength    int
	BackfillTimeout time.Duration
	Logger          *zap.Logger
}

// Result is the outcome of a read.
type Result struct {
	Value json.RawMessage `json:"value"`
	Tier  types.Tier      `json:"tier"`
}

// Degraded reports whether the value came from the static fallback.
func (r Result) Degraded() bool {
	return r.Tier == types.TierL4
}

// Orchestrator runs the tiered read path and the local write path.
type Orchestrator struct {
	config Config
	logger *zap.Logger

	backfills sync.WaitGroup
}

// NewOrchestrator validates cfg and returns an Orchestrator.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.L1 == nil {
		return nil, errors.New(errors.ErrCodeMissingConfig, "L1 tier is required").WithComponent("cache")
	}
	if cfg.L4 == nil {
		return nil, errors.New(errors.ErrCodeMissingConfig, "L4 tier is required").WithComponent("cache")
	}
	if cfg.MaxKeyLength <= 0 {
		cfg.MaxKeyLength = DefaultMaxKeyLength
	}
	if cfg.BackfillTimeout <= 0 {
		cfg.BackfillTimeout = 5 * time.Second
	}
	return &Orchestrator{
		config: cfg,
		logger: utils.OrNop(cfg.Logger).Named("cache"),
	}, nil
}

// ValidateKey returns an INVALID_KEY error for empty, oversized or
// non-printable keys.
func (o *Orchestrator) ValidateKey(key string) error {
	var reason string
	switch {
	case key == "":
		reason = "key is empty"
	case len(key) > o.config.MaxKeyLength:
		reason = "key is too long"
	case !utf8.ValidString(key):
		reason = "key is not valid utf-8"
	default:
		for _, r := range key {
			if unicode.IsControl(r) {
				reason = "key contains control characters"
				break
			}
		}
	}
	if reason == "" {
		return nil
	}
	return errors.New(errors.ErrCodeInvalidKey, reason).
		WithComponent("cache").WithDetail("length", len(key))
}

// Get returns the value for key and the tier that produced it. It only
// fails for invalid keys.
func (o *Orchestrator) Get(ctx context.Context, key string) (json.RawMessage, types.Tier, error) {
	res, err := o.Lookup(ctx, key)
	return res.Value, res.Tier, err
}

// Lookup is Get returning a Result.
func (o *Orchestrator) Lookup(ctx context.Context, key string) (Result, error) {
	if err := o.ValidateKey(key); err != nil {
		return Result{Tier: types.TierNone}, err
	}

	if entry, ok := o.probe(ctx, o.config.L1, key); ok {
		o.recordHit(types.TierL1)
		return Result{Value: entry.Value, Tier: types.TierL1}, nil
	}

	if o.config.L2 != nil {
		if entry, ok := o.probe(ctx, o.config.L2, key); ok {
			o.recordHit(types.TierL2)
			o.backfill(ctx, key, entry.Value, o.config.L1)
			return Result{Value: entry.Value, Tier: types.TierL2}, nil
		}
	}

	if o.config.L3 != nil {
		if entry, ok := o.probe(ctx, o.config.L3, key); ok {
			o.recordHit(types.TierL3)
			o.backfill(ctx, key, entry.Value, o.config.L1, o.config.L2)
			return Result{Value: entry.Value, Tier: types.TierL3}, nil
		}
	}

	o.recordMiss()
	entry, ok := o.probe(ctx, o.config.L4, key)
	if !ok {
		entry.Value = json.RawMessage("null")
	}
	return Result{Value: entry.Value, Tier: types.TierL4}, nil
}

// Put writes value into the local tiers. ttlHint caps each tier's TTL when
// it is shorter; zero uses the tier defaults.
func (o *Orchestrator) Put(ctx context.Context, key string, value json.RawMessage, ttlHint time.Duration) error {
	if err := o.ValidateKey(key); err != nil {
		return err
	}
	if !json.Valid(value) {
		return errors.New(errors.ErrCodeMalformedPayload, "value is not valid json").
			WithComponent("cache").WithOperation("put").WithContext("key", key)
	}

	for _, t := range o.localTiers() {
		if err := t.Set(ctx, key, value, effectiveTTL(t.DefaultTTL(), ttlHint)); err != nil {
			return errors.Wrap(err, errors.CodeOf(err), "write "+t.Level().String()).
				WithComponent("cache").WithOperation("put").WithContext("key", key)
		}
	}
	return nil
}

// Invalidate removes key from the local tiers.
func (o *Orchestrator) Invalidate(ctx context.Context, key string) error {
	if err := o.ValidateKey(key); err != nil {
		return err
	}
	for _, t := range o.localTiers() {
		if err := t.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// ClearAll empties the local tiers.
func (o *Orchestrator) ClearAll(ctx context.Context) error {
	for _, t := range o.localTiers() {
		if err := t.Clear(ctx); err != nil {
			return err
		}
	}
	o.logger.Info("local cache tiers cleared")
	return nil
}

// WaitBackfill blocks until every back-fill started so far has finished.
func (o *Orchestrator) WaitBackfill() {
	o.backfills.Wait()
}

func (o *Orchestrator) localTiers() []WritableTier {
	tiers := []WritableTier{o.config.L1}
	if o.config.L2 != nil {
		tiers = append(tiers, o.config.L2)
	}
	return tiers
}

// probe reads one tier and absorbs its error.
func (o *Orchestrator) probe(ctx context.Context, t Tier, key string) (types.CacheEntry, bool) {
	entry, ok, err := t.Get(ctx, key)
	if err != nil {
		fields := []zap.Field{zap.String("tier", t.Level().String()), zap.String("key", key), zap.Error(err)}
		switch errors.CodeOf(err) {
		case errors.ErrCodeEntryNotFound:
		case errors.ErrCodeMalformedPayload:
			o.logger.Warn("malformed entry treated as miss", fields...)
		default:
			o.logger.Debug("tier unavailable, falling through", fields...)
		}
		return types.CacheEntry{}, false
	}
	return entry, ok
}

// backfill copies value into the target tiers without blocking the read.
// It survives cancellation of ctx and is bounded by BackfillTimeout.
func (o *Orchestrator) backfill(ctx context.Context, key string, value json.RawMessage, targets ...WritableTier) {
	detached := context.WithoutCancel(ctx)
	for _, t := range targets {
		if t == nil {
			continue
		}
		o.backfills.Add(1)
		go func(t WritableTier) {
			defer o.backfills.Done()
			ctx, cancel := context.WithTimeout(detached, o.config.BackfillTimeout)
			defer cancel()
			if err := t.Set(ctx, key, value, 0); err != nil {
				o.logger.Warn("back-fill failed",
					zap.String("tier", t.Level().String()), zap.String("key", key), zap.Error(err))
				if o.config.Metrics != nil {
					o.config.Metrics.RecordBackfillFailure(t.Level())
				}
			}
		}(t)
	}
}

func (o *Orchestrator) recordHit(tier types.Tier) {
	if o.config.Metrics != nil {
		o.config.Metrics.RecordHit(tier)
	}
}

func (o *Orchestrator) recordMiss() {
	if o.config.Metrics != nil {
		o.config.Metrics.RecordMiss()
	}
}
