// Package flags evaluates remotely managed feature flags.
package flags

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/placesync/placesync/internal/coalesce"
	"github.com/placesync/placesync/pkg/errors"
	"github.com/placesync/placesync/pkg/types"
	"github.com/placesync/placesync/pkg/utils"
)

// DefaultCacheTTL is how long a bulk fetch is reused.
const DefaultCacheTTL = 5 * time.Minute

const fetchKey = "flags"

// Metrics observes evaluations.
type Metrics interface {
	RecordFlagEvaluation(flag string, enabled bool)
}

// Config configures an Evaluator.
type Config struct {
	Source   types.FlagSource
	CacheTTL time.Duration
	Metrics  Metrics
	Logger   *zap.Logger
	Now      func() time.Time
}

// Evaluator answers flag checks from a cached bulk fetch.
type Evaluator struct {
	config Config
	logger *zap.Logger

	mu       sync.RWMutex
	flags    map[string]types.FeatureFlag
	loadedAt time.Time
	// generation is bumped by Invalidate so a fetch started earlier does
	// not overwrite the invalidation.
	generation uint64

	fetch coalesce.Group[map[string]types.FeatureFlag]
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(cfg Config) (*Evaluator, error) {
	if cfg.Source == nil {
		return nil, errors.New(errors.ErrCodeMissingConfig, "flag source is required").WithComponent("flags")
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Evaluator{config: cfg, logger: utils.OrNop(cfg.Logger).Named("flags")}, nil
}

// Bucket places a user in [0, 100) for a flag. The result depends only on
// the flag name and user ID.
func Bucket(flagName, userID string) int {
	return int(xxhash.Sum64String(flagName+userID) % 100)
}

// Evaluate applies the decision rules to one flag: disabled wins, then the
// user allow-list, then the region allow-list, then percentage rollout.
func Evaluate(flag types.FeatureFlag, userID, region string) bool {
	if !flag.Enabled {
		return false
	}
	if len(flag.UserIDs) > 0 {
		return userID != "" && contains(flag.UserIDs, userID)
	}
	if len(flag.Regions) > 0 {
		return region != "" && contains(flag.Regions, region)
	}
	switch {
	case flag.RolloutPercentage <= 0:
		return false
	case flag.RolloutPercentage >= 100:
		return true
	default:
		return Bucket(flag.Name, userID) < flag.RolloutPercentage
	}
}

// IsEnabled reports whether flagName is on for the user. Unknown flags and
// fetch failures evaluate to false.
func (e *Evaluator) IsEnabled(ctx context.Context, flagName, userID, region string) bool {
	flags, err := e.load(ctx)
	if err != nil {
		e.logger.Warn("flag fetch failed, evaluating closed", zap.String("flag", flagName), zap.Error(err))
		e.record(flagName, false)
		return false
	}
	flag, ok := flags[flagName]
	if !ok {
		e.logger.Debug("unknown flag", zap.String("flag", flagName))
		e.record(flagName, false)
		return false
	}
	enabled := Evaluate(flag, userID, region)
	e.record(flagName, enabled)
	return enabled
}

// GetAllFlags returns every flag sorted by name.
func (e *Evaluator) GetAllFlags(ctx context.Context) ([]types.FeatureFlag, error) {
	flags, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.FeatureFlag, 0, len(flags))
	for _, f := range flags {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Flag returns one flag or FLAG_NOT_FOUND.
func (e *Evaluator) Flag(ctx context.Context, name string) (types.FeatureFlag, error) {
	flags, err := e.load(ctx)
	if err != nil {
		return types.FeatureFlag{}, err
	}
	f, ok := flags[name]
	if !ok {
		return types.FeatureFlag{}, errors.Newf(errors.ErrCodeFlagNotFound, "flag %q not found", name).
			WithComponent("flags")
	}
	return f, nil
}

// ToggleFlag flips a flag remotely and drops the cache.
func (e *Evaluator) ToggleFlag(ctx context.Context, name string) (types.FeatureFlag, error) {
	f, err := e.config.Source.ToggleFlag(ctx, name)
	if err != nil {
		return types.FeatureFlag{}, err
	}
	e.Invalidate()
	e.logger.Info("flag toggled", zap.String("flag", name), zap.Bool("enabled", f.Enabled))
	return f, nil
}

// UpdateFlag applies patch remotely and drops the cache.
func (e *Evaluator) UpdateFlag(ctx context.Context, name string, patch types.FlagPatch) (types.FeatureFlag, error) {
	if patch.RolloutPercentage != nil && (*patch.RolloutPercentage < 0 || *patch.RolloutPercentage > 100) {
		return types.FeatureFlag{}, errors.New(errors.ErrCodeInvalidConfig, "rollout percentage must be between 0 and 100").
			WithComponent("flags").WithContext("flag", name)
	}
	f, err := e.config.Source.UpdateFlag(ctx, name, patch)
	if err != nil {
		return types.FeatureFlag{}, err
	}
	e.Invalidate()
	e.logger.Info("flag updated", zap.String("flag", name))
	return f, nil
}

// CreateFlag creates a flag remotely and drops the cache.
func (e *Evaluator) CreateFlag(ctx context.Context, flag types.FeatureFlag) (types.FeatureFlag, error) {
	if flag.Name == "" {
		return types.FeatureFlag{}, errors.New(errors.ErrCodeInvalidConfig, "flag name is required").WithComponent("flags")
	}
	if flag.RolloutPercentage < 0 || flag.RolloutPercentage > 100 {
		return types.FeatureFlag{}, errors.New(errors.ErrCodeInvalidConfig, "rollout percentage must be between 0 and 100").
			WithComponent("flags").WithContext("flag", flag.Name)
	}
	f, err := e.config.Source.CreateFlag(ctx, flag)
	if err != nil {
		return types.FeatureFlag{}, err
	}
	e.Invalidate()
	e.logger.Info("flag created", zap.String("flag", f.Name))
	return f, nil
}

// Invalidate drops the cached flags so the next read refetches. A fetch
// already in flight is detached; later reads do not join it.
func (e *Evaluator) Invalidate() {
	e.mu.Lock()
	e.flags = nil
	e.loadedAt = time.Time{}
	e.generation++
	e.mu.Unlock()
	e.fetch.Forget(fetchKey)
}

func (e *Evaluator) load(ctx context.Context) (map[string]types.FeatureFlag, error) {
	e.mu.RLock()
	flags, loadedAt := e.flags, e.loadedAt
	e.mu.RUnlock()
	if flags != nil && e.config.Now().Sub(loadedAt) < e.config.CacheTTL {
		return flags, nil
	}

	flags, _, err := e.fetch.Do(ctx, fetchKey, e.refresh)
	return flags, err
}

func (e *Evaluator) refresh(ctx context.Context) (map[string]types.FeatureFlag, error) {
	e.mu.RLock()
	gen := e.generation
	e.mu.RUnlock()

	list, err := e.config.Source.FetchFlags(ctx)
	if err != nil {
		return nil, err
	}
	flags := make(map[string]types.FeatureFlag, len(list))
	for _, f := range list {
		flags[f.Name] = f
	}

	e.mu.Lock()
	if e.generation == gen {
		e.flags = flags
		e.loadedAt = e.config.Now()
	}
	e.mu.Unlock()

	e.logger.Debug("flags refreshed", zap.Int("count", len(flags)))
	return flags, nil
}

func (e *Evaluator) record(flag string, enabled bool) {
	if e.config.Metrics != nil {
		e.config.Metrics.RecordFlagEvaluation(flag, enabled)
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
