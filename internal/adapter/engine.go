package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/placesync/placesync/internal/bundle"
	"github.com/placesync/placesync/internal/cache"
	"github.com/placesync/placesync/internal/circuit"
	"github.com/placesync/placesync/internal/config"
	"github.com/placesync/placesync/internal/connectivity"
	"github.com/placesync/placesync/internal/flags"
	"github.com/placesync/placesync/internal/localstore"
	"github.com/placesync/placesync/internal/metrics"
	"github.com/placesync/placesync/internal/queue"
	"github.com/placesync/placesync/internal/remote"
	"github.com/placesync/placesync/pkg/errors"
	"github.com/placesync/placesync/pkg/retry"
	"github.com/placesync/placesync/pkg/status"
	"github.com/placesync/placesync/pkg/types"
	"github.com/placesync/placesync/pkg/utils"
)

// Options overrides collaborators New would otherwise build from the
// configuration.
type Options struct {
	Logger     *zap.Logger
	Now        func() time.Time
	HTTPClient *http.Client
	// Bundle replaces the configured L4 source.
	Bundle bundle.Source
	// Redis replaces the client built from cache.l3.redis.
	Redis redis.Cmdable
}

// WriteResult is the immediate outcome of Write.
type WriteResult struct {
	ID     string `json:"id"`
	Queued bool   `json:"queued"`
}

// Status is the engine-wide status report.
type Status struct {
	Cache         types.CacheMetricsSnapshot `json:"cache"`
	L1            cache.MemoryStats          `json:"l1"`
	Queue         types.QueueStatus          `json:"queue"`
	Connectivity  connectivity.Stats         `json:"connectivity"`
	Circuit       string                     `json:"circuit,omitempty"`
	BundleEntries int                        `json:"bundle_entries"`
	Operations    *status.SystemStatus       `json:"operations"`
}

// Engine owns every placesync component.
type Engine struct {
	config *config.Configuration
	logger *zap.Logger
	opts   Options

	metrics  *metrics.Collector
	breaker  *circuit.Breaker
	client   *remote.Client
	redis    *remote.RedisCache
	store    *localstore.Store
	memory   *cache.Memory
	fallback *cache.Fallback
	cache    *cache.Orchestrator
	queue    *queue.Queue
	flags    *flags.Evaluator
	monitor  *connectivity.Monitor
	bundle   bundle.Source
	tracker  *status.Tracker

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New validates cfg and builds an Engine. Nothing runs in the background
// until Start.
func New(ctx context.Context, cfg *config.Configuration, opts Options) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New(errors.ErrCodeMissingConfig, "configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	e := &Engine{
		config:  cfg,
		logger:  utils.OrNop(opts.Logger),
		opts:    opts,
		tracker: status.NewTracker(status.TrackerConfig{Now: opts.Now}),
	}
	if err := e.build(ctx); err != nil {
		_ = e.closeResources()
		return nil, err
	}
	return e, nil
}

func (e *Engine) build(ctx context.Context) error {
	cfg := e.config

	var err error
	e.metrics, err = metrics.NewCollector(metrics.Config{
		Enabled:   cfg.Metrics.Enabled,
		Namespace: cfg.Metrics.Namespace,
		Path:      cfg.Metrics.Path,
		Now:       e.opts.Now,
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternalError, "create metrics collector")
	}

	if cfg.Remote.CircuitBreaker.Enabled {
		e.breaker = circuit.NewBreaker("remote", circuit.Config{
			FailureThreshold: uint32(cfg.Remote.CircuitBreaker.FailureThreshold),
			Timeout:          cfg.Remote.CircuitBreaker.Timeout,
			OnStateChange: func(name string, from, to circuit.State) {
				e.logger.Warn("circuit breaker state changed",
					zap.String("breaker", name), zap.Stringer("from", from), zap.Stringer("to", to))
			},
		})
	}

	e.client, err = remote.NewClient(remote.ClientConfig{
		Endpoint:   cfg.Remote.Endpoint,
		APIKey:     cfg.Remote.APIKey,
		Timeout:    cfg.Remote.Timeout,
		HealthPath: cfg.Remote.HealthPath,
		Retry: retry.New(retry.Config{
			MaxAttempts:  cfg.Remote.Retry.MaxAttempts,
			InitialDelay: cfg.Remote.Retry.InitialDelay,
			MaxDelay:     cfg.Remote.Retry.MaxDelay,
			Jitter:       true,
		}),
		Breaker:    e.breaker,
		Observer:   e.metrics,
		HTTPClient: e.opts.HTTPClient,
		Logger:     e.logger,
	})
	if err != nil {
		return err
	}

	e.store, err = localstore.Open(localstore.Config{
		Directory:     filepath.Join(cfg.ResolveDataDir(), "store"),
		Compression:   cfg.Cache.L2.Compression,
		SweepInterval: cfg.Cache.L2.SweepInterval,
		Logger:        e.logger,
		Now:           e.opts.Now,
	})
	if err != nil {
		return err
	}

	if err := e.buildCache(ctx); err != nil {
		return err
	}

	e.queue, err = queue.New(ctx, queue.Config{
		Store:      e.store,
		Transport:  e.client,
		MaxRetries: cfg.Queue.MaxRetries,
		Interval:   cfg.Queue.DrainInterval,
		OnDrain:    e.trackSync,
		Metrics:    e.metrics,
		Logger:     e.logger,
		Now:        e.opts.Now,
	})
	if err != nil {
		return err
	}

	e.flags, err = flags.NewEvaluator(flags.Config{
		Source:   e.client,
		CacheTTL: cfg.Flags.CacheTTL,
		Metrics:  e.metrics,
		Logger:   e.logger,
		Now:      e.opts.Now,
	})
	if err != nil {
		return err
	}

	monitorCfg := connectivity.Config{
		ProbeInterval: cfg.Connectivity.ProbeInterval,
		ProbeTimeout:  cfg.Connectivity.ProbeTimeout,
		Logger:        e.logger,
	}
	if cfg.Connectivity.ProbeEnabled {
		monitorCfg.Probe = e.client.Ping
	} else {
		monitorCfg.InitialState = connectivity.StateOnline
	}
	e.monitor = connectivity.NewMonitor(monitorCfg)
	return nil
}

func (e *Engine) buildCache(ctx context.Context) error {
	cfg := e.config.Cache

	e.memory = cache.NewMemory(cache.MemoryConfig{
		TTL:        cfg.L1.TTL,
		MaxEntries: cfg.L1.MaxEntries,
		Now:        e.opts.Now,
	})

	var l2 cache.WritableTier
	if cfg.L2.Enabled {
		l2 = cache.NewPersistent(e.store, cache.PersistentConfig{TTL: cfg.L2.TTL, Now: e.opts.Now, Logger: e.logger})
	}

	var l3 cache.Tier
	if cfg.L3.Enabled {
		source, err := e.remoteCache()
		if err != nil {
			return err
		}
		l3 = cache.NewRemote(source, cache.RemoteConfig{StaleBudget: cfg.L3.StaleBudget, Now: e.opts.Now})
	}

	e.fallback = cache.NewFallback(nil, json.RawMessage(cfg.L4.DefaultValue))
	if err := e.ReloadBundle(ctx); err != nil {
		// L4 still answers with the configured default.
		e.logger.Warn("fallback bundle unavailable", zap.Error(err))
	}

	var err error
	e.cache, err = cache.NewOrchestrator(cache.Config{
		L1:              e.memory,
		L2:              l2,
		L3:              l3,
		L4:              e.fallback,
		Metrics:         e.metrics,
		MaxKeyLength:    cfg.MaxKeyLength,
		BackfillTimeout: cfg.BackfillTimeout,
		Logger:          e.logger,
	})
	return err
}

func (e *Engine) remoteCache() (types.RemoteCache, error) {
	l3 := e.config.Cache.L3
	if l3.Backend != "redis" {
		return e.client, nil
	}

	opts := remote.RedisCacheOpts{
		Client:        e.opts.Redis,
		ClientTimeout: l3.Redis.Timeout,
		KeyPrefix:     l3.Redis.KeyPrefix,
		StaleWindow:   l3.Redis.StaleWindow,
		Logger:        e.logger,
		Now:           e.opts.Now,
	}
	if opts.Client == nil {
		client := redis.NewClient(&redis.Options{
			Addr:     l3.Redis.Addr,
			Password: l3.Redis.Password,
			DB:       l3.Redis.DB,
		})
		opts.Client = client
		opts.ClientCloser = client
	}
	rc, err := remote.NewRedisCache(opts)
	if err != nil {
		return nil, err
	}
	e.redis = rc
	return rc, nil
}

func (e *Engine) bundleSource(ctx context.Context) (bundle.Source, error) {
	if e.opts.Bundle != nil {
		return e.opts.Bundle, nil
	}
	l4 := e.config.Cache.L4
	switch l4.Source {
	case "file":
		home, _ := os.UserHomeDir()
		return bundle.FileSource{Path: utils.ExpandHome(l4.Path, home)}, nil
	case "s3":
		return bundle.NewS3Source(ctx, bundle.S3Config{
			Bucket:       l4.S3.Bucket,
			Key:          l4.S3.Key,
			Region:       l4.S3.Region,
			Endpoint:     l4.S3.Endpoint,
			UsePathStyle: l4.S3.UsePathStyle,
			AccessKey:    l4.S3.AccessKey,
			SecretKey:    l4.S3.SecretKey,
		})
	default:
		return bundle.StaticSource{Default: json.RawMessage(l4.DefaultValue)}, nil
	}
}

// ReloadBundle reloads the L4 dataset from its source. On failure the
// current dataset is kept.
func (e *Engine) ReloadBundle(ctx context.Context) (err error) {
	opID := e.tracker.StartOperation(status.OpBundleReload, map[string]interface{}{"source": e.config.Cache.L4.Source})
	var result interface{}
	defer func() { _ = e.tracker.Finish(opID, result, err) }()

	if e.bundle == nil {
		src, err := e.bundleSource(ctx)
		if err != nil {
			return err
		}
		e.bundle = src
	}
	b, err := e.bundle.Load(ctx)
	if err != nil {
		return err
	}
	def := b.Default
	if def == nil {
		def = json.RawMessage(e.config.Cache.L4.DefaultValue)
	}
	e.fallback.Replace(b.Entries, def)
	result = map[string]int{"entries": len(b.Entries)}
	e.logger.Info("fallback bundle loaded", zap.Int("entries", len(b.Entries)))
	return nil
}

// Start launches connectivity probing and the queue drain loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.monitor.Start(runCtx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		_ = e.queue.Run(runCtx, e.monitor)
	}()

	e.started = true
	e.logger.Info("engine started",
		zap.String("endpoint", e.config.Remote.Endpoint),
		zap.Stringer("connectivity", e.monitor.State()),
		zap.Int("pending_mutations", e.queue.Status().Pending))
	return nil
}

// Stop halts background work, waits for in-flight back-fills and closes
// the local store.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.started = false
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		e.monitor.Stop()
		e.cache.WaitBackfill()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Warn("shutdown timed out waiting for background work")
	}

	err := e.closeResources()
	e.logger.Info("engine stopped")
	return err
}

func (e *Engine) closeResources() error {
	var firstErr error
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			firstErr = err
		}
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Get reads key through the tiers.
func (e *Engine) Get(ctx context.Context, key string) (cache.Result, error) {
	return e.cache.Lookup(ctx, key)
}

// Write delivers m to the remote authority, queueing it when the remote is
// unreachable.
func (e *Engine) Write(ctx context.Context, m types.QueuedMutation) (WriteResult, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if err := queue.Validate(m); err != nil {
		return WriteResult{}, err
	}
	if err := e.client.CheckTarget(m.TargetURL); err != nil {
		return WriteResult{}, err
	}

	if e.monitor.State() != connectivity.StateOffline {
		err := e.client.Send(ctx, queue.RequestFor(m))
		if err == nil {
			e.metrics.RecordMutation(queue.OutcomeSucceeded)
			return WriteResult{ID: m.ID}, nil
		}
		if !errors.IsRetryable(err) {
			return WriteResult{ID: m.ID}, err
		}
		e.logger.Debug("direct write failed, queueing", zap.String("id", m.ID), zap.Error(err))
	}

	id, err := e.queue.Enqueue(ctx, m)
	if err != nil {
		return WriteResult{ID: m.ID}, err
	}
	return WriteResult{ID: id, Queued: true}, nil
}

// Sync drains the queue now.
func (e *Engine) Sync(ctx context.Context) (types.ProcessResult, error) {
	done := e.trackSync("manual")
	res, err := e.queue.ProcessQueue(ctx)
	done(res, err)
	return res, err
}

func (e *Engine) trackSync(trigger string) func(types.ProcessResult, error) {
	opID := e.tracker.StartOperation(status.OpSync, map[string]interface{}{"trigger": trigger})
	return func(res types.ProcessResult, err error) {
		_ = e.tracker.Finish(opID, res, err)
	}
}

// Status reports on every component.
func (e *Engine) Status() Status {
	s := Status{
		Cache:         e.metrics.Snapshot(),
		L1:            e.memory.Stats(),
		Queue:         e.queue.Status(),
		Connectivity:  e.monitor.Stats(),
		BundleEntries: e.fallback.Len(),
		Operations:    e.tracker.GetSystemStatus(),
	}
	if e.breaker != nil {
		s.Circuit = e.breaker.State().String()
	}
	return s
}

// Config returns the configuration the engine was built from.
func (e *Engine) Config() *config.Configuration { return e.config }

// Logger returns the engine logger.
func (e *Engine) Logger() *zap.Logger { return e.logger }

// Cache returns the cache orchestrator.
func (e *Engine) Cache() *cache.Orchestrator { return e.cache }

// Queue returns the mutation queue.
func (e *Engine) Queue() *queue.Queue { return e.queue }

// Flags returns the flag evaluator.
func (e *Engine) Flags() *flags.Evaluator { return e.flags }

// Operations returns the operation tracker for drains and bundle reloads.
func (e *Engine) Operations() *status.Tracker { return e.tracker }

// Metrics returns the metrics collector.
func (e *Engine) Metrics() *metrics.Collector { return e.metrics }

// Connectivity returns the connectivity monitor.
func (e *Engine) Connectivity() *connectivity.Monitor { return e.monitor }
