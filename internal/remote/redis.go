package remote

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/placesync/placesync/pkg/errors"
	"github.com/placesync/placesync/pkg/types"
	"github.com/placesync/placesync/pkg/utils"
)

// RedisCacheOpts configures a RedisCache.
type RedisCacheOpts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when RedisCache.Close is called. Optional.
	ClientCloser io.Closer

	// ClientTimeout bounds each read and write. Default is one second.
	ClientTimeout time.Duration

	KeyPrefix string

	// StaleWindow is how long past its expiry a record is still served as
	// stale before it is reported expired.
	StaleWindow time.Duration

	Logger *zap.Logger
	Now    func() time.Time
}

func (opts *RedisCacheOpts) init() error {
	if opts.Client == nil {
		return errors.New(errors.ErrCodeMissingConfig, "nil redis client").WithComponent("remote")
	}
	if opts.ClientTimeout <= 0 {
		opts.ClientTimeout = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.Logger = utils.OrNop(opts.Logger)
	return nil
}

// RedisCache is a remote authoritative cache backed by a shared Redis
// table. Each value is stored with the time it was written and the time it
// stops being fresh.
type RedisCache struct {
	opts           RedisCacheOpts
	clientDisabled uint32
}

// NewRedisCache creates a RedisCache.
func NewRedisCache(opts RedisCacheOpts) (*RedisCache, error) {
	if err := opts.init(); err != nil {
		return nil, err
	}
	return &RedisCache{opts: opts}, nil
}

func (r *RedisCache) disabled() bool {
	return atomic.LoadUint32(&r.clientDisabled) != 0
}

// disableClient stops using redis until a ping succeeds.
func (r *RedisCache) disableClient() {
	if atomic.CompareAndSwapUint32(&r.clientDisabled, 0, 1) {
		r.opts.Logger.Warn("redis temporarily disabled")
		go func() {
			const maxBackoff = 30 * time.Second
			backoff := 100 * time.Millisecond
			for {
				time.Sleep(backoff)
				ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
				err := r.opts.Client.Ping(ctx).Err()
				cancel()
				if err != nil {
					if backoff >= maxBackoff {
						backoff = maxBackoff
					} else {
						backoff += time.Duration(rand.Intn(1000))*time.Millisecond + time.Second
					}
					r.opts.Logger.Warn("redis ping failed", zap.Error(err), zap.Duration("next_ping", backoff))
					continue
				}
				atomic.StoreUint32(&r.clientDisabled, 0)
				r.opts.Logger.Info("redis re-enabled")
				return
			}
		}()
	}
}

// Lookup implements types.RemoteCache.
func (r *RedisCache) Lookup(ctx context.Context, key string) (types.RemoteRecord, error) {
	if r.disabled() {
		return types.RemoteRecord{}, errors.New(errors.ErrCodeRemoteUnavailable, "redis disabled").
			WithComponent("remote").WithOperation("redis_lookup")
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()

	b, err := r.opts.Client.Get(ctx, r.opts.KeyPrefix+key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return types.RemoteRecord{}, errors.New(errors.ErrCodeEntryNotFound, "no record").
				WithComponent("remote").WithOperation("redis_lookup")
		}
		r.opts.Logger.Warn("redis get", zap.Error(err))
		r.disableClient()
		return types.RemoteRecord{}, errors.Wrap(err, errors.ErrCodeRemoteUnavailable, "redis get").
			WithComponent("remote").WithOperation("redis_lookup")
	}

	storedAt, freshUntil, v, err := unpackRedisValue(b)
	if err != nil {
		return types.RemoteRecord{}, errors.Wrap(err, errors.ErrCodeMalformedPayload, "redis data unpack").
			WithComponent("remote").WithOperation("redis_lookup")
	}
	if !json.Valid(v) {
		return types.RemoteRecord{}, errors.New(errors.ErrCodeMalformedPayload, "redis value is not json").
			WithComponent("remote").WithOperation("redis_lookup")
	}

	now := r.opts.Now()
	freshness := types.FreshnessFresh
	switch {
	case now.Before(freshUntil):
	case now.Before(freshUntil.Add(r.opts.StaleWindow)):
		freshness = types.FreshnessStale
	default:
		freshness = types.FreshnessExpired
	}
	return types.RemoteRecord{Value: v, Freshness: freshness, ServedAt: storedAt}, nil
}

// Store writes value as fresh for ttl. Redis keeps it for ttl plus the
// stale window.
func (r *RedisCache) Store(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if r.disabled() {
		return errors.New(errors.ErrCodeRemoteUnavailable, "redis disabled").WithComponent("remote")
	}
	if ttl <= 0 {
		return nil
	}

	now := r.opts.Now()
	data := packRedisData(now, now.Add(ttl), value)

	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	if err := r.opts.Client.Set(ctx, r.opts.KeyPrefix+key, data, ttl+r.opts.StaleWindow).Err(); err != nil {
		r.opts.Logger.Warn("redis set", zap.Error(err))
		r.disableClient()
		return errors.Wrap(err, errors.ErrCodeRemoteUnavailable, "redis set").WithComponent("remote")
	}
	return nil
}

// Close closes the redis client.
func (r *RedisCache) Close() error {
	if f := r.opts.ClientCloser; f != nil {
		return f.Close()
	}
	return nil
}

// packRedisData prefixes v with the stored and fresh-until unix times.
func packRedisData(storedAt, freshUntil time.Time, v []byte) []byte {
	b := make([]byte, 16+len(v))
	binary.BigEndian.PutUint64(b[:8], uint64(storedAt.Unix()))
	binary.BigEndian.PutUint64(b[8:16], uint64(freshUntil.Unix()))
	copy(b[16:], v)
	return b
}

func unpackRedisValue(b []byte) (storedAt, freshUntil time.Time, v []byte, err error) {
	if len(b) < 16 {
		return time.Time{}, time.Time{}, nil, errors.New(errors.ErrCodeMalformedPayload, "value too short")
	}
	storedAt = time.Unix(int64(binary.BigEndian.Uint64(b[:8])), 0)
	freshUntil = time.Unix(int64(binary.BigEndian.Uint64(b[8:16])), 0)
	return storedAt, freshUntil, b[16:], nil
}
