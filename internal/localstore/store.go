// Package localstore is the durable on-device key/value store backing the
// persistent cache tier and the offline mutation queue.
package localstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/golang/snappy"
	"go.uber.org/zap"

	"github.com/placesync/placesync/pkg/errors"
	"github.com/placesync/placesync/pkg/utils"
)

const indexFile = "index.json"

// Config configures the store.
type Config struct {
	Directory     string        `yaml:"directory"`
	Compression   bool          `yaml:"compression"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	Logger *zap.Logger       `yaml:"-"`
	Now    func() time.Time `yaml:"-"`
}

// Store keeps one directory per partition. Every value lives in its own
// file and each partition has a JSON index that is rewritten atomically on
// every mutation, so a successful Set survives a crash.
type Store struct {
	mu         sync.RWMutex
	config     Config
	logger     *zap.Logger
	partitions map[string]*partition

	stopCh chan struct{}
	wg     sync.WaitGroup
	closed bool
}

type partition struct {
	name  string
	dir   string
	index map[string]*item
}

type item struct {
	Key        string    `json:"key"`
	File       string    `json:"file"`
	StoredAt   time.Time `json:"stored_at"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	Compressed bool      `json:"compressed"`
	Checksum   string    `json:"checksum"`
	Size       int64     `json:"size"`
}

// Open opens or creates a store rooted at cfg.Directory and loads any
// existing partition indexes.
func Open(cfg Config) (*Store, error) {
	if cfg.Directory == "" {
		return nil, errors.New(errors.ErrCodeMissingConfig, "local store directory is required").
			WithComponent("localstore")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if err := os.MkdirAll(cfg.Directory, 0o750); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStoreUnavailable, "create store directory").
			WithComponent("localstore")
	}

	s := &Store{
		config:     cfg,
		logger:     utils.OrNop(cfg.Logger).Named("localstore"),
		partitions: make(map[string]*partition),
		stopCh:     make(chan struct{}),
	}

	entries, err := os.ReadDir(cfg.Directory)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStoreUnavailable, "read store directory").
			WithComponent("localstore")
	}
	for _, e := range entries {
		if !e.IsDir() || utils.ValidatePartition(e.Name()) != nil {
			continue
		}
		p, err := s.loadPartition(e.Name())
		if err != nil {
			s.logger.Warn("discarding unreadable partition index", zap.String("partition", e.Name()), zap.Error(err))
			p = &partition{name: e.Name(), dir: filepath.Join(cfg.Directory, e.Name()), index: make(map[string]*item)}
		}
		s.partitions[p.name] = p
	}

	if cfg.SweepInterval > 0 {
		s.wg.Add(1)
		go s.sweepLoop(cfg.SweepInterval)
	}
	return s, nil
}

// Get returns the value stored under key. Expired entries are removed and
// reported as absent. An entry whose file is missing or fails its checksum
// is removed and reported with a MALFORMED_PAYLOAD error.
func (s *Store) Get(ctx context.Context, partitionName, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, false, s.closedErr("get")
	}
	p := s.partitions[partitionName]
	var it *item
	if p != nil {
		it = p.index[key]
	}
	if it == nil {
		s.mu.RUnlock()
		return nil, false, nil
	}
	if s.expired(it) {
		s.mu.RUnlock()
		s.evict(p, key, it)
		return nil, false, nil
	}
	data, err := s.readItem(p, it)
	s.mu.RUnlock()

	if err != nil {
		s.evict(p, key, it)
		return nil, false, errors.Wrap(err, errors.ErrCodeMalformedPayload, "corrupt local entry").
			WithComponent("localstore").WithOperation("get").
			WithContext("partition", partitionName).WithContext("key", key)
	}
	return data, true, nil
}

// evict removes key if it still maps to it.
func (s *Store) evict(p *partition, key string, it *item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || p.index[key] != it {
		return
	}
	s.removeLocked(p, key)
	if err := s.saveIndex(p); err != nil {
		s.logger.Warn("failed to persist index after eviction", zap.String("partition", p.name), zap.Error(err))
	}
}

// Set stores value under key. A ttl of zero never expires.
func (s *Store) Set(ctx context.Context, partitionName, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return s.closedErr("set")
	}
	p, err := s.partitionLocked(partitionName)
	if err != nil {
		return err
	}

	now := s.config.Now()
	sum := checksum(value)
	it := &item{
		Key:        key,
		File:       fileName(key, sum, s.config.Compression),
		StoredAt:   now,
		Compressed: s.config.Compression,
		Checksum:   sum,
	}
	if ttl > 0 {
		it.ExpiresAt = now.Add(ttl)
	}

	size, err := s.writeItem(p, it, value)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStoreUnavailable, "write local entry").
			WithComponent("localstore").WithOperation("set").
			WithContext("partition", partitionName).WithContext("key", key)
	}
	it.Size = size

	// Each value version has its own file, so the previous entry stays
	// readable until the index stops referring to it.
	prev := p.index[key]
	p.index[key] = it
	if err := s.saveIndex(p); err != nil {
		if prev != nil {
			p.index[key] = prev
		} else {
			delete(p.index, key)
		}
		if prev == nil || prev.File != it.File {
			_ = os.Remove(filepath.Join(p.dir, it.File))
		}
		return errors.Wrap(err, errors.ErrCodeStoreUnavailable, "persist partition index").
			WithComponent("localstore").WithOperation("set").
			WithContext("partition", partitionName)
	}
	if prev != nil && prev.File != it.File {
		_ = os.Remove(filepath.Join(p.dir, prev.File))
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, partitionName, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return s.closedErr("delete")
	}
	p := s.partitions[partitionName]
	if p == nil || p.index[key] == nil {
		return nil
	}
	s.removeLocked(p, key)
	if err := s.saveIndex(p); err != nil {
		return errors.Wrap(err, errors.ErrCodeStoreWrite, "persist partition index").
			WithComponent("localstore").WithOperation("delete")
	}
	return nil
}

// GetAll returns every live value in the partition. Corrupt and expired
// entries are dropped.
func (s *Store) GetAll(ctx context.Context, partitionName string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, s.closedErr("get_all")
	}
	out := make(map[string][]byte)
	p := s.partitions[partitionName]
	if p == nil {
		return out, nil
	}

	dirty := false
	for key, it := range p.index {
		if s.expired(it) {
			s.removeLocked(p, key)
			dirty = true
			continue
		}
		data, err := s.readItem(p, it)
		if err != nil {
			s.logger.Warn("dropping corrupt entry", zap.String("partition", partitionName), zap.String("key", key), zap.Error(err))
			s.removeLocked(p, key)
			dirty = true
			continue
		}
		out[key] = data
	}
	if dirty {
		_ = s.saveIndex(p)
	}
	return out, nil
}

// Keys returns the live keys of a partition in sorted order.
func (s *Store) Keys(partitionName string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := s.partitions[partitionName]
	if p == nil {
		return nil
	}
	keys := make([]string, 0, len(p.index))
	for k, it := range p.index {
		if !s.expired(it) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of indexed entries in a partition, expired or not.
func (s *Store) Len(partitionName string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p := s.partitions[partitionName]; p != nil {
		return len(p.index)
	}
	return 0
}

// Clear removes every entry of a partition.
func (s *Store) Clear(ctx context.Context, partitionName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return s.closedErr("clear")
	}
	p := s.partitions[partitionName]
	if p == nil {
		return nil
	}
	for key := range p.index {
		s.removeLocked(p, key)
	}
	return s.saveIndex(p)
}

// Sweep removes expired entries from every partition and returns how many
// were removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0
	}
	removed := 0
	for _, p := range s.partitions {
		n := 0
		for key, it := range p.index {
			if s.expired(it) {
				s.removeLocked(p, key)
				n++
			}
		}
		if n > 0 {
			if err := s.saveIndex(p); err != nil {
				s.logger.Warn("failed to persist index after sweep", zap.String("partition", p.name), zap.Error(err))
			}
			removed += n
		}
	}
	return removed
}

// Close stops the sweeper and flushes every index.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stopCh)
	var firstErr error
	for _, p := range s.partitions {
		if err := s.saveIndex(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.mu.Unlock()

	s.wg.Wait()
	return firstErr
}

func (s *Store) sweepLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Debug("swept expired entries", zap.Int("removed", n))
			}
		}
	}
}

func (s *Store) closedErr(op string) error {
	return errors.New(errors.ErrCodeStoreUnavailable, "local store is closed").
		WithComponent("localstore").WithOperation(op)
}

func (s *Store) expired(it *item) bool {
	return !it.ExpiresAt.IsZero() && !s.config.Now().Before(it.ExpiresAt)
}

func (s *Store) partitionLocked(name string) (*partition, error) {
	if p, ok := s.partitions[name]; ok {
		return p, nil
	}
	if err := utils.ValidatePartition(name); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidKey, "invalid partition").
			WithComponent("localstore")
	}
	dir, err := utils.SecureJoin(s.config.Directory, name)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidKey, "invalid partition").
			WithComponent("localstore")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStoreUnavailable, "create partition").
			WithComponent("localstore")
	}
	p := &partition{name: name, dir: dir, index: make(map[string]*item)}
	s.partitions[name] = p
	return p, nil
}

func (s *Store) removeLocked(p *partition, key string) {
	it, ok := p.index[key]
	if !ok {
		return
	}
	delete(p.index, key)
	_ = os.Remove(filepath.Join(p.dir, it.File))
}

func (s *Store) loadPartition(name string) (*partition, error) {
	dir := filepath.Join(s.config.Directory, name)
	p := &partition{name: name, dir: dir, index: make(map[string]*item)}

	data, err := os.ReadFile(filepath.Join(dir, indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return nil, err
	}

	var items map[string]*item
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode index: %w", err)
	}
	for key, it := range items {
		if it == nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, it.File)); err != nil {
			continue
		}
		p.index[key] = it
	}
	return p, nil
}

// saveIndex writes the partition index via a temp file and rename.
func (s *Store) saveIndex(p *partition) error {
	data, err := json.Marshal(p.index)
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(p.dir, indexFile), data)
}

func (s *Store) writeItem(p *partition, it *item, value []byte) (int64, error) {
	data := value
	if it.Compressed {
		data = snappy.Encode(nil, value)
	}
	if err := writeAtomic(filepath.Join(p.dir, it.File), data); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

func (s *Store) readItem(p *partition, it *item) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(p.dir, it.File))
	if err != nil {
		return nil, err
	}
	if it.Compressed {
		data, err = snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("decompress: %w", err)
		}
	}
	if checksum(data) != it.Checksum {
		return nil, fmt.Errorf("checksum mismatch")
	}
	return data, nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// fileName names one stored version of key. Equal names hold equal bytes.
func fileName(key, valueSum string, compressed bool) string {
	sum := sha256.Sum256([]byte(key))
	name := hex.EncodeToString(sum[:16]) + "-" + valueSum[:16]
	if compressed {
		name += ".sz"
	}
	return name + ".dat"
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
