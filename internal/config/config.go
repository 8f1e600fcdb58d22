package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/placesync/placesync/pkg/errors"
	"github.com/placesync/placesync/pkg/utils"
)

// Configuration is the complete placesync configuration.
type Configuration struct {
	Global       GlobalConfig       `yaml:"global"`
	Remote       RemoteConfig       `yaml:"remote"`
	Cache        CacheConfig        `yaml:"cache"`
	Queue        QueueConfig        `yaml:"queue"`
	Flags        FlagsConfig        `yaml:"flags"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	API          APIConfig          `yaml:"api"`
}

// GlobalConfig holds process-wide settings.
type GlobalConfig struct {
	Logging utils.LoggingConfig `yaml:"logging"`
	DataDir string              `yaml:"data_dir"`
}

// RemoteConfig describes the remote authority.
type RemoteConfig struct {
	Endpoint       string               `yaml:"endpoint"`
	APIKey         string               `yaml:"api_key"`
	Timeout        time.Duration        `yaml:"timeout"`
	HealthPath     string               `yaml:"health_path"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig bounds retries of a single remote read.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// CircuitBreakerConfig configures the breaker around remote calls.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// CacheConfig configures the four tiers and the orchestrator.
type CacheConfig struct {
	MaxKeyLength    int                  `yaml:"max_key_length"`
	BackfillTimeout time.Duration        `yaml:"backfill_timeout"`
	L1              MemoryTierConfig     `yaml:"l1"`
	L2              PersistentTierConfig `yaml:"l2"`
	L3              RemoteTierConfig     `yaml:"l3"`
	L4              FallbackTierConfig   `yaml:"l4"`
}

// MemoryTierConfig configures the volatile tier.
type MemoryTierConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// PersistentTierConfig configures the on-device tier.
type PersistentTierConfig struct {
	Enabled       bool          `yaml:"enabled"`
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Compression   bool          `yaml:"compression"`
}

// RemoteTierConfig configures the remote authoritative tier.
type RemoteTierConfig struct {
	Enabled bool `yaml:"enabled"`
	// Backend is "http" or "redis".
	Backend string `yaml:"backend"`
	// StaleBudget bounds how old a stale record may be. Zero accepts any
	// record the authority still marks stale.
	StaleBudget time.Duration `yaml:"stale_budget"`
	Redis       RedisConfig   `yaml:"redis"`
}

// RedisConfig configures the Redis-backed remote tier.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	KeyPrefix   string        `yaml:"key_prefix"`
	Timeout     time.Duration `yaml:"timeout"`
	StaleWindow time.Duration `yaml:"stale_window"`
}

// FallbackTierConfig configures the static dataset.
type FallbackTierConfig struct {
	// Source is "file", "s3" or "none".
	Source       string   `yaml:"source"`
	Path         string   `yaml:"path"`
	DefaultValue string   `yaml:"default_value"`
	S3           S3Config `yaml:"s3"`
}

// S3Config locates a bundle in object storage.
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Key          string `yaml:"key"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
}

// QueueConfig configures the offline mutation queue.
type QueueConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	DrainInterval time.Duration `yaml:"drain_interval"`
}

// FlagsConfig configures the feature flag evaluator.
type FlagsConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// ConnectivityConfig configures online/offline detection.
type ConnectivityConfig struct {
	ProbeEnabled  bool          `yaml:"probe_enabled"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
}

// MetricsConfig configures Prometheus export.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Path      string `yaml:"path"`
}

// APIConfig configures the control HTTP API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// NewDefault returns the default configuration. Remote.Endpoint has no
// default and must be supplied.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			Logging: utils.LoggingConfig{Level: "info", Format: "json"},
			DataDir: "~/.placesync",
		},
		Remote: RemoteConfig{
			Timeout:    10 * time.Second,
			HealthPath: "/health",
			Retry: RetryConfig{
				MaxAttempts:  3,
				InitialDelay: 100 * time.Millisecond,
				MaxDelay:     2 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Timeout:          30 * time.Second,
			},
		},
		Cache: CacheConfig{
			MaxKeyLength:    512,
			BackfillTimeout: 5 * time.Second,
			L1: MemoryTierConfig{
				TTL:        30 * time.Second,
				MaxEntries: 500,
			},
			L2: PersistentTierConfig{
				Enabled:       true,
				TTL:           24 * time.Hour,
				SweepInterval: 10 * time.Minute,
				Compression:   true,
			},
			L3: RemoteTierConfig{
				Enabled:     true,
				Backend:     "http",
				StaleBudget: 15 * time.Minute,
				Redis: RedisConfig{
					Addr:        "localhost:6379",
					KeyPrefix:   "placesync:",
					Timeout:     time.Second,
					StaleWindow: 15 * time.Minute,
				},
			},
			L4: FallbackTierConfig{
				Source:       "none",
				DefaultValue: "[]",
			},
		},
		Queue: QueueConfig{
			MaxRetries:    5,
			DrainInterval: 30 * time.Second,
		},
		Flags: FlagsConfig{
			CacheTTL: 5 * time.Minute,
		},
		Connectivity: ConnectivityConfig{
			ProbeEnabled:  true,
			ProbeInterval: 15 * time.Second,
			ProbeTimeout:  3 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "placesync",
			Path:      "/metrics",
		},
		API: APIConfig{
			Enabled: true,
			Address: "127.0.0.1:8790",
		},
	}
}

// LoadFromFile overlays a YAML file onto c.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to read config file").
			WithContext("file", filename)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to parse config file").
			WithContext("file", filename)
	}
	return nil
}

// LoadFromEnv overlays PLACESYNC_* environment variables onto c.
func (c *Configuration) LoadFromEnv() error {
	return c.loadFromLookup(os.LookupEnv)
}

func (c *Configuration) loadFromLookup(lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		v, ok := lookup("PLACESYNC_" + name)
		return v, ok && v != ""
	}
	var bad []string
	duration := func(name string, dst *time.Duration) {
		if v, ok := get(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				bad = append(bad, name)
				return
			}
			*dst = d
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := get(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				bad = append(bad, name)
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := get(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				bad = append(bad, name)
				return
			}
			*dst = b
		}
	}
	str := func(name string, dst *string) {
		if v, ok := get(name); ok {
			*dst = v
		}
	}

	str("LOG_LEVEL", &c.Global.Logging.Level)
	str("LOG_FORMAT", &c.Global.Logging.Format)
	str("LOG_FILE", &c.Global.Logging.File)
	str("DATA_DIR", &c.Global.DataDir)

	str("REMOTE_ENDPOINT", &c.Remote.Endpoint)
	str("REMOTE_API_KEY", &c.Remote.APIKey)
	duration("REMOTE_TIMEOUT", &c.Remote.Timeout)

	integer("L1_MAX_ENTRIES", &c.Cache.L1.MaxEntries)
	duration("L1_TTL", &c.Cache.L1.TTL)
	duration("L2_TTL", &c.Cache.L2.TTL)
	boolean("L3_ENABLED", &c.Cache.L3.Enabled)
	str("L3_BACKEND", &c.Cache.L3.Backend)
	duration("STALE_BUDGET", &c.Cache.L3.StaleBudget)
	str("REDIS_ADDR", &c.Cache.L3.Redis.Addr)
	str("REDIS_PASSWORD", &c.Cache.L3.Redis.Password)
	str("L4_SOURCE", &c.Cache.L4.Source)
	str("L4_PATH", &c.Cache.L4.Path)
	str("L4_S3_BUCKET", &c.Cache.L4.S3.Bucket)
	str("L4_S3_KEY", &c.Cache.L4.S3.Key)

	integer("QUEUE_MAX_RETRIES", &c.Queue.MaxRetries)
	duration("QUEUE_DRAIN_INTERVAL", &c.Queue.DrainInterval)
	duration("FLAGS_CACHE_TTL", &c.Flags.CacheTTL)

	boolean("METRICS_ENABLED", &c.Metrics.Enabled)
	boolean("API_ENABLED", &c.API.Enabled)
	str("API_ADDRESS", &c.API.Address)

	if len(bad) > 0 {
		return errors.Newf(errors.ErrCodeInvalidConfig, "invalid environment values: %s", strings.Join(bad, ", "))
	}
	return nil
}

// SaveToFile writes c as YAML.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigSave, "failed to marshal config")
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0o750); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigSave, "failed to create config directory")
	}
	if err := os.WriteFile(filename, data, 0o600); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigSave, "failed to write config file")
	}
	return nil
}

// Validate rejects configurations the engine cannot start with.
func (c *Configuration) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return errors.Newf(errors.ErrCodeInvalidConfig, format, args...).WithComponent("config")
	}

	if c.Remote.Endpoint == "" {
		return errors.New(errors.ErrCodeMissingConfig, "remote.endpoint is required").WithComponent("config")
	}
	u, err := url.Parse(c.Remote.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalid("remote.endpoint must be an http(s) URL: %q", c.Remote.Endpoint)
	}
	if c.Global.DataDir == "" {
		return errors.New(errors.ErrCodeMissingConfig, "global.data_dir is required").WithComponent("config")
	}
	if _, err := utils.ParseLevel(c.Global.Logging.Level); err != nil {
		return invalid("%v", err)
	}
	switch strings.ToLower(c.Global.Logging.Format) {
	case "", "json", "console", "text":
	default:
		return invalid("invalid logging.format: %s", c.Global.Logging.Format)
	}
	if c.Remote.Timeout <= 0 {
		return invalid("remote.timeout must be positive")
	}
	if c.Cache.MaxKeyLength <= 0 {
		return invalid("cache.max_key_length must be positive")
	}
	if c.Cache.L1.MaxEntries <= 0 {
		return invalid("cache.l1.max_entries must be positive")
	}
	if c.Cache.L1.TTL <= 0 {
		return invalid("cache.l1.ttl must be positive")
	}
	if c.Cache.L2.Enabled && c.Cache.L2.TTL < 0 {
		return invalid("cache.l2.ttl must not be negative")
	}
	if c.Cache.L3.StaleBudget < 0 {
		return invalid("cache.l3.stale_budget must not be negative")
	}
	if c.Cache.L3.Enabled {
		switch c.Cache.L3.Backend {
		case "http":
		case "redis":
			if c.Cache.L3.Redis.Addr == "" {
				return errors.New(errors.ErrCodeMissingConfig, "cache.l3.redis.addr is required for the redis backend").
					WithComponent("config")
			}
		default:
			return invalid("unknown cache.l3.backend %q (must be http or redis)", c.Cache.L3.Backend)
		}
	}
	switch c.Cache.L4.Source {
	case "", "none":
	case "file":
		if c.Cache.L4.Path == "" {
			return errors.New(errors.ErrCodeMissingConfig, "cache.l4.path is required for the file source").
				WithComponent("config")
		}
	case "s3":
		if c.Cache.L4.S3.Bucket == "" || c.Cache.L4.S3.Key == "" {
			return errors.New(errors.ErrCodeMissingConfig, "cache.l4.s3.bucket and key are required for the s3 source").
				WithComponent("config")
		}
	default:
		return invalid("unknown cache.l4.source %q", c.Cache.L4.Source)
	}
	if c.Queue.MaxRetries <= 0 {
		return invalid("queue.max_retries must be positive")
	}
	if c.Queue.DrainInterval <= 0 {
		return invalid("queue.drain_interval must be positive")
	}
	if c.Flags.CacheTTL <= 0 {
		return invalid("flags.cache_ttl must be positive")
	}
	if c.API.Enabled && c.API.Address == "" {
		return invalid("api.address is required when the api is enabled")
	}
	return nil
}

// ResolveDataDir returns DataDir with a leading ~ expanded.
func (c *Configuration) ResolveDataDir() string {
	home, _ := os.UserHomeDir()
	return utils.ExpandHome(c.Global.DataDir, home)
}

// String renders the configuration with secrets masked.
func (c *Configuration) String() string {
	masked := *c
	if masked.Remote.APIKey != "" {
		masked.Remote.APIKey = "****"
	}
	if masked.Cache.L3.Redis.Password != "" {
		masked.Cache.L3.Redis.Password = "****"
	}
	if masked.Cache.L4.S3.SecretKey != "" {
		masked.Cache.L4.S3.SecretKey = "****"
	}
	data, err := yaml.Marshal(&masked)
	if err != nil {
		return fmt.Sprintf("<config: %v>", err)
	}
	return string(data)
}
