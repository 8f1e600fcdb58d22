package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/placesync/placesync/pkg/types"
)

// Config represents metrics configuration.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Path      string `yaml:"path"`

	Now func() time.Time `yaml:"-"`
}

// Collector counts cache decisions for the session and mirrors them, plus
// queue and remote call activity, into a Prometheus registry.
type Collector struct {
	mu     sync.RWMutex
	config Config

	totalQueries uint64
	hits         uint64
	misses       uint64
	tierHits     map[types.Tier]uint64
	sessionStart time.Time

	registry         *prometheus.Registry
	cacheRequests    *prometheus.CounterVec
	backfillFailures *prometheus.CounterVec
	remoteDuration   *prometheus.HistogramVec
	mutations        *prometheus.CounterVec
	queueDepth       *prometheus.GaugeVec
	flagEvaluations  *prometheus.CounterVec
}

// NewCollector creates a collector. With metrics disabled the session
// counters still work and the Prometheus side is skipped.
func NewCollector(config Config) (*Collector, error) {
	if config.Namespace == "" {
		config.Namespace = "placesync"
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	c := &Collector{
		config:       config,
		tierHits:     make(map[types.Tier]uint64),
		sessionStart: config.Now(),
	}
	if !config.Enabled {
		return c, nil
	}

	c.registry = prometheus.NewRegistry()
	c.initMetrics()
	for _, m := range []prometheus.Collector{
		c.cacheRequests,
		c.backfillFailures,
		c.remoteDuration,
		c.mutations,
		c.queueDepth,
		c.flagEvaluations,
	} {
		if err := c.registry.Register(m); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// RecordHit records a query answered by tier.
func (c *Collector) RecordHit(tier types.Tier) {
	c.mu.Lock()
	c.totalQueries++
	c.hits++
	c.tierHits[tier]++
	c.mu.Unlock()

	if c.registry != nil {
		c.cacheRequests.WithLabelValues("hit", tier.String()).Inc()
	}
}

// RecordMiss records a query no real tier could answer.
func (c *Collector) RecordMiss() {
	c.mu.Lock()
	c.totalQueries++
	c.misses++
	c.mu.Unlock()

	if c.registry != nil {
		c.cacheRequests.WithLabelValues("miss", types.TierL4.String()).Inc()
	}
}

// Snapshot returns a copy of the session counters.
func (c *Collector) Snapshot() types.CacheMetricsSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tierHits := make(map[types.Tier]uint64, len(c.tierHits))
	for t, n := range c.tierHits {
		tierHits[t] = n
	}

	snap := types.CacheMetricsSnapshot{
		TotalQueries: c.totalQueries,
		CacheHits:    c.hits,
		CacheMisses:  c.misses,
		TierHits:     tierHits,
		SessionStart: c.sessionStart,
	}
	if c.totalQueries > 0 {
		snap.HitRate = float64(c.hits) / float64(c.totalQueries)
	}
	return snap
}

// Reset zeroes the session counters and starts a new session. Prometheus
// counters are monotonic and are not reset.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalQueries = 0
	c.hits = 0
	c.misses = 0
	c.tierHits = make(map[types.Tier]uint64)
	c.sessionStart = c.config.Now()
}

// RecordBackfillFailure counts a failed write into a faster tier.
func (c *Collector) RecordBackfillFailure(tier types.Tier) {
	if c.registry != nil {
		c.backfillFailures.WithLabelValues(tier.String()).Inc()
	}
}

// ObserveRemote records the latency and outcome of a remote call.
func (c *Collector) ObserveRemote(operation string, d time.Duration, err error) {
	if c.registry == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.remoteDuration.WithLabelValues(operation, status).Observe(d.Seconds())
}

// RecordMutation counts a mutation outcome. Outcomes are the queue's
// lifecycle labels: enqueued, succeeded, failed, dead_lettered, requeued
// and discarded.
func (c *Collector) RecordMutation(outcome string) {
	if c.registry != nil {
		c.mutations.WithLabelValues(outcome).Inc()
	}
}

// SetQueueDepth publishes the queue status.
func (c *Collector) SetQueueDepth(status types.QueueStatus) {
	if c.registry == nil {
		return
	}
	c.queueDepth.WithLabelValues(string(types.MutationPending)).Set(float64(status.Pending))
	c.queueDepth.WithLabelValues(string(types.MutationDeadLettered)).Set(float64(status.DeadLettered))
}

// RecordFlagEvaluation counts a flag decision.
func (c *Collector) RecordFlagEvaluation(flag string, enabled bool) {
	if c.registry == nil {
		return
	}
	result := "disabled"
	if enabled {
		result = "enabled"
	}
	c.flagEvaluations.WithLabelValues(flag, result).Inc()
}

// Handler serves the Prometheus registry, or 404 when metrics are disabled.
func (c *Collector) Handler() http.Handler {
	if c.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Path returns the configured metrics path.
func (c *Collector) Path() string {
	return c.config.Path
}

// Registry returns the Prometheus registry, nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) initMetrics() {
	ns := c.config.Namespace

	c.cacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "cache_requests_total",
			Help:      "Cache lookups by result and answering tier",
		},
		[]string{"result", "tier"},
	)

	c.backfillFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "cache_backfill_failures_total",
			Help:      "Failed back-fill writes by target tier",
		},
		[]string{"tier"},
	)

	c.remoteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "remote_request_duration_seconds",
			Help:      "Latency of calls to the remote authority",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"operation", "status"},
	)

	c.mutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "mutations_total",
			Help:      "Mutation outcomes",
		},
		[]string{"outcome"},
	)

	c.queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "queue_mutations",
			Help:      "Queued mutations by status",
		},
		[]string{"status"},
	)

	c.flagEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "flag_evaluations_total",
			Help:      "Feature flag evaluations by flag and result",
		},
		[]string{"flag", "result"},
	)
}
