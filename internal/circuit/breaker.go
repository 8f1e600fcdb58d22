package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/placesync/placesync/pkg/errors"
)

// State represents the breaker state.
type State int

const (
	// StateClosed lets calls through.
	StateClosed State = iota
	// StateOpen rejects calls until Timeout elapses.
	StateOpen
	// StateHalfOpen lets a limited number of probe calls through.
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config contains breaker configuration.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips the breaker.
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration `yaml:"timeout"`

	// MaxProbes is the number of calls allowed while half-open.
	MaxProbes uint32 `yaml:"max_probes"`

	OnStateChange func(name string, from, to State) `yaml:"-"`

	// IsFailure decides whether an error counts against the remote.
	// Defaults to errors.IsRetryable, so rejections and malformed
	// payloads do not trip the breaker.
	IsFailure func(err error) bool `yaml:"-"`

	Now func() time.Time `yaml:"-"`
}

// Counts holds request statistics for the current state.
type Counts struct {
	Requests             uint32 `json:"requests"`
	TotalFailures        uint32 `json:"total_failures"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
}

// Breaker guards calls to the remote authority.
type Breaker struct {
	name   string
	config Config

	mu       sync.Mutex
	state    State
	counts   Counts
	openedAt time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, config Config) *Breaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxProbes == 0 {
		config.MaxProbes = 1
	}
	if config.IsFailure == nil {
		config.IsFailure = errors.IsRetryable
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Breaker{name: name, config: config}
}

// Execute runs fn if the breaker allows it. A rejected call returns a
// retryable CIRCUIT_OPEN error without invoking fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn(ctx)
	b.after(err)
	return err
}

// Allow reports whether a call would currently be let through.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.current() {
	case StateOpen:
		return false
	case StateHalfOpen:
		return b.counts.Requests < b.config.MaxProbes
	default:
		return true
	}
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.current() {
	case StateOpen:
		return errors.New(errors.ErrCodeCircuitOpen, "remote circuit is open").
			WithComponent("circuit").WithContext("breaker", b.name)
	case StateHalfOpen:
		if b.counts.Requests >= b.config.MaxProbes {
			return errors.New(errors.ErrCodeCircuitOpen, "remote circuit is probing").
				WithComponent("circuit").WithContext("breaker", b.name)
		}
	}
	b.counts.Requests++
	return nil
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.current()
	if err != nil && b.config.IsFailure(err) {
		b.counts.TotalFailures++
		b.counts.ConsecutiveFailures++
		b.counts.ConsecutiveSuccesses = 0
		if state == StateHalfOpen || b.counts.ConsecutiveFailures >= b.config.FailureThreshold {
			b.setState(StateOpen)
		}
		return
	}

	b.counts.ConsecutiveSuccesses++
	b.counts.ConsecutiveFailures = 0
	if state == StateHalfOpen {
		b.setState(StateClosed)
	}
}

// current moves an expired open breaker to half-open. Caller holds mu.
func (b *Breaker) current() State {
	if b.state == StateOpen && b.config.Now().Sub(b.openedAt) >= b.config.Timeout {
		b.setState(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) setState(state State) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.counts = Counts{}
	if state == StateOpen {
		b.openedAt = b.config.Now()
	}
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, state)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current()
}

// Counts returns a copy of the current counts.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed)
	b.counts = Counts{}
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.name
}
