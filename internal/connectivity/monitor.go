// Package connectivity tracks whether the remote authority is reachable.
package connectivity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/placesync/placesync/pkg/utils"
)

// State is the connectivity state.
type State int

const (
	// StateUnknown is the state before the first signal or probe.
	StateUnknown State = iota
	// StateOffline means the remote authority is unreachable.
	StateOffline
	// StateOnline means the remote authority answered the last probe or
	// the environment reported a connection.
	StateOnline
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateOnline:
		return "online"
	default:
		return "unknown"
	}
}

// ProbeFunc checks reachability. A nil error means online.
type ProbeFunc func(ctx context.Context) error

// Config configures a Monitor.
type Config struct {
	// Probe, when set, is called every ProbeInterval while online. While
	// offline it is retried with backoff starting at RetryDelay and capped
	// at ProbeInterval.
	Probe         ProbeFunc
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	RetryDelay    time.Duration

	// InitialState is reported until the first signal. Defaults to unknown,
	// which counts as offline for Online.
	InitialState State

	Logger *zap.Logger
}

// Stats describes the monitor for status endpoints.
type Stats struct {
	State       string     `json:"state"`
	Online      bool       `json:"online"`
	Since       *time.Time `json:"since,omitempty"`
	Transitions uint64     `json:"transitions"`
	LastError   string     `json:"last_error,omitempty"`
}

// Monitor holds the current connectivity state and fans out transitions.
type Monitor struct {
	config Config
	logger *zap.Logger

	mu          sync.RWMutex
	state       State
	since       time.Time
	lastError   error
	transitions uint64
	subscribers map[uint64]chan bool
	nextSub     uint64

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started int32
	stopped int32
}

// NewMonitor creates a monitor. Call Start to begin probing.
func NewMonitor(config Config) *Monitor {
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = 30 * time.Second
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 5 * time.Second
	}
	if config.RetryDelay <= 0 || config.RetryDelay > config.ProbeInterval {
		config.RetryDelay = minDuration(time.Second, config.ProbeInterval)
	}
	return &Monitor{
		config:      config,
		logger:      utils.OrNop(config.Logger).Named("connectivity"),
		state:       config.InitialState,
		subscribers: make(map[uint64]chan bool),
		stopCh:      make(chan struct{}),
	}
}

// Online reports whether the last known state is online.
func (m *Monitor) Online() bool {
	return m.State() == StateOnline
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// SetOnline records a connectivity signal from the environment.
func (m *Monitor) SetOnline(online bool) {
	if online {
		m.transition(StateOnline, nil)
	} else {
		m.transition(StateOffline, nil)
	}
}

// Subscribe returns a channel that receives the new state on every
// transition. Only the latest undelivered transition is kept for a slow
// reader. The returned function unsubscribes and closes the channel.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	ch := make(chan bool, 1)

	m.mu.Lock()
	m.nextSub++
	id := m.nextSub
	m.subscribers[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

// Stats returns a snapshot of the monitor.
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{State: m.state.String(), Online: m.state == StateOnline, Transitions: m.transitions}
	if !m.since.IsZero() {
		since := m.since
		s.Since = &since
	}
	if m.lastError != nil {
		s.LastError = m.lastError.Error()
	}
	return s
}

// Start probes once and then keeps probing in the background. It is a
// no-op without a Probe.
func (m *Monitor) Start(ctx context.Context) {
	if m.config.Probe == nil || !atomic.CompareAndSwapInt32(&m.started, 0, 1) {
		return
	}
	m.Check(ctx)

	m.wg.Add(1)
	go m.probeLoop()
}

// Check runs one probe and records the result.
func (m *Monitor) Check(ctx context.Context) State {
	if m.config.Probe == nil {
		return m.State()
	}
	ctx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	if err := m.config.Probe(ctx); err != nil {
		m.transition(StateOffline, err)
		return StateOffline
	}
	m.transition(StateOnline, nil)
	return StateOnline
}

// Stop ends probing and waits for the probe loop to exit.
func (m *Monitor) Stop() {
	if !atomic.CompareAndSwapInt32(&m.stopped, 0, 1) {
		return
	}
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) probeLoop() {
	defer m.wg.Done()

	var backoff time.Duration
	next := func() time.Duration {
		if m.Online() {
			backoff = 0
			return m.config.ProbeInterval
		}
		if backoff == 0 {
			backoff = m.config.RetryDelay
		} else {
			backoff = minDuration(backoff*2, m.config.ProbeInterval)
		}
		return backoff
	}

	timer := time.NewTimer(next())
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			m.Check(context.Background())
			timer.Reset(next())
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) transition(to State, err error) {
	m.mu.Lock()
	m.lastError = err
	if m.state == to {
		m.mu.Unlock()
		return
	}
	from := m.state
	m.state = to
	m.since = time.Now()
	m.transitions++
	online := to == StateOnline
	// Delivered under the lock so an unsubscribe cannot close a channel
	// mid-send.
	for _, ch := range m.subscribers {
		deliver(ch, online)
	}
	m.mu.Unlock()

	fields := []zap.Field{zap.Stringer("from", from), zap.Stringer("to", to)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	if online {
		m.logger.Info("remote reachable", fields...)
	} else {
		m.logger.Warn("remote unreachable", fields...)
	}
}

// deliver sends v without blocking, replacing an unread older value.
func deliver(ch chan bool, v bool) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
