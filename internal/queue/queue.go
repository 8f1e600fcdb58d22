package queue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/placesync/placesync/internal/coalesce"
	"github.com/placesync/placesync/pkg/errors"
	"github.com/placesync/placesync/pkg/types"
	"github.com/placesync/placesync/pkg/utils"
)

// DefaultMaxRetries applies when neither the mutation nor Config sets one.
const DefaultMaxRetries = 5

// Mutation outcomes reported to Metrics.
const (
	OutcomeEnqueued     = "enqueued"
	OutcomeSucceeded    = "succeeded"
	OutcomeFailed       = "failed"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeRequeued     = "requeued"
	OutcomeDiscarded    = "discarded"
)

// Metrics observes queue activity.
type Metrics interface {
	RecordMutation(outcome string)
	SetQueueDepth(status types.QueueStatus)
}

// Config configures a Queue.
type Config struct {
	Store     types.KeyValueStore
	Transport types.Transport

	MaxRetries int
	// Interval is how often Run drains while online.
	Interval time.Duration

	// OnDrain, when set, is called as each background drain starts. The
	// returned function receives the outcome.
	OnDrain func(trigger string) func(types.ProcessResult, error)

	Metrics Metrics
	Logger  *zap.Logger
	Now     func() time.Time
}

// Event is delivered to OnChange observers after every state change.
type Event struct {
	Outcome  string               `json:"outcome"`
	Mutation types.QueuedMutation `json:"mutation"`
	Status   types.QueueStatus    `json:"status"`
}

type entry struct {
	m   types.QueuedMutation
	seq uint64
}

// Queue is the durable offline mutation queue.
type Queue struct {
	config Config
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
	seq     uint64

	drain coalesce.Group[types.ProcessResult]

	observersMu sync.RWMutex
	observers   map[uint64]func(Event)
	nextObs     uint64
}

// New opens the queue and loads mutations persisted by earlier runs.
func New(ctx context.Context, cfg Config) (*Queue, error) {
	if cfg.Store == nil {
		return nil, errors.New(errors.ErrCodeMissingConfig, "queue store is required").WithComponent("queue")
	}
	if cfg.Transport == nil {
		return nil, errors.New(errors.ErrCodeMissingConfig, "queue transport is required").WithComponent("queue")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	q := &Queue{
		config:    cfg,
		logger:    utils.OrNop(cfg.Logger).Named("queue"),
		entries:   make(map[string]*entry),
		observers: make(map[uint64]func(Event)),
	}
	if err := q.load(ctx); err != nil {
		return nil, err
	}
	q.publishDepth()
	return q, nil
}

func (q *Queue) load(ctx context.Context) error {
	raw, err := q.config.Store.GetAll(ctx, types.PartitionMutations)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStoreUnavailable, "load queued mutations").
			WithComponent("queue").WithOperation("load")
	}

	loaded := make([]*entry, 0, len(raw))
	for id, data := range raw {
		var m types.QueuedMutation
		if err := json.Unmarshal(data, &m); err != nil || m.ID != id {
			q.logger.Error("skipping unreadable queued mutation", zap.String("id", id), zap.Error(err))
			continue
		}
		loaded = append(loaded, &entry{m: m})
	}
	sort.Slice(loaded, func(i, j int) bool {
		if !loaded[i].m.CreatedAt.Equal(loaded[j].m.CreatedAt) {
			return loaded[i].m.CreatedAt.Before(loaded[j].m.CreatedAt)
		}
		return loaded[i].m.ID < loaded[j].m.ID
	})
	for _, e := range loaded {
		q.seq++
		e.seq = q.seq
		q.entries[e.m.ID] = e
	}
	if len(loaded) > 0 {
		q.logger.Info("restored queued mutations", zap.Int("count", len(loaded)))
	}
	return nil
}

// Enqueue persists m and returns its ID. A missing ID, CreatedAt or
// MaxRetries is filled in. Enqueueing an ID that is already queued is a
// no-op.
func (q *Queue) Enqueue(ctx context.Context, m types.QueuedMutation) (string, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if err := Validate(m); err != nil {
		return "", err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = q.config.Now()
	}
	if m.MaxRetries <= 0 {
		m.MaxRetries = q.config.MaxRetries
	}
	m.RetryCount = 0
	m.Status = types.MutationPending
	m.LastError = ""
	m.LastAttemptAt = time.Time{}

	q.mu.Lock()
	if _, exists := q.entries[m.ID]; exists {
		q.mu.Unlock()
		return m.ID, nil
	}
	if err := q.persist(ctx, m); err != nil {
		q.mu.Unlock()
		return "", err
	}
	q.seq++
	q.entries[m.ID] = &entry{m: m, seq: q.seq}
	q.mu.Unlock()

	q.logger.Debug("mutation queued",
		zap.String("id", m.ID), zap.String("method", m.Method),
		zap.String("target", m.TargetURL), zap.Stringer("priority", m.Priority))
	q.changed(OutcomeEnqueued, m)
	return m.ID, nil
}

// ProcessQueue drains pending mutations once. Concurrent callers share a
// single run.
func (q *Queue) ProcessQueue(ctx context.Context) (types.ProcessResult, error) {
	res, _, err := q.drain.Do(ctx, "drain", q.process)
	return res, err
}

func (q *Queue) process(ctx context.Context) (types.ProcessResult, error) {
	var res types.ProcessResult
	batch := q.Pending()
	if len(batch) == 0 {
		return res, nil
	}
	start := time.Now()

	for i, m := range batch {
		if err := ctx.Err(); err != nil {
			q.logger.Info("drain interrupted", zap.Int("remaining", len(batch)-i))
			return res, errors.Wrap(err, errors.ErrCodeOperationCanceled, "drain interrupted").
				WithComponent("queue").WithOperation("process")
		}

		err := q.config.Transport.Send(context.WithoutCancel(ctx), RequestFor(m))
		if errors.IsCode(err, errors.ErrCodeCircuitOpen) {
			// Not an attempt: the remote was never contacted.
			q.logger.Info("remote circuit open, stopping drain", zap.String("next", m.ID))
			return res, err
		}

		outcome := q.settle(ctx, m, err)
		switch outcome {
		case OutcomeSucceeded:
			res.Succeeded++
		case OutcomeDeadLettered:
			res.DeadLettered++
		case OutcomeFailed:
			res.Failed++
		}
	}

	q.logger.Info("drain finished",
		zap.Int("succeeded", res.Succeeded), zap.Int("failed", res.Failed),
		zap.Int("dead_lettered", res.DeadLettered), zap.Duration("took", time.Since(start)))
	return res, nil
}

// settle records the result of one delivery attempt and returns its outcome.
func (q *Queue) settle(ctx context.Context, sent types.QueuedMutation, sendErr error) string {
	q.mu.Lock()
	e, ok := q.entries[sent.ID]
	if !ok {
		// Discarded while in flight.
		q.mu.Unlock()
		return ""
	}

	if sendErr == nil {
		delete(q.entries, sent.ID)
		if err := q.config.Store.Delete(context.WithoutCancel(ctx), types.PartitionMutations, sent.ID); err != nil {
			q.logger.Warn("failed to remove delivered mutation", zap.String("id", sent.ID), zap.Error(err))
		}
		q.mu.Unlock()
		q.changed(OutcomeSucceeded, sent)
		return OutcomeSucceeded
	}

	m := e.m
	m.RetryCount++
	m.LastError = sendErr.Error()
	m.LastAttemptAt = q.config.Now()
	outcome := OutcomeFailed
	if m.RetryCount >= m.MaxRetries {
		m.Status = types.MutationDeadLettered
		outcome = OutcomeDeadLettered
	}
	e.m = m
	if err := q.persist(context.WithoutCancel(ctx), m); err != nil {
		q.logger.Warn("failed to persist retry state", zap.String("id", m.ID), zap.Error(err))
	}
	q.mu.Unlock()

	if outcome == OutcomeDeadLettered {
		q.logger.Error("mutation dead-lettered",
			zap.String("id", m.ID), zap.String("target", m.TargetURL),
			zap.Int("attempts", m.RetryCount), zap.String("last_error", m.LastError))
	} else {
		q.logger.Debug("mutation delivery failed",
			zap.String("id", m.ID), zap.Int("attempt", m.RetryCount), zap.Error(sendErr))
	}
	q.changed(outcome, m)
	return outcome
}

// Status counts pending and dead-lettered mutations.
func (q *Queue) Status() types.QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statusLocked()
}

func (q *Queue) statusLocked() types.QueueStatus {
	var s types.QueueStatus
	for _, e := range q.entries {
		if e.m.Status == types.MutationDeadLettered {
			s.DeadLettered++
		} else {
			s.Pending++
		}
	}
	return s
}

// Pending returns pending mutations in delivery order.
func (q *Queue) Pending() []types.QueuedMutation {
	return q.list(types.MutationPending)
}

// DeadLetters returns dead-lettered mutations, oldest first.
func (q *Queue) DeadLetters() []types.QueuedMutation {
	return q.list(types.MutationDeadLettered)
}

func (q *Queue) list(status types.MutationStatus) []types.QueuedMutation {
	q.mu.Lock()
	selected := make([]*entry, 0, len(q.entries))
	for _, e := range q.entries {
		if e.m.Status == status {
			selected = append(selected, e)
		}
	}
	q.mu.Unlock()

	if status == types.MutationPending {
		sort.Slice(selected, func(i, j int) bool { return before(selected[i], selected[j]) })
	} else {
		sort.Slice(selected, func(i, j int) bool { return selected[i].seq < selected[j].seq })
	}
	out := make([]types.QueuedMutation, len(selected))
	for i, e := range selected {
		out[i] = e.m
	}
	return out
}

// Requeue returns a dead-lettered mutation to pending with a reset
// RetryCount.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return notFound(id)
	}
	m := e.m
	m.RetryCount = 0
	m.Status = types.MutationPending
	if err := q.persist(ctx, m); err != nil {
		q.mu.Unlock()
		return err
	}
	e.m = m
	q.mu.Unlock()

	q.logger.Info("mutation requeued", zap.String("id", id))
	q.changed(OutcomeRequeued, m)
	return nil
}

// Discard permanently deletes a mutation.
func (q *Queue) Discard(ctx context.Context, id string) error {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return notFound(id)
	}
	if err := q.config.Store.Delete(ctx, types.PartitionMutations, id); err != nil {
		q.mu.Unlock()
		return errors.Wrap(err, errors.ErrCodeStoreUnavailable, "delete mutation").
			WithComponent("queue").WithOperation("discard")
	}
	delete(q.entries, id)
	q.mu.Unlock()

	q.logger.Warn("mutation discarded by operator", zap.String("id", id), zap.String("target", e.m.TargetURL))
	q.changed(OutcomeDiscarded, e.m)
	return nil
}

// OnChange registers fn for every queue change. The returned function
// unregisters it. fn runs on the goroutine that made the change.
func (q *Queue) OnChange(fn func(Event)) func() {
	q.observersMu.Lock()
	defer q.observersMu.Unlock()
	q.nextObs++
	id := q.nextObs
	q.observers[id] = fn
	return func() {
		q.observersMu.Lock()
		defer q.observersMu.Unlock()
		delete(q.observers, id)
	}
}

// persist writes m to the store. Caller holds mu.
func (q *Queue) persist(ctx context.Context, m types.QueuedMutation) error {
	data, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidMutation, "encode mutation").WithComponent("queue")
	}
	if err := q.config.Store.Set(ctx, types.PartitionMutations, m.ID, data, 0); err != nil {
		return errors.Wrap(err, errors.ErrCodeStoreUnavailable, "persist mutation").
			WithComponent("queue").WithContext("mutation_id", m.ID)
	}
	return nil
}

func (q *Queue) changed(outcome string, m types.QueuedMutation) {
	status := q.Status()
	if q.config.Metrics != nil {
		q.config.Metrics.RecordMutation(outcome)
		q.config.Metrics.SetQueueDepth(status)
	}

	q.observersMu.RLock()
	observers := make([]func(Event), 0, len(q.observers))
	for _, fn := range q.observers {
		observers = append(observers, fn)
	}
	q.observersMu.RUnlock()

	ev := Event{Outcome: outcome, Mutation: m, Status: status}
	for _, fn := range observers {
		fn(ev)
	}
}

func (q *Queue) publishDepth() {
	if q.config.Metrics != nil {
		q.config.Metrics.SetQueueDepth(q.Status())
	}
}

func notFound(id string) error {
	return errors.Newf(errors.ErrCodeEntryNotFound, "mutation %s not found", id).
		WithComponent("queue").WithContext("mutation_id", id)
}
