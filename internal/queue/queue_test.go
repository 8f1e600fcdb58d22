package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/placesync/placesync/internal/localstore"
	"github.com/placesync/placesync/pkg/errors"
	"github.com/placesync/placesync/pkg/types"
)

type fakeTransport struct {
	mu       sync.Mutex
	sent     []types.Request
	fail     func(req types.Request) error
	started  chan struct{}
	release  chan struct{}
	once     sync.Once
}

func (f *fakeTransport) Send(ctx context.Context, req types.Request) error {
	if f.started != nil {
		f.once.Do(func() { close(f.started) })
	}
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	if f.fail != nil {
		return f.fail(req)
	}
	return nil
}

func (f *fakeTransport) Sent() []types.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Request(nil), f.sent...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func openStore(t *testing.T, dir string) *localstore.Store {
	t.Helper()
	store, err := localstore.Open(localstore.Config{Directory: dir})
	require.NoError(t, err)
	return store
}

func newQueue(t *testing.T, store types.KeyValueStore, tr types.Transport, maxRetries int) *Queue {
	t.Helper()
	c := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	q, err := New(context.Background(), Config{Store: store, Transport: tr, MaxRetries: maxRetries, Now: c.Now})
	require.NoError(t, err)
	return q
}

func alwaysFail(types.Request) error {
	return errors.New(errors.ErrCodeRemoteUnavailable, "503")
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{Transport: &fakeTransport{}})
	assert.True(t, errors.IsCode(err, errors.ErrCodeMissingConfig))

	store := openStore(t, t.TempDir())
	defer store.Close()
	_, err = New(context.Background(), Config{Store: store})
	assert.True(t, errors.IsCode(err, errors.ErrCodeMissingConfig))
}

func TestProcessQueueOrdersByPriorityThenFIFO(t *testing.T) {
	t.Parallel()

	store := openStore(t, t.TempDir())
	defer store.Close()
	tr := &fakeTransport{}
	q := newQueue(t, store, tr, 3)
	ctx := context.Background()

	ids := map[string]string{}
	for _, p := range []struct {
		name     string
		priority types.Priority
	}{
		{"low", types.PriorityLow},
		{"high", types.PriorityHigh},
		{"normal", types.PriorityNormal},
		{"high-2", types.PriorityHigh},
	} {
		id, err := q.Enqueue(ctx, NewMutation("post", "/favorites/"+p.name, json.RawMessage(`{}`), p.priority))
		require.NoError(t, err)
		ids[id] = p.name
	}

	res, err := q.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.ProcessResult{Succeeded: 4}, res)

	var order []string
	for _, req := range tr.Sent() {
		order = append(order, ids[req.Headers[IdempotencyHeader]])
		assert.Equal(t, "POST", req.Method)
	}
	assert.Equal(t, []string{"high", "high-2", "normal", "low"}, order)
	assert.Equal(t, types.QueueStatus{}, q.Status())
	assert.Equal(t, 0, store.Len(types.PartitionMutations))
}

func TestDeadLetterAfterExactlyMaxRetries(t *testing.T) {
	t.Parallel()

	store := openStore(t, t.TempDir())
	defer store.Close()
	tr := &fakeTransport{fail: alwaysFail}
	q := newQueue(t, store, tr, 3)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, NewMutation("PUT", "/places/1", nil, types.PriorityNormal))
	require.NoError(t, err)

	for run := 1; run <= 2; run++ {
		res, err := q.ProcessQueue(ctx)
		require.NoError(t, err)
		assert.Equal(t, types.ProcessResult{Failed: 1}, res, "run %d", run)
		assert.Equal(t, types.QueueStatus{Pending: 1}, q.Status())
	}

	res, err := q.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.ProcessResult{DeadLettered: 1}, res)
	assert.Equal(t, types.QueueStatus{DeadLettered: 1}, q.Status())

	res, err = q.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.ProcessResult{}, res, "dead letters are not retried")
	assert.Len(t, tr.Sent(), 3)

	dead := q.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)
	assert.Equal(t, 3, dead[0].RetryCount)
	assert.Equal(t, types.MutationDeadLettered, dead[0].Status)
	assert.Contains(t, dead[0].LastError, "503")
	assert.False(t, dead[0].LastAttemptAt.IsZero())
}

func TestQueueSurvivesRestart(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	store := openStore(t, dir)
	q := newQueue(t, store, &fakeTransport{fail: alwaysFail}, 1)
	lowID, err := q.Enqueue(ctx, NewMutation("POST", "/a", nil, types.PriorityLow))
	require.NoError(t, err)
	_, err = q.ProcessQueue(ctx)
	require.NoError(t, err)
	highID, err := q.Enqueue(ctx, NewMutation("POST", "/b", json.RawMessage(`{"x":1}`), types.PriorityHigh))
	require.NoError(t, err)
	normalID, err := q.Enqueue(ctx, NewMutation("POST", "/c", nil, types.PriorityNormal))
	require.NoError(t, err)
	// No Close: simulate a crash.

	reopened := openStore(t, dir)
	defer reopened.Close()
	tr := &fakeTransport{}
	q2 := newQueue(t, reopened, tr, 1)

	assert.Equal(t, types.QueueStatus{Pending: 2, DeadLettered: 1}, q2.Status())
	assert.Equal(t, lowID, q2.DeadLetters()[0].ID)

	pending := q2.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, highID, pending[0].ID)
	assert.Equal(t, normalID, pending[1].ID)
	assert.JSONEq(t, `{"x":1}`, string(pending[0].Body))

	res, err := q2.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
}

func TestConcurrentDrainsShareOneRun(t *testing.T) {
	t.Parallel()

	store := openStore(t, t.TempDir())
	defer store.Close()
	tr := &fakeTransport{started: make(chan struct{}), release: make(chan struct{})}
	q := newQueue(t, store, tr, 3)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, NewMutation("POST", "/a", nil, types.PriorityNormal))
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]types.ProcessResult, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = q.ProcessQueue(ctx)
	}()
	<-tr.started

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], _ = q.ProcessQueue(ctx)
	}()
	time.Sleep(20 * time.Millisecond)
	close(tr.release)
	wg.Wait()

	assert.Len(t, tr.Sent(), 1)
	assert.Equal(t, types.ProcessResult{Succeeded: 1}, results[0])
	assert.Equal(t, results[0], results[1])
}

type failingStore struct {
	types.KeyValueStore
}

func (failingStore) Set(context.Context, string, string, []byte, time.Duration) error {
	return errors.New(errors.ErrCodeStoreWrite, "disk full")
}

func (failingStore) GetAll(context.Context, string) (map[string][]byte, error) {
	return nil, nil
}

func TestEnqueueFailsWhenStoreUnavailable(t *testing.T) {
	t.Parallel()

	q := newQueue(t, failingStore{}, &fakeTransport{}, 3)
	_, err := q.Enqueue(context.Background(), NewMutation("POST", "/a", nil, types.PriorityHigh))
	assert.True(t, errors.IsCode(err, errors.ErrCodeStoreUnavailable), "got %v", err)
	assert.Equal(t, types.QueueStatus{}, q.Status())
}

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()

	store := openStore(t, t.TempDir())
	defer store.Close()
	q := newQueue(t, store, &fakeTransport{}, 3)
	ctx := context.Background()

	tests := []struct {
		name string
		m    types.QueuedMutation
	}{
		{"missing target", types.QueuedMutation{Method: "POST"}},
		{"get is not a mutation", types.QueuedMutation{Method: "GET", TargetURL: "/a"}},
		{"bad body", types.QueuedMutation{Method: "POST", TargetURL: "/a", Body: json.RawMessage(`{`)}},
		{"bad priority", types.QueuedMutation{Method: "POST", TargetURL: "/a", Priority: types.Priority(7)}},
	}
	for _, tt := range tests {
		_, err := q.Enqueue(ctx, tt.m)
		assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidMutation), "%s: %v", tt.name, err)
	}

	// A supplied ID is kept and enqueueing it twice is a no-op.
	m := NewMutation("DELETE", "/favorites/9", nil, types.PriorityLow)
	id1, err := q.Enqueue(ctx, m)
	require.NoError(t, err)
	id2, err := q.Enqueue(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, m.ID, id1)
	assert.Equal(t, id1, id2)
	assert.Equal(t, types.QueueStatus{Pending: 1}, q.Status())
}

func TestCircuitOpenDoesNotCountAsAttempt(t *testing.T) {
	t.Parallel()

	store := openStore(t, t.TempDir())
	defer store.Close()
	tr := &fakeTransport{fail: func(types.Request) error {
		return errors.New(errors.ErrCodeCircuitOpen, "open")
	}}
	q := newQueue(t, store, tr, 1)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, NewMutation("POST", "/a", nil, types.PriorityNormal))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, NewMutation("POST", "/b", nil, types.PriorityNormal))
	require.NoError(t, err)

	res, err := q.ProcessQueue(ctx)
	assert.True(t, errors.IsCode(err, errors.ErrCodeCircuitOpen))
	assert.Equal(t, types.ProcessResult{}, res)
	assert.Len(t, tr.Sent(), 1, "the run stops at the first rejected send")

	for _, m := range q.Pending() {
		assert.Zero(t, m.RetryCount)
	}
}

func TestCancelledDrainSendsNothing(t *testing.T) {
	t.Parallel()

	store := openStore(t, t.TempDir())
	defer store.Close()
	tr := &fakeTransport{}
	q := newQueue(t, store, tr, 3)

	_, err := q.Enqueue(context.Background(), NewMutation("POST", "/a", nil, types.PriorityNormal))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = q.ProcessQueue(ctx)
	assert.Error(t, err)
	assert.Empty(t, tr.Sent())
	assert.Equal(t, 1, q.Status().Pending)
}

func TestOperatorActionsAndObservers(t *testing.T) {
	t.Parallel()

	store := openStore(t, t.TempDir())
	defer store.Close()
	tr := &fakeTransport{fail: alwaysFail}
	q := newQueue(t, store, tr, 1)
	ctx := context.Background()

	var mu sync.Mutex
	var outcomes []string
	unsubscribe := q.OnChange(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		outcomes = append(outcomes, ev.Outcome)
	})

	id, err := q.Enqueue(ctx, NewMutation("POST", "/a", nil, types.PriorityNormal))
	require.NoError(t, err)
	_, err = q.ProcessQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, q.Status().DeadLettered)

	require.NoError(t, q.Requeue(ctx, id))
	assert.Equal(t, types.QueueStatus{Pending: 1}, q.Status())
	assert.Zero(t, q.Pending()[0].RetryCount)

	require.NoError(t, q.Discard(ctx, id))
	assert.Equal(t, types.QueueStatus{}, q.Status())
	assert.Equal(t, 0, store.Len(types.PartitionMutations))

	assert.True(t, errors.IsCode(q.Requeue(ctx, id), errors.ErrCodeEntryNotFound))
	assert.True(t, errors.IsCode(q.Discard(ctx, id), errors.ErrCodeEntryNotFound))

	unsubscribe()
	_, err = q.Enqueue(ctx, NewMutation("POST", "/b", nil, types.PriorityNormal))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{OutcomeEnqueued, OutcomeDeadLettered, OutcomeRequeued, OutcomeDiscarded}, outcomes)
}

type fakeConn struct {
	mu     sync.Mutex
	online bool
	ch     chan bool
}

func (c *fakeConn) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *fakeConn) Subscribe() (<-chan bool, func()) { return c.ch, func() {} }

func (c *fakeConn) set(online bool) {
	c.mu.Lock()
	c.online = online
	c.mu.Unlock()
	c.ch <- online
}

func TestRunDrainsOnReconnect(t *testing.T) {
	t.Parallel()

	store := openStore(t, t.TempDir())
	defer store.Close()
	tr := &fakeTransport{}
	c := &clock{now: time.Now()}
	q, err := New(context.Background(), Config{Store: store, Transport: tr, Interval: time.Hour, Now: c.Now})
	require.NoError(t, err)

	_, err = q.Enqueue(context.Background(), NewMutation("POST", "/a", nil, types.PriorityNormal))
	require.NoError(t, err)

	conn := &fakeConn{ch: make(chan bool)}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx, conn) }()

	conn.set(false)
	assert.Empty(t, tr.Sent())

	conn.set(true)
	assert.Eventually(t, func() bool { return len(tr.Sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return q.Status().Pending == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRunReportsDrains(t *testing.T) {
	t.Parallel()

	store := openStore(t, t.TempDir())
	defer store.Close()
	tr := &fakeTransport{}

	var mu sync.Mutex
	var triggers []string
	var results []types.ProcessResult
	q, err := New(context.Background(), Config{
		Store:     store,
		Transport: tr,
		Interval:  time.Hour,
		OnDrain: func(trigger string) func(types.ProcessResult, error) {
			mu.Lock()
			triggers = append(triggers, trigger)
			mu.Unlock()
			return func(res types.ProcessResult, err error) {
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
			}
		},
	})
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), NewMutation("PUT", "/b", nil, types.PriorityHigh))
	require.NoError(t, err)

	conn := &fakeConn{ch: make(chan bool)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Run(ctx, conn) }()

	conn.set(true)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) == 1
	}, time.Second, 5*time.Millisecond)

	// Nothing pending: no drain is started or reported.
	conn.set(true)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"reconnect"}, triggers)
	assert.Equal(t, 1, results[0].Succeeded)
}

func TestRunDrainsOnEntryWhenAlreadyOnline(t *testing.T) {
	t.Parallel()

	store := openStore(t, t.TempDir())
	defer store.Close()
	tr := &fakeTransport{}

	var mu sync.Mutex
	var triggers []string
	q, err := New(context.Background(), Config{
		Store:     store,
		Transport: tr,
		Interval:  time.Hour,
		OnDrain: func(trigger string) func(types.ProcessResult, error) {
			mu.Lock()
			triggers = append(triggers, trigger)
			mu.Unlock()
			return nil
		},
	})
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), NewMutation("POST", "/restored", nil, types.PriorityNormal))
	require.NoError(t, err)

	// Online before Run subscribes; no transition is ever delivered.
	conn := &fakeConn{online: true, ch: make(chan bool)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Run(ctx, conn) }()

	assert.Eventually(t, func() bool { return len(tr.Sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return q.Status().Pending == 0 }, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"startup"}, triggers)
}
