// Package status tracks engine operations such as queue drains and bundle
// reloads, keeping the active set and a bounded history for status endpoints.
package status

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/placesync/placesync/pkg/errors"
)

// OperationStatus represents the status of a tracked operation
type OperationStatus int

const (
	// StatusInProgress indicates the operation is currently executing
	StatusInProgress OperationStatus = iota

	// StatusCompleted indicates the operation completed successfully
	StatusCompleted

	// StatusFailed indicates the operation failed
	StatusFailed

	// StatusCanceled indicates the operation was canceled
	StatusCanceled
)

// String returns the string representation of an operation status
func (s OperationStatus) String() string {
	switch s {
	case StatusInProgress:
		return "in_progress"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// MarshalText renders the status name.
func (s OperationStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Operation types recorded by the engine.
const (
	OpSync         = "sync"
	OpBundleReload = "bundle_reload"
)

// Operation is a snapshot of a tracked operation.
type Operation struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Status    OperationStatus        `json:"status"`
	StartTime time.Time              `json:"start_time"`
	EndTime   *time.Time             `json:"end_time,omitempty"`
	Duration  time.Duration          `json:"duration,omitempty"`
	Error     string                 `json:"error,omitempty"`
	ErrorCode errors.ErrorCode       `json:"error_code,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Result    interface{}            `json:"result,omitempty"`
}

// Copy returns a copy whose metadata map is not shared.
func (o *Operation) Copy() *Operation {
	c := *o
	if o.EndTime != nil {
		end := *o.EndTime
		c.EndTime = &end
	}
	if o.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(o.Metadata))
		for k, v := range o.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Tracker tracks active operations and keeps finished ones, newest first
type Tracker struct {
	mu         sync.RWMutex
	operations map[string]*Operation
	history    []*Operation
	maxHistory int
	lastByType map[string]*Operation
	now        func() time.Time
	nextID     uint64
}

// TrackerConfig configures operation tracking behavior
type TrackerConfig struct {
	MaxHistorySize int              `json:"max_history_size"`
	Now            func() time.Time `json:"-"`
}

// DefaultTrackerConfig returns default configuration
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		MaxHistorySize: 100,
	}
}

// NewTracker creates a new operation tracker
func NewTracker(config TrackerConfig) *Tracker {
	if config.MaxHistorySize <= 0 {
		config.MaxHistorySize = 100
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Tracker{
		operations: make(map[string]*Operation),
		history:    make([]*Operation, 0, config.MaxHistorySize),
		maxHistory: config.MaxHistorySize,
		lastByType: make(map[string]*Operation),
		now:        config.Now,
	}
}

// StartOperation starts tracking a new operation and returns its ID
func (t *Tracker) StartOperation(opType string, metadata map[string]interface{}) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	op := &Operation{
		ID:        t.generateID(opType),
		Type:      opType,
		Status:    StatusInProgress,
		StartTime: t.now(),
		Metadata:  metadata,
	}
	t.operations[op.ID] = op
	return op.ID
}

// CompleteOperation marks an operation as completed with an optional result
func (t *Tracker) CompleteOperation(opID string, result interface{}) error {
	return t.finish(opID, StatusCompleted, result, nil)
}

// FailOperation marks an operation as failed
func (t *Tracker) FailOperation(opID string, result interface{}, err error) error {
	return t.finish(opID, StatusFailed, result, err)
}

// CancelOperation marks an operation as canceled
func (t *Tracker) CancelOperation(opID string) error {
	return t.finish(opID, StatusCanceled, nil, nil)
}

// Finish completes, fails or cancels opID depending on err.
func (t *Tracker) Finish(opID string, result interface{}, err error) error {
	switch {
	case err == nil:
		return t.CompleteOperation(opID, result)
	case errors.IsCode(err, errors.ErrCodeOperationCanceled):
		return t.CancelOperation(opID)
	default:
		return t.FailOperation(opID, result, err)
	}
}

func (t *Tracker) finish(opID string, status OperationStatus, result interface{}, err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, exists := t.operations[opID]
	if !exists {
		return notFound(opID)
	}

	now := t.now()
	op.Status = status
	op.EndTime = &now
	op.Duration = now.Sub(op.StartTime)
	op.Result = result
	if err != nil {
		op.Error = err.Error()
		op.ErrorCode = errors.CodeOf(err)
	}

	delete(t.operations, opID)
	t.moveToHistory(op)
	return nil
}

// GetOperation returns an active or recent operation by ID
func (t *Tracker) GetOperation(opID string) (*Operation, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if op, exists := t.operations[opID]; exists {
		return op.Copy(), nil
	}
	for _, op := range t.history {
		if op.ID == opID {
			return op.Copy(), nil
		}
	}
	return nil, notFound(opID)
}

// GetAllOperations returns all active operations
func (t *Tracker) GetAllOperations() []*Operation {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ops := make([]*Operation, 0, len(t.operations))
	for _, op := range t.operations {
		ops = append(ops, op.Copy())
	}
	return ops
}

// GetHistory returns up to limit finished operations, newest first
func (t *Tracker) GetHistory(limit int) []*Operation {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if limit <= 0 || limit > len(t.history) {
		limit = len(t.history)
	}

	result := make([]*Operation, limit)
	for i := range result {
		result[i] = t.history[i].Copy()
	}
	return result
}

// GetSystemStatus summarises tracked operations
func (t *Tracker) GetSystemStatus() *SystemStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	status := &SystemStatus{
		Timestamp:        t.now(),
		ActiveOps:        len(t.operations),
		OperationsByType: make(map[string]int),
		Last:             make(map[string]*Operation, len(t.lastByType)),
	}
	for _, op := range t.operations {
		status.OperationsByType[op.Type]++
	}
	for typ, op := range t.lastByType {
		status.Last[typ] = op.Copy()
	}
	return status
}

// SystemStatus represents the overall operation status
type SystemStatus struct {
	Timestamp        time.Time             `json:"timestamp"`
	ActiveOps        int                   `json:"active_operations"`
	OperationsByType map[string]int        `json:"operations_by_type"`
	Last             map[string]*Operation `json:"last,omitempty"`
}

// moveToHistory must be called with t.mu held.
func (t *Tracker) moveToHistory(op *Operation) {
	t.history = append([]*Operation{op}, t.history...)
	if len(t.history) > t.maxHistory {
		t.history = t.history[:t.maxHistory]
	}
	t.lastByType[op.Type] = op
}

func (t *Tracker) generateID(opType string) string {
	n := atomic.AddUint64(&t.nextID, 1)
	return opType + "-" + t.now().UTC().Format("20060102T150405") + "-" + strconv.FormatUint(n, 10)
}

func notFound(opID string) error {
	return errors.New(errors.ErrCodeEntryNotFound, "operation not found").
		WithComponent("status").WithContext("operation_id", opID)
}
