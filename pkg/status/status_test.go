package status

import (
	"testing"
	"time"

	"github.com/placesync/placesync/pkg/errors"
)

func TestOperationStatus_String(t *testing.T) {
	tests := []struct {
		status   OperationStatus
		expected string
	}{
		{StatusInProgress, "in_progress"},
		{StatusCompleted, "completed"},
		{StatusFailed, "failed"},
		{StatusCanceled, "canceled"},
		{OperationStatus(999), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if result := tt.status.String(); result != tt.expected {
				t.Errorf("String() = %s, want %s", result, tt.expected)
			}
		})
	}
}

func TestTracker_Lifecycle(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tracker := NewTracker(TrackerConfig{Now: func() time.Time { return now }})

	id := tracker.StartOperation(OpSync, map[string]interface{}{"trigger": "manual"})
	if id == "" {
		t.Fatal("Operation ID is empty")
	}
	if ops := tracker.GetAllOperations(); len(ops) != 1 || ops[0].Status != StatusInProgress {
		t.Fatalf("Expected one in-progress operation, got %+v", ops)
	}

	now = now.Add(250 * time.Millisecond)
	if err := tracker.CompleteOperation(id, map[string]int{"succeeded": 2}); err != nil {
		t.Fatalf("CompleteOperation failed: %v", err)
	}

	if ops := tracker.GetAllOperations(); len(ops) != 0 {
		t.Errorf("Expected no active operations, got %d", len(ops))
	}
	op, err := tracker.GetOperation(id)
	if err != nil {
		t.Fatalf("GetOperation failed: %v", err)
	}
	if op.Status != StatusCompleted {
		t.Errorf("Expected completed, got %s", op.Status)
	}
	if op.Duration != 250*time.Millisecond {
		t.Errorf("Expected duration 250ms, got %v", op.Duration)
	}
	if op.Metadata["trigger"] != "manual" {
		t.Errorf("Metadata lost: %v", op.Metadata)
	}

	if err := tracker.CompleteOperation(id, nil); !errors.IsCode(err, errors.ErrCodeEntryNotFound) {
		t.Errorf("Completing twice: expected ENTRY_NOT_FOUND, got %v", err)
	}
}

func TestTracker_Finish(t *testing.T) {
	tracker := NewTracker(DefaultTrackerConfig())

	failed := tracker.StartOperation(OpSync, nil)
	_ = tracker.Finish(failed, nil, errors.New(errors.ErrCodeCircuitOpen, "remote circuit is open"))

	canceled := tracker.StartOperation(OpSync, nil)
	_ = tracker.Finish(canceled, nil, errors.New(errors.ErrCodeOperationCanceled, "drain canceled"))

	done := tracker.StartOperation(OpBundleReload, nil)
	_ = tracker.Finish(done, nil, nil)

	tests := []struct {
		id     string
		status OperationStatus
		code   errors.ErrorCode
	}{
		{failed, StatusFailed, errors.ErrCodeCircuitOpen},
		{canceled, StatusCanceled, ""},
		{done, StatusCompleted, ""},
	}
	for _, tt := range tests {
		op, err := tracker.GetOperation(tt.id)
		if err != nil {
			t.Fatalf("GetOperation(%s): %v", tt.id, err)
		}
		if op.Status != tt.status || op.ErrorCode != tt.code {
			t.Errorf("%s: status=%s code=%q, want %s %q", tt.id, op.Status, op.ErrorCode, tt.status, tt.code)
		}
	}

	st := tracker.GetSystemStatus()
	if st.Last[OpSync] == nil || st.Last[OpSync].ID != canceled {
		t.Errorf("Expected last sync to be %s, got %+v", canceled, st.Last[OpSync])
	}
	if st.Last[OpBundleReload] == nil || st.Last[OpBundleReload].ID != done {
		t.Errorf("Expected last bundle reload to be %s", done)
	}
}

func TestTracker_HistoryBounded(t *testing.T) {
	tracker := NewTracker(TrackerConfig{MaxHistorySize: 3})

	var ids []string
	for i := 0; i < 5; i++ {
		id := tracker.StartOperation(OpSync, map[string]interface{}{"n": i})
		_ = tracker.CompleteOperation(id, nil)
		ids = append(ids, id)
	}

	history := tracker.GetHistory(0)
	if len(history) != 3 {
		t.Fatalf("Expected 3 history entries, got %d", len(history))
	}
	for i, op := range history {
		want := ids[len(ids)-1-i]
		if op.ID != want {
			t.Errorf("history[%d] = %s, want %s", i, op.ID, want)
		}
	}
	if got := tracker.GetHistory(2); len(got) != 2 {
		t.Errorf("Expected limit 2, got %d", len(got))
	}
	if _, err := tracker.GetOperation(ids[0]); err == nil {
		t.Error("Expected evicted operation to be gone")
	}
}

func TestTracker_SystemStatus(t *testing.T) {
	tracker := NewTracker(DefaultTrackerConfig())
	for i := 0; i < 3; i++ {
		tracker.StartOperation(OpSync, nil)
	}
	tracker.StartOperation(OpBundleReload, nil)

	st := tracker.GetSystemStatus()
	if st.ActiveOps != 4 {
		t.Errorf("Expected 4 active operations, got %d", st.ActiveOps)
	}
	if st.OperationsByType[OpSync] != 3 || st.OperationsByType[OpBundleReload] != 1 {
		t.Errorf("Unexpected breakdown: %v", st.OperationsByType)
	}
}

func TestOperation_CopyIsolatesMetadata(t *testing.T) {
	op := &Operation{ID: "sync-1", Metadata: map[string]interface{}{"trigger": "interval"}}
	c := op.Copy()
	c.Metadata["trigger"] = "changed"
	if op.Metadata["trigger"] != "interval" {
		t.Error("Copy shares metadata with the original")
	}
}
