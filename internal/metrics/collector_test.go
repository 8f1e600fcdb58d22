package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/placesync/placesync/pkg/types"
)

func TestCollectorSnapshot(t *testing.T) {
	t.Parallel()

	c, err := NewCollector(Config{})
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}

	snap := c.Snapshot()
	if snap.TotalQueries != 0 || snap.HitRate != 0 {
		t.Errorf("empty snapshot = %+v", snap)
	}

	c.RecordHit(types.TierL1)
	c.RecordHit(types.TierL1)
	c.RecordHit(types.TierL3)
	c.RecordMiss()

	snap = c.Snapshot()
	if snap.TotalQueries != 4 || snap.CacheHits != 3 || snap.CacheMisses != 1 {
		t.Errorf("counters = %+v", snap)
	}
	if snap.HitRate != 0.75 {
		t.Errorf("HitRate = %v, want 0.75", snap.HitRate)
	}
	if snap.TierHits[types.TierL1] != 2 || snap.TierHits[types.TierL3] != 1 {
		t.Errorf("TierHits = %v", snap.TierHits)
	}

	snap.TierHits[types.TierL1] = 99
	if c.Snapshot().TierHits[types.TierL1] != 2 {
		t.Error("Snapshot must return a copy")
	}
}

func TestCollectorInvariantUnderConcurrency(t *testing.T) {
	t.Parallel()

	c, _ := NewCollector(Config{Enabled: true})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if (i+j)%3 == 0 {
					c.RecordMiss()
				} else {
					c.RecordHit(types.Tiers[(i+j)%3])
				}
			}
		}(i)
	}
	wg.Wait()

	snap := c.Snapshot()
	if snap.TotalQueries != 1000 {
		t.Errorf("TotalQueries = %d, want 1000", snap.TotalQueries)
	}
	if snap.CacheHits+snap.CacheMisses != snap.TotalQueries {
		t.Errorf("hits+misses != total: %+v", snap)
	}
	if snap.HitRate < 0 || snap.HitRate > 1 {
		t.Errorf("HitRate out of range: %v", snap.HitRate)
	}
}

func TestCollectorReset(t *testing.T) {
	t.Parallel()

	now := time.Unix(100, 0)
	c, _ := NewCollector(Config{Now: func() time.Time { return now }})
	c.RecordHit(types.TierL2)

	now = time.Unix(200, 0)
	c.Reset()

	snap := c.Snapshot()
	if snap.TotalQueries != 0 || len(snap.TierHits) != 0 {
		t.Errorf("Reset left counters: %+v", snap)
	}
	if !snap.SessionStart.Equal(time.Unix(200, 0)) {
		t.Errorf("SessionStart = %v", snap.SessionStart)
	}
}

func TestCollectorHandler(t *testing.T) {
	t.Parallel()

	c, err := NewCollector(Config{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	c.RecordHit(types.TierL2)
	c.RecordMiss()
	c.RecordMutation("enqueued")
	c.SetQueueDepth(types.QueueStatus{Pending: 3, DeadLettered: 1})
	c.ObserveRemote("lookup", 20*time.Millisecond, errors.New("boom"))
	c.RecordFlagEvaluation("new_search", true)
	c.RecordBackfillFailure(types.TierL1)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		`test_cache_requests_total{result="hit",tier="L2"} 1`,
		`test_cache_requests_total{result="miss",tier="L4"} 1`,
		`test_mutations_total{outcome="enqueued"} 1`,
		`test_queue_mutations{status="pending"} 3`,
		`test_flag_evaluations_total{flag="new_search",result="enabled"} 1`,
		`test_cache_backfill_failures_total{tier="L1"} 1`,
		`test_remote_request_duration_seconds_count{operation="lookup",status="error"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestCollectorDisabled(t *testing.T) {
	t.Parallel()

	c, err := NewCollector(Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	c.RecordMutation("succeeded")
	c.SetQueueDepth(types.QueueStatus{Pending: 1})
	c.RecordHit(types.TierL1)

	if c.Registry() != nil {
		t.Error("disabled collector should not have a registry")
	}
	if c.Snapshot().CacheHits != 1 {
		t.Error("session counters must work while disabled")
	}

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
