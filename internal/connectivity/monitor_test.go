package connectivity

import (
	"context"
	stderr "errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{StateUnknown, "unknown"},
		{StateOffline, "offline"},
		{StateOnline, "online"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestSetOnlineNotifiesSubscribers(t *testing.T) {
	t.Parallel()

	m := NewMonitor(Config{})
	if m.Online() {
		t.Fatal("unknown state must not count as online")
	}

	ch, unsubscribe := m.Subscribe()
	defer unsubscribe()

	m.SetOnline(true)
	if v := <-ch; !v {
		t.Error("expected online transition")
	}

	// Repeating the same state is not a transition.
	m.SetOnline(true)
	select {
	case v := <-ch:
		t.Errorf("unexpected transition %v", v)
	default:
	}

	m.SetOnline(false)
	if v := <-ch; v {
		t.Error("expected offline transition")
	}
	if s := m.Stats(); s.Transitions != 2 || s.Online || s.State != "offline" || s.Since == nil {
		t.Errorf("stats = %+v", s)
	}
}

func TestSlowSubscriberSeesLatestState(t *testing.T) {
	t.Parallel()

	m := NewMonitor(Config{})
	ch, unsubscribe := m.Subscribe()

	m.SetOnline(true)
	m.SetOnline(false)
	m.SetOnline(true)

	if v := <-ch; !v {
		t.Error("slow reader should see the latest state")
	}
	select {
	case v := <-ch:
		t.Errorf("only the latest state is kept, got extra %v", v)
	default:
	}

	unsubscribe()
	unsubscribe()
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after unsubscribe")
	}
	m.SetOnline(false)
}

func TestProbeDrivesState(t *testing.T) {
	t.Parallel()

	var healthy atomic.Bool
	probe := func(ctx context.Context) error {
		if healthy.Load() {
			return nil
		}
		return stderr.New("connection refused")
	}

	m := NewMonitor(Config{
		Probe:         probe,
		ProbeInterval: 20 * time.Millisecond,
		RetryDelay:    5 * time.Millisecond,
	})
	ch, unsubscribe := m.Subscribe()
	defer unsubscribe()

	m.Start(context.Background())
	defer m.Stop()

	if m.State() != StateOffline {
		t.Fatalf("state after failed first probe = %v", m.State())
	}
	if s := m.Stats(); s.LastError == "" {
		t.Error("expected last error to be recorded")
	}
	<-ch

	healthy.Store(true)
	select {
	case v := <-ch:
		if !v {
			t.Error("expected online")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("probe loop never reported online")
	}
}

func TestStartWithoutProbeIsNoop(t *testing.T) {
	t.Parallel()

	m := NewMonitor(Config{InitialState: StateOnline})
	m.Start(context.Background())
	m.Stop()
	m.Stop()
	if !m.Online() {
		t.Error("initial state should be kept")
	}
	if got := m.Check(context.Background()); got != StateOnline {
		t.Errorf("Check without probe = %v", got)
	}
}
