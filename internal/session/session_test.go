package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tm1ddleton/analytics-sub001/internal/dag"
	"github.com/tm1ddleton/analytics-sub001/internal/provider"
	"github.com/tm1ddleton/analytics-sub001/internal/timeseries"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func waitTerminal(t *testing.T, sess *Session, timeout time.Duration) terminalResult {
	t.Helper()
	deadline := time.After(timeout)
	var last Message
	for {
		select {
		case msg, ok := <-sess.Broadcast():
			if !ok {
				t.Fatal("broadcast channel closed before terminal message")
			}
			last = msg
			switch msg.Kind {
			case "complete", "stopped", "error":
				return terminalResult{msg: last}
			}
		case <-deadline:
			t.Fatalf("timed out waiting for a terminal broadcast message (last=%+v)", last)
		}
	}
}

type terminalResult struct {
	msg Message
}

// TestSessionLifecycleS5 mirrors spec §8 S5: create, observe Running, a
// single terminal complete message, and the status persisting afterward.
func TestSessionLifecycleS5(t *testing.T) {
	t.Parallel()
	aapl, _ := timeseries.NewEquityKey("AAPL")
	mem := provider.NewMemoryProvider()
	mem.Load(aapl, "Apple Inc.", []timeseries.Point{
		timeseries.NewPoint(date(2024, 1, 2), 100),
		timeseries.NewPoint(date(2024, 1, 3), 110),
		timeseries.NewPoint(date(2024, 1, 4), 99),
	})
	rng, err := timeseries.NewDateRange(date(2024, 1, 2), date(2024, 1, 4))
	if err != nil {
		t.Fatal(err)
	}

	mgr := NewManager(10, time.Hour, 10*time.Minute)
	configs := []AnalyticConfig{{Asset: aapl, Type: dag.NodeReturns}}
	sess, err := mgr.Create(context.Background(), configs, mem, rng, 0, 0, 16)
	if err != nil {
		t.Fatal(err)
	}

	holder := waitTerminal(t, sess, time.Second)
	if holder.msg.Kind != "complete" {
		t.Fatalf("terminal message kind = %q, want complete", holder.msg.Kind)
	}
	if sess.Status() != StatusCompleted {
		t.Fatalf("status = %v, want Completed", sess.Status())
	}
	summary, ok := sess.Summary()
	if !ok || summary.Total != 3 || summary.Successful != 3 {
		t.Fatalf("summary = %+v, ok=%v", summary, ok)
	}

	// A second lookup after completion still returns the (terminal) status.
	again, err := mgr.Get(sess.ID())
	if err != nil {
		t.Fatal(err)
	}
	if again.Status() != StatusCompleted {
		t.Fatalf("status on re-lookup = %v, want Completed", again.Status())
	}
}

// TestSessionStopTransitionsToStopped mirrors spec §8 S5's DELETE path: a
// Stop call made before the run starts processing points causes the
// driver to return early with Stopped.
func TestSessionStopTransitionsToStopped(t *testing.T) {
	t.Parallel()
	aapl, _ := timeseries.NewEquityKey("AAPL")
	mem := provider.NewMemoryProvider()
	points := make([]timeseries.Point, 20)
	for i := range points {
		points[i] = timeseries.NewPoint(date(2024, 1, 2).AddDate(0, 0, i), float64(100+i))
	}
	mem.Load(aapl, "Apple Inc.", points)
	rng, err := timeseries.NewDateRange(points[0].Timestamp, points[len(points)-1].Timestamp)
	if err != nil {
		t.Fatal(err)
	}

	mgr := NewManager(10, time.Hour, 10*time.Minute)
	configs := []AnalyticConfig{{Asset: aapl, Type: dag.NodeReturns}}
	// A non-zero delay gives the test a window to call Stop before the
	// driver finishes all 20 points.
	sess, err := mgr.Create(context.Background(), configs, mem, rng, 20*time.Millisecond, 0, 16)
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Stop(sess.ID()); err != nil {
		t.Fatal(err)
	}

	holder := waitTerminal(t, sess, 2*time.Second)
	if holder.msg.Kind != "stopped" {
		t.Fatalf("terminal message kind = %q, want stopped", holder.msg.Kind)
	}
	if sess.Status() != StatusStopped {
		t.Fatalf("status = %v, want Stopped", sess.Status())
	}
}

func TestCreateRejectsAtCapacity(t *testing.T) {
	t.Parallel()
	aapl, _ := timeseries.NewEquityKey("AAPL")
	mem := provider.NewMemoryProvider()
	points := make([]timeseries.Point, 50)
	for i := range points {
		points[i] = timeseries.NewPoint(date(2024, 1, 2).AddDate(0, 0, i), float64(100+i))
	}
	mem.Load(aapl, "Apple Inc.", points)
	rng, err := timeseries.NewDateRange(points[0].Timestamp, points[len(points)-1].Timestamp)
	if err != nil {
		t.Fatal(err)
	}

	mgr := NewManager(1, time.Hour, 10*time.Minute)
	configs := []AnalyticConfig{{Asset: aapl, Type: dag.NodeReturns}}
	first, err := mgr.Create(context.Background(), configs, mem, rng, 50*time.Millisecond, 0, 16)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Stop()

	if _, err := mgr.Create(context.Background(), configs, mem, rng, 0, 0, 16); !errors.Is(err, ErrCapacityReached) {
		t.Fatalf("expected ErrCapacityReached, got %v", err)
	}
}

func TestGetUnknownSession(t *testing.T) {
	t.Parallel()
	mgr := NewManager(10, time.Hour, 10*time.Minute)
	if _, err := mgr.Get("does-not-exist"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

func TestReapRemovesExpiredTerminalSessions(t *testing.T) {
	t.Parallel()
	aapl, _ := timeseries.NewEquityKey("AAPL")
	mem := provider.NewMemoryProvider()
	mem.Load(aapl, "Apple Inc.", []timeseries.Point{timeseries.NewPoint(date(2024, 1, 2), 100)})
	rng, err := timeseries.NewDateRange(date(2024, 1, 2), date(2024, 1, 2))
	if err != nil {
		t.Fatal(err)
	}

	mgr := NewManager(10, time.Millisecond, time.Millisecond)
	configs := []AnalyticConfig{{Asset: aapl, Type: dag.NodeReturns}}
	sess, err := mgr.Create(context.Background(), configs, mem, rng, 0, 0, 16)
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, sess, time.Second)
	time.Sleep(5 * time.Millisecond)

	if removed := mgr.Reap(); removed != 1 {
		t.Fatalf("reaped %d sessions, want 1", removed)
	}
	if _, err := mgr.Get(sess.ID()); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected session to be gone after reap, got err=%v", err)
	}
}
