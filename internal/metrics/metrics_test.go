package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObservePushWaveRecordsHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	m.ObservePushWave("equity", 5*time.Millisecond)

	count := testutil.CollectAndCount(m.PushLatency)
	if count != 1 {
		t.Fatalf("histogram series count = %d, want 1", count)
	}
}

func TestRecordPushFailureIncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	m.RecordPushFailure("volatility")
	m.RecordPushFailure("volatility")

	got := testutil.ToFloat64(m.PushFailures.WithLabelValues("volatility"))
	if got != 2 {
		t.Fatalf("PushFailures = %v, want 2", got)
	}
}

func TestSetActiveSessions(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	m.SetActiveSessions(3)
	if got := testutil.ToFloat64(m.ActiveSessions); got != 3 {
		t.Fatalf("ActiveSessions = %v, want 3", got)
	}

	m.SetActiveSessions(1)
	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Fatalf("ActiveSessions = %v, want 1", got)
	}
}

func TestRecordSubscriberDrop(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	m.RecordSubscriberDrop()
	m.RecordSubscriberDrop()
	m.RecordSubscriberDrop()

	if got := testutil.ToFloat64(m.SubscriberDrops); got != 3 {
		t.Fatalf("SubscriberDrops = %v, want 3", got)
	}
}

func TestRecordReplayPointTracksOutcomeAndThroughput(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	m.RecordReplayPoint("success")
	m.RecordReplayPoint("success")
	m.RecordReplayPoint("failure")

	if got := testutil.ToFloat64(m.ReplayPoints.WithLabelValues("success")); got != 2 {
		t.Fatalf("success points = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ReplayPoints.WithLabelValues("failure")); got != 1 {
		t.Fatalf("failure points = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ReplayThroughput); got != 3 {
		t.Fatalf("ReplayThroughput = %v, want 3", got)
	}
}

func TestNewWithNilRegistrySkipsRegistration(t *testing.T) {
	// NewWithRegistry(nil) must not panic and must leave the collectors
	// usable even though nothing is registered.
	m := NewWithRegistry(nil)
	m.RecordSubscriberDrop()
	if got := testutil.ToFloat64(m.SubscriberDrops); got != 1 {
		t.Fatalf("SubscriberDrops = %v, want 1", got)
	}
}
