package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestOperationWindowSnapshot(t *testing.T) {
	w := newOperationWindow(8)
	w.Observe("complete", 5)
	w.Observe("complete", 7)
	w.Observe("complete", 9)
	w.ObserveIndicator("review_redirect")
	w.ObserveIndicator("review_redirect")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Operations) != 1 {
		t.Fatalf("len(Operations) = %d, want 1", len(snap.Operations))
	}
	s := snap.Operations[0]
	if s.Operation != "complete" {
		t.Fatalf("Operation = %q, want %q", s.Operation, "complete")
	}
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 9 {
		t.Fatalf("LastMS = %.2f, want 9", s.LastMS)
	}
	if s.P50MS != 7 {
		t.Fatalf("P50MS = %.2f, want 7", s.P50MS)
	}
	if s.P95MS <= 7 || s.P95MS > 9 {
		t.Fatalf("P95MS = %.2f, want (7,9]", s.P95MS)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators = %+v, want one indicator with count 2", snap.Indicators)
	}
}

func TestOperationWindowWrapsAround(t *testing.T) {
	w := newOperationWindow(2)
	w.Observe("claim", 100)
	w.Observe("claim", 1)
	w.Observe("claim", 3)

	s := w.Snapshot().Operations[0]
	if s.Samples != 2 {
		t.Fatalf("Samples = %d, want 2", s.Samples)
	}
	if s.AvgMS != 2 {
		t.Fatalf("AvgMS = %.2f, want 2 (oldest sample evicted)", s.AvgMS)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveTransition("claim", "ok")
	m.ObserveDistribution(1, 0, time.Millisecond)
	m.ObserveProviderFailure("priority")
	m.ObserveConnectionScope("PARTICIPATE", "committed")
	m.ObserveOperationLatency("claim", time.Millisecond)
	m.ObserveIndicator("review_redirect")
	m.SetEventSubscribers(1)
	if snap := m.SnapshotOperations(); len(snap.Operations) != 0 {
		t.Fatalf("nil metrics snapshot has operations: %+v", snap)
	}
}

func TestMetricsRecordLatency(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry(), "test_metrics")
	m.ObserveOperationLatency("claim", 12*time.Millisecond)
	snap := m.SnapshotOperations()
	if len(snap.Operations) != 1 || snap.Operations[0].Operation != "claim" {
		t.Fatalf("SnapshotOperations() = %+v", snap)
	}
}
