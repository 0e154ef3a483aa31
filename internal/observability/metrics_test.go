package observability

import (
	"testing"
	"time"
)

func TestMetricsSnapshot(t *testing.T) {
	m := NewMetrics()
	m.RecordRequest("/rfis", "GET", 200, 10*time.Millisecond)
	m.RecordRequest("/rfis", "GET", 200, 30*time.Millisecond)
	m.RecordError("/rfis/:id", "POST", "STATE_CONFLICT")
	m.RecordOutcome("persist", "success")
	m.RecordOutcome("persist", "success")

	snap := m.Snapshot()
	if snap.Requests["/rfis|GET|200"] != 2 {
		t.Fatalf("expected 2 requests, got %d", snap.Requests["/rfis|GET|200"])
	}
	if snap.AvgLatencyMS["/rfis|GET|200"] != 20 {
		t.Fatalf("expected 20ms average, got %d", snap.AvgLatencyMS["/rfis|GET|200"])
	}
	if snap.Errors["/rfis/:id|POST|STATE_CONFLICT"] != 1 {
		t.Fatalf("expected 1 error, got %v", snap.Errors)
	}
	if m.Outcome("persist", "success") != 2 {
		t.Fatalf("expected 2 outcomes, got %d", m.Outcome("persist", "success"))
	}

	snap.Outcomes["persist|success"] = 99
	if m.Outcome("persist", "success") != 2 {
		t.Fatalf("expected snapshot to be a copy")
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordRequest("/", "GET", 200, time.Millisecond)
	m.RecordOutcome("receive", "success")
	if m.Outcome("receive", "success") != 0 {
		t.Fatalf("expected zero from nil metrics")
	}
}
