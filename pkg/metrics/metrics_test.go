package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewManager(t *testing.T) {
	m := NewManager(DefaultConfig())
	if m == nil {
		t.Fatal("NewManager returned nil")
	}
	if !m.Enabled() {
		t.Error("expected metrics enabled")
	}
}

func TestNewManagerDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false

	m := NewManager(cfg)
	if m.Enabled() {
		t.Error("expected metrics disabled")
	}
}

func TestMetricsHandlerExposesSagaSeries(t *testing.T) {
	m := NewManager(DefaultConfig())

	m.RecordSagaExecution("CreateRecord", "completed")
	m.RecordSagaDuration("CreateRecord", "completed", 2*time.Second)
	m.RecordStep("CreateRecord", "insert_row", "succeeded", 10*time.Millisecond)
	m.RecordStepRetry("CreateRecord", "commit_vcs")
	m.RecordCompensation("PublishDraft", "compensated")
	m.RecordLockAcquire("acquired")
	m.RecordLockWait(5 * time.Millisecond)
	m.RecordSagaRecovery("failed")
	m.RecordIdempotencyHit("replayed")
	m.RecordPublish("success")
	m.SetDegradedMode(true)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	body := w.Body.String()
	expected := []string{
		"saga_executions_total",
		"saga_duration_seconds",
		"saga_step_executions_total",
		"saga_step_retries_total",
		"saga_compensations_total",
		"saga_lock_acquisitions_total",
		"saga_lock_wait_seconds",
		"saga_recovery_total",
		"saga_idempotency_hits_total",
		"event_bus_publish_total",
		"event_bus_degraded",
		"http_requests_total",
	}
	for _, metric := range expected {
		if !strings.Contains(body, metric) {
			t.Errorf("expected metric %s not found in output", metric)
		}
	}
}

func TestMetricsHandlerDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false

	m := NewManager(cfg)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404 when disabled, got %d", w.Code)
	}
}

func TestNoOpManagerDoesNotPanic(t *testing.T) {
	m := NoOpManager()
	if m.Enabled() {
		t.Error("NoOpManager should not be enabled")
	}

	m.RecordSagaExecution("CreateRecord", "completed")
	m.RecordSagaDuration("CreateRecord", "completed", time.Second)
	m.IncActiveSagas()
	m.DecActiveSagas()
	m.RecordStep("CreateRecord", "insert_row", "succeeded", time.Millisecond)
	m.RecordCompensationRetry()
	m.RecordLockAcquire("conflict")
	m.RecordLockWait(time.Millisecond)
	m.RecordPublish("failed")
	m.RecordRetry()
	m.SetDegradedMode(true)
	m.RecordOutage()
	m.RecordRecovery()
	m.RecordHTTPRequest("GET", "/api/v1/records", "200", time.Millisecond)
	m.IncActiveConnections()
	m.DecActiveConnections()
}

func BenchmarkRecordSagaExecution(b *testing.B) {
	m := NewManager(DefaultConfig())
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.RecordSagaExecution("CreateRecord", "completed")
	}
}

func BenchmarkRecordHTTPRequest(b *testing.B) {
	m := NewManager(DefaultConfig())
	d := 5 * time.Millisecond
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.RecordHTTPRequest("GET", "/api/v1/records", "200", d)
	}
}
