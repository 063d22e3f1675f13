package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type flakyTransport struct {
	mu       sync.Mutex
	failures int
	calls    int
	subjects []string
}

func (t *flakyTransport) Publish(_ context.Context, subject string, _ []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	if t.calls <= t.failures {
		return errors.New("transport down")
	}
	t.subjects = append(t.subjects, subject)
	return nil
}

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2,
	}
}

func TestPublishLifecycleEvent(t *testing.T) {
	transport := &flakyTransport{}
	pub, err := NewPublisher("node-1", transport, fastRetry(), nil)
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}

	env, err := pub.PublishLifecycleEvent(context.Background(), LifecycleEvent{
		Domain:     DomainRecord,
		EventType:  EventRecordPublished,
		RecordType: "bylaw",
		RecordID:   "noise-ordinance",
		SagaID:     "saga-1",
		Payload:    map[string]string{"record_id": "noise-ordinance"},
	})
	if err != nil {
		t.Fatalf("PublishLifecycleEvent() error = %v", err)
	}

	if env.EventID == "" {
		t.Error("envelope missing event id")
	}
	if env.OrderingKey != "noise-ordinance" {
		t.Errorf("OrderingKey = %q, want record id", env.OrderingKey)
	}
	if env.Sequence != 1 {
		t.Errorf("Sequence = %d, want 1", env.Sequence)
	}
	if env.SchemaVersion != SchemaVersionV1 {
		t.Errorf("SchemaVersion = %q, want %q", env.SchemaVersion, SchemaVersionV1)
	}
	want := "civicpress.v1.lifecycle.record.bylaw.record.published"
	if transport.subjects[0] != want {
		t.Errorf("subject = %q, want %q", transport.subjects[0], want)
	}
}

func TestPublishSequencePerOrderingKey(t *testing.T) {
	pub, err := NewPublisher("node-1", &flakyTransport{}, fastRetry(), nil)
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		env, err := pub.PublishLifecycleEvent(ctx, LifecycleEvent{
			Domain:    DomainRecord,
			EventType: EventRecordUpdated,
			RecordID:  "rec-a",
			Payload:   map[string]string{},
		})
		if err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
		if env.Sequence != int64(i+1) {
			t.Errorf("rec-a sequence = %d, want %d", env.Sequence, i+1)
		}
	}

	env, err := pub.PublishLifecycleEvent(ctx, LifecycleEvent{
		Domain:    DomainRecord,
		EventType: EventRecordUpdated,
		RecordID:  "rec-b",
		Payload:   map[string]string{},
	})
	if err != nil {
		t.Fatalf("publish rec-b: %v", err)
	}
	if env.Sequence != 1 {
		t.Errorf("rec-b sequence = %d, want independent counter starting at 1", env.Sequence)
	}
}

func TestPublishRetriesThenRecovers(t *testing.T) {
	transport := &flakyTransport{failures: 2}
	pub, err := NewPublisher("node-1", transport, fastRetry(), nil)
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}

	_, err = pub.PublishLifecycleEvent(context.Background(), LifecycleEvent{
		Domain:    DomainSaga,
		EventType: "saga.completed",
		SagaType:  "PublishDraft",
		SagaID:    "saga-9",
		Payload:   map[string]string{},
	})
	if err != nil {
		t.Fatalf("PublishLifecycleEvent() error = %v, want recovery within retry budget", err)
	}
	if pub.Degraded() {
		t.Error("publisher still degraded after successful publish")
	}
}

func TestPublishExhaustedRetriesDegrades(t *testing.T) {
	transport := &flakyTransport{failures: 100}
	pub, err := NewPublisher("node-1", transport, fastRetry(), nil)
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}

	_, err = pub.PublishLifecycleEvent(context.Background(), LifecycleEvent{
		Domain:    DomainRecord,
		EventType: EventRecordCreated,
		RecordID:  "rec-1",
		Payload:   map[string]string{},
	})
	if err == nil {
		t.Fatal("PublishLifecycleEvent() error = nil, want failure after exhausted retries")
	}
	if !pub.Degraded() {
		t.Error("publisher not marked degraded after publish failure")
	}
}

func TestPublishRejectsMissingOrderingKey(t *testing.T) {
	pub, err := NewPublisher("node-1", &flakyTransport{}, fastRetry(), nil)
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}
	_, err = pub.PublishLifecycleEvent(context.Background(), LifecycleEvent{
		Domain:    DomainRecord,
		EventType: EventRecordCreated,
		Payload:   map[string]string{},
	})
	if err == nil {
		t.Fatal("PublishLifecycleEvent() error = nil, want ordering key error")
	}
}
