package eventbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestConsumerDecodeAndDuplicateSuppression(t *testing.T) {
	consumer := NewConsumer()
	if err := consumer.RegisterSchema(PayloadSchema{
		SchemaVersion: SchemaVersionV1,
		EventType:     EventRecordPublished,
		Required:      []string{"record_id", "status"},
	}); err != nil {
		t.Fatalf("RegisterSchema() error = %v", err)
	}

	env, err := BuildEnvelope(BuildEnvelopeInput{
		EventType:   EventRecordPublished,
		NodeID:      "node-1",
		RecordID:    "rec-1",
		OrderingKey: "rec-1",
		Sequence:    1,
		Payload:     map[string]string{"record_id": "rec-1", "status": "published"},
	})
	if err != nil {
		t.Fatalf("BuildEnvelope() error = %v", err)
	}
	raw, _ := json.Marshal(env)

	decoded, duplicate, err := consumer.Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if duplicate {
		t.Error("first delivery flagged duplicate")
	}
	if decoded.EventID != env.EventID {
		t.Errorf("EventID = %q, want %q", decoded.EventID, env.EventID)
	}

	_, duplicate, err = consumer.Decode(raw)
	if err != nil {
		t.Fatalf("Decode() redelivery error = %v", err)
	}
	if !duplicate {
		t.Error("redelivery not flagged duplicate")
	}
}

func TestConsumerRejectsMissingRequiredField(t *testing.T) {
	consumer := NewConsumer()
	if err := consumer.RegisterSchema(PayloadSchema{
		SchemaVersion: SchemaVersionV1,
		EventType:     EventRecordCreated,
		Required:      []string{"record_id"},
	}); err != nil {
		t.Fatalf("RegisterSchema() error = %v", err)
	}

	env, err := BuildEnvelope(BuildEnvelopeInput{
		EventType:   EventRecordCreated,
		NodeID:      "node-1",
		OrderingKey: "rec-1",
		Sequence:    1,
		Payload:     map[string]string{"title": "no id"},
	})
	if err != nil {
		t.Fatalf("BuildEnvelope() error = %v", err)
	}
	raw, _ := json.Marshal(env)

	if _, _, err := consumer.Decode(raw); err == nil {
		t.Fatal("Decode() error = nil, want missing required field error")
	}
}

func TestConsumerRejectsMalformedEnvelope(t *testing.T) {
	consumer := NewConsumer()
	if _, _, err := consumer.Decode([]byte("{not json")); err == nil {
		t.Fatal("Decode() error = nil for malformed json")
	}
	raw, _ := json.Marshal(Envelope{EventType: "x"})
	if _, _, err := consumer.Decode(raw); err == nil {
		t.Fatal("Decode() error = nil for envelope missing identity fields")
	}
}

func TestMemoryBusWildcardDelivery(t *testing.T) {
	bus := NewMemoryBus()
	sub, err := bus.Subscribe(DomainWildcardSubject(DomainRecord), 4)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	subject := RecordSubject("bylaw", EventRecordArchived)
	if err := bus.Publish(context.Background(), subject, []byte(`{}`)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case msg := <-sub.C():
		if msg.Subject != subject {
			t.Errorf("Subject = %q, want %q", msg.Subject, subject)
		}
	case <-time.After(time.Second):
		t.Fatal("no message delivered for wildcard subscription")
	}

	other := SagaSubject("CreateRecord", "saga.completed")
	if err := bus.Publish(context.Background(), other, []byte(`{}`)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	select {
	case msg := <-sub.C():
		t.Fatalf("record subscription received saga subject %q", msg.Subject)
	case <-time.After(50 * time.Millisecond):
	}
}
