package eventbus

import (
	"encoding/json"
	"fmt"
	"sync"
)

// PayloadSchema lists the required payload fields for one event type under
// one schema version.
type PayloadSchema struct {
	SchemaVersion string
	EventType     string
	Required      []string
}

// Consumer decodes lifecycle envelopes, validates their payloads against
// registered schemas, and suppresses duplicate deliveries by event id.
// Transports are at-least-once; consumers are expected to be replay-safe.
type Consumer struct {
	mu         sync.Mutex
	schemas    map[string]PayloadSchema
	seenEvents map[string]struct{}
}

// NewConsumer creates a schema-aware consumer.
func NewConsumer() *Consumer {
	return &Consumer{
		schemas:    make(map[string]PayloadSchema),
		seenEvents: make(map[string]struct{}),
	}
}

// RegisterSchema registers the required payload fields for an event type.
func (c *Consumer) RegisterSchema(schema PayloadSchema) error {
	if schema.SchemaVersion == "" || schema.EventType == "" {
		return fmt.Errorf("eventbus: schema version and event type are required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.schemas[schemaKey(schema.SchemaVersion, schema.EventType)] = schema
	return nil
}

// Decode decodes raw event bytes, validates the envelope and payload, and
// reports whether this delivery is a duplicate of one already seen.
func (c *Consumer) Decode(raw []byte) (Envelope, bool, error) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Envelope{}, false, fmt.Errorf("eventbus: invalid envelope json: %w", err)
	}
	if envelope.EventID == "" || envelope.EventType == "" || envelope.SchemaVersion == "" {
		return Envelope{}, false, fmt.Errorf("eventbus: missing required envelope fields")
	}
	if envelope.NodeID == "" || envelope.OrderingKey == "" || envelope.Sequence <= 0 {
		return Envelope{}, false, fmt.Errorf("eventbus: missing required identity/ordering fields")
	}

	c.mu.Lock()
	schema, known := c.schemas[schemaKey(envelope.SchemaVersion, envelope.EventType)]
	_, duplicate := c.seenEvents[envelope.EventID]
	if !duplicate {
		c.seenEvents[envelope.EventID] = struct{}{}
	}
	c.mu.Unlock()

	if known {
		if err := validatePayloadAgainstSchema(envelope.Payload, schema); err != nil {
			return Envelope{}, false, err
		}
	}
	return envelope, duplicate, nil
}

func validatePayloadAgainstSchema(payload json.RawMessage, schema PayloadSchema) error {
	var payloadMap map[string]json.RawMessage
	if err := json.Unmarshal(payload, &payloadMap); err != nil {
		return fmt.Errorf("eventbus: invalid payload json: %w", err)
	}
	for _, field := range schema.Required {
		if _, ok := payloadMap[field]; !ok {
			return fmt.Errorf("eventbus: required payload field %q missing", field)
		}
	}
	return nil
}

func schemaKey(version, eventType string) string {
	return version + ":" + eventType
}
