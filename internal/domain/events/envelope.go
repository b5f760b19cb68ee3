// Package events defines the wire-level record shared by the outbox, the
// bus, and every adapter: the Envelope.
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dazzle-run/runtime/pkg/utils"
)

// Envelope is a self-describing, immutable event record. It is the unit of
// publish and consume across every bus adapter.
type Envelope struct {
	EventID       string            `json:"event_id"`
	Topic         string            `json:"topic"`
	EventType     string            `json:"event_type"`
	Key           string            `json:"key"`
	Timestamp     time.Time         `json:"timestamp"`
	Headers       map[string]string `json:"headers,omitempty"`
	Payload       json.RawMessage   `json:"payload"`
	SchemaVersion string            `json:"schema_version,omitempty"`
}

// New builds an Envelope with a random event id. It rejects an empty topic,
// event type, or key since the bus cannot route or order such a record.
func New(topic, eventType, key string, payload any, headers map[string]string) (Envelope, error) {
	if topic == "" || eventType == "" || key == "" {
		return Envelope{}, fmt.Errorf("envelope requires non-empty topic, event_type and key")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal envelope payload: %w", err)
	}

	return Envelope{
		EventID:       utils.GenerateID(),
		Topic:         topic,
		EventType:     eventType,
		Key:           key,
		Timestamp:     time.Now().UTC(),
		Headers:       headers,
		Payload:       body,
		SchemaVersion: "1",
	}, nil
}

// NewDeterministic builds an Envelope whose event_id is a content hash of the
// canonical serialization instead of a random id, so repeated producer calls
// with identical inputs collapse to the same idempotency key.
func NewDeterministic(topic, eventType, key string, payload any, headers map[string]string) (Envelope, error) {
	env, err := New(topic, eventType, key, payload, headers)
	if err != nil {
		return Envelope{}, err
	}
	env.EventID = contentHash(topic, eventType, key, env.Payload)
	return env, nil
}

func contentHash(topic, eventType, key string, payload json.RawMessage) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|", topic, eventType, key)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// Marshal serializes the Envelope canonically (encoding/json already emits
// map keys in sorted order, which is sufficient for stable field ordering).
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal deserializes an Envelope previously produced by Marshal.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return e, nil
}

// DLQTopic returns the dead-letter topic name non-retryable nacks are routed to.
func DLQTopic(topic string) string {
	return topic + ".dlq"
}
