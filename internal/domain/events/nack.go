package events

// NackReason tags why a consumer refused to ack an event. Retryable nacks
// leave the event pending for re-delivery; non-retryable nacks route the
// event to the topic's DLQ.
type NackReason struct {
	Retryable bool   `json:"retryable"`
	Category  string `json:"category"`
	Message   string `json:"message"`
}

// Common nack categories used across adapters.
const (
	NackCategoryTransient  = "transient"
	NackCategoryValidation = "validation"
	NackCategoryPoison     = "poison"
)

// Retry builds a retryable NackReason.
func Retry(category, message string) NackReason {
	return NackReason{Retryable: true, Category: category, Message: message}
}

// Permanent builds a non-retryable NackReason that routes to the DLQ.
func Permanent(category, message string) NackReason {
	return NackReason{Retryable: false, Category: category, Message: message}
}

// SubscriptionInfo is returned from Subscribe and describes the resulting
// consumer-group registration.
type SubscriptionInfo struct {
	Topic      string `json:"topic"`
	GroupID    string `json:"group_id"`
	StartedAt  string `json:"started_at"`
	FromOffset int64  `json:"from_offset"`
}

// ConsumerStatus reports the state of a (topic, group) registration.
type ConsumerStatus struct {
	Topic           string `json:"topic"`
	GroupID         string `json:"group_id"`
	LastOffset      int64  `json:"last_offset"`
	PendingEvents   int    `json:"pending_events"`
	NackedEvents    int    `json:"nacked_events"`
	LastProcessedAt string `json:"last_processed_at,omitempty"`
}

// TopicInfo reports introspection data about a topic.
type TopicInfo struct {
	Topic           string `json:"topic"`
	EventCount      int    `json:"event_count"`
	ConsumerGroups  int    `json:"consumer_groups"`
	DLQEventCount   int    `json:"dlq_event_count"`
	OldestEventTime string `json:"oldest_event_time,omitempty"`
}

// ReplayFilter narrows a replay request.
type ReplayFilter struct {
	FromTimestamp *int64
	ToTimestamp   *int64
	FromOffset    *int64
	ToOffset      *int64
	KeyFilter     string
}
