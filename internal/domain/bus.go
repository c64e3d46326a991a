package domain

import (
	"context"
)

// EventBus defines the interface for audit/telemetry event publishing.
// Supports Go channels (single node) or NATS (distributed).
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string

	// Channel settings
	ChannelBufferSize int

	// NATS settings
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}

// Topics for the fraud audit/telemetry stream.
const (
	TopicFraudAlert      = "kestrel.fraud.alert"
	TopicFraudAssessment = "kestrel.fraud.assessment"
)

// FraudAlertEvent is the audit payload emitted once per fired alert.
type FraudAlertEvent struct {
	SubscriberID string   `json:"subscriberId"`
	AssessmentID string   `json:"assessmentId"`
	RuleType     RuleType `json:"ruleType"`
	Severity     Severity `json:"severity"`
	Score        float64  `json:"score"`
	Confidence   float64  `json:"confidence"`
	Evidence     Evidence `json:"evidence"`
}

// AssessmentEvent is the business-event payload summarizing one assessment.
type AssessmentEvent struct {
	SubscriberID string    `json:"subscriberId"`
	AssessmentID string    `json:"assessmentId"`
	Score        float64   `json:"score"`
	Level        RiskLevel `json:"level"`
	AlertCount   int       `json:"alertCount"`
	ProcessMs    int64     `json:"processMs"`
}
