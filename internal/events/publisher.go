package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Lifecycle event types published to the subscription topic.
const (
	SubscriptionActivated    = "subscription.activated"
	SubscriptionReminderSent = "subscription.reminder_sent"
	SubscriptionExpired      = "subscription.expired"
)

// CloudEvent is the envelope for every published event.
type CloudEvent struct {
	ID          string          `json:"id"`
	Source      string          `json:"source"`
	SpecVersion string          `json:"specversion"`
	Type        string          `json:"type"`
	Time        time.Time       `json:"time"`
	Data        json.RawMessage `json:"data"`
}

// NewCloudEvent wraps data in a CloudEvent envelope.
func NewCloudEvent(source, eventType string, data any) (CloudEvent, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return CloudEvent{}, fmt.Errorf("failed to marshal event data: %w", err)
	}
	return CloudEvent{
		ID:          uuid.New().String(),
		Source:      source,
		SpecVersion: "1.0",
		Type:        eventType,
		Time:        time.Now().UTC(),
		Data:        raw,
	}, nil
}

// ParseCloudEvent decodes a CloudEvent from raw bytes.
func ParseCloudEvent(raw []byte) (CloudEvent, error) {
	var ce CloudEvent
	if err := json.Unmarshal(raw, &ce); err != nil {
		return CloudEvent{}, fmt.Errorf("failed to parse cloud event: %w", err)
	}
	return ce, nil
}

// ParseData decodes the event payload into out.
func (ce CloudEvent) ParseData(out any) error {
	return json.Unmarshal(ce.Data, out)
}

// SubscriptionEvent is the payload for all lifecycle event types.
type SubscriptionEvent struct {
	UserID     int64     `json:"user_id"`
	PlanID     string    `json:"plan_id"`
	PaymentID  string    `json:"payment_id,omitempty"`
	Stage      string    `json:"stage,omitempty"`
	EndDate    time.Time `json:"end_date"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher emits lifecycle events to Kafka. A nil *Publisher is valid and
// drops every event, so callers never branch on whether Kafka is configured.
type Publisher struct {
	writer *kafkago.Writer
	source string
	logger *zap.Logger
}

// NewPublisher creates a Kafka publisher, or nil when no brokers are
// configured.
func NewPublisher(brokers []string, topic string, logger *zap.Logger) *Publisher {
	if len(brokers) == 0 {
		logger.Info("no kafka brokers configured, event publishing disabled")
		return nil
	}

	writer := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireOne,
	}
	return &Publisher{
		writer: writer,
		source: "service-subscription",
		logger: logger,
	}
}

// Publish emits one lifecycle event. Failures are logged and swallowed:
// event delivery is best-effort and must never stall the lifecycle core.
func (p *Publisher) Publish(ctx context.Context, eventType string, event SubscriptionEvent) {
	if p == nil {
		return
	}

	ce, err := NewCloudEvent(p.source, eventType, event)
	if err != nil {
		p.logger.Error("failed to build cloud event", zap.Error(err))
		return
	}

	value, err := json.Marshal(ce)
	if err != nil {
		p.logger.Error("failed to marshal cloud event", zap.Error(err))
		return
	}

	msg := kafkago.Message{
		Key:   []byte(fmt.Sprintf("%d", event.UserID)),
		Value: value,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("failed to publish subscription event",
			zap.String("type", eventType),
			zap.Int64("user_id", event.UserID),
			zap.Error(err),
		)
	}
}

// Close closes the underlying Kafka writer.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.writer.Close()
}
