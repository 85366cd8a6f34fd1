// Package events publishes Sapphire domain events. Publishing is best effort:
// callers record the returned error as a side effect and carry on.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Event types.
const (
	TypeResolutionDecided   = "support.resolution_decided"
	TypeCaseCreated         = "support.case_created"
	TypeCaseEscalated       = "support.case_escalated"
	TypeCaseUpdated         = "support.case_updated"
	TypeSLABreached         = "sla.breached"
	TypeOnboardingChanged   = "onboarding.transition"
	TypeTierChanged         = "tenant.tier_changed"
	TypeKBArticleChanged    = "kb.article_changed"
	TypeCRMLeadCreated      = "crm.lead_created"
	TypeIntakeEmailReceived = "intake.email_received"
)

// Event is one domain event.
type Event struct {
	ID         uuid.UUID      `json:"id"`
	Type       string         `json:"type"`
	TenantID   *uuid.UUID     `json:"tenant_id,omitempty"`
	Subject    string         `json:"subject,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// New builds an event with a fresh ID and the current time.
func New(eventType string, tenantID *uuid.UUID, subject string, payload map[string]any) Event {
	return Event{
		ID:         uuid.New(),
		Type:       eventType,
		TenantID:   tenantID,
		Subject:    subject,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}
}

// key partitions events by tenant so a tenant's events stay ordered.
func (e Event) key() []byte {
	if e.TenantID != nil {
		return []byte(e.TenantID.String())
	}
	return []byte(e.Subject)
}

// Publisher emits domain events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// NoopPublisher discards events. Used when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }

// Multi publishes every event to each publisher in order. All publishers are
// tried; their errors are joined.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// messageWriter is the subset of *kafka.Writer used here.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events as JSON to a Kafka topic.
type KafkaPublisher struct {
	writer messageWriter
	logger *slog.Logger
}

// NewKafkaPublisher creates a publisher for topic on brokers.
func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			WriteTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Publish writes one event.
func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", e.Type, err)
	}
	msg := kafka.Message{
		Key:   e.key(),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("events: publish %s: %w", e.Type, err)
	}
	p.logger.Debug("events: published", "type", e.Type, "id", e.ID)
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("events: close writer: %w", err)
	}
	return nil
}
