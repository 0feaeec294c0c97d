// Package notify publishes authorization lifecycle events for downstream
// consumers (care coordination, patient messaging, analytics). Delivery is
// best effort: a publish failure is logged and never blocks or rolls back
// the transition that produced it; the audit trail, not the event stream,
// is the system of record.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"priorauth/internal/authorization"
	"priorauth/internal/platform/kafka"
	id "priorauth/pkg/domain"
)

const TopicStatusChanged = "priorauth.authorization.status-changed"

// StatusChangedEvent is the published payload. It carries workflow state
// only; clinical fields never appear here.
type StatusChangedEvent struct {
	AuthorizationID id.AuthorizationID    `json:"authorization_id"`
	From            authorization.Status  `json:"from"`
	To              authorization.Status  `json:"to"`
	Trigger         authorization.Trigger `json:"trigger"`
	Actor           id.ActorID            `json:"actor"`
	CorrelationID   id.CorrelationID      `json:"correlation_id"`
	OccurredAt      time.Time             `json:"occurred_at"`
}

// Producer is the slice of the Kafka producer the publisher uses.
type Producer interface {
	Produce(ctx context.Context, msg *kafka.Message) error
}

// Publisher emits lifecycle events.
type Publisher struct {
	producer Producer
	logger   *slog.Logger
}

func NewPublisher(producer Producer, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{producer: producer, logger: logger}
}

// StatusChanged publishes one transition event, keyed by authorization ID
// so per-authorization ordering is preserved.
func (p *Publisher) StatusChanged(ctx context.Context, event StatusChangedEvent) {
	if p == nil || p.producer == nil {
		return
	}
	value, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("encode status event", "authorization_id", event.AuthorizationID, "error", err)
		return
	}
	msg := &kafka.Message{
		Topic: TopicStatusChanged,
		Key:   []byte(event.AuthorizationID),
		Value: value,
		Headers: map[string]string{
			"correlation_id": event.CorrelationID.String(),
		},
	}
	if err := p.producer.Produce(ctx, msg); err != nil {
		p.logger.Error("publish status event",
			"authorization_id", event.AuthorizationID,
			"to", event.To,
			"error", err,
		)
	}
}
