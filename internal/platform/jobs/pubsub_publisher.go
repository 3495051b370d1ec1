package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/hanko-field/orders/internal/services"
)

// OrderEventMessage is the JSON payload published for every order event.
type OrderEventMessage struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	OrderID        string         `json:"orderId"`
	Status         string         `json:"status,omitempty"`
	PreviousStatus string         `json:"previousStatus,omitempty"`
	ActorID        string         `json:"actorId,omitempty"`
	OccurredAt     time.Time      `json:"occurredAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// PubSubOrderEventPublisher publishes order events to a Pub/Sub topic.
type PubSubOrderEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.OrderEventPublisher = (*PubSubOrderEventPublisher)(nil)

// NewPubSubOrderEventPublisher constructs a Pub/Sub backed order event publisher.
func NewPubSubOrderEventPublisher(topic *pubsub.Topic) (*PubSubOrderEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub order publisher: topic is required")
	}
	return &PubSubOrderEventPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishOrderEvent sends the event and waits for the server to acknowledge it.
func (p *PubSubOrderEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub order publisher: not initialised")
	}

	data, err := p.marshal(OrderEventMessage{
		ID:             event.ID,
		Type:           event.Type,
		OrderID:        event.OrderID,
		Status:         event.Status,
		PreviousStatus: event.PreviousStatus,
		ActorID:        event.ActorID,
		OccurredAt:     event.OccurredAt.UTC(),
		Metadata:       event.Metadata,
	})
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "eventId", event.ID)
	setAttr(attrs, "eventType", event.Type)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "status", event.Status)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  attrs,
		OrderingKey: p.orderingKey(event.OrderID),
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}

func (p *PubSubOrderEventPublisher) orderingKey(orderID string) string {
	if !p.topic.EnableMessageOrdering {
		return ""
	}
	return strings.TrimSpace(orderID)
}

// NoopOrderEventPublisher drops events. It is used when no topic is configured.
type NoopOrderEventPublisher struct{}

// PublishOrderEvent implements services.OrderEventPublisher.
func (NoopOrderEventPublisher) PublishOrderEvent(context.Context, services.OrderEvent) error {
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
