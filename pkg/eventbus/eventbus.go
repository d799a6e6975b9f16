// Package eventbus publishes lifecycle events over watermill so downstream
// consumers (UI fan-out, history, alerting) can react without polling.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/spooldev/spool/pkg/events"
)

// Event is implemented by every payload in pkg/events.
type Event interface {
	GetType() events.EventType
}

// Keyed events pin a partition key so partitioned transports keep one
// entity's events in order.
type Keyed interface {
	PartitionKey() string
}

type EventHandler func(ctx context.Context, event Event) error

type EventPublisher interface {
	Publish(ctx context.Context, topic string, event Event) error
}

type EventSubscriber interface {
	Subscribe(ctx context.Context, topic string, handler EventHandler) error
}

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}

type WatermillEventBus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
}

func NewWatermillEventBus(pub message.Publisher, sub message.Subscriber) *WatermillEventBus {
	return &WatermillEventBus{
		publisher:  pub,
		subscriber: sub,
	}
}

func (eb *WatermillEventBus) GenerateID() string {
	return watermill.NewULID()
}

func (eb *WatermillEventBus) Publish(_ context.Context, topic string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage("msg-"+eb.GenerateID(), payload)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.GetType()))

	if keyed, ok := event.(Keyed); ok {
		if key := keyed.PartitionKey(); key != "" {
			msg.Metadata.Set(events.EventMetadataKey, key)
		}
	}

	err = eb.publisher.Publish(topic, msg)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

func (eb *WatermillEventBus) Subscribe(ctx context.Context, topic string, handler EventHandler) error {
	messages, err := eb.subscriber.Subscribe(ctx, topic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	go func() {
		for msg := range messages {
			event := decodeEvent(msg)
			if event == nil {
				// Unknown event types are acked, not requeued; they would
				// never decode on retry either.
				msg.Ack()

				continue
			}

			err := handler(ctx, event)
			if err != nil {
				msg.Nack()

				continue
			}

			msg.Ack()
		}
	}()

	return nil
}

func decodeEvent(msg *message.Message) Event {
	var event Event

	switch events.EventType(msg.Metadata.Get(events.EventTypeMetadataKey)) {
	case events.RunStatusChangedEvent:
		event = &events.RunStatusChanged{}
	case events.StepStatusChangedEvent:
		event = &events.StepStatusChanged{}
	case events.WorkOrderStatusChangedEvent:
		event = &events.WorkOrderStatusChanged{}
	case events.RunLogAppendedEvent:
		event = &events.RunLogAppended{}
	default:
		return nil
	}

	err := json.Unmarshal(msg.Payload, event)
	if err != nil {
		return nil
	}

	return event
}

func (eb *WatermillEventBus) Close() error {
	err := eb.publisher.Close()
	if err != nil {
		return fmt.Errorf("failed to close publisher: %w", err)
	}

	err = eb.subscriber.Close()
	if err != nil {
		return fmt.Errorf("failed to close subscriber: %w", err)
	}

	return nil
}
