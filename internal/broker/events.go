package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"pass-service/internal/models"
	"pass-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Publisher is the producer side EventPublisher needs.
type Publisher interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// EventPublisher handles publishing pass lifecycle events
type EventPublisher struct {
	producer Publisher
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer Publisher) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishPassCreated publishes PassCreated event
func (ep *EventPublisher) PublishPassCreated(ctx context.Context, event *models.PassCreatedEvent) error {
	return ep.producer.PublishEvent(ctx, event.MerchantOrderID, event)
}

// PublishPassConfirmed publishes PassConfirmed event
func (ep *EventPublisher) PublishPassConfirmed(ctx context.Context, event *models.PassConfirmedEvent) error {
	return ep.producer.PublishEvent(ctx, event.MerchantOrderID, event)
}

// PublishPassPaymentFailed publishes PassPaymentFailed event
func (ep *EventPublisher) PublishPassPaymentFailed(ctx context.Context, event *models.PassPaymentFailedEvent) error {
	return ep.producer.PublishEvent(ctx, event.MerchantOrderID, event)
}

// PublishPassExpired publishes PassExpired event
func (ep *EventPublisher) PublishPassExpired(ctx context.Context, event *models.PassExpiredEvent) error {
	return ep.producer.PublishEvent(ctx, event.MerchantOrderID, event)
}

// PublishEntryRedeemed publishes EntryRedeemed event
func (ep *EventPublisher) PublishEntryRedeemed(ctx context.Context, event *models.EntryRedeemedEvent) error {
	return ep.producer.PublishEvent(ctx, event.PassUUID, event)
}

// PublishRecheckRequested publishes PassRecheckRequested event
func (ep *EventPublisher) PublishRecheckRequested(ctx context.Context, event *models.PassRecheckRequestedEvent) error {
	return ep.producer.PublishEvent(ctx, event.MerchantOrderID, event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onRecheckRequested func(context.Context, *models.PassRecheckRequestedEvent) error
	logger             *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.Named("events")}
}

// OnRecheckRequested registers a handler for PassRecheckRequested events
func (eh *EventHandler) OnRecheckRequested(handler func(context.Context, *models.PassRecheckRequestedEvent) error) {
	eh.onRecheckRequested = handler
}

// HandleMessage routes messages to appropriate handlers. Lifecycle events this
// service publishes for others share the topic and are skipped.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	switch baseEvent.EventType {
	case models.EventTypePassRecheckRequested:
		if eh.onRecheckRequested == nil {
			return nil
		}
		var event models.PassRecheckRequestedEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			return fmt.Errorf("failed to unmarshal PassRecheckRequested event: %w", err)
		}
		eh.logger.Info("Handling event",
			zap.String("type", baseEvent.EventType),
			zap.String("event_id", baseEvent.EventID),
			zap.String("merchant_order_id", event.MerchantOrderID))
		return eh.onRecheckRequested(ctx, &event)

	default:
		eh.logger.Debug("Skipping event", zap.String("type", baseEvent.EventType))
	}

	return nil
}
