package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"almans/internal/models"
	"almans/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Publisher is what EventPublisher needs from a producer
type Publisher interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// NewBaseEvent stamps a fresh event id and time
func NewBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer Publisher
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer Publisher) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func ownerKey(owner models.CartOwner) string {
	return fmt.Sprintf("cart-%s", owner)
}

// PublishCartPriceChanged publishes CartPriceChanged event
func (ep *EventPublisher) PublishCartPriceChanged(ctx context.Context, owner models.CartOwner, changes []models.PriceChangeData, subtotal int64) error {
	event := &models.CartPriceChangedEvent{
		BaseEvent: NewBaseEvent(models.EventTypeCartPriceChanged),
		OwnerID:   owner.String(),
		Changes:   changes,
		Subtotal:  subtotal,
	}
	return ep.producer.PublishEvent(ctx, ownerKey(owner), event)
}

// PublishAbandonedCartSynced publishes AbandonedCartSynced event
func (ep *EventPublisher) PublishAbandonedCartSynced(ctx context.Context, snapshotID string, owner models.CartOwner, itemCount int, total int64, trigger string) error {
	event := &models.AbandonedCartSyncedEvent{
		BaseEvent:  NewBaseEvent(models.EventTypeAbandonedCartSynced),
		SnapshotID: snapshotID,
		OwnerID:    owner.String(),
		ItemCount:  itemCount,
		TotalValue: total,
		Trigger:    trigger,
	}
	return ep.producer.PublishEvent(ctx, ownerKey(owner), event)
}

// PublishCartRecovered publishes CartRecovered event
func (ep *EventPublisher) PublishCartRecovered(ctx context.Context, owner models.CartOwner) error {
	event := &models.CartRecoveredEvent{
		BaseEvent: NewBaseEvent(models.EventTypeCartRecovered),
		OwnerID:   owner.String(),
	}
	return ep.producer.PublishEvent(ctx, ownerKey(owner), event)
}

// PublishLoginLockout publishes LoginLockout event
func (ep *EventPublisher) PublishLoginLockout(ctx context.Context, until time.Time) error {
	event := &models.LoginLockoutEvent{
		BaseEvent:    NewBaseEvent(models.EventTypeLoginLockout),
		LockoutUntil: until,
	}
	return ep.producer.PublishEvent(ctx, "login-lockout", event)
}

// EventHandler routes realtime catalog changes to registered handlers
type EventHandler struct {
	onProductUpdated func(context.Context, *models.ProductChangedEvent) error
	onProductDeleted func(context.Context, *models.ProductChangedEvent) error
	logger           *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.Component("events")}
}

// OnProductUpdated registers a handler for ProductUpdated events
func (eh *EventHandler) OnProductUpdated(handler func(context.Context, *models.ProductChangedEvent) error) {
	eh.onProductUpdated = handler
}

// OnProductDeleted registers a handler for ProductDeleted events
func (eh *EventHandler) OnProductDeleted(handler func(context.Context, *models.ProductChangedEvent) error) {
	eh.onProductDeleted = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("id", baseEvent.EventID))

	var handler func(context.Context, *models.ProductChangedEvent) error
	switch baseEvent.EventType {
	case models.EventTypeProductUpdated:
		handler = eh.onProductUpdated
	case models.EventTypeProductDeleted:
		handler = eh.onProductDeleted
	default:
		eh.logger.Debug("Unhandled event type", zap.String("type", baseEvent.EventType))
		return nil
	}
	if handler == nil {
		return nil
	}

	var event models.ProductChangedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("failed to unmarshal %s event: %w", baseEvent.EventType, err)
	}
	return handler(ctx, &event)
}
