package consumers

import (
	"context"
	"fmt"

	"github.com/pharmaportal/pharmaportal-backend/internal/consolidation/domain"
	"github.com/pharmaportal/pharmaportal-backend/internal/consolidation/service"
	"github.com/pharmaportal/pharmaportal-backend/pkg/logger"
	"github.com/pharmaportal/pharmaportal-backend/pkg/messaging"
)

// OrderEventQueue is the queue the consolidation service reads order events from
const OrderEventQueue = "consolidation-service.order-events"

// Consolidator is the part of the consolidation service driven by order events
type Consolidator interface {
	SyncOnPayment() bool
	SyncPendingGroups(ctx context.Context, trigger string) (*service.SyncReport, error)
	HandleOrderReverted(ctx context.Context, orderID string, newStatus domain.WorkflowStatus) (*service.ReversalReport, error)
	InvalidateReadModel()
}

// OrderEventConsumer consumes order workflow events
type OrderEventConsumer struct {
	consumer     *messaging.Consumer
	consolidator Consolidator
	logger       *logger.Logger
}

// NewOrderEventConsumer creates a new order event consumer
func NewOrderEventConsumer(rmq *messaging.RabbitMQ, consolidator Consolidator, log *logger.Logger) (*OrderEventConsumer, error) {
	consumer, err := messaging.NewConsumer(rmq, OrderEventQueue, log)
	if err != nil {
		return nil, err
	}

	if err := consumer.Subscribe(messaging.ExchangeOrderEvents, "order.#"); err != nil {
		return nil, err
	}

	c := &OrderEventConsumer{
		consumer:     consumer,
		consolidator: consolidator,
		logger:       log.WithComponent("order-consumer"),
	}

	consumer.RegisterHandler(messaging.EventOrderPaymentVerified, c.handlePaymentVerified)
	consumer.RegisterHandler(messaging.EventOrderStatusChanged, c.handleStatusChanged)

	return c, nil
}

// Start starts consuming messages
func (c *OrderEventConsumer) Start(ctx context.Context) error {
	return c.consumer.Start(ctx)
}

func (c *OrderEventConsumer) handlePaymentVerified(ctx context.Context, event *messaging.Event) error {
	var data messaging.OrderPaymentVerifiedEvent
	if err := event.UnmarshalData(&data); err != nil {
		return err
	}

	c.logger.Info().
		Str("order_id", data.OrderID).
		Str("pharmacy_id", data.PharmacyID).
		Msg("received payment verified event")

	if !c.consolidator.SyncOnPayment() {
		c.consolidator.InvalidateReadModel()
		return nil
	}

	_, err := c.consolidator.SyncPendingGroups(ctx, service.TriggerPaymentVerified)
	return err
}

func (c *OrderEventConsumer) handleStatusChanged(ctx context.Context, event *messaging.Event) error {
	var data messaging.OrderStatusChangedEvent
	if err := event.UnmarshalData(&data); err != nil {
		return err
	}

	status := domain.WorkflowStatus(data.NewStatus)
	if !status.Valid() {
		// Unknown statuses cannot be reconciled; retrying will not help
		c.logger.Warn().
			Str("order_id", data.OrderID).
			Str("new_status", data.NewStatus).
			Msg("ignoring status change with unknown status")
		return nil
	}

	c.logger.Info().
		Str("order_id", data.OrderID).
		Str("old_status", data.OldStatus).
		Str("new_status", data.NewStatus).
		Msg("received order status changed event")

	if status.Eligible() {
		c.consolidator.InvalidateReadModel()
		return nil
	}

	if _, err := c.consolidator.HandleOrderReverted(ctx, data.OrderID, status); err != nil {
		return fmt.Errorf("reconcile order %s: %w", data.OrderID, err)
	}
	return nil
}
