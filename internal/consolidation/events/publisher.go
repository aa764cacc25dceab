package events

import (
	"context"

	"github.com/pharmaportal/pharmaportal-backend/internal/consolidation/domain"
	"github.com/pharmaportal/pharmaportal-backend/pkg/logger"
	"github.com/pharmaportal/pharmaportal-backend/pkg/messaging"
)

// ConsolidationEventPublisher publishes consolidation events. A nil
// publisher drops every event, which lets the service run without a broker.
type ConsolidationEventPublisher struct {
	publisher messaging.EventPublisher
	logger    *logger.Logger
}

// NewConsolidationEventPublisher declares the consolidation exchange and
// returns a publisher bound to it
func NewConsolidationEventPublisher(rmq *messaging.RabbitMQ, log *logger.Logger) (*ConsolidationEventPublisher, error) {
	publisher, err := messaging.NewPublisher(rmq, messaging.ExchangeConsolidationEvents, "consolidation-service", log)
	if err != nil {
		return nil, err
	}
	return NewWithPublisher(publisher, log), nil
}

// NewWithPublisher wraps an existing EventPublisher
func NewWithPublisher(p messaging.EventPublisher, log *logger.Logger) *ConsolidationEventPublisher {
	return &ConsolidationEventPublisher{
		publisher: p,
		logger:    log.WithComponent("events"),
	}
}

// PublishDemandSynced publishes the outcome of a pending-group sync
func (p *ConsolidationEventPublisher) PublishDemandSynced(ctx context.Context, data messaging.DemandSyncedEvent) {
	if p == nil {
		return
	}
	if err := p.publisher.Publish(ctx, messaging.EventDemandSynced, data); err != nil {
		p.logger.Error().Err(err).Str("trigger", data.Trigger).Msg("failed to publish demand synced event")
	}
}

// PublishDrugOrdered publishes a group placed with the distributor
func (p *ConsolidationEventPublisher) PublishDrugOrdered(ctx context.Context, g *domain.ConsolidatedGroup, order *domain.BarmanOrder) {
	if p == nil {
		return
	}

	data := messaging.DrugOrderedEvent{
		DrugID:               g.DrugID,
		DrugPartition:        string(g.Partition),
		ConsolidatedStatusID: g.ID,
		BarmanOrderID:        order.ID,
		QuantityOrdered:      order.QuantityOrdered,
		TotalQuantity:        g.TotalQuantity,
		ItemIDs:              g.ItemIDs,
		PlacedBy:             order.PlacedBy,
	}
	if g.OrderedAt != nil {
		data.OrderedAt = *g.OrderedAt
	}

	if err := p.publisher.Publish(ctx, messaging.EventDrugOrdered, data); err != nil {
		p.logger.Error().Err(err).Str("drug_id", g.DrugID).Msg("failed to publish drug ordered event")
	}
}

// PublishReconciliationException publishes a newly recorded exception
func (p *ConsolidationEventPublisher) PublishReconciliationException(ctx context.Context, e *domain.ReconciliationException) {
	if p == nil {
		return
	}

	data := messaging.ReconciliationExceptionEvent{
		OrderID:              e.OrderID,
		OrderItemID:          e.OrderItemID,
		DrugID:               e.DrugID,
		DrugPartition:        string(e.Partition),
		ConsolidatedStatusID: e.ConsolidatedStatusID,
		OrderStatus:          string(e.OrderStatus),
		Reason:               e.Reason,
	}

	if err := p.publisher.Publish(ctx, messaging.EventReconciliationException, data); err != nil {
		p.logger.Error().Err(err).Str("order_item_id", e.OrderItemID).Msg("failed to publish reconciliation exception event")
	}
}
