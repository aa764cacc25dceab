package service

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/pharmaportal/pharmaportal-backend/internal/consolidation/domain"
	apperrors "github.com/pharmaportal/pharmaportal-backend/pkg/errors"
	"github.com/pharmaportal/pharmaportal-backend/pkg/scope"
)

// MarkOrdered places the live pending group of a catalog reference with the
// distributor. It is the only path from pending to ordered. An untagged ref
// targets the partition the catalog lookup finds for the id, the same one its
// untagged items were grouped under. A second call for the same placement
// returns AlreadyOrdered and writes nothing.
func (s *ConsolidationService) MarkOrdered(ctx context.Context, ref domain.DrugRef, quantity int, placedBy string) (*domain.BarmanOrder, error) {
	ref, err := s.orderTarget(ctx, ref)
	if err != nil {
		return nil, err
	}
	drugID := ref.ID
	log := s.logger.WithDrugID(drugID)

	var (
		group   *domain.ConsolidatedGroup
		order   *domain.BarmanOrder
		groupID string
	)

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		g, err := s.groups.GetLivePending(ctx, ref)
		if err != nil {
			if !apperrors.IsNotFound(err) {
				return err
			}
			ordered, hasErr := s.groups.HasOrdered(ctx, ref)
			if hasErr != nil {
				return hasErr
			}
			if ordered {
				return apperrors.AlreadyOrdered(drugID)
			}
			return err
		}
		groupID = g.ID

		if quantity <= 0 || quantity < g.TotalQuantity {
			return apperrors.UnderOrdered(drugID, quantity, g.TotalQuantity)
		}

		order, err = s.groups.MarkOrdered(ctx, g, quantity, placedBy)
		if err != nil {
			return err
		}
		group = g
		return nil
	})
	if err != nil {
		if apperrors.IsConcurrentModification(err) && groupID != "" {
			return nil, s.lostOrderRace(ctx, drugID, groupID, err)
		}
		return nil, err
	}

	s.readModel.Invalidate()
	s.publisher.PublishDrugOrdered(ctx, group, order)

	log.Info().
		Str("drug_partition", string(ref.Partition)).
		Str("consolidated_status_id", group.ID).
		Str("barman_order_id", order.ID).
		Int("quantity_ordered", quantity).
		Int("total_quantity", group.TotalQuantity).
		Str("placed_by", placedBy).
		Msg("consolidated group ordered")

	return order, nil
}

// orderTarget tags an untagged ref through the catalog lookup. An id found in
// no partition stays untagged, which is how its demand was grouped.
func (s *ConsolidationService) orderTarget(ctx context.Context, ref domain.DrugRef) (domain.DrugRef, error) {
	if ref.Known() {
		return ref, nil
	}
	drug, err := s.ResolveDrug(ctx, ref)
	if err != nil {
		if apperrors.IsUnresolvedCatalogEntry(err) {
			return ref, nil
		}
		return ref, err
	}
	return drug.Ref(), nil
}

// lostOrderRace turns a lost compare-and-set into AlreadyOrdered when the
// winner placed the same group. Any other change (a sync replaced the item
// set) stays a concurrent modification and the caller retries.
func (s *ConsolidationService) lostOrderRace(ctx context.Context, drugID, groupID string, cause error) error {
	g, err := s.groups.GetGroup(ctx, groupID)
	if err != nil {
		return cause
	}
	if g.Status == domain.GroupOrdered {
		return apperrors.AlreadyOrdered(drugID)
	}
	return cause
}

// ItemFulfillment derives an item's procurement state from the groups and
// barman orders. Nothing is read from or written to the item itself.
func (s *ConsolidationService) ItemFulfillment(ctx context.Context, orderItemID string) (*domain.ItemFulfillment, error) {
	if _, err := uuid.Parse(orderItemID); err != nil {
		return nil, apperrors.OrderItemNotFound(orderItemID)
	}

	item, err := s.orders.GetOrderItem(ctx, orderItemID)
	if err != nil {
		return nil, err
	}
	if !scope.Allows(ctx, item.PharmacyID) {
		return nil, apperrors.OrderItemNotFound(orderItemID)
	}

	groups, err := s.groups.ListGroupsContaining(ctx, []string{orderItemID})
	if err != nil {
		return nil, err
	}

	barman, err := s.groups.ListBarmanOrders(ctx, orderedGroupIDs(groups))
	if err != nil {
		return nil, err
	}

	f := domain.DeriveFulfillment(orderItemID, item.Quantity, groups, barman)
	if f.Status != domain.FulfillmentOrdered && !item.OrderStatus.Eligible() {
		return nil, apperrors.OrderItemNotFound(orderItemID)
	}
	return &f, nil
}

// ReversalReport describes how an order leaving the eligible states was handled
type ReversalReport struct {
	OrderID         string                           `json:"order_id"`
	OrderStatus     domain.WorkflowStatus            `json:"order_status"`
	Exceptions      []domain.ReconciliationException `json:"exceptions"`
	AlreadyRecorded int                              `json:"already_recorded"`
	Sync            *SyncReport                      `json:"sync"`
}

// HandleOrderReverted reconciles an order whose status moved to newStatus.
// Items already inside an ordered group stay counted in the placed barman
// order and get a reconciliation exception; the rest simply stop being
// demand, and the pending groups are resynced to drop them.
func (s *ConsolidationService) HandleOrderReverted(ctx context.Context, orderID string, newStatus domain.WorkflowStatus) (*ReversalReport, error) {
	report := &ReversalReport{
		OrderID:     orderID,
		OrderStatus: newStatus,
		Exceptions:  []domain.ReconciliationException{},
	}

	if !newStatus.Eligible() {
		if err := s.recordExceptions(ctx, orderID, newStatus, report); err != nil {
			return nil, err
		}
	}

	syncReport, err := s.SyncPendingGroups(ctx, TriggerOrderReverted)
	if err != nil {
		return nil, err
	}
	report.Sync = syncReport

	for i := range report.Exceptions {
		s.publisher.PublishReconciliationException(ctx, &report.Exceptions[i])
	}
	if len(report.Exceptions) > 0 {
		s.logger.Warn().
			Str("order_id", orderID).
			Str("order_status", string(newStatus)).
			Int("exceptions", len(report.Exceptions)).
			Msg("order left eligible states after some of its items were ordered")
	}

	return report, nil
}

func (s *ConsolidationService) recordExceptions(ctx context.Context, orderID string, status domain.WorkflowStatus, report *ReversalReport) error {
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		items, err := s.orders.ListOrderItems(ctx, orderID)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}

		ids := make([]string, len(items))
		for i, it := range items {
			ids[i] = it.ID
		}

		groups, err := s.groups.ListGroupsContaining(ctx, ids)
		if err != nil {
			return err
		}

		for _, it := range items {
			for i := range groups {
				g := &groups[i]
				if g.Status != domain.GroupOrdered || !g.Contains(it.ID) {
					continue
				}
				exc := domain.ReconciliationException{
					OrderID:              orderID,
					OrderItemID:          it.ID,
					DrugID:               g.DrugID,
					Partition:            g.Partition,
					ConsolidatedStatusID: g.ID,
					OrderStatus:          status,
					Reason:               domain.ExceptionReason(status),
				}
				created, err := s.exceptions.Record(ctx, &exc)
				if err != nil {
					return err
				}
				if created {
					report.Exceptions = append(report.Exceptions, exc)
				} else {
					report.AlreadyRecorded++
				}
			}
		}
		return nil
	})
}

// ReconcileOrder replays reversal handling for an order using its stored status
func (s *ConsolidationService) ReconcileOrder(ctx context.Context, orderID string) (*ReversalReport, error) {
	if _, err := uuid.Parse(orderID); err != nil {
		return nil, apperrors.NotFoundWithKey("order").WithDetails(map[string]string{"order_id": orderID})
	}

	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return s.HandleOrderReverted(ctx, orderID, order.Status)
}

// ListExceptions lists recorded reconciliation exceptions. An empty drugID lists all.
func (s *ConsolidationService) ListExceptions(ctx context.Context, drugID string) ([]domain.ReconciliationException, error) {
	return s.exceptions.List(ctx, drugID)
}

func orderedGroupIDs(groups []domain.ConsolidatedGroup) []string {
	ids := make([]string, 0, len(groups))
	for _, g := range groups {
		if g.Status == domain.GroupOrdered {
			ids = append(ids, g.ID)
		}
	}
	sort.Strings(ids)
	return ids
}
