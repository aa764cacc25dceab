package domain

import "time"

// FulfillmentStatus is the derived per-item procurement state
type FulfillmentStatus string

const (
	FulfillmentPending FulfillmentStatus = "pending"
	FulfillmentOrdered FulfillmentStatus = "ordered"
)

// ItemFulfillment is derived from the groups and barman orders; it is never
// stored on the item
type ItemFulfillment struct {
	OrderItemID          string            `json:"order_item_id"`
	Status               FulfillmentStatus `json:"status"`
	RequestedQuantity    int               `json:"requested_quantity"`
	OrderedQuantity      *int              `json:"ordered_quantity,omitempty"`
	ConsolidatedStatusID *string           `json:"consolidated_status_id,omitempty"`
	BarmanOrderID        *string           `json:"barman_order_id,omitempty"`
	OrderedAt            *time.Time        `json:"ordered_at,omitempty"`
}

// DeriveFulfillment computes an item's fulfillment. The item is ordered when
// an ordered group lists it. Its ordered quantity is its own requested
// quantity: any surplus on the barman order stays at the aggregate level.
// A pending group membership is reported through ConsolidatedStatusID.
func DeriveFulfillment(itemID string, requested int, groups []ConsolidatedGroup, orders map[string]BarmanOrder) ItemFulfillment {
	f := ItemFulfillment{
		OrderItemID:       itemID,
		Status:            FulfillmentPending,
		RequestedQuantity: requested,
	}

	for i := range groups {
		g := &groups[i]
		if !g.Live() || !g.Contains(itemID) {
			continue
		}

		groupID := g.ID
		if g.Status != GroupOrdered {
			if f.ConsolidatedStatusID == nil {
				f.ConsolidatedStatusID = &groupID
			}
			continue
		}

		qty := requested
		f.Status = FulfillmentOrdered
		f.OrderedQuantity = &qty
		f.ConsolidatedStatusID = &groupID
		f.OrderedAt = g.OrderedAt
		if bo, ok := orders[g.ID]; ok {
			boID := bo.ID
			f.BarmanOrderID = &boID
		}
		return f
	}

	return f
}
