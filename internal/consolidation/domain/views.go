package domain

import (
	"sort"
	"time"
)

// PendingGroupSummary describes a drug's live pending group
type PendingGroupSummary struct {
	ID              string    `json:"id"`
	TotalQuantity   int       `json:"total_quantity"`
	ItemCount       int       `json:"item_count"`
	Version         int       `json:"version"`
	WindowStartedAt time.Time `json:"window_started_at"`
	// InSync is false when demand changed since the last sync
	InSync bool `json:"in_sync"`
}

// OrderedGroupSummary describes a group already placed upstream
type OrderedGroupSummary struct {
	ConsolidatedStatusID string     `json:"consolidated_status_id"`
	TotalQuantity        int        `json:"total_quantity"`
	ItemCount            int        `json:"item_count"`
	BarmanOrderID        *string    `json:"barman_order_id,omitempty"`
	QuantityOrdered      int        `json:"quantity_ordered"`
	Surplus              int        `json:"surplus"`
	PlacedBy             string     `json:"placed_by,omitempty"`
	OrderedAt            *time.Time `json:"ordered_at,omitempty"`
}

// DrugDemand is the cross-pharmacy view of one drug
type DrugDemand struct {
	DrugID                 string                `json:"drug_id"`
	Partition              Partition             `json:"drug_partition,omitempty"`
	Drug                   *DrugProjection       `json:"drug,omitempty"`
	UnresolvedCatalogEntry bool                  `json:"unresolved_catalog_entry"`
	OutstandingQuantity    int                   `json:"outstanding_quantity"`
	OutstandingItemIDs     []string              `json:"outstanding_item_ids"`
	ContributingPharmacies []PharmacySubtotal    `json:"contributing_pharmacies"`
	Pending                *PendingGroupSummary  `json:"pending_group,omitempty"`
	Ordered                []OrderedGroupSummary `json:"ordered_groups"`
	TotalOrderedQuantity   int                   `json:"total_ordered_quantity"`
	TotalSurplus           int                   `json:"total_surplus"`
}

// BuildDrugDemand projects demand, groups and barman orders into one row per
// catalog reference, sorted by id then partition. catalog maps a ref to its
// projection; a missing or nil entry marks the drug unresolved.
func BuildDrugDemand(demand Demand, groups []ConsolidatedGroup, orders map[string]BarmanOrder, catalog map[DrugRef]*DrugProjection) []DrugDemand {
	rows := make(map[DrugRef]*DrugDemand)
	row := func(ref DrugRef) *DrugDemand {
		r, ok := rows[ref]
		if !ok {
			r = &DrugDemand{
				DrugID:                 ref.ID,
				Partition:              ref.Partition,
				OutstandingItemIDs:     []string{},
				ContributingPharmacies: []PharmacySubtotal{},
				Ordered:                []OrderedGroupSummary{},
			}
			rows[ref] = r
		}
		return r
	}

	for ref, res := range demand {
		r := row(ref)
		r.OutstandingQuantity = res.TotalQuantity
		r.OutstandingItemIDs = append([]string(nil), res.ItemIDs...)
		r.ContributingPharmacies = append([]PharmacySubtotal(nil), res.ContributingPharmacies...)
	}

	for i := range groups {
		g := groups[i]
		if !g.Live() {
			continue
		}
		r := row(g.Ref())
		switch g.Status {
		case GroupPending:
			inSync := false
			if res, ok := demand[g.Ref()]; ok {
				inSync = res.TotalQuantity == g.TotalQuantity && sameIDs(res.ItemIDs, g.ItemIDs)
			}
			r.Pending = &PendingGroupSummary{
				ID:              g.ID,
				TotalQuantity:   g.TotalQuantity,
				ItemCount:       len(g.ItemIDs),
				Version:         g.Version,
				WindowStartedAt: g.WindowStartedAt,
				InSync:          inSync,
			}
		case GroupOrdered:
			summary := OrderedGroupSummary{
				ConsolidatedStatusID: g.ID,
				TotalQuantity:        g.TotalQuantity,
				ItemCount:            len(g.ItemIDs),
				OrderedAt:            g.OrderedAt,
			}
			if bo, ok := orders[g.ID]; ok {
				boID := bo.ID
				summary.BarmanOrderID = &boID
				summary.QuantityOrdered = bo.QuantityOrdered
				summary.Surplus = bo.QuantityOrdered - g.TotalQuantity
				summary.PlacedBy = bo.PlacedBy
			}
			r.Ordered = append(r.Ordered, summary)
			r.TotalOrderedQuantity += summary.QuantityOrdered
			r.TotalSurplus += summary.Surplus
		}
	}

	out := make([]DrugDemand, 0, len(rows))
	for ref, r := range rows {
		if proj := catalog[ref]; proj != nil {
			r.Drug = proj
		} else {
			r.UnresolvedCatalogEntry = true
		}
		sort.Slice(r.Ordered, func(i, j int) bool {
			return r.Ordered[i].ConsolidatedStatusID < r.Ordered[j].ConsolidatedStatusID
		})
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DrugID != out[j].DrugID {
			return out[i].DrugID < out[j].DrugID
		}
		return out[i].Partition < out[j].Partition
	})
	return out
}

// TrackedItem is an order line with its drug and derived fulfillment
type TrackedItem struct {
	OrderItemID            string          `json:"order_item_id"`
	DrugID                 string          `json:"drug_id"`
	Partition              Partition       `json:"drug_partition,omitempty"`
	Quantity               int             `json:"quantity"`
	Drug                   *DrugProjection `json:"drug,omitempty"`
	UnresolvedCatalogEntry bool            `json:"unresolved_catalog_entry"`
	Fulfillment            ItemFulfillment `json:"fulfillment"`
}

// TrackedOrder is a payment-verified order as its pharmacy sees it
type TrackedOrder struct {
	OrderID    string         `json:"order_id"`
	PharmacyID string         `json:"pharmacy_id"`
	Status     WorkflowStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	// TotalItems is the sum of item quantities; RecordedTotalItems is the
	// stored counter, reported when the two disagree
	TotalItems         int           `json:"total_items"`
	RecordedTotalItems *int          `json:"recorded_total_items,omitempty"`
	OrderedItemCount   int           `json:"ordered_item_count"`
	Items              []TrackedItem `json:"items"`
}

// BuildTrackedOrders projects orders into the per-pharmacy view, newest
// first. catalog is keyed by each item's own ref, tagged or not.
func BuildTrackedOrders(orders []Order, groups []ConsolidatedGroup, barman map[string]BarmanOrder, catalog map[DrugRef]*DrugProjection) []TrackedOrder {
	out := make([]TrackedOrder, 0, len(orders))
	for _, o := range orders {
		t := TrackedOrder{
			OrderID:    o.ID,
			PharmacyID: o.PharmacyID,
			Status:     o.Status,
			CreatedAt:  o.CreatedAt,
			Items:      make([]TrackedItem, 0, len(o.Items)),
		}

		items := append([]OrderItem(nil), o.Items...)
		sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })

		for _, it := range items {
			ti := TrackedItem{
				OrderItemID: it.ID,
				DrugID:      it.DrugID,
				Partition:   it.PartitionHint,
				Quantity:    it.Quantity,
				Fulfillment: DeriveFulfillment(it.ID, it.Quantity, groups, barman),
			}
			if proj := catalog[it.Ref()]; proj != nil {
				ti.Drug = proj
				ti.Partition = proj.Partition
			} else {
				ti.UnresolvedCatalogEntry = true
			}
			if ti.Fulfillment.Status == FulfillmentOrdered {
				t.OrderedItemCount++
			}
			t.TotalItems += it.Quantity
			t.Items = append(t.Items, ti)
		}

		if t.TotalItems != o.TotalItems {
			recorded := o.TotalItems
			t.RecordedTotalItems = &recorded
		}
		out = append(out, t)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].OrderID < out[j].OrderID
	})
	return out
}
