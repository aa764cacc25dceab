// Package domain holds the consolidation entities and the pure rules that
// aggregate demand, plan pending-group changes and derive item fulfillment.
// Nothing here touches storage.
package domain

import (
	"fmt"
	"sort"
	"time"
)

// WorkflowStatus is the lifecycle state of an order as a whole
type WorkflowStatus string

const (
	StatusPending                 WorkflowStatus = "pending"
	StatusNeedsRevisionPS         WorkflowStatus = "needs_revision_ps"
	StatusNeedsRevisionPM         WorkflowStatus = "needs_revision_pm"
	StatusNeedsRevisionAccountant WorkflowStatus = "needs_revision_accountant"
	StatusApprovedPS              WorkflowStatus = "approved_ps"
	StatusApprovedPM              WorkflowStatus = "approved_pm"
	StatusPaymentVerified         WorkflowStatus = "payment_verified"
	StatusConsolidated            WorkflowStatus = "consolidated"
	StatusFulfilled               WorkflowStatus = "fulfilled"
	StatusRejected                WorkflowStatus = "rejected"
)

// EligibleStatuses are the order states whose items count as demand
var EligibleStatuses = []WorkflowStatus{StatusPaymentVerified, StatusConsolidated, StatusFulfilled}

// Valid reports whether s is a known workflow status
func (s WorkflowStatus) Valid() bool {
	switch s {
	case StatusPending, StatusNeedsRevisionPS, StatusNeedsRevisionPM, StatusNeedsRevisionAccountant,
		StatusApprovedPS, StatusApprovedPM, StatusPaymentVerified, StatusConsolidated,
		StatusFulfilled, StatusRejected:
		return true
	}
	return false
}

// Editable reports whether items may still be added or changed
func (s WorkflowStatus) Editable() bool {
	switch s {
	case StatusPending, StatusNeedsRevisionPS, StatusNeedsRevisionPM, StatusNeedsRevisionAccountant:
		return true
	}
	return false
}

// Eligible reports whether the order's items take part in consolidation
func (s WorkflowStatus) Eligible() bool {
	for _, e := range EligibleStatuses {
		if s == e {
			return true
		}
	}
	return false
}

// EligibleStatusStrings returns EligibleStatuses for use as a query argument
func EligibleStatusStrings() []string {
	out := make([]string, len(EligibleStatuses))
	for i, s := range EligibleStatuses {
		out[i] = string(s)
	}
	return out
}

// Partition is one of the three disjoint catalog tables
type Partition string

const (
	PartitionUnknown  Partition = ""
	PartitionChemical Partition = "chemical"
	PartitionMedical  Partition = "medical"
	PartitionNatural  Partition = "natural"
)

// ResolutionOrder is the probe order for drug ids without a partition tag
var ResolutionOrder = []Partition{PartitionChemical, PartitionMedical, PartitionNatural}

// ParsePartition validates a partition tag. The empty string is PartitionUnknown.
func ParsePartition(s string) (Partition, error) {
	switch p := Partition(s); p {
	case PartitionUnknown, PartitionChemical, PartitionMedical, PartitionNatural:
		return p, nil
	}
	return PartitionUnknown, fmt.Errorf("unknown catalog partition %q", s)
}

// DrugRef identifies a catalog entry. Drug ids are only unique within a
// partition, so the pair is the identity used for demand, groups and
// upstream orders. An unknown partition means the id has to be probed in
// ResolutionOrder.
type DrugRef struct {
	Partition Partition `json:"partition,omitempty"`
	ID        string    `json:"id"`
}

// Known reports whether the partition is tagged
func (r DrugRef) Known() bool {
	return r.Partition != PartitionUnknown
}

// String renders the ref as partition/id, or the bare id when untagged
func (r DrugRef) String() string {
	if !r.Known() {
		return r.ID
	}
	return string(r.Partition) + "/" + r.ID
}

// SortRefs orders refs by id, then partition
func SortRefs(refs []DrugRef) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].ID != refs[j].ID {
			return refs[i].ID < refs[j].ID
		}
		return refs[i].Partition < refs[j].Partition
	})
}

// DrugProjection is the attribute set common to all catalog partitions
type DrugProjection struct {
	ID           string    `json:"id" db:"id"`
	Partition    Partition `json:"partition" db:"-"`
	Name         string    `json:"name" db:"name"`
	Category     string    `json:"category" db:"category"`
	Company      string    `json:"company" db:"company"`
	IRCCode      string    `json:"irc_code" db:"irc_code"`
	ERXCode      *string   `json:"erx_code,omitempty" db:"erx_code"`
	GTIN         *string   `json:"gtin,omitempty" db:"gtin"`
	PackageCount *int      `json:"package_count,omitempty" db:"package_count"`
}

// Ref returns the tagged reference of the projection
func (p *DrugProjection) Ref() DrugRef {
	return DrugRef{Partition: p.Partition, ID: p.ID}
}

// EligibleItem is one order line whose order has reached an eligible state
type EligibleItem struct {
	ItemID        string    `db:"item_id"`
	OrderID       string    `db:"order_id"`
	PharmacyID    string    `db:"pharmacy_id"`
	DrugID        string    `db:"drug_id"`
	PartitionHint Partition `db:"drug_partition"`
	Quantity      int       `db:"quantity"`
}

// Ref returns the catalog reference of the item's drug
func (i EligibleItem) Ref() DrugRef {
	return DrugRef{Partition: i.PartitionHint, ID: i.DrugID}
}

// OrderItem is an order line with its parent order's state
type OrderItem struct {
	ID            string         `json:"id" db:"id"`
	OrderID       string         `json:"order_id" db:"order_id"`
	PharmacyID    string         `json:"pharmacy_id" db:"pharmacy_id"`
	OrderStatus   WorkflowStatus `json:"order_status" db:"order_status"`
	DrugID        string         `json:"drug_id" db:"drug_id"`
	PartitionHint Partition      `json:"drug_partition,omitempty" db:"drug_partition"`
	Quantity      int            `json:"quantity" db:"quantity"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
}

// Ref returns the catalog reference of the item's drug
func (i OrderItem) Ref() DrugRef {
	return DrugRef{Partition: i.PartitionHint, ID: i.DrugID}
}

// Order is a pharmacy order with its items
type Order struct {
	ID         string         `db:"id"`
	PharmacyID string         `db:"pharmacy_id"`
	Status     WorkflowStatus `db:"status"`
	TotalItems int            `db:"total_items"`
	CreatedAt  time.Time      `db:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at"`
	Items      []OrderItem    `db:"-"`
}

// Pharmacy is the owner of orders
type Pharmacy struct {
	ID            string    `json:"id" db:"id"`
	Name          string    `json:"name" db:"name"`
	LicenseNumber string    `json:"license_number" db:"license_number"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// GroupStatus is the aggregate state of a consolidated group
type GroupStatus string

const (
	GroupPending GroupStatus = "pending"
	GroupOrdered GroupStatus = "ordered"
)

// ConsolidatedGroup is one consolidated_drug_status row: the set of order
// items placed, or to be placed, upstream as one purchase
type ConsolidatedGroup struct {
	ID              string      `json:"id"`
	DrugID          string      `json:"drug_id"`
	Partition       Partition   `json:"drug_partition,omitempty"`
	Status          GroupStatus `json:"status"`
	ItemIDs         []string    `json:"item_ids"`
	TotalQuantity   int         `json:"total_quantity"`
	Version         int         `json:"version"`
	WindowStartedAt time.Time   `json:"window_started_at"`
	OrderedAt       *time.Time  `json:"ordered_at,omitempty"`
	SupersededAt    *time.Time  `json:"superseded_at,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Ref returns the drug the group consolidates
func (g *ConsolidatedGroup) Ref() DrugRef {
	return DrugRef{Partition: g.Partition, ID: g.DrugID}
}

// Live reports whether the group still counts: ordered, or pending and not superseded
func (g *ConsolidatedGroup) Live() bool {
	return g.SupersededAt == nil
}

// Contains reports whether the group covers itemID
func (g *ConsolidatedGroup) Contains(itemID string) bool {
	for _, id := range g.ItemIDs {
		if id == itemID {
			return true
		}
	}
	return false
}

// BarmanOrder is the upstream purchase placed with the distributor
type BarmanOrder struct {
	ID                   string    `json:"id" db:"id"`
	ConsolidatedStatusID string    `json:"consolidated_status_id" db:"consolidated_status_id"`
	DrugID               string    `json:"drug_id" db:"drug_id"`
	Partition            Partition `json:"drug_partition,omitempty" db:"drug_partition"`
	QuantityOrdered      int       `json:"quantity_ordered" db:"quantity_ordered"`
	PlacedBy             string    `json:"placed_by" db:"placed_by"`
	CreatedAt            time.Time `json:"created_at" db:"created_at"`
}

// ReconciliationException records an item that stayed inside a placed
// upstream order after its order left the eligible states
type ReconciliationException struct {
	ID                   string         `json:"id" db:"id"`
	OrderID              string         `json:"order_id" db:"order_id"`
	OrderItemID          string         `json:"order_item_id" db:"order_item_id"`
	DrugID               string         `json:"drug_id" db:"drug_id"`
	Partition            Partition      `json:"drug_partition,omitempty" db:"drug_partition"`
	ConsolidatedStatusID string         `json:"consolidated_status_id" db:"consolidated_status_id"`
	OrderStatus          WorkflowStatus `json:"order_status" db:"order_status"`
	Reason               string         `json:"reason" db:"reason"`
	CreatedAt            time.Time      `json:"created_at" db:"created_at"`
}

// Reasons recorded on reconciliation exceptions
const (
	ReasonRevertedAfterOrdering = "order_reverted_after_ordering"
	ReasonRejectedAfterOrdering = "order_rejected_after_ordering"
)

// ExceptionReason picks the reason for an order that left the eligible states
func ExceptionReason(status WorkflowStatus) string {
	if status == StatusRejected {
		return ReasonRejectedAfterOrdering
	}
	return ReasonRevertedAfterOrdering
}
