package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	// Order workflow events, published by the portal backend
	EventOrderPaymentVerified = "order.payment_verified"
	EventOrderStatusChanged   = "order.status_changed"

	// Consolidation events
	EventDemandSynced            = "consolidation.demand.synced"
	EventDrugOrdered             = "consolidation.drug.ordered"
	EventReconciliationException = "consolidation.reconciliation.exception"
)

// Exchange names
const (
	ExchangeOrderEvents         = "order.events"
	ExchangeConsolidationEvents = "consolidation.events"
	ExchangeDeadLetter          = "dlx.pharmaportal"
)

// Event is the base event structure
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event with the given type and data
func NewEvent(eventType, source, correlationID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            uuid.New().String(),
		Type:          eventType,
		Source:        source,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Data:          dataBytes,
	}, nil
}

// UnmarshalData unmarshals the event data into the provided struct
func (e *Event) UnmarshalData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Order Events

// OrderPaymentVerifiedEvent is published when an accountant verifies payment
type OrderPaymentVerifiedEvent struct {
	OrderID    string `json:"order_id"`
	PharmacyID string `json:"pharmacy_id"`
	VerifiedBy string `json:"verified_by"`
}

// OrderStatusChangedEvent is published on every order workflow transition
type OrderStatusChangedEvent struct {
	OrderID    string `json:"order_id"`
	PharmacyID string `json:"pharmacy_id"`
	OldStatus  string `json:"old_status"`
	NewStatus  string `json:"new_status"`
	ChangedBy  string `json:"changed_by,omitempty"`
}

// Consolidation Events

// DemandSyncedEvent summarises a pending-group synchronisation
type DemandSyncedEvent struct {
	Created    int      `json:"created"`
	Updated    int      `json:"updated"`
	Superseded int      `json:"superseded"`
	Unchanged  int      `json:"unchanged"`
	Unresolved []string `json:"unresolved_drug_ids,omitempty"`
	Trigger    string   `json:"trigger"`
}

// DrugOrderedEvent is published when a consolidated group is placed upstream
type DrugOrderedEvent struct {
	DrugID               string    `json:"drug_id"`
	DrugPartition        string    `json:"drug_partition,omitempty"`
	ConsolidatedStatusID string    `json:"consolidated_status_id"`
	BarmanOrderID        string    `json:"barman_order_id"`
	QuantityOrdered      int       `json:"quantity_ordered"`
	TotalQuantity        int       `json:"total_quantity"`
	ItemIDs              []string  `json:"item_ids"`
	PlacedBy             string    `json:"placed_by"`
	OrderedAt            time.Time `json:"ordered_at"`
}

// ReconciliationExceptionEvent is published when an order leaves the
// eligible states after some of its items were already placed upstream
type ReconciliationExceptionEvent struct {
	OrderID              string `json:"order_id"`
	OrderItemID          string `json:"order_item_id"`
	DrugID               string `json:"drug_id"`
	DrugPartition        string `json:"drug_partition,omitempty"`
	ConsolidatedStatusID string `json:"consolidated_status_id"`
	OrderStatus          string `json:"order_status"`
	Reason               string `json:"reason"`
}
