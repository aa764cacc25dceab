// Package service implements the consolidation engine: demand aggregation,
// pending-group sync, the ordered transition, fulfillment derivation,
// reversal handling and the cached read model.
package service

import (
	"context"
	"time"

	"github.com/pharmaportal/pharmaportal-backend/internal/consolidation/domain"
	"github.com/pharmaportal/pharmaportal-backend/pkg/config"
	"github.com/pharmaportal/pharmaportal-backend/pkg/logger"
	"github.com/pharmaportal/pharmaportal-backend/pkg/messaging"
)

// OrderReader reads orders owned by the portal backend
type OrderReader interface {
	ListEligibleItems(ctx context.Context) ([]domain.EligibleItem, error)
	GetOrderItem(ctx context.Context, id string) (*domain.OrderItem, error)
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	ListOrderItems(ctx context.Context, orderID string) ([]domain.OrderItem, error)
	ListPharmacyOrders(ctx context.Context, pharmacyID string) ([]domain.Order, error)
	GetPharmacy(ctx context.Context, id string) (*domain.Pharmacy, error)
}

// CatalogReader reads the catalog partitions. A miss is (nil, nil).
type CatalogReader interface {
	Lookup(ctx context.Context, partition domain.Partition, id string) (*domain.DrugProjection, error)
	LookupMany(ctx context.Context, partition domain.Partition, ids []string) (map[string]*domain.DrugProjection, error)
}

// GroupStore persists consolidated groups and barman orders
type GroupStore interface {
	LockLivePending(ctx context.Context) ([]domain.ConsolidatedGroup, error)
	OrderedItemIDs(ctx context.Context) (map[string]struct{}, error)
	CreatePending(ctx context.Context, res *domain.AggregationResult) (*domain.ConsolidatedGroup, error)
	UpdatePending(ctx context.Context, change domain.GroupChange) error
	Supersede(ctx context.Context, g domain.ConsolidatedGroup) error
	GetLivePending(ctx context.Context, ref domain.DrugRef) (*domain.ConsolidatedGroup, error)
	GetGroup(ctx context.Context, id string) (*domain.ConsolidatedGroup, error)
	HasOrdered(ctx context.Context, ref domain.DrugRef) (bool, error)
	MarkOrdered(ctx context.Context, g *domain.ConsolidatedGroup, quantity int, placedBy string) (*domain.BarmanOrder, error)
	ListLiveGroups(ctx context.Context) ([]domain.ConsolidatedGroup, error)
	ListGroupsContaining(ctx context.Context, itemIDs []string) ([]domain.ConsolidatedGroup, error)
	ListBarmanOrders(ctx context.Context, groupIDs []string) (map[string]domain.BarmanOrder, error)
}

// ExceptionStore persists reconciliation exceptions
type ExceptionStore interface {
	Record(ctx context.Context, e *domain.ReconciliationException) (bool, error)
	List(ctx context.Context, drugID string) ([]domain.ReconciliationException, error)
}

// Transactor runs work in a transaction. Implemented by *database.DB.
type Transactor interface {
	InTx(ctx context.Context, fn func(context.Context) error) error
	WithPharmacyRLS(ctx context.Context, pharmacyID string, fn func(context.Context) error) error
}

// EventPublisher publishes consolidation events
type EventPublisher interface {
	PublishDemandSynced(ctx context.Context, data messaging.DemandSyncedEvent)
	PublishDrugOrdered(ctx context.Context, g *domain.ConsolidatedGroup, order *domain.BarmanOrder)
	PublishReconciliationException(ctx context.Context, e *domain.ReconciliationException)
}

// ConsolidationService handles consolidation business logic
type ConsolidationService struct {
	orders     OrderReader
	catalog    CatalogReader
	groups     GroupStore
	exceptions ExceptionStore
	tx         Transactor
	publisher  EventPublisher
	readModel  *readModel
	cfg        config.ConsolidationConfig
	logger     *logger.Logger
}

// NewConsolidationService creates a new consolidation service
func NewConsolidationService(
	orders OrderReader,
	catalog CatalogReader,
	groups GroupStore,
	exceptions ExceptionStore,
	tx Transactor,
	publisher EventPublisher,
	cfg config.ConsolidationConfig,
	log *logger.Logger,
) *ConsolidationService {
	return &ConsolidationService{
		orders:     orders,
		catalog:    catalog,
		groups:     groups,
		exceptions: exceptions,
		tx:         tx,
		publisher:  publisher,
		readModel:  newReadModel(cfg.ReadModelTTL, cfg.OperationTimeout, time.Now),
		cfg:        cfg,
		logger:     log.WithComponent("consolidation"),
	}
}

// SyncOnPayment reports whether a verified payment should trigger a sync
func (s *ConsolidationService) SyncOnPayment() bool {
	return s.cfg.SyncOnPayment
}

// InvalidateReadModel drops every cached view
func (s *ConsolidationService) InvalidateReadModel() {
	s.readModel.Invalidate()
}
