package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/pharmaportal/pharmaportal-backend/internal/consolidation/domain"
	"github.com/pharmaportal/pharmaportal-backend/pkg/database"
	"github.com/pharmaportal/pharmaportal-backend/pkg/errors"
)

// OrderRepository reads orders and their items. The tables are owned by the
// portal backend; this service never writes them.
type OrderRepository struct {
	db *database.DB
}

// NewOrderRepository creates a new order repository
func NewOrderRepository(db *database.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

const orderItemColumns = `
	oi.id, oi.order_id, o.pharmacy_id, o.status AS order_status, oi.drug_id,
	COALESCE(oi.drug_partition, '') AS drug_partition, oi.quantity, oi.created_at`

// ListEligibleItems returns every item whose order is payment verified or later
func (r *OrderRepository) ListEligibleItems(ctx context.Context) ([]domain.EligibleItem, error) {
	query := `
		SELECT oi.id AS item_id, oi.order_id, o.pharmacy_id, oi.drug_id,
		       COALESCE(oi.drug_partition, '') AS drug_partition, oi.quantity
		FROM order_items oi
		JOIN orders o ON o.id = oi.order_id
		WHERE o.status = ANY($1)
		ORDER BY oi.id
	`

	var items []domain.EligibleItem
	if err := r.db.Conn(ctx).SelectContext(ctx, &items, query, pq.Array(domain.EligibleStatusStrings())); err != nil {
		return nil, fmt.Errorf("failed to list eligible items: %w", err)
	}
	return items, nil
}

// GetOrderItem gets an order item with its order's status
func (r *OrderRepository) GetOrderItem(ctx context.Context, id string) (*domain.OrderItem, error) {
	query := `SELECT ` + orderItemColumns + `
		FROM order_items oi
		JOIN orders o ON o.id = oi.order_id
		WHERE oi.id = $1
	`

	var item domain.OrderItem
	if err := r.db.Conn(ctx).GetContext(ctx, &item, query, id); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.OrderItemNotFound(id)
		}
		return nil, err
	}
	return &item, nil
}

// GetOrder gets an order without its items
func (r *OrderRepository) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	query := `
		SELECT id, pharmacy_id, status, total_items, created_at, updated_at
		FROM orders
		WHERE id = $1
	`

	var order domain.Order
	if err := r.db.Conn(ctx).GetContext(ctx, &order, query, id); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NotFoundWithKey("order").WithDetails(map[string]string{"order_id": id})
		}
		return nil, err
	}
	return &order, nil
}

// ListOrderItems lists the items of one order
func (r *OrderRepository) ListOrderItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	query := `SELECT ` + orderItemColumns + `
		FROM order_items oi
		JOIN orders o ON o.id = oi.order_id
		WHERE oi.order_id = $1
		ORDER BY oi.id
	`

	var items []domain.OrderItem
	if err := r.db.Conn(ctx).SelectContext(ctx, &items, query, orderID); err != nil {
		return nil, err
	}
	return items, nil
}

// ListPharmacyOrders lists a pharmacy's eligible orders with their items.
// Run it under database.WithPharmacyRLS so row level security applies.
func (r *OrderRepository) ListPharmacyOrders(ctx context.Context, pharmacyID string) ([]domain.Order, error) {
	conn := r.db.Conn(ctx)

	query := `
		SELECT id, pharmacy_id, status, total_items, created_at, updated_at
		FROM orders
		WHERE pharmacy_id = $1 AND status = ANY($2)
		ORDER BY created_at DESC, id
	`

	var orders []domain.Order
	if err := conn.SelectContext(ctx, &orders, query, pharmacyID, pq.Array(domain.EligibleStatusStrings())); err != nil {
		return nil, fmt.Errorf("failed to list orders of pharmacy %s: %w", pharmacyID, err)
	}
	if len(orders) == 0 {
		return orders, nil
	}

	ids := make([]string, len(orders))
	index := make(map[string]int, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
		index[o.ID] = i
	}

	itemsQuery := `SELECT ` + orderItemColumns + `
		FROM order_items oi
		JOIN orders o ON o.id = oi.order_id
		WHERE oi.order_id = ANY($1)
		ORDER BY oi.id
	`

	var items []domain.OrderItem
	if err := conn.SelectContext(ctx, &items, itemsQuery, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("failed to list order items of pharmacy %s: %w", pharmacyID, err)
	}
	for _, it := range items {
		if i, ok := index[it.OrderID]; ok {
			orders[i].Items = append(orders[i].Items, it)
		}
	}

	return orders, nil
}

// GetPharmacy gets a pharmacy by ID
func (r *OrderRepository) GetPharmacy(ctx context.Context, id string) (*domain.Pharmacy, error) {
	var pharmacy domain.Pharmacy
	query := `SELECT id, name, license_number, created_at FROM pharmacies WHERE id = $1`
	if err := r.db.Conn(ctx).GetContext(ctx, &pharmacy, query, id); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NotFoundWithKey("pharmacy").WithDetails(map[string]string{"pharmacy_id": id})
		}
		return nil, err
	}
	return &pharmacy, nil
}
