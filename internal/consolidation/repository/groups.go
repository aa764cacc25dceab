package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/pharmaportal/pharmaportal-backend/internal/consolidation/domain"
	"github.com/pharmaportal/pharmaportal-backend/pkg/database"
	"github.com/pharmaportal/pharmaportal-backend/pkg/errors"
)

const (
	constraintOnePendingPerDrug = "consolidated_drug_status_one_pending_per_ref"
	constraintOneBarmanPerGroup = "barman_orders_consolidated_status_id_key"
)

type groupRow struct {
	ID              string         `db:"id"`
	DrugID          string         `db:"drug_id"`
	Partition       string         `db:"drug_partition"`
	Status          string         `db:"status"`
	ItemIDs         pq.StringArray `db:"item_ids"`
	TotalQuantity   int            `db:"total_quantity"`
	Version         int            `db:"version"`
	WindowStartedAt time.Time      `db:"window_started_at"`
	OrderedAt       *time.Time     `db:"ordered_at"`
	SupersededAt    *time.Time     `db:"superseded_at"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func (r groupRow) toDomain() domain.ConsolidatedGroup {
	ids := []string(r.ItemIDs)
	if ids == nil {
		ids = []string{}
	}
	return domain.ConsolidatedGroup{
		ID:              r.ID,
		DrugID:          r.DrugID,
		Partition:       domain.Partition(r.Partition),
		Status:          domain.GroupStatus(r.Status),
		ItemIDs:         ids,
		TotalQuantity:   r.TotalQuantity,
		Version:         r.Version,
		WindowStartedAt: r.WindowStartedAt,
		OrderedAt:       r.OrderedAt,
		SupersededAt:    r.SupersededAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func toGroups(rows []groupRow) []domain.ConsolidatedGroup {
	groups := make([]domain.ConsolidatedGroup, len(rows))
	for i, row := range rows {
		groups[i] = row.toDomain()
	}
	return groups
}

const groupColumns = `
	id, drug_id, COALESCE(drug_partition, '') AS drug_partition, status, item_ids,
	total_quantity, version, window_started_at, ordered_at, superseded_at, created_at, updated_at`

// GroupRepository persists consolidated groups and the barman orders placed
// against them. Writes use compare-and-set on version and status.
type GroupRepository struct {
	db *database.DB
}

// NewGroupRepository creates a new group repository
func NewGroupRepository(db *database.DB) *GroupRepository {
	return &GroupRepository{db: db}
}

// LockLivePending reads and row-locks every live pending group. It must run
// inside a transaction.
func (r *GroupRepository) LockLivePending(ctx context.Context) ([]domain.ConsolidatedGroup, error) {
	query := `SELECT ` + groupColumns + `
		FROM consolidated_drug_status
		WHERE status = 'pending' AND superseded_at IS NULL
		ORDER BY drug_id, drug_partition, created_at
		FOR UPDATE
	`

	var rows []groupRow
	if err := r.db.Conn(ctx).SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to lock pending groups: %w", err)
	}
	return toGroups(rows), nil
}

// OrderedItemIDs returns the ids of every item inside an ordered group
func (r *GroupRepository) OrderedItemIDs(ctx context.Context) (map[string]struct{}, error) {
	query := `SELECT DISTINCT unnest(item_ids) FROM consolidated_drug_status WHERE status = 'ordered'`

	var ids []string
	if err := r.db.Conn(ctx).SelectContext(ctx, &ids, query); err != nil {
		return nil, fmt.Errorf("failed to list ordered items: %w", err)
	}
	return domain.ItemSet(ids), nil
}

// CreatePending opens a pending group for a drug. Losing the race against
// another writer for the same drug is reported as a concurrent modification.
func (r *GroupRepository) CreatePending(ctx context.Context, res *domain.AggregationResult) (*domain.ConsolidatedGroup, error) {
	query := `
		INSERT INTO consolidated_drug_status (id, drug_id, drug_partition, status, item_ids, total_quantity)
		VALUES ($1, $2, NULLIF($3, ''), 'pending', $4, $5)
		RETURNING ` + groupColumns

	var row groupRow
	err := r.db.Conn(ctx).GetContext(ctx, &row, query,
		uuid.New().String(), res.DrugID, string(res.Partition), pq.Array(res.ItemIDs), res.TotalQuantity,
	)
	if err != nil {
		if database.IsUniqueViolation(err, constraintOnePendingPerDrug) {
			return nil, errors.ConcurrentModification(res.DrugID)
		}
		if appErr := database.MapPQError(err); appErr != nil {
			return nil, appErr
		}
		return nil, fmt.Errorf("failed to create pending group for %s: %w", res.DrugID, err)
	}

	g := row.toDomain()
	return &g, nil
}

// UpdatePending replaces a pending group's item set and bumps its version
func (r *GroupRepository) UpdatePending(ctx context.Context, change domain.GroupChange) error {
	query := `
		UPDATE consolidated_drug_status
		SET item_ids = $2, total_quantity = $3, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $4 AND status = 'pending' AND superseded_at IS NULL
	`

	result, err := r.db.Conn(ctx).ExecContext(ctx, query,
		change.Group.ID, pq.Array(change.ItemIDs), change.TotalQuantity, change.Group.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update pending group %s: %w", change.Group.ID, err)
	}
	return expectOneRow(result, change.Group.DrugID)
}

// Supersede retires a pending group that no longer matches any demand
func (r *GroupRepository) Supersede(ctx context.Context, g domain.ConsolidatedGroup) error {
	query := `
		UPDATE consolidated_drug_status
		SET superseded_at = now(), updated_at = now()
		WHERE id = $1 AND version = $2 AND status = 'pending' AND superseded_at IS NULL
	`

	result, err := r.db.Conn(ctx).ExecContext(ctx, query, g.ID, g.Version)
	if err != nil {
		return fmt.Errorf("failed to supersede group %s: %w", g.ID, err)
	}
	return expectOneRow(result, g.DrugID)
}

// GetLivePending gets the live pending group of a catalog reference. An
// untagged ref matches only groups of drugs that resolved to no partition.
func (r *GroupRepository) GetLivePending(ctx context.Context, ref domain.DrugRef) (*domain.ConsolidatedGroup, error) {
	query := `SELECT ` + groupColumns + `
		FROM consolidated_drug_status
		WHERE drug_id = $1 AND COALESCE(drug_partition, '') = $2
		  AND status = 'pending' AND superseded_at IS NULL
	`

	var row groupRow
	if err := r.db.Conn(ctx).GetContext(ctx, &row, query, ref.ID, string(ref.Partition)); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, groupNotFound(ref)
		}
		return nil, err
	}
	g := row.toDomain()
	return &g, nil
}

// GetGroup gets a group by ID
func (r *GroupRepository) GetGroup(ctx context.Context, id string) (*domain.ConsolidatedGroup, error) {
	query := `SELECT ` + groupColumns + ` FROM consolidated_drug_status WHERE id = $1`

	var row groupRow
	if err := r.db.Conn(ctx).GetContext(ctx, &row, query, id); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NotFoundWithKey("consolidated_group").WithDetails(map[string]string{"consolidated_status_id": id})
		}
		return nil, err
	}
	g := row.toDomain()
	return &g, nil
}

// HasOrdered reports whether any ordered group exists for the catalog reference
func (r *GroupRepository) HasOrdered(ctx context.Context, ref domain.DrugRef) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (
		SELECT 1 FROM consolidated_drug_status
		WHERE drug_id = $1 AND COALESCE(drug_partition, '') = $2 AND status = 'ordered'
	)`
	if err := r.db.Conn(ctx).GetContext(ctx, &exists, query, ref.ID, string(ref.Partition)); err != nil {
		return false, err
	}
	return exists, nil
}

// MarkOrdered flips a pending group to ordered and records the barman order.
// The flip only succeeds while the group is still at the version the caller
// read; otherwise ConcurrentModification is returned and nothing is written.
// Run it inside a transaction so both rows commit together.
func (r *GroupRepository) MarkOrdered(ctx context.Context, g *domain.ConsolidatedGroup, quantity int, placedBy string) (*domain.BarmanOrder, error) {
	conn := r.db.Conn(ctx)

	flip := `
		UPDATE consolidated_drug_status
		SET status = 'ordered', ordered_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'pending' AND version = $2 AND superseded_at IS NULL
		RETURNING ordered_at
	`

	var orderedAt time.Time
	if err := conn.QueryRowxContext(ctx, flip, g.ID, g.Version).Scan(&orderedAt); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.ConcurrentModification(g.DrugID)
		}
		return nil, fmt.Errorf("failed to mark group %s ordered: %w", g.ID, err)
	}

	order := &domain.BarmanOrder{
		ID:                   uuid.New().String(),
		ConsolidatedStatusID: g.ID,
		DrugID:               g.DrugID,
		Partition:            g.Partition,
		QuantityOrdered:      quantity,
		PlacedBy:             placedBy,
	}

	insert := `
		INSERT INTO barman_orders (id, consolidated_status_id, drug_id, drug_partition, quantity_ordered, placed_by)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)
		RETURNING created_at
	`

	err := conn.QueryRowxContext(ctx, insert,
		order.ID, order.ConsolidatedStatusID, order.DrugID, string(order.Partition), order.QuantityOrdered, order.PlacedBy,
	).Scan(&order.CreatedAt)
	if err != nil {
		if database.IsUniqueViolation(err, constraintOneBarmanPerGroup) {
			return nil, errors.AlreadyOrdered(g.DrugID)
		}
		if appErr := database.MapPQError(err); appErr != nil {
			return nil, appErr
		}
		return nil, fmt.Errorf("failed to record barman order for %s: %w", g.DrugID, err)
	}

	g.Status = domain.GroupOrdered
	g.OrderedAt = &orderedAt
	return order, nil
}

// ListLiveGroups lists every group that still counts, ordered and pending
func (r *GroupRepository) ListLiveGroups(ctx context.Context) ([]domain.ConsolidatedGroup, error) {
	query := `SELECT ` + groupColumns + `
		FROM consolidated_drug_status
		WHERE superseded_at IS NULL
		ORDER BY drug_id, drug_partition, created_at
	`

	var rows []groupRow
	if err := r.db.Conn(ctx).SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	return toGroups(rows), nil
}

// ListGroupsContaining lists live groups covering any of itemIDs
func (r *GroupRepository) ListGroupsContaining(ctx context.Context, itemIDs []string) ([]domain.ConsolidatedGroup, error) {
	if len(itemIDs) == 0 {
		return []domain.ConsolidatedGroup{}, nil
	}

	query := `SELECT ` + groupColumns + `
		FROM consolidated_drug_status
		WHERE item_ids && $1 AND superseded_at IS NULL
		ORDER BY created_at
	`

	var rows []groupRow
	if err := r.db.Conn(ctx).SelectContext(ctx, &rows, query, pq.Array(itemIDs)); err != nil {
		return nil, fmt.Errorf("failed to list groups for items: %w", err)
	}
	return toGroups(rows), nil
}

// ListBarmanOrders returns the barman orders of the given groups, keyed by group id
func (r *GroupRepository) ListBarmanOrders(ctx context.Context, groupIDs []string) (map[string]domain.BarmanOrder, error) {
	orders := make(map[string]domain.BarmanOrder, len(groupIDs))
	if len(groupIDs) == 0 {
		return orders, nil
	}

	query := `
		SELECT id, consolidated_status_id, drug_id, COALESCE(drug_partition, '') AS drug_partition,
		       quantity_ordered, placed_by, created_at
		FROM barman_orders
		WHERE consolidated_status_id = ANY($1)
	`

	var rows []domain.BarmanOrder
	if err := r.db.Conn(ctx).SelectContext(ctx, &rows, query, pq.Array(groupIDs)); err != nil {
		return nil, fmt.Errorf("failed to list barman orders: %w", err)
	}
	for _, bo := range rows {
		orders[bo.ConsolidatedStatusID] = bo
	}
	return orders, nil
}

func groupNotFound(ref domain.DrugRef) *errors.AppError {
	err := errors.GroupNotFound(ref.ID)
	if ref.Known() {
		err = err.WithDetails(map[string]string{"drug_partition": string(ref.Partition)})
	}
	return err
}

func expectOneRow(result sql.Result, drugID string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.ConcurrentModification(drugID)
	}
	return nil
}
