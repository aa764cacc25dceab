package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/pharmaportal/pharmaportal-backend/internal/consolidation/domain"
	"github.com/pharmaportal/pharmaportal-backend/pkg/database"
)

// ExceptionRepository persists reconciliation exceptions
type ExceptionRepository struct {
	db *database.DB
}

// NewExceptionRepository creates a new exception repository
func NewExceptionRepository(db *database.DB) *ExceptionRepository {
	return &ExceptionRepository{db: db}
}

// Record stores an exception once per item and group. It reports false when
// the exception was already on file.
func (r *ExceptionRepository) Record(ctx context.Context, e *domain.ReconciliationException) (bool, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}

	query := `
		INSERT INTO reconciliation_exceptions (
			id, order_id, order_item_id, drug_id, drug_partition, consolidated_status_id, order_status, reason
		) VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8)
		ON CONFLICT (order_item_id, consolidated_status_id) DO NOTHING
		RETURNING created_at
	`

	err := r.db.Conn(ctx).QueryRowxContext(ctx, query,
		e.ID, e.OrderID, e.OrderItemID, e.DrugID, string(e.Partition), e.ConsolidatedStatusID, string(e.OrderStatus), e.Reason,
	).Scan(&e.CreatedAt)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to record reconciliation exception for item %s: %w", e.OrderItemID, err)
	}
	return true, nil
}

// List lists exceptions, newest first. An empty drugID lists all.
func (r *ExceptionRepository) List(ctx context.Context, drugID string) ([]domain.ReconciliationException, error) {
	query := `
		SELECT id, order_id, order_item_id, drug_id, COALESCE(drug_partition, '') AS drug_partition,
		       consolidated_status_id, order_status, reason, created_at
		FROM reconciliation_exceptions
		WHERE ($1::text = '' OR drug_id = $1)
		ORDER BY created_at DESC, id
	`

	exceptions := []domain.ReconciliationException{}
	if err := r.db.Conn(ctx).SelectContext(ctx, &exceptions, query, drugID); err != nil {
		return nil, fmt.Errorf("failed to list reconciliation exceptions: %w", err)
	}
	return exceptions, nil
}
