package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// WithPharmacyRLS runs fn in a transaction whose session carries the caller's
// pharmacy, so the hosted backend's row level security policies apply:
//
//	USING (pharmacy_id = current_setting('app.current_pharmacy')::uuid)
//
// The setting is transaction-local and is gone once the transaction ends,
// which keeps pooled connections clean.
func (db *DB) WithPharmacyRLS(ctx context.Context, pharmacyID string, fn func(context.Context) error) error {
	return db.Transaction(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, "SELECT set_config('app.current_pharmacy', $1, true)", pharmacyID); err != nil {
			return fmt.Errorf("failed to set app.current_pharmacy to %s: %w", pharmacyID, err)
		}
		return fn(ctx)
	})
}
