package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/pharmaportal/pharmaportal-backend/internal/consolidation/domain"
	"github.com/pharmaportal/pharmaportal-backend/pkg/database"
)

// catalogProjections maps each partition onto the common projection
var catalogProjections = map[domain.Partition]string{
	domain.PartitionChemical: `
		SELECT id, generic_name AS name, action AS category, company, irc_code,
		       erx_code, gtin, package_count
		FROM chemical_drugs`,
	domain.PartitionMedical: `
		SELECT id, title AS name, category, brand AS company, irc_code,
		       NULL::text AS erx_code, gtin, package_count
		FROM medical_supplies`,
	domain.PartitionNatural: `
		SELECT id, product_name AS name, action AS category, manufacturer AS company, irc_code,
		       erx_code, NULL::text AS gtin, NULL::integer AS package_count
		FROM natural_products`,
}

// CatalogRepository reads the three catalog partitions. Catalog reads go
// straight to the pool, never through a caller's transaction, so several
// partitions can be probed at once.
type CatalogRepository struct {
	db *database.DB
}

// NewCatalogRepository creates a new catalog repository
func NewCatalogRepository(db *database.DB) *CatalogRepository {
	return &CatalogRepository{db: db}
}

// Lookup reads one drug from one partition. A missing row is (nil, nil).
func (r *CatalogRepository) Lookup(ctx context.Context, partition domain.Partition, id string) (*domain.DrugProjection, error) {
	base, ok := catalogProjections[partition]
	if !ok {
		return nil, fmt.Errorf("unknown catalog partition %q", partition)
	}

	var drug domain.DrugProjection
	if err := r.db.GetContext(ctx, &drug, base+` WHERE id = $1`, id); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up %s drug %s: %w", partition, id, err)
	}
	drug.Partition = partition
	return &drug, nil
}

// LookupMany reads the given ids from one partition, keyed by id. Ids not in
// the partition are absent from the result.
func (r *CatalogRepository) LookupMany(ctx context.Context, partition domain.Partition, ids []string) (map[string]*domain.DrugProjection, error) {
	base, ok := catalogProjections[partition]
	if !ok {
		return nil, fmt.Errorf("unknown catalog partition %q", partition)
	}

	found := make(map[string]*domain.DrugProjection, len(ids))
	if len(ids) == 0 {
		return found, nil
	}

	var drugs []domain.DrugProjection
	if err := r.db.SelectContext(ctx, &drugs, base+` WHERE id = ANY($1)`, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("failed to look up %s drugs: %w", partition, err)
	}
	for i := range drugs {
		drugs[i].Partition = partition
		found[drugs[i].ID] = &drugs[i]
	}
	return found, nil
}
