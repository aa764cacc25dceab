package service

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/pharmaportal/pharmaportal-backend/internal/consolidation/domain"
	apperrors "github.com/pharmaportal/pharmaportal-backend/pkg/errors"
)

// ResolveDrug resolves one catalog reference. A tagged partition is probed
// alone; an untagged id is probed in ResolutionOrder and the first match wins.
func (s *ConsolidationService) ResolveDrug(ctx context.Context, ref domain.DrugRef) (*domain.DrugProjection, error) {
	partitions := domain.ResolutionOrder
	if ref.Known() {
		partitions = []domain.Partition{ref.Partition}
	}

	for _, p := range partitions {
		drug, err := s.catalog.Lookup(ctx, p, ref.ID)
		if err != nil {
			return nil, err
		}
		if drug != nil {
			return drug, nil
		}
	}

	return nil, apperrors.UnresolvedCatalogEntry(ref.ID)
}

// ResolveMany resolves refs in one round trip per partition, querying the
// partitions concurrently. The result is keyed by the ref as given, so an
// untagged ref maps to whatever partition the lookup found; unresolved refs
// are absent.
func (s *ConsolidationService) ResolveMany(ctx context.Context, refs []domain.DrugRef) (map[domain.DrugRef]*domain.DrugProjection, error) {
	resolved := make(map[domain.DrugRef]*domain.DrugProjection, len(refs))
	if len(refs) == 0 {
		return resolved, nil
	}

	lookups := make(map[domain.Partition][]string, len(domain.ResolutionOrder))
	queued := make(map[domain.DrugRef]struct{}, len(refs))
	for _, ref := range refs {
		if _, dup := queued[ref]; dup {
			continue
		}
		queued[ref] = struct{}{}
		if ref.Known() {
			lookups[ref.Partition] = append(lookups[ref.Partition], ref.ID)
			continue
		}
		for _, p := range domain.ResolutionOrder {
			lookups[p] = append(lookups[p], ref.ID)
		}
	}

	found := make([]map[string]*domain.DrugProjection, len(domain.ResolutionOrder))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range domain.ResolutionOrder {
		i, p := i, p
		ids := lookups[p]
		if len(ids) == 0 {
			continue
		}
		g.Go(func() error {
			drugs, err := s.catalog.LookupMany(gctx, p, ids)
			if err != nil {
				return err
			}
			found[i] = drugs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for ref := range queued {
		for i, p := range domain.ResolutionOrder {
			if ref.Known() && ref.Partition != p {
				continue
			}
			if drug := found[i][ref.ID]; drug != nil {
				resolved[ref] = drug
				break
			}
		}
	}

	return resolved, nil
}
