package service

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/pharmaportal/pharmaportal-backend/internal/consolidation/domain"
	"github.com/pharmaportal/pharmaportal-backend/pkg/actor"
	apperrors "github.com/pharmaportal/pharmaportal-backend/pkg/errors"
	"github.com/pharmaportal/pharmaportal-backend/pkg/permissions"
	"github.com/pharmaportal/pharmaportal-backend/pkg/scope"
)

const drugDemandKey = "drugs"

type cacheEntry struct {
	value      interface{}
	expires    time.Time
	generation uint64
}

// readModel caches projections for a short TTL. Every write bumps the
// generation, which drops all entries and keeps builds that started before
// the write from being stored. Concurrent rebuilds of one key are coalesced
// and run detached from any single caller, bounded by timeout.
type readModel struct {
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time

	mu         sync.RWMutex
	generation uint64
	entries    map[string]cacheEntry

	group singleflight.Group
}

func newReadModel(ttl, timeout time.Duration, now func() time.Time) *readModel {
	return &readModel{
		ttl:     ttl,
		timeout: timeout,
		now:     now,
		entries: make(map[string]cacheEntry),
	}
}

// build returns the projection and whether it may be cached
type buildFunc func(ctx context.Context) (interface{}, bool, error)

func (m *readModel) get(ctx context.Context, key string, build buildFunc) (interface{}, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	gen := m.generation
	m.mu.RUnlock()

	if ok && entry.generation == gen && m.now().Before(entry.expires) {
		return entry.value, nil
	}

	ch := m.group.DoChan(key+"@"+strconv.FormatUint(gen, 10), func() (interface{}, error) {
		bctx, cancel := m.buildContext(ctx)
		defer cancel()

		value, cacheable, err := build(bctx)
		if err != nil {
			return nil, err
		}
		if cacheable && m.ttl > 0 {
			m.mu.Lock()
			if m.generation == gen {
				m.entries[key] = cacheEntry{value: value, expires: m.now().Add(m.ttl), generation: gen}
			}
			m.mu.Unlock()
		}
		return value, nil
	})

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// buildContext keeps the values of the caller that started the build but
// not its cancellation, since other callers may be waiting on the result
func (m *readModel) buildContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if m.timeout > 0 {
		return context.WithTimeout(detached, m.timeout)
	}
	return context.WithCancel(detached)
}

// Invalidate drops every cached view
func (m *readModel) Invalidate() {
	m.mu.Lock()
	m.generation++
	m.entries = make(map[string]cacheEntry)
	m.mu.Unlock()
}

// PharmacyOrderView lists a pharmacy's payment-verified orders with each
// item's drug and derived fulfillment, newest first
func (s *ConsolidationService) PharmacyOrderView(ctx context.Context, pharmacyID string) ([]domain.TrackedOrder, error) {
	if !canReadPharmacy(ctx, pharmacyID) {
		err := apperrors.Forbidden("pharmacy " + pharmacyID + " is outside the caller's scope")
		err.MessageKey = "errors.pharmacy_scope"
		err.Params = map[string]string{"pharmacy_id": pharmacyID}
		return nil, err
	}
	if _, err := uuid.Parse(pharmacyID); err != nil {
		return nil, apperrors.NotFoundWithKey("pharmacy").WithDetails(map[string]string{"pharmacy_id": pharmacyID})
	}

	v, err := s.readModel.get(ctx, "pharmacy:"+pharmacyID, func(ctx context.Context) (interface{}, bool, error) {
		return s.buildPharmacyView(ctx, pharmacyID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]domain.TrackedOrder), nil
}

// canReadPharmacy admits a scoped caller to its own pharmacy only. An
// unscoped caller needs pharmacies.read_all; requests without an actor come
// from the service itself.
func canReadPharmacy(ctx context.Context, pharmacyID string) bool {
	if own, err := scope.PharmacyID(ctx); err == nil {
		return own == pharmacyID
	}
	a := actor.FromContext(ctx)
	return a == nil || permissions.RoleHas(a.Role, permissions.PharmaciesReadAll)
}

func (s *ConsolidationService) buildPharmacyView(ctx context.Context, pharmacyID string) ([]domain.TrackedOrder, bool, error) {
	if _, err := s.orders.GetPharmacy(ctx, pharmacyID); err != nil {
		return nil, false, err
	}

	var orders []domain.Order
	err := s.tx.WithPharmacyRLS(ctx, pharmacyID, func(ctx context.Context) error {
		var err error
		orders, err = s.orders.ListPharmacyOrders(ctx, pharmacyID)
		return err
	})
	if err != nil {
		return nil, false, err
	}

	var itemIDs []string
	refs := make(map[domain.DrugRef]struct{})
	for _, o := range orders {
		for _, it := range o.Items {
			itemIDs = append(itemIDs, it.ID)
			refs[it.Ref()] = struct{}{}
		}
	}

	groups, err := s.groups.ListGroupsContaining(ctx, itemIDs)
	if err != nil {
		return nil, false, err
	}
	barman, err := s.groups.ListBarmanOrders(ctx, orderedGroupIDs(groups))
	if err != nil {
		return nil, false, err
	}

	catalog, err := s.ResolveMany(ctx, refList(refs))
	if err != nil {
		return nil, false, err
	}

	tracked := domain.BuildTrackedOrders(orders, groups, barman, catalog)

	cacheable := len(catalog) == len(refs)
	for _, t := range tracked {
		if t.RecordedTotalItems != nil {
			s.logger.WithPharmacyID(pharmacyID).Warn().
				Str("order_id", t.OrderID).
				Int("total_items", t.TotalItems).
				Int("recorded_total_items", *t.RecordedTotalItems).
				Msg("order total_items disagrees with its items")
		}
	}

	return tracked, cacheable, nil
}

// DrugDemandView lists every drug with outstanding demand or a live group:
// outstanding quantity, pending group state and ordered groups with surplus
func (s *ConsolidationService) DrugDemandView(ctx context.Context) ([]domain.DrugDemand, error) {
	v, err := s.readModel.get(ctx, drugDemandKey, func(ctx context.Context) (interface{}, bool, error) {
		return s.buildDrugDemandView(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]domain.DrugDemand), nil
}

func (s *ConsolidationService) buildDrugDemandView(ctx context.Context) ([]domain.DrugDemand, bool, error) {
	demand, err := s.computeDemand(ctx)
	if err != nil {
		return nil, false, err
	}

	groups, err := s.groups.ListLiveGroups(ctx)
	if err != nil {
		return nil, false, err
	}
	barman, err := s.groups.ListBarmanOrders(ctx, orderedGroupIDs(groups))
	if err != nil {
		return nil, false, err
	}

	catalog := make(map[domain.DrugRef]*domain.DrugProjection, len(demand))
	for ref, res := range demand {
		if res.Drug != nil {
			catalog[ref] = res.Drug
		}
	}

	// Drugs whose demand is fully ordered are not in demand yet still shown
	missing := make(map[domain.DrugRef]struct{})
	for _, g := range groups {
		if _, ok := demand[g.Ref()]; !ok {
			missing[g.Ref()] = struct{}{}
		}
	}
	extra, err := s.ResolveMany(ctx, refList(missing))
	if err != nil {
		return nil, false, err
	}
	for ref, drug := range extra {
		catalog[ref] = drug
	}

	rows := domain.BuildDrugDemand(demand, groups, barman, catalog)

	cacheable := true
	for _, r := range rows {
		if r.UnresolvedCatalogEntry {
			cacheable = false
			break
		}
	}
	return rows, cacheable, nil
}

func refList(refs map[domain.DrugRef]struct{}) []domain.DrugRef {
	out := make([]domain.DrugRef, 0, len(refs))
	for ref := range refs {
		out = append(out, ref)
	}
	domain.SortRefs(out)
	return out
}
