package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pharmaportal/pharmaportal-backend/internal/consolidation/domain"
	apperrors "github.com/pharmaportal/pharmaportal-backend/pkg/errors"
)

// memStore is an in-memory stand-in for the repositories. Writes follow the
// same compare-and-set rules as the SQL.
type memStore struct {
	mu sync.Mutex

	pharmacies map[string]domain.Pharmacy
	orders     map[string]*domain.Order
	catalog    map[domain.Partition]map[string]domain.DrugProjection
	groups     []*domain.ConsolidatedGroup
	barman     []domain.BarmanOrder
	exceptions []domain.ReconciliationException

	lookups  int
	rlsCalls []string
}

func newMemStore() *memStore {
	return &memStore{
		pharmacies: make(map[string]domain.Pharmacy),
		orders:     make(map[string]*domain.Order),
		catalog: map[domain.Partition]map[string]domain.DrugProjection{
			domain.PartitionChemical: {},
			domain.PartitionMedical:  {},
			domain.PartitionNatural:  {},
		},
	}
}

func (m *memStore) addPharmacy(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pharmacies[id] = domain.Pharmacy{ID: id, Name: "Pharmacy " + id[:4]}
}

func (m *memStore) addDrug(p domain.Partition, id, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.catalog[p][id] = domain.DrugProjection{ID: id, Partition: p, Name: name}
}

// addOrder stores an order with one item per (drug, quantity) pair and
// returns the item ids in the same order
func (m *memStore) addOrder(pharmacyID string, status domain.WorkflowStatus, lines ...line) (string, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o := &domain.Order{
		ID:         uuid.NewString(),
		PharmacyID: pharmacyID,
		Status:     status,
		CreatedAt:  time.Now().Add(time.Duration(len(m.orders)) * time.Second),
	}
	ids := make([]string, len(lines))
	for i, l := range lines {
		ids[i] = uuid.NewString()
		o.Items = append(o.Items, domain.OrderItem{
			ID:            ids[i],
			OrderID:       o.ID,
			PharmacyID:    pharmacyID,
			OrderStatus:   status,
			DrugID:        l.drug,
			PartitionHint: l.hint,
			Quantity:      l.qty,
		})
		o.TotalItems += l.qty
	}
	m.orders[o.ID] = o
	return o.ID, ids
}

func (m *memStore) setStatus(orderID string, status domain.WorkflowStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.orders[orderID]
	o.Status = status
	for i := range o.Items {
		o.Items[i].OrderStatus = status
	}
}

func (m *memStore) barmanCount(drugID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, bo := range m.barman {
		if bo.DrugID == drugID {
			n++
		}
	}
	return n
}

func (m *memStore) barmanFor(ref domain.DrugRef) []domain.BarmanOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BarmanOrder
	for _, bo := range m.barman {
		if bo.DrugID == ref.ID && bo.Partition == ref.Partition {
			out = append(out, bo)
		}
	}
	return out
}

func (m *memStore) lookupCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookups
}

func (m *memStore) liveGroups(drugID string) []domain.ConsolidatedGroup {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ConsolidatedGroup
	for _, g := range m.groups {
		if g.DrugID == drugID && g.Live() {
			out = append(out, copyGroup(g))
		}
	}
	return out
}

type line struct {
	drug string
	hint domain.Partition
	qty  int
}

func copyGroup(g *domain.ConsolidatedGroup) domain.ConsolidatedGroup {
	c := *g
	c.ItemIDs = append([]string(nil), g.ItemIDs...)
	return c
}

// Transactor

func (m *memStore) InTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func (m *memStore) WithPharmacyRLS(ctx context.Context, pharmacyID string, fn func(context.Context) error) error {
	m.mu.Lock()
	m.rlsCalls = append(m.rlsCalls, pharmacyID)
	m.mu.Unlock()
	return fn(ctx)
}

// OrderReader

func (m *memStore) ListEligibleItems(context.Context) ([]domain.EligibleItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []domain.EligibleItem
	for _, o := range m.orders {
		if !o.Status.Eligible() {
			continue
		}
		for _, it := range o.Items {
			items = append(items, domain.EligibleItem{
				ItemID: it.ID, OrderID: o.ID, PharmacyID: o.PharmacyID,
				DrugID: it.DrugID, PartitionHint: it.PartitionHint, Quantity: it.Quantity,
			})
		}
	}
	return items, nil
}

func (m *memStore) GetOrderItem(_ context.Context, id string) (*domain.OrderItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		for _, it := range o.Items {
			if it.ID == id {
				c := it
				return &c, nil
			}
		}
	}
	return nil, apperrors.OrderItemNotFound(id)
}

func (m *memStore) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, apperrors.NotFoundWithKey("order")
	}
	c := *o
	c.Items = nil
	return &c, nil
}

func (m *memStore) ListOrderItems(_ context.Context, orderID string) ([]domain.OrderItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, nil
	}
	return append([]domain.OrderItem(nil), o.Items...), nil
}

func (m *memStore) ListPharmacyOrders(_ context.Context, pharmacyID string) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Order
	for _, o := range m.orders {
		if o.PharmacyID != pharmacyID || !o.Status.Eligible() {
			continue
		}
		c := *o
		c.Items = append([]domain.OrderItem(nil), o.Items...)
		out = append(out, c)
	}
	return out, nil
}

func (m *memStore) GetPharmacy(_ context.Context, id string) (*domain.Pharmacy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pharmacies[id]
	if !ok {
		return nil, apperrors.NotFoundWithKey("pharmacy")
	}
	return &p, nil
}

// CatalogReader

func (m *memStore) Lookup(_ context.Context, p domain.Partition, id string) (*domain.DrugProjection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	if d, ok := m.catalog[p][id]; ok {
		return &d, nil
	}
	return nil, nil
}

func (m *memStore) LookupMany(_ context.Context, p domain.Partition, ids []string) (map[string]*domain.DrugProjection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	found := make(map[string]*domain.DrugProjection)
	for _, id := range ids {
		if d, ok := m.catalog[p][id]; ok {
			d := d
			found[id] = &d
		}
	}
	return found, nil
}

// GroupStore

func (m *memStore) LockLivePending(context.Context) ([]domain.ConsolidatedGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ConsolidatedGroup
	for _, g := range m.groups {
		if g.Status == domain.GroupPending && g.Live() {
			out = append(out, copyGroup(g))
		}
	}
	return out, nil
}

func (m *memStore) OrderedItemIDs(context.Context) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := make(map[string]struct{})
	for _, g := range m.groups {
		if g.Status == domain.GroupOrdered {
			for _, id := range g.ItemIDs {
				set[id] = struct{}{}
			}
		}
	}
	return set, nil
}

func (m *memStore) CreatePending(_ context.Context, res *domain.AggregationResult) (*domain.ConsolidatedGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.groups {
		if g.Ref() == res.Ref() && g.Status == domain.GroupPending && g.Live() {
			return nil, apperrors.ConcurrentModification(res.DrugID)
		}
	}
	now := time.Now()
	g := &domain.ConsolidatedGroup{
		ID:              uuid.NewString(),
		DrugID:          res.DrugID,
		Partition:       res.Partition,
		Status:          domain.GroupPending,
		ItemIDs:         append([]string(nil), res.ItemIDs...),
		TotalQuantity:   res.TotalQuantity,
		Version:         1,
		WindowStartedAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	m.groups = append(m.groups, g)
	c := copyGroup(g)
	return &c, nil
}

func (m *memStore) findPending(id string, version int) *domain.ConsolidatedGroup {
	for _, g := range m.groups {
		if g.ID == id && g.Status == domain.GroupPending && g.Version == version && g.Live() {
			return g
		}
	}
	return nil
}

func (m *memStore) UpdatePending(_ context.Context, change domain.GroupChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := m.findPending(change.Group.ID, change.Group.Version)
	if g == nil {
		return apperrors.ConcurrentModification(change.Group.DrugID)
	}
	g.ItemIDs = append([]string(nil), change.ItemIDs...)
	g.TotalQuantity = change.TotalQuantity
	g.Version++
	return nil
}

func (m *memStore) Supersede(_ context.Context, group domain.ConsolidatedGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := m.findPending(group.ID, group.Version)
	if g == nil {
		return apperrors.ConcurrentModification(group.DrugID)
	}
	now := time.Now()
	g.SupersededAt = &now
	return nil
}

func (m *memStore) GetLivePending(_ context.Context, ref domain.DrugRef) (*domain.ConsolidatedGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.groups {
		if g.Ref() == ref && g.Status == domain.GroupPending && g.Live() {
			c := copyGroup(g)
			return &c, nil
		}
	}
	return nil, apperrors.GroupNotFound(ref.ID)
}

func (m *memStore) GetGroup(_ context.Context, id string) (*domain.ConsolidatedGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.groups {
		if g.ID == id {
			c := copyGroup(g)
			return &c, nil
		}
	}
	return nil, apperrors.NotFoundWithKey("consolidated_group")
}

func (m *memStore) HasOrdered(_ context.Context, ref domain.DrugRef) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.groups {
		if g.Ref() == ref && g.Status == domain.GroupOrdered {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) MarkOrdered(_ context.Context, group *domain.ConsolidatedGroup, quantity int, placedBy string) (*domain.BarmanOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := m.findPending(group.ID, group.Version)
	if g == nil {
		return nil, apperrors.ConcurrentModification(group.DrugID)
	}
	for _, bo := range m.barman {
		if bo.ConsolidatedStatusID == g.ID {
			return nil, apperrors.AlreadyOrdered(g.DrugID)
		}
	}

	now := time.Now()
	g.Status = domain.GroupOrdered
	g.OrderedAt = &now
	bo := domain.BarmanOrder{
		ID:                   uuid.NewString(),
		ConsolidatedStatusID: g.ID,
		DrugID:               g.DrugID,
		Partition:            g.Partition,
		QuantityOrdered:      quantity,
		PlacedBy:             placedBy,
		CreatedAt:            now,
	}
	m.barman = append(m.barman, bo)

	group.Status = domain.GroupOrdered
	group.OrderedAt = &now
	return &bo, nil
}

func (m *memStore) ListLiveGroups(context.Context) ([]domain.ConsolidatedGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ConsolidatedGroup
	for _, g := range m.groups {
		if g.Live() {
			out = append(out, copyGroup(g))
		}
	}
	return out, nil
}

func (m *memStore) ListGroupsContaining(_ context.Context, itemIDs []string) ([]domain.ConsolidatedGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := domain.ItemSet(itemIDs)
	var out []domain.ConsolidatedGroup
	for _, g := range m.groups {
		if !g.Live() {
			continue
		}
		for _, id := range g.ItemIDs {
			if _, ok := want[id]; ok {
				out = append(out, copyGroup(g))
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) ListBarmanOrders(_ context.Context, groupIDs []string) (map[string]domain.BarmanOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := domain.ItemSet(groupIDs)
	out := make(map[string]domain.BarmanOrder)
	for _, bo := range m.barman {
		if _, ok := want[bo.ConsolidatedStatusID]; ok {
			out[bo.ConsolidatedStatusID] = bo
		}
	}
	return out, nil
}

// ExceptionStore

func (m *memStore) Record(_ context.Context, e *domain.ReconciliationException) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.exceptions {
		if existing.OrderItemID == e.OrderItemID && existing.ConsolidatedStatusID == e.ConsolidatedStatusID {
			return false, nil
		}
	}
	e.ID = uuid.NewString()
	e.CreatedAt = time.Now()
	m.exceptions = append(m.exceptions, *e)
	return true, nil
}

func (m *memStore) List(_ context.Context, drugID string) ([]domain.ReconciliationException, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.ReconciliationException{}
	for _, e := range m.exceptions {
		if drugID == "" || e.DrugID == drugID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
