package service

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmaportal/pharmaportal-backend/internal/consolidation/domain"
	"github.com/pharmaportal/pharmaportal-backend/internal/consolidation/events"
	"github.com/pharmaportal/pharmaportal-backend/pkg/actor"
	"github.com/pharmaportal/pharmaportal-backend/pkg/config"
	apperrors "github.com/pharmaportal/pharmaportal-backend/pkg/errors"
	"github.com/pharmaportal/pharmaportal-backend/pkg/logger"
	"github.com/pharmaportal/pharmaportal-backend/pkg/messaging"
	"github.com/pharmaportal/pharmaportal-backend/pkg/permissions"
	"github.com/pharmaportal/pharmaportal-backend/pkg/scope"
	"github.com/pharmaportal/pharmaportal-backend/pkg/testutil"
)

const (
	pharmacyX = "7f1c7c8e-1d4b-4b6e-9a51-3c0f1f0a0001"
	pharmacyY = "7f1c7c8e-1d4b-4b6e-9a51-3c0f1f0a0002"
)

var (
	// drugD is how callers usually name D; its items carry no partition tag
	drugD = domain.DrugRef{ID: "D"}
	chemD = domain.DrugRef{Partition: domain.PartitionChemical, ID: "D"}
)

type fixture struct {
	svc       *ConsolidationService
	store     *memStore
	published *testutil.MockPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newMemStore()
	store.addPharmacy(pharmacyX)
	store.addPharmacy(pharmacyY)
	store.addDrug(domain.PartitionChemical, "D", "Amoxicillin 500mg")

	published := testutil.NewMockPublisher()
	svc := NewConsolidationService(
		store, store, store, store, store,
		events.NewWithPublisher(published, logger.Nop()),
		config.ConsolidationConfig{ReadModelTTL: time.Minute, SyncOnPayment: true},
		logger.Nop(),
	)
	return &fixture{svc: svc, store: store, published: published}
}

// scenarioA: pharmacy X orders 10 of D, pharmacy Y orders 5 of D, both verified
func (f *fixture) scenarioA(t *testing.T) (i1, i2 string) {
	t.Helper()
	_, ids1 := f.store.addOrder(pharmacyX, domain.StatusPaymentVerified, line{drug: "D", qty: 10})
	_, ids2 := f.store.addOrder(pharmacyY, domain.StatusPaymentVerified, line{drug: "D", qty: 5})
	_, err := f.svc.SyncPendingGroups(context.Background(), TriggerManual)
	require.NoError(t, err)
	return ids1[0], ids2[0]
}

func TestScenarioA_AggregateThenOrderExactly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	i1, i2 := f.scenarioA(t)

	demand, err := f.svc.AggregateDemand(ctx)
	require.NoError(t, err)
	require.Contains(t, demand, chemD, "untagged items take the partition the catalog lookup finds")
	want := []string{i1, i2}
	sort.Strings(want)
	assert.Equal(t, 15, demand[chemD].TotalQuantity)
	assert.Equal(t, want, demand[chemD].ItemIDs)
	assert.False(t, demand[chemD].UnresolvedCatalogEntry)

	order, err := f.svc.MarkOrdered(ctx, drugD, 15, "buyer@pharmaportal.test")
	require.NoError(t, err)
	assert.Equal(t, 15, order.QuantityOrdered)

	f1, err := f.svc.ItemFulfillment(ctx, i1)
	require.NoError(t, err)
	assert.Equal(t, domain.FulfillmentOrdered, f1.Status)
	assert.Equal(t, 10, *f1.OrderedQuantity)
	assert.Equal(t, order.ID, *f1.BarmanOrderID)

	f2, err := f.svc.ItemFulfillment(ctx, i2)
	require.NoError(t, err)
	assert.Equal(t, 5, *f2.OrderedQuantity)

	f.published.AssertEventPublished(t, messaging.EventDemandSynced)
	assert.Equal(t, 1, f.published.Count(messaging.EventDrugOrdered))
	for _, e := range f.published.Events() {
		if ordered, ok := e.Payload.(messaging.DrugOrderedEvent); ok {
			assert.Equal(t, "D", ordered.DrugID)
			assert.Equal(t, "chemical", ordered.DrugPartition)
		}
	}
}

func TestScenarioB_PackRoundingKeepsItemQuantities(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	i1, _ := f.scenarioA(t)

	_, err := f.svc.MarkOrdered(ctx, drugD, 20, "buyer@pharmaportal.test")
	require.NoError(t, err)

	f1, err := f.svc.ItemFulfillment(ctx, i1)
	require.NoError(t, err)
	assert.Equal(t, 10, *f1.OrderedQuantity)

	rows, err := f.svc.DrugDemandView(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 0, rows[0].OutstandingQuantity)
	require.Len(t, rows[0].Ordered, 1)
	assert.Equal(t, 20, rows[0].Ordered[0].QuantityOrdered)
	assert.Equal(t, 5, rows[0].TotalSurplus)
}

func TestScenarioC_ConcurrentMarkOrderedPlacesOnce(t *testing.T) {
	f := newFixture(t)
	f.scenarioA(t)

	const callers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		already   int
		other     []error
	)
	start := make(chan struct{})
	for n := 0; n < callers; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.MarkOrdered(context.Background(), drugD, 15, "buyer@pharmaportal.test")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case apperrors.IsAlreadyOrdered(err):
				already++
			default:
				other = append(other, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, callers-1, already)
	assert.Empty(t, other)
	assert.Equal(t, 1, f.store.barmanCount("D"))
}

func TestMarkOrdered_SecondCallIsAlreadyOrdered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.scenarioA(t)

	_, err := f.svc.MarkOrdered(ctx, drugD, 15, "buyer@pharmaportal.test")
	require.NoError(t, err)

	_, err = f.svc.MarkOrdered(ctx, drugD, 15, "buyer@pharmaportal.test")
	assert.True(t, apperrors.IsAlreadyOrdered(err))
	assert.Equal(t, 1, f.store.barmanCount("D"))
}

func TestMarkOrdered_RejectsUnderOrdering(t *testing.T) {
	f := newFixture(t)
	f.scenarioA(t)

	for _, qty := range []int{0, -3, 14} {
		_, err := f.svc.MarkOrdered(context.Background(), drugD, qty, "buyer@pharmaportal.test")
		var appErr *apperrors.AppError
		require.ErrorAs(t, err, &appErr, "quantity %d", qty)
		assert.Equal(t, apperrors.CodeValidation, appErr.Code)
		assert.Equal(t, "D", appErr.Details["drug_id"])
	}
	assert.Equal(t, 0, f.store.barmanCount("D"))
}

func TestMarkOrdered_UnknownDrugIsNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.MarkOrdered(context.Background(), domain.DrugRef{ID: "nope"}, 5, "buyer@pharmaportal.test")

	assert.True(t, apperrors.IsNotFound(err))
	f.published.AssertNoEventsPublished(t)
}

func TestMarkOrdered_LosesToSyncIsConcurrentModification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.scenarioA(t)

	stale, err := f.store.GetLivePending(ctx, chemD)
	require.NoError(t, err)

	// new demand grows the group and bumps its version
	f.store.addOrder(pharmacyX, domain.StatusPaymentVerified, line{drug: "D", qty: 2})
	_, err = f.svc.SyncPendingGroups(ctx, TriggerManual)
	require.NoError(t, err)

	_, err = f.store.MarkOrdered(ctx, stale, 15, "buyer@pharmaportal.test")
	assert.True(t, apperrors.IsConcurrentModification(err))
	assert.ErrorIs(t, f.svc.lostOrderRace(ctx, "D", stale.ID, err), apperrors.ErrConcurrentModification)
}

func TestSync_NewDemandAfterOrderingIsNotDoubleCounted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	i1, i2 := f.scenarioA(t)

	_, err := f.svc.MarkOrdered(ctx, drugD, 15, "buyer@pharmaportal.test")
	require.NoError(t, err)

	_, ids := f.store.addOrder(pharmacyY, domain.StatusPaymentVerified, line{drug: "D", qty: 4})
	report, err := f.svc.SyncPendingGroups(ctx, TriggerPaymentVerified)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)

	seen := make(map[string]int)
	for _, g := range f.store.liveGroups("D") {
		for _, id := range g.ItemIDs {
			seen[id]++
		}
	}
	assert.Equal(t, map[string]int{i1: 1, i2: 1, ids[0]: 1}, seen)

	pending, err := f.store.GetLivePending(ctx, chemD)
	require.NoError(t, err)
	assert.Equal(t, []string{ids[0]}, pending.ItemIDs)
	assert.Equal(t, 4, pending.TotalQuantity)
}

func TestSync_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.scenarioA(t)

	report, err := f.svc.SyncPendingGroups(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Created+report.Updated+report.Superseded)
	assert.Equal(t, 1, report.Unchanged)
}

func TestAggregate_UnresolvedDrugIsFlaggedNotDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.addOrder(pharmacyX, domain.StatusPaymentVerified, line{drug: "GHOST", qty: 3})

	ghost := domain.DrugRef{ID: "GHOST"}
	demand, err := f.svc.AggregateDemand(ctx)
	require.NoError(t, err)
	require.Contains(t, demand, ghost)
	assert.Equal(t, 3, demand[ghost].TotalQuantity)
	assert.True(t, demand[ghost].UnresolvedCatalogEntry)
	require.NotNil(t, demand[ghost].Error)
	assert.Equal(t, "GHOST", demand[ghost].Error.Details["drug_id"])

	report, err := f.svc.SyncPendingGroups(ctx, TriggerManual)
	require.NoError(t, err)
	require.Len(t, report.Problems, 1)
	assert.Equal(t, "GHOST", report.Problems[0].DrugID)
	assert.Equal(t, domain.PartitionUnknown, report.Problems[0].Partition)

	// once the catalog learns the drug the next aggregation resolves it
	// and the untagged group gives way to a tagged one
	f.store.addDrug(domain.PartitionNatural, "GHOST", "Chamomile")
	natural := domain.DrugRef{Partition: domain.PartitionNatural, ID: "GHOST"}
	demand, err = f.svc.AggregateDemand(ctx)
	require.NoError(t, err)
	require.Contains(t, demand, natural)
	assert.NotContains(t, demand, ghost)
	assert.False(t, demand[natural].UnresolvedCatalogEntry)

	report, err = f.svc.SyncPendingGroups(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.Superseded)
	live := f.store.liveGroups("GHOST")
	require.Len(t, live, 1)
	assert.Equal(t, domain.PartitionNatural, live[0].Partition)
}

func TestDrugDemandView_CachesUntilWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.scenarioA(t)

	_, err := f.svc.DrugDemandView(ctx)
	require.NoError(t, err)
	lookups := f.store.lookupCount()

	_, err = f.svc.DrugDemandView(ctx)
	require.NoError(t, err)
	assert.Equal(t, lookups, f.store.lookupCount(), "second read served from cache")

	_, err = f.svc.MarkOrdered(ctx, drugD, 15, "buyer@pharmaportal.test")
	require.NoError(t, err)

	rows, err := f.svc.DrugDemandView(ctx)
	require.NoError(t, err)
	assert.Greater(t, f.store.lookupCount(), lookups)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].Pending)
	assert.Len(t, rows[0].Ordered, 1)
}

func TestDrugDemandView_UnresolvedIsNotCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.addOrder(pharmacyX, domain.StatusPaymentVerified, line{drug: "GHOST", qty: 3})

	_, err := f.svc.DrugDemandView(ctx)
	require.NoError(t, err)
	lookups := f.store.lookupCount()

	rows, err := f.svc.DrugDemandView(ctx)
	require.NoError(t, err)
	assert.Greater(t, f.store.lookupCount(), lookups)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].UnresolvedCatalogEntry)
}

func TestHandleOrderReverted_RecordsExceptionOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, ids1 := f.store.addOrder(pharmacyX, domain.StatusPaymentVerified, line{drug: "D", qty: 10})
	o2, _ := f.store.addOrder(pharmacyY, domain.StatusPaymentVerified, line{drug: "D", qty: 5})
	_, err := f.svc.SyncPendingGroups(ctx, TriggerManual)
	require.NoError(t, err)
	_, err = f.svc.MarkOrdered(ctx, drugD, 15, "buyer@pharmaportal.test")
	require.NoError(t, err)

	f.store.setStatus(o2, domain.StatusNeedsRevisionPM)
	report, err := f.svc.HandleOrderReverted(ctx, o2, domain.StatusNeedsRevisionPM)
	require.NoError(t, err)
	require.Len(t, report.Exceptions, 1)
	assert.Equal(t, domain.ReasonRevertedAfterOrdering, report.Exceptions[0].Reason)
	assert.NotNil(t, report.Sync)

	again, err := f.svc.HandleOrderReverted(ctx, o2, domain.StatusNeedsRevisionPM)
	require.NoError(t, err)
	assert.Empty(t, again.Exceptions)
	assert.Equal(t, 1, again.AlreadyRecorded)
	assert.Equal(t, 1, f.published.Count(messaging.EventReconciliationException))

	// the placed order still covers the reverted item
	f1, err := f.svc.ItemFulfillment(ctx, ids1[0])
	require.NoError(t, err)
	assert.Equal(t, domain.FulfillmentOrdered, f1.Status)

	exceptions, err := f.svc.ListExceptions(ctx, "D")
	require.NoError(t, err)
	assert.Len(t, exceptions, 1)
}

func TestHandleOrderReverted_PendingItemsLeaveTheGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o1, _ := f.store.addOrder(pharmacyX, domain.StatusPaymentVerified, line{drug: "D", qty: 10})
	_, ids2 := f.store.addOrder(pharmacyY, domain.StatusPaymentVerified, line{drug: "D", qty: 5})
	_, err := f.svc.SyncPendingGroups(ctx, TriggerManual)
	require.NoError(t, err)

	f.store.setStatus(o1, domain.StatusRejected)
	report, err := f.svc.ReconcileOrder(ctx, o1)
	require.NoError(t, err)
	assert.Empty(t, report.Exceptions)
	assert.Equal(t, 1, report.Sync.Updated)

	pending, err := f.store.GetLivePending(ctx, chemD)
	require.NoError(t, err)
	assert.Equal(t, ids2, pending.ItemIDs)
	assert.Equal(t, 5, pending.TotalQuantity)
	assert.Equal(t, 2, pending.Version)
}

func TestHandleOrderReverted_LastItemSupersedesGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o1, _ := f.store.addOrder(pharmacyX, domain.StatusPaymentVerified, line{drug: "D", qty: 10})
	_, err := f.svc.SyncPendingGroups(ctx, TriggerManual)
	require.NoError(t, err)

	f.store.setStatus(o1, domain.StatusNeedsRevisionAccountant)
	report, err := f.svc.HandleOrderReverted(ctx, o1, domain.StatusNeedsRevisionAccountant)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sync.Superseded)

	_, err = f.svc.MarkOrdered(ctx, drugD, 10, "buyer@pharmaportal.test")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestItemFulfillment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	i1, _ := f.scenarioA(t)
	_, draft := f.store.addOrder(pharmacyX, domain.StatusPending, line{drug: "D", qty: 1})

	pending, err := f.svc.ItemFulfillment(ctx, i1)
	require.NoError(t, err)
	assert.Equal(t, domain.FulfillmentPending, pending.Status)
	assert.NotNil(t, pending.ConsolidatedStatusID)
	assert.Nil(t, pending.OrderedQuantity)

	_, err = f.svc.ItemFulfillment(ctx, draft[0])
	assert.True(t, apperrors.IsNotFound(err), "items of unverified orders are not tracked")

	_, err = f.svc.ItemFulfillment(ctx, "not-a-uuid")
	assert.True(t, apperrors.IsNotFound(err))

	_, err = f.svc.ItemFulfillment(scope.WithPharmacyID(ctx, pharmacyY), i1)
	assert.True(t, apperrors.IsNotFound(err), "other pharmacies' items are hidden")
}

func TestPharmacyOrderView(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	i1, _ := f.scenarioA(t)
	f.store.addOrder(pharmacyX, domain.StatusApprovedPM, line{drug: "D", qty: 7})
	_, err := f.svc.MarkOrdered(ctx, drugD, 15, "buyer@pharmaportal.test")
	require.NoError(t, err)

	scoped := scope.WithPharmacyID(ctx, pharmacyX)
	tracked, err := f.svc.PharmacyOrderView(scoped, pharmacyX)
	require.NoError(t, err)
	require.Len(t, tracked, 1, "only payment verified orders are tracked")
	require.Len(t, tracked[0].Items, 1)
	item := tracked[0].Items[0]
	assert.Equal(t, i1, item.OrderItemID)
	assert.Equal(t, domain.FulfillmentOrdered, item.Fulfillment.Status)
	require.NotNil(t, item.Drug)
	assert.Equal(t, "Amoxicillin 500mg", item.Drug.Name)
	assert.Equal(t, []string{pharmacyX}, f.store.rlsCalls)

	_, err = f.svc.PharmacyOrderView(scoped, pharmacyY)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 403, appErr.StatusCode)

	_, err = f.svc.PharmacyOrderView(ctx, "5b0c0d7e-0000-4000-8000-000000000000")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestResolveDrug(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.addDrug(domain.PartitionMedical, "D", "Gauze")
	f.store.addDrug(domain.PartitionMedical, "M", "Syringe")

	drug, err := f.svc.ResolveDrug(ctx, domain.DrugRef{ID: "D"})
	require.NoError(t, err)
	assert.Equal(t, domain.PartitionChemical, drug.Partition, "chemical wins over medical")

	drug, err = f.svc.ResolveDrug(ctx, domain.DrugRef{ID: "D", Partition: domain.PartitionMedical})
	require.NoError(t, err)
	assert.Equal(t, "Gauze", drug.Name)

	before := f.store.lookupCount()
	_, err = f.svc.ResolveDrug(ctx, domain.DrugRef{ID: "M", Partition: domain.PartitionMedical})
	require.NoError(t, err)
	assert.Equal(t, before+1, f.store.lookupCount(), "tagged refs probe one partition")

	_, err = f.svc.ResolveDrug(ctx, domain.DrugRef{ID: "M", Partition: domain.PartitionNatural})
	assert.True(t, apperrors.IsUnresolvedCatalogEntry(err))

	medD := domain.DrugRef{Partition: domain.PartitionMedical, ID: "D"}
	resolved, err := f.svc.ResolveMany(ctx, []domain.DrugRef{drugD, medD, {ID: "M"}, {ID: "X"}})
	require.NoError(t, err)
	assert.Equal(t, "Amoxicillin 500mg", resolved[drugD].Name)
	assert.Equal(t, "Gauze", resolved[medD].Name, "each ref resolves in its own partition")
	assert.Equal(t, domain.PartitionMedical, resolved[domain.DrugRef{ID: "M"}].Partition)
	assert.NotContains(t, resolved, domain.DrugRef{ID: "X"})
}

func TestReadModel_GenerationDropsInFlightBuilds(t *testing.T) {
	now := time.Unix(0, 0)
	m := newReadModel(time.Minute, 0, func() time.Time { return now })
	ctx := context.Background()

	builds := 0
	build := func(context.Context) (interface{}, bool, error) {
		builds++
		if builds == 1 {
			m.Invalidate()
		}
		return builds, true, nil
	}

	_, err := m.get(ctx, "k", build)
	require.NoError(t, err)
	_, err = m.get(ctx, "k", build)
	require.NoError(t, err)
	assert.Equal(t, 2, builds, "a build overtaken by a write is not stored")

	v, err := m.get(ctx, "k", build)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	now = now.Add(2 * time.Minute)
	v, err = m.get(ctx, "k", build)
	require.NoError(t, err)
	assert.Equal(t, 3, v, "expired entries are rebuilt")
}

func TestSameIDInTwoPartitions_IsOrderedSeparately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chem := domain.DrugRef{Partition: domain.PartitionChemical, ID: "42"}
	med := domain.DrugRef{Partition: domain.PartitionMedical, ID: "42"}
	f.store.addDrug(chem.Partition, chem.ID, "Ibuprofen 400mg")
	f.store.addDrug(med.Partition, med.ID, "Elastic bandage")

	_, xIDs := f.store.addOrder(pharmacyX, domain.StatusPaymentVerified, line{drug: "42", hint: domain.PartitionChemical, qty: 10})
	_, yIDs := f.store.addOrder(pharmacyY, domain.StatusPaymentVerified, line{drug: "42", hint: domain.PartitionMedical, qty: 5})

	demand, err := f.svc.AggregateDemand(ctx)
	require.NoError(t, err)
	require.Contains(t, demand, chem)
	require.Contains(t, demand, med)
	assert.Equal(t, []string{xIDs[0]}, demand[chem].ItemIDs)
	assert.Equal(t, []string{yIDs[0]}, demand[med].ItemIDs)
	assert.Equal(t, "Ibuprofen 400mg", demand[chem].Drug.Name)
	assert.Equal(t, "Elastic bandage", demand[med].Drug.Name)

	report, err := f.svc.SyncPendingGroups(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Created)
	require.Len(t, f.store.liveGroups("42"), 2)

	_, err = f.svc.MarkOrdered(ctx, chem, 10, "buyer@pharmaportal.test")
	require.NoError(t, err)
	require.Len(t, f.store.barmanFor(chem), 1)
	assert.Empty(t, f.store.barmanFor(med))

	fulfillment, err := f.svc.ItemFulfillment(ctx, yIDs[0])
	require.NoError(t, err)
	assert.Equal(t, domain.FulfillmentPending, fulfillment.Status, "ordering one partition leaves the other pending")

	_, err = f.svc.MarkOrdered(ctx, med, 4, "buyer@pharmaportal.test")
	require.Error(t, err)
	assert.False(t, apperrors.IsAlreadyOrdered(err))

	_, err = f.svc.MarkOrdered(ctx, med, 5, "buyer@pharmaportal.test")
	require.NoError(t, err)
	require.Len(t, f.store.barmanFor(med), 1)

	// an untagged ref targets the first partition that knows the id
	_, err = f.svc.MarkOrdered(ctx, domain.DrugRef{ID: "42"}, 10, "buyer@pharmaportal.test")
	assert.True(t, apperrors.IsAlreadyOrdered(err))
	assert.Len(t, f.store.barmanFor(chem), 1)
}

func TestReadModel_BuildOutlivesCancelledCaller(t *testing.T) {
	m := newReadModel(time.Minute, time.Second, time.Now)

	started := make(chan struct{})
	release := make(chan struct{})
	buildErr := make(chan error, 1)
	var builds int
	build := func(ctx context.Context) (interface{}, bool, error) {
		builds++
		close(started)
		<-release
		_, hasDeadline := ctx.Deadline()
		if !hasDeadline {
			buildErr <- context.DeadlineExceeded
		} else {
			buildErr <- ctx.Err()
		}
		return "view", true, nil
	}

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := m.get(first, "k", build)
		firstErr <- err
	}()
	<-started
	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	var (
		wg     sync.WaitGroup
		second interface{}
		err    error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		second, err = m.get(context.Background(), "k", build)
	}()
	close(release)
	wg.Wait()

	require.NoError(t, err)
	assert.Equal(t, "view", second)
	assert.NoError(t, <-buildErr, "the build runs on a live context bounded by the timeout")
	assert.Equal(t, 1, builds)
}

func TestPharmacyOrderView_MalformedIDIsNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.PharmacyOrderView(context.Background(), "not-a-uuid")

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.True(t, apperrors.IsNotFound(err))
	assert.Equal(t, "not-a-uuid", appErr.Details["pharmacy_id"])
	assert.Empty(t, f.store.rlsCalls)
}

func TestPharmacyOrderView_UnscopedCallerNeedsReadAll(t *testing.T) {
	f := newFixture(t)
	f.scenarioA(t)

	tests := []struct {
		name    string
		actor   *actor.Actor
		allowed bool
	}{
		{name: "manager without a pharmacy", actor: &actor.Actor{ID: "u1", Role: permissions.RolePharmacyManager}},
		{name: "staff without a pharmacy", actor: &actor.Actor{ID: "u2", Role: permissions.RolePharmacyStaff}},
		{name: "accountant", actor: &actor.Actor{ID: "u3", Role: permissions.RoleAccountant}, allowed: true},
		{name: "procurement officer", actor: &actor.Actor{ID: "u4", Role: permissions.RoleProcurementOfficer}, allowed: true},
		{name: "service itself", allowed: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.actor != nil {
				ctx = actor.WithActor(ctx, tt.actor)
			}
			tracked, err := f.svc.PharmacyOrderView(ctx, pharmacyX)
			if !tt.allowed {
				var appErr *apperrors.AppError
				require.ErrorAs(t, err, &appErr)
				assert.Equal(t, 403, appErr.StatusCode)
				return
			}
			require.NoError(t, err)
			assert.Len(t, tracked, 1)
		})
	}
}
