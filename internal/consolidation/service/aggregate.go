package service

import (
	"context"

	"github.com/pharmaportal/pharmaportal-backend/internal/consolidation/domain"
	apperrors "github.com/pharmaportal/pharmaportal-backend/pkg/errors"
	"github.com/pharmaportal/pharmaportal-backend/pkg/messaging"
)

// Sync triggers, carried on the demand synced event
const (
	TriggerManual          = "manual"
	TriggerPaymentVerified = "payment_verified"
	TriggerOrderReverted   = "order_reverted"
)

const maxSyncAttempts = 3

// DrugProblem attaches an error to the drug it concerns
type DrugProblem struct {
	DrugID    string              `json:"drug_id"`
	Partition domain.Partition    `json:"drug_partition,omitempty"`
	Error     *apperrors.AppError `json:"error"`
}

// SyncReport summarises one pending-group sync
type SyncReport struct {
	Trigger    string        `json:"trigger"`
	Created    int           `json:"created"`
	Updated    int           `json:"updated"`
	Superseded int           `json:"superseded"`
	Unchanged  int           `json:"unchanged"`
	Problems   []DrugProblem `json:"problems"`
}

// AggregateDemand recomputes the outstanding demand per catalog reference
// from scratch. Untagged items take the partition the catalog lookup finds
// for their id. Drugs missing from the catalog stay in the result, flagged
// unresolved, under their bare id.
func (s *ConsolidationService) AggregateDemand(ctx context.Context) (domain.Demand, error) {
	return s.computeDemand(ctx)
}

func (s *ConsolidationService) computeDemand(ctx context.Context) (domain.Demand, error) {
	items, err := s.orders.ListEligibleItems(ctx)
	if err != nil {
		return nil, err
	}

	ordered, err := s.groups.OrderedItemIDs(ctx)
	if err != nil {
		return nil, err
	}

	refs := make([]domain.DrugRef, 0, len(items))
	for _, it := range items {
		if _, done := ordered[it.ItemID]; !done {
			refs = append(refs, it.Ref())
		}
	}
	resolved, err := s.ResolveMany(ctx, refs)
	if err != nil {
		return nil, err
	}

	demand := domain.Aggregate(domain.TagPartitions(items, resolved), ordered)

	catalog := make(map[domain.DrugRef]*domain.DrugProjection, len(resolved))
	for _, drug := range resolved {
		catalog[drug.Ref()] = drug
	}
	for ref, res := range demand {
		res.Resolve(catalog[ref])
	}
	for _, ref := range demand.Unresolved() {
		s.logger.WithDrugID(ref.ID).Warn().
			Str("drug_partition", string(ref.Partition)).
			Int("quantity", demand[ref].TotalQuantity).
			Msg("drug not found in the catalog")
	}
	return demand, nil
}

// SyncPendingGroups brings the pending groups in line with the current
// demand: one pending group per catalog reference holding exactly its
// outstanding items. Pending rows are locked for the duration, so a
// concurrent MarkOrdered either lands first or loses its version check.
func (s *ConsolidationService) SyncPendingGroups(ctx context.Context, trigger string) (*SyncReport, error) {
	var (
		report *SyncReport
		err    error
	)
	for attempt := 1; attempt <= maxSyncAttempts; attempt++ {
		report, err = s.syncOnce(ctx, trigger)
		if err == nil || !apperrors.IsConcurrentModification(err) {
			break
		}
		s.logger.Debug().Int("attempt", attempt).Err(err).Msg("pending group sync raced, retrying")
	}
	if err != nil {
		return nil, err
	}

	s.readModel.Invalidate()

	unresolved := make([]string, 0, len(report.Problems))
	for _, p := range report.Problems {
		unresolved = append(unresolved, domain.DrugRef{Partition: p.Partition, ID: p.DrugID}.String())
	}
	s.publisher.PublishDemandSynced(ctx, messaging.DemandSyncedEvent{
		Created:    report.Created,
		Updated:    report.Updated,
		Superseded: report.Superseded,
		Unchanged:  report.Unchanged,
		Unresolved: unresolved,
		Trigger:    trigger,
	})

	s.logger.Info().
		Str("trigger", trigger).
		Int("created", report.Created).
		Int("updated", report.Updated).
		Int("superseded", report.Superseded).
		Int("unchanged", report.Unchanged).
		Int("unresolved", len(unresolved)).
		Msg("pending groups synced")

	return report, nil
}

func (s *ConsolidationService) syncOnce(ctx context.Context, trigger string) (*SyncReport, error) {
	var report *SyncReport

	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		pending, err := s.groups.LockLivePending(ctx)
		if err != nil {
			return err
		}

		demand, err := s.computeDemand(ctx)
		if err != nil {
			return err
		}

		plan := domain.PlanSync(demand, pending)

		for _, g := range plan.Supersede {
			if err := s.groups.Supersede(ctx, g); err != nil {
				return err
			}
		}
		for _, change := range plan.Update {
			if err := s.groups.UpdatePending(ctx, change); err != nil {
				return err
			}
		}
		for _, res := range plan.Create {
			if _, err := s.groups.CreatePending(ctx, res); err != nil {
				return err
			}
		}

		report = &SyncReport{
			Trigger:    trigger,
			Created:    len(plan.Create),
			Updated:    len(plan.Update),
			Superseded: len(plan.Supersede),
			Unchanged:  len(plan.Unchanged),
			Problems:   []DrugProblem{},
		}
		for _, ref := range demand.Unresolved() {
			report.Problems = append(report.Problems, DrugProblem{DrugID: ref.ID, Partition: ref.Partition, Error: demand[ref].Error})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}
