package domain

import "sort"

// GroupChange updates a live pending group to a new item set
type GroupChange struct {
	Group         ConsolidatedGroup
	ItemIDs       []string
	TotalQuantity int
}

// SyncPlan is the set of writes that brings the pending groups in line
// with the current demand
type SyncPlan struct {
	Create    []*AggregationResult
	Update    []GroupChange
	Supersede []ConsolidatedGroup
	Unchanged []DrugRef
}

// Empty reports whether the plan writes nothing
func (p SyncPlan) Empty() bool {
	return len(p.Create) == 0 && len(p.Update) == 0 && len(p.Supersede) == 0
}

// PlanSync compares demand with the live pending groups. Each drug with
// demand ends up with exactly one pending group holding exactly its
// outstanding items. Pending groups of drugs without demand, and any
// duplicate pending groups, are superseded. Groups are matched on the full
// catalog reference, so a group never changes partition.
func PlanSync(demand Demand, pending []ConsolidatedGroup) SyncPlan {
	var plan SyncPlan

	byRef := make(map[DrugRef]ConsolidatedGroup, len(pending))
	sorted := make([]ConsolidatedGroup, len(pending))
	copy(sorted, pending)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].DrugID != sorted[j].DrugID {
			return sorted[i].DrugID < sorted[j].DrugID
		}
		if sorted[i].Partition != sorted[j].Partition {
			return sorted[i].Partition < sorted[j].Partition
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	for _, g := range sorted {
		if g.Status != GroupPending || g.SupersededAt != nil {
			continue
		}
		ref := g.Ref()
		if _, dup := byRef[ref]; dup {
			plan.Supersede = append(plan.Supersede, g)
			continue
		}
		if _, wanted := demand[ref]; !wanted {
			plan.Supersede = append(plan.Supersede, g)
			continue
		}
		byRef[ref] = g
	}

	for _, ref := range demand.Refs() {
		res := demand[ref]
		g, exists := byRef[ref]
		if !exists {
			plan.Create = append(plan.Create, res)
			continue
		}
		if g.TotalQuantity == res.TotalQuantity && sameIDs(g.ItemIDs, res.ItemIDs) {
			plan.Unchanged = append(plan.Unchanged, ref)
			continue
		}
		plan.Update = append(plan.Update, GroupChange{
			Group:         g,
			ItemIDs:       res.ItemIDs,
			TotalQuantity: res.TotalQuantity,
		})
	}

	return plan
}

func sameIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
