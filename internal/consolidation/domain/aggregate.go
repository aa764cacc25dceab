package domain

import (
	"sort"

	apperrors "github.com/pharmaportal/pharmaportal-backend/pkg/errors"
)

// PharmacySubtotal is one pharmacy's share of a drug's demand
type PharmacySubtotal struct {
	PharmacyID string `json:"pharmacy_id"`
	Quantity   int    `json:"quantity"`
}

// AggregationResult is the outstanding demand for one catalog entry
type AggregationResult struct {
	DrugID                 string              `json:"drug_id"`
	TotalQuantity          int                 `json:"total_quantity"`
	ItemIDs                []string            `json:"item_ids"`
	ContributingPharmacies []PharmacySubtotal  `json:"contributing_pharmacies"`
	Partition              Partition           `json:"drug_partition,omitempty"`
	Drug                   *DrugProjection     `json:"drug,omitempty"`
	UnresolvedCatalogEntry bool                `json:"unresolved_catalog_entry"`
	Error                  *apperrors.AppError `json:"error,omitempty"`
}

// Ref returns the catalog reference used to resolve the drug
func (r *AggregationResult) Ref() DrugRef {
	return DrugRef{Partition: r.Partition, ID: r.DrugID}
}

// Resolve attaches the catalog projection, or flags the entry as unresolved
// when proj is nil. Demand is kept either way.
func (r *AggregationResult) Resolve(proj *DrugProjection) {
	if proj == nil {
		r.Drug = nil
		r.UnresolvedCatalogEntry = true
		r.Error = apperrors.UnresolvedCatalogEntry(r.DrugID)
		if r.Partition != PartitionUnknown {
			r.Error = r.Error.WithDetails(map[string]string{"drug_partition": string(r.Partition)})
		}
		return
	}
	r.Drug = proj
	r.UnresolvedCatalogEntry = false
	r.Error = nil
}

// Demand is the aggregation output keyed by catalog reference
type Demand map[DrugRef]*AggregationResult

// Refs returns the keys ordered by id, then partition
func (d Demand) Refs() []DrugRef {
	refs := make([]DrugRef, 0, len(d))
	for ref := range d {
		refs = append(refs, ref)
	}
	SortRefs(refs)
	return refs
}

// Unresolved returns the refs of drugs flagged as unresolved, in Refs order
func (d Demand) Unresolved() []DrugRef {
	var refs []DrugRef
	for _, ref := range d.Refs() {
		if d[ref].UnresolvedCatalogEntry {
			refs = append(refs, ref)
		}
	}
	return refs
}

// TagPartitions copies items and fills the partition of untagged items
// whose id resolved through the catalog lookup. resolved is keyed by the
// untagged ref. Tagged items and unresolved ids keep their hint.
func TagPartitions(items []EligibleItem, resolved map[DrugRef]*DrugProjection) []EligibleItem {
	out := make([]EligibleItem, len(items))
	copy(out, items)
	for i := range out {
		if out[i].PartitionHint != PartitionUnknown {
			continue
		}
		if proj := resolved[out[i].Ref()]; proj != nil {
			out[i].PartitionHint = proj.Partition
		}
	}
	return out
}

// Aggregate groups eligible items by catalog reference. The same id in two
// partitions is two drugs; an untagged id is its own key until it is tagged.
// Items already covered by an ordered group are skipped, and an item id seen
// twice is counted once. The result does not depend on the order of items.
func Aggregate(items []EligibleItem, ordered map[string]struct{}) Demand {
	sorted := make([]EligibleItem, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ItemID < sorted[j].ItemID })

	demand := make(Demand)
	subtotals := make(map[DrugRef]map[string]int)
	seen := make(map[string]struct{}, len(sorted))

	for _, item := range sorted {
		if _, done := ordered[item.ItemID]; done {
			continue
		}
		if _, dup := seen[item.ItemID]; dup {
			continue
		}
		seen[item.ItemID] = struct{}{}

		ref := item.Ref()
		res, ok := demand[ref]
		if !ok {
			res = &AggregationResult{DrugID: ref.ID, Partition: ref.Partition}
			demand[ref] = res
			subtotals[ref] = make(map[string]int)
		}
		res.TotalQuantity += item.Quantity
		res.ItemIDs = append(res.ItemIDs, item.ItemID)
		subtotals[ref][item.PharmacyID] += item.Quantity
	}

	for ref, res := range demand {
		res.ContributingPharmacies = make([]PharmacySubtotal, 0, len(subtotals[ref]))
		for pharmacyID, qty := range subtotals[ref] {
			res.ContributingPharmacies = append(res.ContributingPharmacies, PharmacySubtotal{PharmacyID: pharmacyID, Quantity: qty})
		}
		sort.Slice(res.ContributingPharmacies, func(i, j int) bool {
			return res.ContributingPharmacies[i].PharmacyID < res.ContributingPharmacies[j].PharmacyID
		})
	}

	return demand
}

// ItemSet builds a lookup set from ids
func ItemSet(ids ...[]string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, group := range ids {
		for _, id := range group {
			set[id] = struct{}{}
		}
	}
	return set
}
