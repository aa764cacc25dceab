package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingGroup(id, drug string, qty int, items ...string) ConsolidatedGroup {
	return ConsolidatedGroup{
		ID:            id,
		DrugID:        drug,
		Status:        GroupPending,
		ItemIDs:       items,
		TotalQuantity: qty,
		Version:       1,
		CreatedAt:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestPlanSync_CreatesMissingGroups(t *testing.T) {
	demand := Aggregate([]EligibleItem{item("i1", "ph-x", "D", 10)}, nil)

	plan := PlanSync(demand, nil)

	require.Len(t, plan.Create, 1)
	assert.Equal(t, "D", plan.Create[0].DrugID)
	assert.Empty(t, plan.Update)
	assert.Empty(t, plan.Supersede)
	assert.False(t, plan.Empty())
}

func TestPlanSync_UnchangedWhenItemSetMatches(t *testing.T) {
	demand := Aggregate([]EligibleItem{
		item("i2", "ph-y", "D", 5),
		item("i1", "ph-x", "D", 10),
	}, nil)

	plan := PlanSync(demand, []ConsolidatedGroup{pendingGroup("g1", "D", 15, "i2", "i1")})

	assert.True(t, plan.Empty())
	assert.Equal(t, []DrugRef{untagged("D")}, plan.Unchanged)
}

func TestPlanSync_UpdatesGrownGroup(t *testing.T) {
	demand := Aggregate([]EligibleItem{
		item("i1", "ph-x", "D", 10),
		item("i2", "ph-y", "D", 5),
	}, nil)

	plan := PlanSync(demand, []ConsolidatedGroup{pendingGroup("g1", "D", 10, "i1")})

	require.Len(t, plan.Update, 1)
	change := plan.Update[0]
	assert.Equal(t, "g1", change.Group.ID)
	assert.Equal(t, []string{"i1", "i2"}, change.ItemIDs)
	assert.Equal(t, 15, change.TotalQuantity)
}

func TestPlanSync_SupersedesDrainedAndDuplicateGroups(t *testing.T) {
	demand := Aggregate([]EligibleItem{item("i1", "ph-x", "D", 10)}, nil)

	older := pendingGroup("g-old", "D", 10, "i1")
	newer := pendingGroup("g-new", "D", 10, "i1")
	newer.CreatedAt = older.CreatedAt.Add(time.Minute)
	drained := pendingGroup("g-e", "E", 3, "i9")
	ordered := pendingGroup("g-o", "F", 4, "i8")
	ordered.Status = GroupOrdered

	plan := PlanSync(demand, []ConsolidatedGroup{newer, drained, older, ordered})

	ids := make([]string, 0, len(plan.Supersede))
	for _, g := range plan.Supersede {
		ids = append(ids, g.ID)
	}
	assert.ElementsMatch(t, []string{"g-new", "g-e"}, ids)
	assert.Equal(t, []DrugRef{untagged("D")}, plan.Unchanged)
	assert.Empty(t, plan.Create)
}

func TestPlanSync_IgnoresSupersededGroups(t *testing.T) {
	demand := Aggregate([]EligibleItem{item("i1", "ph-x", "D", 10)}, nil)
	gone := pendingGroup("g1", "D", 10, "i1")
	at := time.Now()
	gone.SupersededAt = &at

	plan := PlanSync(demand, []ConsolidatedGroup{gone})

	require.Len(t, plan.Create, 1)
	assert.Empty(t, plan.Supersede)
}

func TestPlanSync_PartitionsDoNotShareGroups(t *testing.T) {
	demand := Aggregate([]EligibleItem{
		tagged("a", "ph-x", "42", PartitionChemical, 10),
		tagged("b", "ph-y", "42", PartitionMedical, 5),
	}, nil)
	chemical := pendingGroup("g1", "42", 10, "a")
	chemical.Partition = PartitionChemical
	untaggedGroup := pendingGroup("g0", "42", 15, "a", "b")

	plan := PlanSync(demand, []ConsolidatedGroup{chemical, untaggedGroup})

	assert.Equal(t, []DrugRef{{Partition: PartitionChemical, ID: "42"}}, plan.Unchanged)
	require.Len(t, plan.Create, 1)
	assert.Equal(t, PartitionMedical, plan.Create[0].Partition)
	assert.Equal(t, []string{"b"}, plan.Create[0].ItemIDs)
	require.Len(t, plan.Supersede, 1)
	assert.Equal(t, "g0", plan.Supersede[0].ID)
}
