package czar

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBuildPlan_CanonicalizesNotLike exercises spec.md §8 scenario 3's
// first case: a NOT LIKE predicate reproduces unchanged, with hasNot
// tracked on its Constraint.
func TestBuildPlan_CanonicalizesNotLike(t *testing.T) {
	pq, err := Parse("SELECT shortName FROM Filter WHERE shortName NOT LIKE 'Z'")
	require.NoError(t, err)
	require.Len(t, pq.Constraints, 1)
	assert.True(t, pq.Constraints[0].HasNot)
	assert.Equal(t, "LIKE", pq.Constraints[0].Op)

	index := &fakeSecondaryIndex{chunks: ChunkSpecVector{{Chunk: 1, Workers: []string{"w1"}}}}
	plan, err := BuildPlan(pq, index, "test1", nil)
	require.NoError(t, err)
	assert.Equal(t, "SELECT shortName FROM Filter WHERE shortName NOT LIKE 'Z'", plan.CanonicalSQL)
}

// TestBuildPlan_CanonicalizesNotInAugmentsDirectorColumn exercises
// spec.md §8 scenario 3's second case: a NOT IN predicate on the
// director column gets ra_PS added to the SELECT list, and the
// materialized per-chunk SQL carries the augmented, canonical form.
func TestBuildPlan_CanonicalizesNotInAugmentsDirectorColumn(t *testing.T) {
	pq, err := Parse("SELECT objectId FROM Object WHERE objectId NOT IN (a,b,c)")
	require.NoError(t, err)
	require.Len(t, pq.Constraints, 1)
	assert.True(t, pq.Constraints[0].HasNot)
	assert.Equal(t, "IN", pq.Constraints[0].Op)

	index := &fakeSecondaryIndex{chunks: ChunkSpecVector{{Chunk: 1234, Workers: []string{"w1"}}}}
	plan, err := BuildPlan(pq, index, "test1", nil)
	require.NoError(t, err)
	assert.Equal(t, "SELECT objectId,ra_PS FROM Object WHERE objectId NOT IN(a,b,c)", plan.CanonicalSQL)

	tasks, err := MaterializeTasks(plan, "test1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Contains(t, tasks[0].SQL, "ra_PS")
}
