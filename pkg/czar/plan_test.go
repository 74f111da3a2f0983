package czar

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_ResolvesDominantTableAndConstraints(t *testing.T) {
	pq, err := Parse("SELECT ra, decl FROM Object WHERE objectId = 12345")
	require.NoError(t, err)
	assert.Equal(t, "Object", pq.Table)
	require.Len(t, pq.Constraints, 1)
	assert.Equal(t, "objectId", pq.Constraints[0].Column)
	assert.Equal(t, "=", pq.Constraints[0].Op)
}

func TestParse_RejectsFunctionInOrderBy(t *testing.T) {
	_, err := Parse("SELECT objectId, iE1_SG, ABS(iE1_SG) FROM Object WHERE iE1_SG between -0.1 and 0.1 ORDER BY ABS(iE1_SG)")
	assert.ErrorIs(t, err, ErrParse)
	assert.Contains(t, err.Error(), "qserv does not support functions in ORDER BY")
}

func TestParse_RejectsUnionJoin(t *testing.T) {
	_, err := Parse("SELECT s1.foo FROM Source s1 UNION JOIN Source s2 WHERE s1.bar = s2.bar")
	assert.ErrorIs(t, err, ErrParse)
	assert.Contains(t, err.Error(), "Failed to instantiate query")
}

func TestRecognize_UnderscorePrefixedIdentifierErrorMessage(t *testing.T) {
	_, err := Recognize("SELECT count(*) AS n, AVG(ra_PS), _chunkId FROM Object GROUP BY _chunkId")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "Identifiers in Qserv may not start with an underscore")
}

func TestParse_RejectsNonSelect(t *testing.T) {
	_, err := Parse("SHOW DATABASES")
	assert.Error(t, err)
}

type fakeSecondaryIndex struct {
	chunks ChunkSpecVector
}

func (f *fakeSecondaryIndex) Lookup(database string, constraints []Constraint) (ChunkSpecVector, error) {
	return f.chunks, nil
}

func TestBuildPlan_IdentifiesPartitionedTableAndSplitsAggregates(t *testing.T) {
	pq, err := Parse("SELECT COUNT(*) AS n, AVG(mag) AS avgmag FROM Object WHERE objectId = 1")
	require.NoError(t, err)

	index := &fakeSecondaryIndex{chunks: ChunkSpecVector{{Chunk: 1234, Workers: []string{"w1"}}}}
	plan, err := BuildPlan(pq, index, "test1", nil)
	require.NoError(t, err)

	assert.True(t, plan.PartitionedTables["object"])
	require.Len(t, plan.Aggregates, 2)
	assert.Equal(t, AggCount, plan.Aggregates[0].Kind)
	assert.Equal(t, AggAvg, plan.Aggregates[1].Kind)
	assert.NotEmpty(t, plan.Aggregates[1].SumAlias)
	assert.NotEmpty(t, plan.Aggregates[1].CountAlias)
}

func TestBuildPlan_KeepsOrderByOnMergeOnlyWithLimit(t *testing.T) {
	index := &fakeSecondaryIndex{chunks: ChunkSpecVector{{Chunk: 1, Workers: []string{"w1"}}}}

	pqWithLimit, err := Parse("SELECT ra FROM Object ORDER BY ra LIMIT 10")
	require.NoError(t, err)
	planWithLimit, err := BuildPlan(pqWithLimit, index, "test1", nil)
	require.NoError(t, err)
	assert.True(t, planWithLimit.KeepOrderByOnMerge)
	assert.Equal(t, []string{"ra"}, planWithLimit.OrderByColumns)

	pqNoLimit, err := Parse("SELECT ra FROM Object ORDER BY ra")
	require.NoError(t, err)
	planNoLimit, err := BuildPlan(pqNoLimit, index, "test1", nil)
	require.NoError(t, err)
	assert.False(t, planNoLimit.KeepOrderByOnMerge)
}

func TestBuildPlan_RejectsOrderByOnUnselectedColumn(t *testing.T) {
	index := &fakeSecondaryIndex{chunks: ChunkSpecVector{{Chunk: 1, Workers: []string{"w1"}}}}
	pq, err := Parse("SELECT ra FROM Object ORDER BY decl LIMIT 1")
	require.NoError(t, err)
	_, err = BuildPlan(pq, index, "test1", nil)
	assert.Error(t, err)
}

func TestMaterializeTasks_RewritesChunkNameAndSubChunkPlaceholder(t *testing.T) {
	pq, err := Parse("SELECT ra FROM Object WHERE objectId = 1")
	require.NoError(t, err)
	index := &fakeSecondaryIndex{chunks: ChunkSpecVector{
		{Chunk: 1234, Workers: []string{"w1", "w2"}, SubChunks: []uint32{0, 1}},
	}}
	plan, err := BuildPlan(pq, index, "test1", nil)
	require.NoError(t, err)

	tasks, err := MaterializeTasks(plan, "test1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	task := tasks[0]
	assert.Equal(t, uint32(1234), task.Chunk)
	assert.Equal(t, "w1", task.Worker)
	assert.Contains(t, task.SQL, "Object_1234_%S")
	assert.Equal(t, []uint32{0, 1}, task.SubChunks)
}
