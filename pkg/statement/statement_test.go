package statement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassSelect, Classify("SELECT * FROM Object WHERE chunkId = 1"))
	assert.Equal(t, ClassAdmin, Classify("SET SESSION sql_mode=''"))
	assert.Equal(t, ClassAdmin, Classify("SHOW DATABASES"))
	assert.Equal(t, ClassUnknown, Classify("not sql at all {{{"))
}

func TestRewriteForChunk_RewritesPartitionedTableOnly(t *testing.T) {
	sql := "SELECT o.ra, s.mag FROM Object AS o JOIN Source AS s ON o.objectId = s.objectId"
	rewritten, err := RewriteForChunk(sql, map[string]bool{"object": true}, 1234)
	require.NoError(t, err)
	assert.Contains(t, rewritten, "`Object_1234`")
	assert.Contains(t, rewritten, "`Source`")
	assert.NotContains(t, rewritten, "`Source_1234`")
}

func TestRewriteForChunk_RejectsNonSelect(t *testing.T) {
	_, err := RewriteForChunk("SET SESSION sql_mode=''", nil, 1)
	assert.Error(t, err)
}

func TestRewriteForChunk_RejectsUnparseable(t *testing.T) {
	_, err := RewriteForChunk("not sql at all {{{", nil, 1)
	assert.Error(t, err)
}
