package table

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChunkFileBase_RoundTrip(t *testing.T) {
	base := ChunkFileBase("Object", 1234)
	assert.Equal(t, "Object_1234", base)

	tableName, chunk, ok := ParseChunkFileBase(base)
	assert.True(t, ok)
	assert.Equal(t, "Object", tableName)
	assert.Equal(t, uint32(1234), chunk)
}

func TestParseChunkFileBase_RejectsLeadingUnderscoreChunk(t *testing.T) {
	_, _, ok := ParseChunkFileBase("Object__1234")
	assert.False(t, ok)
}

func TestParseChunkFileBase_RejectsNonNumeric(t *testing.T) {
	_, _, ok := ParseChunkFileBase("Object_abc")
	assert.False(t, ok)
}

func TestRequiredFiles(t *testing.T) {
	files := RequiredFiles("Source", 7)
	assert.ElementsMatch(t, []string{"Source_7.frm", "Source_7.MYD", "Source_7.MYI"}, files)
}

func TestQuoteColumns(t *testing.T) {
	assert.Equal(t, "`a`, `b`", QuoteColumns([]string{"a", "b"}))
}
