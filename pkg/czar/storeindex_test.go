package czar

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChunkMapSource struct {
	chunkMap map[uint32][]string
}

func (f *fakeChunkMapSource) ChunksForDatabase(ctx context.Context, database string) (map[uint32][]string, error) {
	return f.chunkMap, nil
}

func TestStoreIndex_LookupReturnsFullChunkMap(t *testing.T) {
	index := &StoreIndex{Store: &fakeChunkMapSource{chunkMap: map[uint32][]string{
		1: {"worker1", "worker2"},
		2: {"worker1"},
	}}}

	specs, err := index.Lookup("db1", nil)
	require.NoError(t, err)
	require.Len(t, specs, 2)

	byChunk := make(map[uint32][]string)
	for _, s := range specs {
		byChunk[s.Chunk] = s.Workers
	}
	assert.ElementsMatch(t, []string{"worker1", "worker2"}, byChunk[1])
	assert.ElementsMatch(t, []string{"worker1"}, byChunk[2])
}
