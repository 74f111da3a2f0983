package czar

import "context"

// chunkMapSource resolves a database's full chunk-to-worker(s) map,
// satisfied by *replica.Store.ChunksForDatabase without this package
// importing pkg/replica for one method.
type chunkMapSource interface {
	ChunksForDatabase(ctx context.Context, database string) (map[uint32][]string, error)
}

// StoreIndex is a SecondaryIndex that answers the no-constraint case
// (spec.md §4.10 point 4: "a nil/empty Constraints... consulting the
// family's FindAll-derived chunk-to-worker map") directly from the
// replica descriptor store, with no real director-column index behind
// it. Point predicates (sIndex lookups per spec.md's glossary) still
// widen to the full chunk map here, since the secondary index proper is
// an external collaborator this build does not implement — correct for
// correctness, just not selective.
type StoreIndex struct {
	Store chunkMapSource
}

// Lookup implements SecondaryIndex.
func (i *StoreIndex) Lookup(database string, _ []Constraint) (ChunkSpecVector, error) {
	chunkMap, err := i.Store.ChunksForDatabase(context.Background(), database)
	if err != nil {
		return nil, err
	}
	var out ChunkSpecVector
	for chunk, workers := range chunkMap {
		out = append(out, ChunkSpec{Chunk: chunk, Workers: workers})
	}
	return out, nil
}
