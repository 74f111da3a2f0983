package czar

import (
	"fmt"
	"regexp"

	"github.com/qserv/replica/pkg/statement"
)

// Task is one per-chunk unit of work a Plan materializes, ready to hand
// to the messenger for dispatch to worker (spec.md §4.10 point 6). SQL
// carries a "%S" placeholder wherever a subchunk id belongs, substituted
// by the worker's task runner (C11) once per subchunk listed.
type Task struct {
	Worker    string
	Database  string
	Chunk     uint32
	SubChunks []uint32
	SQL       string
}

// MaterializeTasks produces one Task per chunk in plan's ChunkSpecVector,
// rewriting the dominant table (and any other table in PartitionedTables)
// to its chunk-qualified physical name via statement.RewriteForChunk, and
// addressing it to the first of the chunk's candidate workers (any one
// replica answers the query identically; picking the first is simplest
// and leaves load-aware selection to a future plugin).
func MaterializeTasks(plan *Plan, database string) ([]Task, error) {
	var tasks []Task
	for _, spec := range plan.Chunks {
		if len(spec.Workers) == 0 {
			return nil, fmt.Errorf("czar: chunk %d has no candidate workers", spec.Chunk)
		}
		sql, err := statement.RewriteForChunk(plan.Query.SQL, plan.PartitionedTables, spec.Chunk)
		if err != nil {
			return nil, fmt.Errorf("czar: materialize chunk %d: %w", spec.Chunk, err)
		}
		if len(spec.SubChunks) > 0 {
			sql = withSubChunkPlaceholder(sql, plan.PartitionedTables, spec.Chunk)
		}
		tasks = append(tasks, Task{
			Worker:    spec.Workers[0],
			Database:  database,
			Chunk:     spec.Chunk,
			SubChunks: spec.SubChunks,
			SQL:       sql,
		})
	}
	return tasks, nil
}

// withSubChunkPlaceholder appends the "%S" subchunk placeholder suffix
// the task runner substitutes per spec.md §4.11 point 1, one occurrence
// per rewritten physical table name. RewriteForChunk already rewrote
// "Table" to "Table_<chunk>"; this turns that into "Table_<chunk>_%S".
func withSubChunkPlaceholder(sql string, partitioned map[string]bool, chunk uint32) string {
	out := sql
	for table := range partitioned {
		pattern := regexp.MustCompile(fmt.Sprintf(`(?i)\b%s_%d\b`, regexp.QuoteMeta(table), chunk))
		out = pattern.ReplaceAllString(out, fmt.Sprintf("%s_%d_%%S", table, chunk))
	}
	return out
}
