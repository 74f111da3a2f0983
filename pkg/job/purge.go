package job

import (
	"context"
	"sort"

	"github.com/siddontang/loggers"
	"golang.org/x/sync/errgroup"

	"github.com/qserv/replica/pkg/controllerrequest"
	"github.com/qserv/replica/pkg/locker"
	"github.com/qserv/replica/pkg/replica"
	"github.com/qserv/replica/pkg/workerrequest"
)

// PurgeJob is FixUpJob's mirror image for surplus replicas: chunks that
// exceed NumReplicas have their most-loaded eligible copies deleted.
type PurgeJob struct {
	base
	family      string
	NumReplicas int

	lastResult FindAllResult
}

// NewPurgeJob returns a PurgeJob targeting numReplicas copies of every
// chunk in family (0 means the family's configured minimum).
func NewPurgeJob(exec *controllerrequest.Executor, store *replica.Store, chunks *locker.Locker, workers WorkerCatalog, families FamilyCatalog, family string, numReplicas int, logger loggers.Advanced) *PurgeJob {
	return &PurgeJob{base: newBase(exec, store, chunks, workers, families, logger), family: family, NumReplicas: numReplicas}
}

func (j *PurgeJob) targetLevel() int {
	if j.NumReplicas > 0 {
		return j.NumReplicas
	}
	return j.families.MinReplicationLevel(j.family)
}

// Run iterates FindAll -> plan -> DELETE, the same restart shape as
// FixUpJob, until an iteration clears with zero failed chunk locks.
func (j *PurgeJob) Run(ctx context.Context) error {
	ctx = j.start(ctx)
	level := j.targetLevel()

	for iter := 0; iter < MaxIterations; iter++ {
		j.resetFailedLocks()

		find := NewFindAllJob(j.exec, j.store, j.chunks, j.workers, j.families, j.family, j.logger)
		if err := find.Run(ctx); err != nil {
			return j.finish(ExtFailed, err)
		}
		j.lastResult = find.Result()

		if err := j.purgeOnce(ctx, level); err != nil {
			return j.finish(ExtFailed, err)
		}

		if j.failedLocks() == 0 {
			return j.finish(ExtSuccess, nil)
		}
	}
	return j.finish(ExtFailed, fmtErrf("purge %s: exhausted %d iterations with failed chunk locks remaining", j.family, MaxIterations))
}

func (j *PurgeJob) purgeOnce(ctx context.Context, level int) error {
	r := j.lastResult

	type plan struct {
		chunk  uint32
		target string
	}
	var plans []plan

	for chunk, good := range r.Chunks {
		if !good {
			continue
		}
		hosts := append([]string(nil), r.Hosts[chunk]...)
		if len(hosts) <= level {
			continue
		}
		sort.Slice(hosts, func(i, k int) bool {
			if r.ChunkCount[hosts[i]] != r.ChunkCount[hosts[k]] {
				return r.ChunkCount[hosts[i]] > r.ChunkCount[hosts[k]]
			}
			return hosts[i] < hosts[k]
		})
		for _, w := range hosts[:len(hosts)-level] {
			plans = append(plans, plan{chunk: chunk, target: w})
		}
	}

	byChunk := make(map[uint32][]plan)
	for _, p := range plans {
		byChunk[p.chunk] = append(byChunk[p.chunk], p)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentRequests)
	for chunk, chunkPlans := range byChunk {
		chunk, chunkPlans := chunk, chunkPlans
		if !j.lockChunk(j.family, chunk) {
			continue
		}
		g.Go(func() error {
			defer j.unlockChunk(j.family, chunk)
			for _, p := range chunkPlans {
				for _, d := range r.Databases {
					req := &controllerrequest.Request{
						ID:       nextRequestID(),
						Type:     workerrequest.TypeDelete,
						Worker:   p.target,
						Database: d,
						Chunk:    p.chunk,
					}
					if err := j.submitWait(gctx, req); err != nil {
						continue
					}
					if req.ExtendedState() != controllerrequest.ExtSuccess {
						j.logger.Warnf("job: purge %s: DELETE chunk %d on %s database %s: %v", j.family, p.chunk, p.target, d, req.Err())
					}
				}
			}
			return nil
		})
	}
	return g.Wait()
}
