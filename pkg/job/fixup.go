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

// MaxIterations bounds FixUpJob/PurgeJob's restart loop: a job that still
// has failed-lock debt after this many FindAll/act cycles finishes FAILED
// rather than retrying forever against a family under permanent lock
// contention from some other controller activity.
const MaxIterations = 8

// FixUpJob runs FindAllJob, then for every chunk under TargetLevel
// issues REPLICATE from a healthy source to the least-loaded eligible
// destination, repeating until an iteration completes with zero failed
// chunk locks.
type FixUpJob struct {
	base
	family string
	// TargetLevel overrides the family's configured minimum replication
	// level; zero means "use families.MinReplicationLevel(family)",
	// letting ReplicateJob reuse this type by setting it explicitly.
	TargetLevel int

	lastResult FindAllResult
}

// NewFixUpJob returns a FixUpJob for family at the family's configured
// minimum replication level.
func NewFixUpJob(exec *controllerrequest.Executor, store *replica.Store, chunks *locker.Locker, workers WorkerCatalog, families FamilyCatalog, family string, logger loggers.Advanced) *FixUpJob {
	return &FixUpJob{base: newBase(exec, store, chunks, workers, families, logger), family: family}
}

func (j *FixUpJob) targetLevel() int {
	if j.TargetLevel > 0 {
		return j.TargetLevel
	}
	return j.families.MinReplicationLevel(j.family)
}

// Run iterates FindAll -> plan -> REPLICATE until no chunk lock is
// contended, or MaxIterations is exhausted.
func (j *FixUpJob) Run(ctx context.Context) error {
	ctx = j.start(ctx)
	level := j.targetLevel()

	for iter := 0; iter < MaxIterations; iter++ {
		j.resetFailedLocks()

		find := NewFindAllJob(j.exec, j.store, j.chunks, j.workers, j.families, j.family, j.logger)
		if err := find.Run(ctx); err != nil {
			return j.finish(ExtFailed, err)
		}
		j.lastResult = find.Result()

		if err := j.fixOnce(ctx, level); err != nil {
			return j.finish(ExtFailed, err)
		}

		if j.failedLocks() == 0 {
			return j.finish(ExtSuccess, nil)
		}
	}
	return j.finish(ExtFailed, fmtErrf("fixup %s: exhausted %d iterations with failed chunk locks remaining", j.family, MaxIterations))
}

// fixOnce plans and executes one REPLICATE round for every under-
// replicated chunk, skipping (and counting as a failed lock) any chunk it
// cannot acquire.
func (j *FixUpJob) fixOnce(ctx context.Context, level int) error {
	r := j.lastResult
	load := make(map[string]int, len(r.ChunkCount))
	for w, n := range r.ChunkCount {
		load[w] = n
	}

	type plan struct {
		chunk uint32
		src   string
		dst   string
	}
	var plans []plan

	enabled := j.workers.EnabledWorkers()
	for chunk, good := range r.Chunks {
		if !good {
			continue
		}
		hosts := r.Hosts[chunk]
		need := level - len(hosts)
		if need <= 0 {
			continue
		}
		src := hosts[0]
		chosen := append([]string(nil), hosts...)
		for i := 0; i < need; i++ {
			dst := leastLoadedEligible(enabled, chosen, load)
			if dst == "" {
				break // no eligible destination left; deferred to a later iteration
			}
			plans = append(plans, plan{chunk: chunk, src: src, dst: dst})
			load[dst]++
			chosen = append(chosen, dst)
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
						ID:           nextRequestID(),
						Type:         workerrequest.TypeReplicate,
						Worker:       p.dst,
						Database:     d,
						Chunk:        p.chunk,
						SourceWorker: p.src,
					}
					if err := j.submitWait(gctx, req); err != nil {
						continue
					}
					if req.ExtendedState() != controllerrequest.ExtSuccess {
						j.logger.Warnf("job: fixup %s: REPLICATE chunk %d %s->%s database %s: %v", j.family, p.chunk, p.src, p.dst, d, req.Err())
					}
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// leastLoadedEligible picks the enabled worker with the fewest chunks,
// excluding any worker already holding the chunk, per spec.md §4.8's
// "chosen to minimize the destination's current chunk count."
func leastLoadedEligible(enabled, holding []string, load map[string]int) string {
	already := make(map[string]bool, len(holding))
	for _, w := range holding {
		already[w] = true
	}
	candidates := make([]string, 0, len(enabled))
	for _, w := range enabled {
		if !already[w] {
			candidates = append(candidates, w)
		}
	}
	sort.Slice(candidates, func(i, k int) bool {
		if load[candidates[i]] != load[candidates[k]] {
			return load[candidates[i]] < load[candidates[k]]
		}
		return candidates[i] < candidates[k]
	})
	if len(candidates) == 0 {
		return ""
	}
	return candidates[0]
}
