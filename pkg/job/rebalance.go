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

// Move is one planned chunk relocation.
type Move struct {
	Chunk uint32
	Src   string
	Dst   string
}

// RebalanceJob equalizes chunk load across family's workers: it computes
// avg = totalGoodChunks / totalWorkers and, for any worker more than
// StartPct above average, plans moves off it until no worker exceeds
// StopPct above average.
type RebalanceJob struct {
	base
	family       string
	StartPct     float64
	StopPct      float64
	EstimateOnly bool

	Plan []Move
}

// NewRebalanceJob returns a RebalanceJob for family.
func NewRebalanceJob(exec *controllerrequest.Executor, store *replica.Store, chunks *locker.Locker, workers WorkerCatalog, families FamilyCatalog, family string, startPct, stopPct float64, estimateOnly bool, logger loggers.Advanced) *RebalanceJob {
	return &RebalanceJob{
		base:         newBase(exec, store, chunks, workers, families, logger),
		family:       family,
		StartPct:     startPct,
		StopPct:      stopPct,
		EstimateOnly: estimateOnly,
	}
}

// Run computes the rebalance plan and, unless EstimateOnly, executes it
// via MoveReplicaJob with purge: each move copies the chunk to the
// destination and then deletes it from the source, so the replication
// level stays the same and only the copies' locations change.
func (j *RebalanceJob) Run(ctx context.Context) error {
	ctx = j.start(ctx)

	find := NewFindAllJob(j.exec, j.store, j.chunks, j.workers, j.families, j.family, j.logger)
	if err := find.Run(ctx); err != nil {
		return j.finish(ExtFailed, err)
	}
	result := find.Result()

	j.Plan = planRebalance(result, j.workers.EnabledWorkers(), j.StartPct, j.StopPct)
	if j.EstimateOnly {
		return j.finish(ExtSuccess, nil)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentRequests)
	for _, m := range j.Plan {
		m := m
		g.Go(func() error {
			mv := NewMoveReplicaJob(j.exec, j.store, j.chunks, j.workers, j.families, j.family, m.Chunk, m.Src, m.Dst, true, j.logger)
			if err := mv.Run(gctx); err != nil {
				j.logger.Warnf("job: rebalance %s: move chunk %d %s->%s: %v", j.family, m.Chunk, m.Src, m.Dst, err)
				return nil
			}
			if mv.ExtendedState() != ExtSuccess {
				j.addFailedLock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return j.finish(ExtFailed, err)
	}
	if j.failedLocks() > 0 {
		return j.finish(ExtFailed, fmtErrf("rebalance %s: %d moves could not complete", j.family, j.failedLocks()))
	}
	return j.finish(ExtSuccess, nil)
}

// planRebalance computes the move plan described by spec.md §4.8's
// RebalanceJob contract: move chunks off workers more than startPct above
// average until none exceed stopPct above average.
func planRebalance(result FindAllResult, enabled []string, startPct, stopPct float64) []Move {
	total := 0
	for _, good := range result.Chunks {
		if good {
			total++
		}
	}
	if len(enabled) == 0 || total == 0 {
		return nil
	}
	avg := float64(total) / float64(len(enabled))
	startCeil := avg * (1 + startPct/100)
	stopCeil := avg * (1 + stopPct/100)

	load := make(map[string]int, len(enabled))
	for _, w := range enabled {
		load[w] = result.ChunkCount[w]
	}

	chunksByWorker := make(map[string][]uint32)
	for chunk, good := range result.Chunks {
		if !good {
			continue
		}
		for _, w := range result.Hosts[chunk] {
			chunksByWorker[w] = append(chunksByWorker[w], chunk)
		}
	}
	for w := range chunksByWorker {
		sort.Slice(chunksByWorker[w], func(i, k int) bool { return chunksByWorker[w][i] < chunksByWorker[w][k] })
	}

	if mostOverloaded(enabled, load, startCeil) == "" {
		return nil // no worker exceeds the start threshold: nothing to do
	}

	var plan []Move
	for {
		src := mostOverloaded(enabled, load, stopCeil)
		if src == "" {
			break
		}
		candidates := chunksByWorker[src]
		if len(candidates) == 0 {
			break
		}
		chunk := candidates[0]
		chunksByWorker[src] = candidates[1:]

		dst := leastLoadedEligible(enabled, result.Hosts[chunk], load)
		if dst == "" {
			break
		}

		plan = append(plan, Move{Chunk: chunk, Src: src, Dst: dst})
		load[src]--
		load[dst]++
	}
	return plan
}

func mostOverloaded(enabled []string, load map[string]int, ceil float64) string {
	var worst string
	worstLoad := -1
	for _, w := range enabled {
		if float64(load[w]) > ceil && load[w] > worstLoad {
			worst, worstLoad = w, load[w]
		}
	}
	return worst
}

// MoveReplicaJob relocates one chunk's replica: REPLICATE to dst, then
// (if purge) DELETE from src. A failed DELETE does not roll back an
// already-succeeded REPLICATE, per spec.md §4.8.
type MoveReplicaJob struct {
	base
	family string
	chunk  uint32
	src    string
	dst    string
	purge  bool
}

// NewMoveReplicaJob returns a MoveReplicaJob for one chunk.
func NewMoveReplicaJob(exec *controllerrequest.Executor, store *replica.Store, chunks *locker.Locker, workers WorkerCatalog, families FamilyCatalog, family string, chunk uint32, src, dst string, purge bool, logger loggers.Advanced) *MoveReplicaJob {
	return &MoveReplicaJob{base: newBase(exec, store, chunks, workers, families, logger), family: family, chunk: chunk, src: src, dst: dst, purge: purge}
}

func (j *MoveReplicaJob) Run(ctx context.Context) error {
	ctx = j.start(ctx)

	if !j.lockChunk(j.family, j.chunk) {
		return j.finish(ExtFailed, fmtErrf("move chunk %d: could not lock", j.chunk))
	}
	defer j.unlockChunk(j.family, j.chunk)

	databases, err := j.families.DatabasesInFamily(j.family)
	if err != nil {
		return j.finish(ExtFailed, err)
	}

	for _, d := range databases {
		req := &controllerrequest.Request{
			ID:           nextRequestID(),
			Type:         workerrequest.TypeReplicate,
			Worker:       j.dst,
			Database:     d,
			Chunk:        j.chunk,
			SourceWorker: j.src,
		}
		if err := j.submitWait(ctx, req); err != nil {
			return j.finish(ExtFailed, err)
		}
		if req.ExtendedState() != controllerrequest.ExtSuccess {
			return j.finish(ExtFailed, req.Err())
		}
	}

	if !j.purge {
		return j.finish(ExtSuccess, nil)
	}

	for _, d := range databases {
		req := &controllerrequest.Request{
			ID:       nextRequestID(),
			Type:     workerrequest.TypeDelete,
			Worker:   j.src,
			Database: d,
			Chunk:    j.chunk,
		}
		if err := j.submitWait(ctx, req); err != nil {
			j.logger.Warnf("job: move chunk %d: DELETE source %s database %s: %v", j.chunk, j.src, d, err)
			continue
		}
		if req.ExtendedState() != controllerrequest.ExtSuccess {
			j.logger.Warnf("job: move chunk %d: DELETE source %s database %s: %v", j.chunk, j.src, d, req.Err())
		}
	}
	return j.finish(ExtSuccess, nil)
}

var _ Job = (*RebalanceJob)(nil)
var _ Job = (*MoveReplicaJob)(nil)
