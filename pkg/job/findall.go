package job

import (
	"context"
	"sync"

	"github.com/siddontang/loggers"
	"golang.org/x/sync/errgroup"

	"github.com/qserv/replica/pkg/controllerrequest"
	"github.com/qserv/replica/pkg/locker"
	"github.com/qserv/replica/pkg/replica"
	"github.com/qserv/replica/pkg/workerrequest"
)

// maxConcurrentRequests caps the errgroup fan-out every job issues
// against the worker fleet at once, the same per-job concurrency limit
// idiom the teacher's repl subscription applies via g.SetLimit.
const maxConcurrentRequests = 16

// FindAllResult is FindAllJob's output: per-chunk goodness, the family's
// member databases, and which workers answered successfully.
type FindAllResult struct {
	// Chunks maps every chunk observed on any participating worker to
	// whether it is "good": COMPLETE, at the same set of workers, for
	// every database of the family (spec.md §4.8).
	Chunks map[uint32]bool
	// Hosts maps a good chunk to the workers holding a COMPLETE copy.
	Hosts map[uint32][]string
	// Databases is the family's member databases, as resolved at the
	// start of this run.
	Databases []string
	// WorkerOK reports whether a worker's FIND_ALL probe succeeded for
	// every configured database.
	WorkerOK map[string]bool
	// ChunkCount is the number of good chunks currently hosted by each
	// successfully-probed worker, the load metric FixUp/Purge/Rebalance
	// place and remove replicas against.
	ChunkCount map[string]int
}

// FindAllJob issues one FIND_ALL per (worker, database) in family,
// gathers the results, and classifies every chunk it sees.
type FindAllJob struct {
	base
	family string
	result FindAllResult
}

// NewFindAllJob returns a FindAllJob for family.
func NewFindAllJob(exec *controllerrequest.Executor, store *replica.Store, chunks *locker.Locker, workers WorkerCatalog, families FamilyCatalog, family string, logger loggers.Advanced) *FindAllJob {
	return &FindAllJob{base: newBase(exec, store, chunks, workers, families, logger), family: family}
}

// Result returns the most recently computed classification. Only
// meaningful once Run has returned.
func (j *FindAllJob) Result() FindAllResult { return j.result }

// Run probes every enabled worker for every database of j.family and
// classifies the chunks it observes. FindAllJob never locks chunks: it
// only reads state, so it always finishes in one iteration.
func (j *FindAllJob) Run(ctx context.Context) error {
	ctx = j.start(ctx)

	databases, err := j.families.DatabasesInFamily(j.family)
	if err != nil {
		return j.finish(ExtFailed, err)
	}
	workers := j.workers.EnabledWorkers()

	type probe struct {
		worker    string
		database  string
		replicas  []replica.Info
		succeeded bool
	}
	probes := make([]probe, 0, len(workers)*len(databases))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentRequests)
	for _, w := range workers {
		for _, d := range databases {
			w, d := w, d
			g.Go(func() error {
				req := &controllerrequest.Request{
					ID:       nextRequestID(),
					Type:     workerrequest.TypeFindAll,
					Worker:   w,
					Database: d,
				}
				if err := j.submitWait(gctx, req); err != nil {
					mu.Lock()
					probes = append(probes, probe{worker: w, database: d, succeeded: false})
					mu.Unlock()
					return nil // worker unreachable: recorded as a failed probe, not a job error
				}
				ok := req.ExtendedState() == controllerrequest.ExtSuccess
				mu.Lock()
				probes = append(probes, probe{worker: w, database: d, replicas: req.AllReplicas, succeeded: ok})
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return j.finish(ExtFailed, err)
	}

	workerOK := make(map[string]bool, len(workers))
	for _, w := range workers {
		workerOK[w] = true
	}
	// complete[database][chunk] = set of workers with a COMPLETE replica.
	complete := make(map[string]map[uint32]map[string]bool, len(databases))
	for _, d := range databases {
		complete[d] = make(map[uint32]map[string]bool)
	}
	for _, p := range probes {
		if !p.succeeded {
			workerOK[p.worker] = false
			continue
		}
		for _, r := range p.replicas {
			if r.Status != replica.Complete {
				continue
			}
			if complete[p.database][r.Chunk] == nil {
				complete[p.database][r.Chunk] = make(map[string]bool)
			}
			complete[p.database][r.Chunk][p.worker] = true
		}
	}

	allChunks := make(map[uint32]bool)
	for _, byChunk := range complete {
		for chunk := range byChunk {
			allChunks[chunk] = true
		}
	}

	chunks := make(map[uint32]bool, len(allChunks))
	hosts := make(map[uint32][]string, len(allChunks))
	for chunk := range allChunks {
		var hostSet map[string]bool
		good := len(databases) > 0
		for i, d := range databases {
			set := complete[d][chunk]
			if len(set) == 0 {
				good = false
				break
			}
			if i == 0 {
				hostSet = set
				continue
			}
			if !sameWorkerSet(hostSet, set) {
				good = false
				break
			}
		}
		chunks[chunk] = good
		if good {
			for w := range hostSet {
				hosts[chunk] = append(hosts[chunk], w)
			}
		}
	}

	chunkCount := make(map[string]int, len(workers))
	for chunk, good := range chunks {
		if !good {
			continue
		}
		for _, w := range hosts[chunk] {
			chunkCount[w]++
		}
	}

	j.result = FindAllResult{
		Chunks:     chunks,
		Hosts:      hosts,
		Databases:  databases,
		WorkerOK:   workerOK,
		ChunkCount: chunkCount,
	}
	return j.finish(ExtSuccess, nil)
}

func sameWorkerSet(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for w := range a {
		if !b[w] {
			return false
		}
	}
	return true
}
