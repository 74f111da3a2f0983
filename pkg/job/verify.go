package job

import (
	"context"

	"github.com/siddontang/loggers"
	"golang.org/x/sync/errgroup"

	"github.com/qserv/replica/pkg/controllerrequest"
	"github.com/qserv/replica/pkg/locker"
	"github.com/qserv/replica/pkg/replica"
	"github.com/qserv/replica/pkg/workerrequest"
)

// DiffCallback is invoked for each replica VerifyJob re-checks whose
// catalog record differs from what FIND with a checksum actually observed,
// with the catalog's prior record and the observed one.
// stored and observed differ whenever the worker's on-disk state no
// longer matches C4; observed.Status is NotFound if the worker reports
// the replica gone entirely.
type DiffCallback func(stored, observed replica.Info)

// VerifyJob sweeps replica.Store oldest-verified-first, re-checking each
// replica with FIND(computeChecksum=true) and reporting any drift via
// OnDiff. Store updates happen through the normal controllerrequest
// persist path (the Executor this job was built with must carry a
// non-nil store).
type VerifyJob struct {
	base
	// BatchSize bounds how many replicas one Run call re-checks.
	BatchSize int
	// OnDiff is called for every replica whose observed state differs
	// from the stored record; nil is a valid no-op.
	OnDiff DiffCallback
}

// NewVerifyJob returns a VerifyJob sweeping up to batchSize replicas per
// Run call.
func NewVerifyJob(exec *controllerrequest.Executor, store *replica.Store, chunks *locker.Locker, workers WorkerCatalog, families FamilyCatalog, batchSize int, onDiff DiffCallback, logger loggers.Advanced) *VerifyJob {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &VerifyJob{base: newBase(exec, store, chunks, workers, families, logger), BatchSize: batchSize, OnDiff: onDiff}
}

// Run re-verifies up to BatchSize of the oldest-verified replicas.
func (j *VerifyJob) Run(ctx context.Context) error {
	ctx = j.start(ctx)

	stored, err := j.store.OldestN(ctx, j.BatchSize)
	if err != nil {
		return j.finish(ExtFailed, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentRequests)
	for _, prior := range stored {
		prior := prior
		g.Go(func() error {
			req := &controllerrequest.Request{
				ID:              nextRequestID(),
				Type:            workerrequest.TypeFind,
				Worker:          prior.Worker,
				Database:        prior.Database,
				Chunk:           prior.Chunk,
				ComputeChecksum: true,
			}
			if err := j.submitWait(gctx, req); err != nil {
				return nil
			}
			observed := req.Result
			if req.ExtendedState() != controllerrequest.ExtSuccess {
				observed = replica.Info{Worker: prior.Worker, Database: prior.Database, Chunk: prior.Chunk, Status: replica.NotFound}
			}
			if j.OnDiff != nil && differs(prior, observed) {
				j.OnDiff(prior, observed)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return j.finish(ExtFailed, err)
	}
	return j.finish(ExtSuccess, nil)
}

func differs(stored, observed replica.Info) bool {
	if stored.Status != observed.Status {
		return true
	}
	if len(stored.Files) != len(observed.Files) {
		return true
	}
	byName := make(map[string]replica.File, len(stored.Files))
	for _, f := range stored.Files {
		byName[f.Name] = f
	}
	for _, f := range observed.Files {
		prior, ok := byName[f.Name]
		if !ok || prior.Checksum != f.Checksum || prior.Size != f.Size {
			return true
		}
	}
	return false
}

var _ Job = (*VerifyJob)(nil)
