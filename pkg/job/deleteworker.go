package job

import (
	"context"

	"github.com/siddontang/loggers"

	"github.com/qserv/replica/pkg/controllerrequest"
	"github.com/qserv/replica/pkg/locker"
	"github.com/qserv/replica/pkg/replica"
	"github.com/qserv/replica/pkg/workerrequest"
)

// DeleteWorkerResult reports DeleteWorkerJob's outcome: the chunks that
// existed only on the deleted worker and could not be redistributed
// elsewhere, per family.
type DeleteWorkerResult struct {
	OrphanChunks map[string][]uint32 // family -> chunks
	Probed       bool                // true if the worker answered ECHO before being disabled
}

// DeleteWorkerJob drains and retires worker: probes it, runs FindAll then
// Replicate per family to cover for its departure, and (if Permanent)
// removes its configuration entry.
type DeleteWorkerJob struct {
	base
	worker    string
	permanent bool

	Result DeleteWorkerResult
}

// NewDeleteWorkerJob returns a DeleteWorkerJob for worker.
func NewDeleteWorkerJob(exec *controllerrequest.Executor, store *replica.Store, chunks *locker.Locker, workers WorkerCatalog, families FamilyCatalog, worker string, permanent bool, logger loggers.Advanced) *DeleteWorkerJob {
	return &DeleteWorkerJob{base: newBase(exec, store, chunks, workers, families, logger), worker: worker, permanent: permanent}
}

// Run is RunFamilies with no families: it probes and disables the worker
// (and removes it if permanent), but runs no FindAll or Replicate job and
// reports no orphan chunks. FamilyCatalog resolves one named family's
// databases at a time and has no list of all families.
func (j *DeleteWorkerJob) Run(ctx context.Context) error {
	return j.RunFamilies(ctx, nil)
}

// RunFamilies is Run with an explicit family list, used by callers (and
// tests) that already know which families exist rather than needing a
// separate "list all families" collaborator.
//
// Orphan chunks (replicas that existed only on j.worker) must be read off
// a FindAll taken while j.worker is still an enabled, queryable member of
// the catalog: once DisableWorker excludes it, FindAllJob can no longer
// see what j.worker held, and ReplicateJob has no surviving source to
// copy a sole replica from anyway.
func (j *DeleteWorkerJob) RunFamilies(ctx context.Context, families []string) error {
	ctx = j.start(ctx)

	probed := j.probe(ctx)

	orphans := make(map[string][]uint32, len(families))
	for _, family := range families {
		before := NewFindAllJob(j.exec, j.store, j.chunks, j.workers, j.families, family, j.logger)
		if err := before.Run(ctx); err != nil {
			j.logger.Errorf("job: delete-worker %s: pre-removal FindAll for family %s: %v", j.worker, family, err)
			continue
		}
		var famOrphans []uint32
		for chunk, hosts := range before.Result().Hosts {
			if len(hosts) == 1 && hosts[0] == j.worker {
				famOrphans = append(famOrphans, chunk)
			}
		}
		if len(famOrphans) > 0 {
			orphans[family] = famOrphans
		}
	}

	j.workers.DisableWorker(j.worker)

	var anyFailure bool
	for _, family := range families {
		repl := NewReplicateJob(j.exec, j.store, j.chunks, j.workers, j.families, family, 0, j.logger)
		if err := repl.Run(ctx); err != nil || repl.ExtendedState() != ExtSuccess {
			anyFailure = true
		}
	}

	j.Result = DeleteWorkerResult{OrphanChunks: orphans, Probed: probed}

	if j.permanent {
		j.workers.RemoveWorker(j.worker)
	}

	if anyFailure {
		return j.finish(ExtFailed, fmtErrf("delete-worker %s: one or more families failed to redistribute", j.worker))
	}
	return j.finish(ExtSuccess, nil)
}

// probe pings worker with an ECHO request and reports whether it
// answered. The answer only sets Result.Probed: RunFamilies runs the same
// FindAll and Replicate jobs, and disables the worker, either way.
func (j *DeleteWorkerJob) probe(ctx context.Context) bool {
	req := &controllerrequest.Request{
		ID:       nextRequestID(),
		Type:     workerrequest.TypeEcho,
		Worker:   j.worker,
		EchoData: []byte("delete-worker-probe"),
	}
	if err := j.submitWait(ctx, req); err != nil {
		return false
	}
	return req.ExtendedState() == controllerrequest.ExtSuccess
}

var _ Job = (*DeleteWorkerJob)(nil)
