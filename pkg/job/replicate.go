package job

import (
	"github.com/siddontang/loggers"

	"github.com/qserv/replica/pkg/controllerrequest"
	"github.com/qserv/replica/pkg/locker"
	"github.com/qserv/replica/pkg/replica"
)

// ReplicateJob raises family's replication level to numReplicas (the
// family's configured minimum if zero). It is FixUpJob with an explicit
// TargetLevel: spec.md §4.8 describes the two as the same mechanism
// applied at a caller-chosen level versus the family default.
type ReplicateJob struct {
	*FixUpJob
}

// NewReplicateJob returns a ReplicateJob for family at numReplicas.
func NewReplicateJob(exec *controllerrequest.Executor, store *replica.Store, chunks *locker.Locker, workers WorkerCatalog, families FamilyCatalog, family string, numReplicas int, logger loggers.Advanced) *ReplicateJob {
	fu := NewFixUpJob(exec, store, chunks, workers, families, family, logger)
	fu.TargetLevel = numReplicas
	return &ReplicateJob{FixUpJob: fu}
}

var (
	_ Job = (*ReplicateJob)(nil)
	_ Job = (*FixUpJob)(nil)
	_ Job = (*PurgeJob)(nil)
	_ Job = (*FindAllJob)(nil)
)
