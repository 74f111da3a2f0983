// Package job is the composite-operation orchestrator (C8): FindAll,
// FixUp, Purge, Replicate, Rebalance, MoveReplica, DeleteWorker and
// Verify, each a typed state machine built from many controllerrequest
// (C7) requests and/or child jobs, serialized through the shared chunk
// locker (C3) with the submitting job's own id as owner.
package job

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/siddontang/loggers"

	"github.com/qserv/replica/pkg/controllerrequest"
	"github.com/qserv/replica/pkg/locker"
	"github.com/qserv/replica/pkg/replica"
)

// Lifecycle is a job's CREATED -> IN_PROGRESS -> FINISHED state, the same
// three-stage shape controllerrequest.Request uses for one operation.
type Lifecycle int

const (
	LifecycleCreated Lifecycle = iota
	LifecycleInProgress
	LifecycleFinished
)

func (l Lifecycle) String() string {
	switch l {
	case LifecycleCreated:
		return "CREATED"
	case LifecycleInProgress:
		return "IN_PROGRESS"
	case LifecycleFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// ExtendedState refines a FINISHED job's outcome.
type ExtendedState int

const (
	ExtNone ExtendedState = iota
	ExtSuccess
	ExtFailed
	ExtCancelled
	ExtExpired
)

func (s ExtendedState) String() string {
	switch s {
	case ExtSuccess:
		return "SUCCESS"
	case ExtFailed:
		return "FAILED"
	case ExtCancelled:
		return "CANCELLED"
	case ExtExpired:
		return "EXPIRED"
	default:
		return "NONE"
	}
}

// Job is a composite operation: a client submits it, it runs to
// completion (or cancellation), and reports one terminal ExtendedState.
type Job interface {
	ID() string
	Run(ctx context.Context) error
	Lifecycle() Lifecycle
	ExtendedState() ExtendedState
	Cancel()
}

// WorkerCatalog is the subset of configuration a job needs to enumerate
// and disable workers, kept as an interface so tests substitute an
// in-memory fake rather than a parsed config.Config.
type WorkerCatalog interface {
	EnabledWorkers() []string
	DisableWorker(worker string)
	RemoveWorker(worker string)
}

// FamilyCatalog resolves a database family to its member databases and
// configured replication level.
type FamilyCatalog interface {
	DatabasesInFamily(family string) ([]string, error)
	MinReplicationLevel(family string) int
}

// base holds the plumbing every concrete job shares: identity, lifecycle,
// the chunk lock it owns requests under, and the collaborators it submits
// requests and persists results through.
type base struct {
	id     string
	logger loggers.Advanced

	exec     *controllerrequest.Executor
	store    *replica.Store
	chunks   *locker.Locker
	workers  WorkerCatalog
	families FamilyCatalog

	mu        sync.Mutex
	lifecycle Lifecycle
	extended  ExtendedState
	err       error

	numFailedLocks int32

	cancelMu sync.Mutex
	cancelFn context.CancelFunc
}

func newBase(exec *controllerrequest.Executor, store *replica.Store, chunks *locker.Locker, workers WorkerCatalog, families FamilyCatalog, logger loggers.Advanced) base {
	return base{
		id:       uuid.NewString(),
		logger:   logger,
		exec:     exec,
		store:    store,
		chunks:   chunks,
		workers:  workers,
		families: families,
	}
}

func (b *base) ID() string { return b.id }

func (b *base) Lifecycle() Lifecycle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lifecycle
}

func (b *base) ExtendedState() ExtendedState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.extended
}

func (b *base) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *base) start(ctx context.Context) context.Context {
	b.mu.Lock()
	b.lifecycle = LifecycleInProgress
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	b.cancelMu.Lock()
	b.cancelFn = cancel
	b.cancelMu.Unlock()
	return ctx
}

// finish records the job's terminal state. A job may never finish
// SUCCESS while it still owns failed-lock debt (spec invariant for every
// mutating job): callers pass ExtSuccess only after confirming
// numFailedLocks is zero for the iteration that finished clean.
func (b *base) finish(ext ExtendedState, err error) error {
	b.mu.Lock()
	b.lifecycle = LifecycleFinished
	b.extended = ext
	b.err = err
	b.mu.Unlock()
	return err
}

// Cancel cancels the job's context, which cascades into every outstanding
// controllerrequest.Executor.Submit call via their shared ctx; the
// caller's Run returns once the in-flight requests observe it.
func (b *base) Cancel() {
	b.cancelMu.Lock()
	cancel := b.cancelFn
	b.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// addFailedLock increments the per-iteration failed-lock counter,
// returned by restart-eligible jobs to decide whether another iteration
// is needed before SUCCESS is permitted.
func (b *base) addFailedLock() {
	atomic.AddInt32(&b.numFailedLocks, 1)
}

func (b *base) resetFailedLocks() {
	atomic.StoreInt32(&b.numFailedLocks, 0)
}

func (b *base) failedLocks() int32 {
	return atomic.LoadInt32(&b.numFailedLocks)
}

// lockChunk attempts to acquire key for this job, reporting failure via
// addFailedLock rather than returning an error: a lock miss defers the
// chunk to the job's next iteration instead of aborting the whole job.
func (b *base) lockChunk(family string, chunk uint32) bool {
	ok := b.chunks.Lock(locker.Key{Family: family, Chunk: chunk}, b.id)
	if !ok {
		b.addFailedLock()
	}
	return ok
}

func (b *base) unlockChunk(family string, chunk uint32) {
	b.chunks.ReleaseIfOwner(locker.Key{Family: family, Chunk: chunk}, b.id)
}

// submitWait submits req through the executor and blocks until it
// reaches LifecycleFinished (or ctx is done), the synchronous shape every
// job needs since controllerrequest.Executor's contract is callback-based.
func (b *base) submitWait(ctx context.Context, req *controllerrequest.Request) error {
	done := make(chan struct{})
	err := b.exec.Submit(ctx, req, true, func(*controllerrequest.Request) { close(done) })
	if err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var requestIDSeq uint64

// nextRequestID hands out the controllerrequest.Request ids a job
// generates for its own sub-requests, a simple atomic counter rather than
// uuid.New since these ids only need to be unique per controller process
// (messenger keys in-flight requests by (worker, id)).
func nextRequestID() uint64 {
	return atomic.AddUint64(&requestIDSeq, 1)
}

func fmtErrf(format string, args ...any) error {
	return fmt.Errorf("job: "+format, args...)
}
