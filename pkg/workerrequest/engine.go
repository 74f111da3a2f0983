package workerrequest

import (
	"container/heap"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/siddontang/loggers"

	"github.com/qserv/replica/pkg/locker"
	"github.com/qserv/replica/pkg/table"
)

// ErrUnknownRequest is returned by Status/Cancel for an id the engine has
// never seen (or has already evicted from the finished ring buffer).
var ErrUnknownRequest = fmt.Errorf("workerrequest: unknown request id")

// FileSource fetches one file of a chunk from another worker's file
// server, writing its bytes to w. Production code satisfies this with
// the fileserver package's client; tests substitute an in-memory stub so
// the engine's REPLICATE logic can be exercised without a real listener.
type FileSource interface {
	FetchFile(ctx context.Context, worker, database, file string, w io.Writer) (size int64, err error)
}

// TableLookup resolves the partitioned tables of database, used to
// enumerate the chunk files a REPLICATE/DELETE/FIND/FIND_ALL must touch.
type TableLookup func(ctx context.Context, database string) ([]*table.TableInfo, error)

// Config configures one Engine.
type Config struct {
	// WorkerName identifies this worker in replica.Info records it
	// produces (FIND/FIND_ALL/DELETE results, the destination side of a
	// REPLICATE).
	WorkerName string
	// DataDir is the root of the worker's chunk file storage.
	DataDir string
	// NumThreads is the fixed size of the processing-thread pool
	// (worker.num_svc_processing_threads).
	NumThreads int
	// FinishedRetention bounds the finished-request ring buffer.
	FinishedRetention int
	// ChecksumBlockSize overrides checksum.DefaultBlockSize; zero keeps
	// the default.
	ChecksumBlockSize int
}

func (c Config) withDefaults() Config {
	if c.NumThreads <= 0 {
		c.NumThreads = 4
	}
	if c.FinishedRetention <= 0 {
		c.FinishedRetention = 1000
	}
	return c
}

// Engine is one worker's request processor: the three queues (new,
// in-progress, finished) and the fixed pool of goroutines that drain
// them, per spec.md §4.5.
type Engine struct {
	cfg    Config
	logger loggers.Advanced
	tables TableLookup
	source FileSource

	// dirLock serializes REPLICATE/DELETE/FIND_ALL on the same
	// (database, chunk) on this worker; a distinct instance from the
	// controller-side chunk locker (C3), which arbitrates across jobs.
	dirLock *locker.Locker

	mu          sync.Mutex
	newQ        requestHeap
	inProgress  map[uint64]*Request
	finished    []*Request
	nextSeq     uint64
	cancelFuncs map[uint64]context.CancelFunc

	wake      chan struct{}
	stopped   int32
	suspended int32
	wg        sync.WaitGroup
}

// New returns an Engine ready to Start. tables and source may be nil only
// if the engine will never receive a request needing them (tests of
// ECHO-only behavior, for instance).
func New(cfg Config, logger loggers.Advanced, tables TableLookup, source FileSource) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:        cfg,
		logger:     logger,
		tables:     tables,
		source:     source,
		dirLock:    locker.New(),
		inProgress: make(map[uint64]*Request),
		// Buffered to cfg.NumThreads so a burst of Submit calls can wake
		// every idle processing thread, not just one; each woken thread
		// then drains the heap itself until it's empty.
		wake: make(chan struct{}, cfg.NumThreads),
	}
}

// Start launches the fixed processing-thread pool. Each thread runs
// until ctx is done or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	for i := 0; i < e.cfg.NumThreads; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
}

// Stop signals every processing thread to exit and waits for them.
func (e *Engine) Stop() {
	atomic.StoreInt32(&e.stopped, 1)
	close(e.wake)
	e.wg.Wait()
}

// ErrSuspended is returned by Submit while the engine is suspended
// (spec.md §4.5's SUSPEND service op): new work is rejected until a
// matching RESUME.
var ErrSuspended = fmt.Errorf("workerrequest: engine is suspended")

// Submit enqueues req (priority-ordered) and returns immediately; req's
// State transitions to IN_PROGRESS once a processing thread picks it up.
func (e *Engine) Submit(req *Request) error {
	if atomic.LoadInt32(&e.suspended) != 0 {
		return ErrSuspended
	}
	e.mu.Lock()
	req.state = StateNone
	req.seq = e.nextSeq
	e.nextSeq++
	heap.Push(&e.newQ, req)
	e.mu.Unlock()

	e.signal()
	return nil
}

// Suspend stops the engine from accepting new Submit calls; requests
// already queued or in progress continue to completion.
func (e *Engine) Suspend() {
	atomic.StoreInt32(&e.suspended, 1)
}

// Resume reverses Suspend.
func (e *Engine) Resume() {
	atomic.StoreInt32(&e.suspended, 0)
}

// IsSuspended reports whether the engine currently rejects new Submit calls.
func (e *Engine) IsSuspended() bool {
	return atomic.LoadInt32(&e.suspended) != 0
}

// Drain suspends the engine and rolls back every in-progress request back
// to NONE so it re-enters the new queue rather than finishing, per
// spec.md §4.5's rollback()/drain description. It does not wait for the
// rollbacks to complete; callers that need that should poll RequestsList.
func (e *Engine) Drain() {
	e.Suspend()
	e.mu.Lock()
	ids := make([]uint64, 0, len(e.inProgress))
	for id := range e.inProgress {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		_ = e.Rollback(id)
	}
}

// RequestsList returns a snapshot of every request the engine currently
// knows about: queued, in progress, and retained in the finished ring
// buffer, for the service-level REQUESTS query.
func (e *Engine) RequestsList() []*Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Request, 0, len(e.newQ)+len(e.inProgress)+len(e.finished))
	out = append(out, e.newQ...)
	for _, r := range e.inProgress {
		out = append(out, r)
	}
	out = append(out, e.finished...)
	return out
}

// signal wakes at most one idle processing thread, a no-op once Stop has
// closed the wake channel.
func (e *Engine) signal() {
	if atomic.LoadInt32(&e.stopped) != 0 {
		return
	}
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Status returns the request with id, searching in-progress, then the
// new queue, then finished.
func (e *Engine) Status(id uint64) (*Request, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.inProgress[id]; ok {
		return r, nil
	}
	for _, r := range e.newQ {
		if r.ID == id {
			return r, nil
		}
	}
	for _, r := range e.finished {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, ErrUnknownRequest
}

// Cancel requests that id stop. A queued-but-unstarted request is
// removed and moves straight to CANCELLED; an in-progress request
// transitions to IS_CANCELLING and its executing goroutine observes
// cancellation on its next checkpoint.
func (e *Engine) Cancel(id uint64) error {
	e.mu.Lock()
	for i, r := range e.newQ {
		if r.ID == id {
			heap.Remove(&e.newQ, i)
			r.state = StateCancelled
			e.finish(r)
			e.mu.Unlock()
			return nil
		}
	}
	r, ok := e.inProgress[id]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownRequest
	}
	r.state = StateIsCancelling
	cancel := e.cancelFuncs[id]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Rollback requests that an in-progress request abort and re-enter the
// new queue as NONE rather than finish SUCCEEDED/FAILED, used when the
// worker service is drained (spec.md §4.5). The executing goroutine
// performs the actual requeue once its current operation returns, so a
// request is never touched by two goroutines at once. It is a no-op if
// id is not currently in progress.
func (e *Engine) Rollback(id uint64) error {
	e.mu.Lock()
	r, ok := e.inProgress[id]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownRequest
	}
	r.rollbackRequested = true
	cancel := e.cancelFuncs[id]
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// finish moves req into the bounded finished ring buffer. Caller must
// hold e.mu.
func (e *Engine) finish(req *Request) {
	e.finished = append(e.finished, req)
	if over := len(e.finished) - e.cfg.FinishedRetention; over > 0 {
		e.finished = e.finished[over:]
	}
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		req := e.popNext()
		if req == nil {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-e.wake:
				if !ok {
					return
				}
				continue
			}
		}
		e.run(ctx, req)
	}
}

func (e *Engine) popNext() *Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.newQ) == 0 {
		return nil
	}
	req := heap.Pop(&e.newQ).(*Request)
	req.state = StateInProgress
	e.inProgress[req.ID] = req
	return req
}

func (e *Engine) run(parent context.Context, req *Request) {
	ctx, cancel := context.WithCancel(parent)
	e.mu.Lock()
	if e.cancelFuncs == nil {
		e.cancelFuncs = make(map[uint64]context.CancelFunc)
	}
	e.cancelFuncs[req.ID] = cancel
	e.mu.Unlock()

	err := e.execute(ctx, req)

	e.mu.Lock()
	delete(e.cancelFuncs, req.ID)
	delete(e.inProgress, req.ID)
	switch {
	case req.rollbackRequested:
		req.rollbackRequested = false
		req.state = StateNone
		req.Err = nil
		heap.Push(&e.newQ, req)
	case req.state == StateIsCancelling:
		req.state = StateCancelled
	case err != nil:
		req.state = StateFailed
		req.Err = err
	default:
		req.state = StateSucceeded
	}
	requeued := req.state == StateNone
	if !requeued {
		e.finish(req)
	}
	e.mu.Unlock()
	cancel()

	if requeued {
		e.signal()
	}

	if err != nil && req.state == StateFailed {
		e.logger.Errorf("workerrequest: request %d (%s) failed: %v", req.ID, req.Type, err)
	}
}
