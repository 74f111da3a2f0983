// Package controllerrequest is the controller-side mirror of the worker
// request engine (C7): it serializes an operation, hands it to the
// messenger, tracks a worker's asynchronous progress through status
// follow-ups, and persists the outcome through the replica store.
package controllerrequest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/siddontang/loggers"

	"github.com/qserv/replica/pkg/messenger"
	"github.com/qserv/replica/pkg/replica"
	"github.com/qserv/replica/pkg/wire"
	"github.com/qserv/replica/pkg/workerrequest"
)

// ErrServerBad is returned when a worker's reply cannot be decoded or is
// internally inconsistent (e.g. answers a different request id); the
// request's ExtendedState becomes ExtServerBad rather than being
// silently retried, since the failure is in the protocol, not the op.
var ErrServerBad = errors.New("controllerrequest: malformed or mismatched server reply")

// Lifecycle is the controller-visible request lifecycle (spec.md §4.7):
// CREATED -> IN_PROGRESS -> FINISHED, monotonic once FINISHED.
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

// ExtendedState refines a FINISHED request's outcome, and also reports a
// still-IN_PROGRESS request's last known worker-side state when keepTracking
// status polling is enabled.
type ExtendedState int

const (
	ExtNone ExtendedState = iota
	ExtSuccess
	ExtClientError
	ExtServerBad
	ExtServerError
	ExtServerQueued
	ExtServerInProgress
	ExtServerIsCancelling
	ExtServerCancelled
	ExtExpired
	ExtCancelled
	ExtTimeoutExpired
)

func (s ExtendedState) String() string {
	switch s {
	case ExtSuccess:
		return "SUCCESS"
	case ExtClientError:
		return "CLIENT_ERROR"
	case ExtServerBad:
		return "SERVER_BAD"
	case ExtServerError:
		return "SERVER_ERROR"
	case ExtServerQueued:
		return "SERVER_QUEUED"
	case ExtServerInProgress:
		return "SERVER_IN_PROGRESS"
	case ExtServerIsCancelling:
		return "SERVER_IS_CANCELLING"
	case ExtServerCancelled:
		return "SERVER_CANCELLED"
	case ExtExpired:
		return "EXPIRED"
	case ExtCancelled:
		return "CANCELLED"
	case ExtTimeoutExpired:
		return "TIMEOUT_EXPIRED"
	default:
		return "NONE"
	}
}

// Performance holds the six timestamps spec.md §4.7 tracks for every
// controller request.
type Performance struct {
	CCreateTime time.Time
	CStartTime  time.Time
	WReceiveTime time.Time
	WStartTime  time.Time
	WFinishTime time.Time
	CFinishTime time.Time
}

// Request is a controller-side handle on one worker operation. Two
// shapes exist by the fields that matter: mutating (REPLICATE, DELETE)
// populate Database/Chunk/SourceWorker; observational (FIND, FIND_ALL,
// ECHO) populate the remaining fields per their Type.
type Request struct {
	ID       uint64
	Type     workerrequest.Type
	Worker   string
	Priority int

	Database        string
	Chunk           uint32
	SourceWorker    string
	ComputeChecksum bool
	EchoData        []byte

	Performance Performance

	Result      replica.Info
	AllReplicas []replica.Info
	Echo        []byte

	mu        sync.Mutex
	lifecycle Lifecycle
	extended  ExtendedState
	err       error
}

// Lifecycle returns the request's current CREATED/IN_PROGRESS/FINISHED
// state.
func (r *Request) Lifecycle() Lifecycle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lifecycle
}

// ExtendedState returns the request's current extended state.
func (r *Request) ExtendedState() ExtendedState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.extended
}

// Err returns the error associated with a CLIENT_ERROR/SERVER_BAD/
// SERVER_ERROR outcome, or nil.
func (r *Request) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Request) setFinished(ext ExtendedState, err error) {
	r.mu.Lock()
	r.lifecycle = LifecycleFinished
	r.extended = ext
	r.err = err
	r.Performance.CFinishTime = time.Now().UTC()
	r.mu.Unlock()
}

func (r *Request) setTracking(ext ExtendedState) {
	r.mu.Lock()
	r.lifecycle = LifecycleInProgress
	r.extended = ext
	r.mu.Unlock()
}

// AddrResolver maps a worker name to its request-service network
// address (distinct from the file-server address fileserver.AddrResolver
// resolves).
type AddrResolver func(worker string) (addr string, err error)

// SubmitPayload is the gob body of a KindReplicaSubmit frame: one worker
// operation submission, mirroring workerrequest.Request's inputs.
type SubmitPayload struct {
	ID              uint64
	Type            workerrequest.Type
	Priority        int
	Database        string
	Chunk           uint32
	SourceWorker    string
	ComputeChecksum bool
	EchoData        []byte
}

// StatusPayload is the gob body of a KindRequestStatus follow-up frame.
type StatusPayload struct {
	ID uint64
}

// StopPayload is the gob body of a KindRequestStop frame.
type StopPayload struct {
	ID uint64
}

// ReplyPayload is the gob body of every KindResponse frame a worker
// sends back, whether answering a submit, a status poll, or a stop.
type ReplyPayload struct {
	ID          uint64
	State       workerrequest.State
	Result      replica.Info
	AllReplicas []replica.Info
	Echo        []byte
	Err         string
}

func extendedStateFor(s workerrequest.State) ExtendedState {
	switch s {
	case workerrequest.StateNone:
		return ExtServerQueued
	case workerrequest.StateInProgress:
		return ExtServerInProgress
	case workerrequest.StateIsCancelling:
		return ExtServerIsCancelling
	case workerrequest.StateSucceeded:
		return ExtSuccess
	case workerrequest.StateFailed:
		return ExtServerError
	case workerrequest.StateCancelled:
		return ExtServerCancelled
	default:
		return ExtServerBad
	}
}

// Executor drives requests through their lifecycle: serialize, hand to
// the messenger, update performance counters on reply, schedule a STATUS
// follow-up while the worker is still working (if keepTracking), and
// persist SUCCESS outcomes through the replica store. Duplicate request
// ids get no special handling: there is no switch to STATUS tracking of
// an earlier request with the same id.
type Executor struct {
	messenger     *messenger.Messenger
	store         *replica.Store
	resolve       AddrResolver
	retryInterval time.Duration
	logger        loggers.Advanced
}

// NewExecutor returns an Executor. store may be nil for callers that
// only need request tracking without C4 persistence (e.g. FIND probes
// used by the health loop).
func NewExecutor(m *messenger.Messenger, store *replica.Store, resolve AddrResolver, retryInterval time.Duration, logger loggers.Advanced) *Executor {
	if retryInterval <= 0 {
		retryInterval = time.Second
	}
	return &Executor{messenger: m, store: store, resolve: resolve, retryInterval: retryInterval, logger: logger}
}

// Submit executes req against req.Worker. onDone is invoked exactly once,
// when req.Lifecycle() becomes LifecycleFinished. keepTracking, if true,
// schedules STATUS follow-ups while the worker reports the request still
// queued/running/cancelling.
func (e *Executor) Submit(ctx context.Context, req *Request, keepTracking bool, onDone func(*Request)) error {
	req.mu.Lock()
	req.lifecycle = LifecycleCreated
	req.Performance.CCreateTime = time.Now().UTC()
	req.mu.Unlock()

	addr, err := e.resolve(req.Worker)
	if err != nil {
		req.setFinished(ExtClientError, fmt.Errorf("controllerrequest: resolve %s: %w", req.Worker, err))
		onDone(req)
		return nil
	}

	body, err := wire.Encode(SubmitPayload{
		ID:              req.ID,
		Type:            req.Type,
		Priority:        req.Priority,
		Database:        req.Database,
		Chunk:           req.Chunk,
		SourceWorker:    req.SourceWorker,
		ComputeChecksum: req.ComputeChecksum,
		EchoData:        req.EchoData,
	})
	if err != nil {
		req.setFinished(ExtClientError, err)
		onDone(req)
		return nil
	}

	req.mu.Lock()
	req.lifecycle = LifecycleInProgress
	req.Performance.CStartTime = time.Now().UTC()
	req.mu.Unlock()

	return e.messenger.Send(req.Worker, addr, req.ID, wire.KindReplicaSubmit, body, func(env wire.Envelope, sendErr error) {
		e.handleReply(ctx, req, addr, keepTracking, env, sendErr, onDone)
	})
}

func (e *Executor) handleReply(ctx context.Context, req *Request, addr string, keepTracking bool, env wire.Envelope, sendErr error, onDone func(*Request)) {
	if sendErr != nil {
		req.setFinished(ExtServerError, sendErr)
		onDone(req)
		return
	}

	var reply ReplyPayload
	if err := wire.Decode(env.Body, &reply); err != nil || reply.ID != req.ID {
		req.setFinished(ExtServerBad, ErrServerBad)
		onDone(req)
		return
	}

	req.mu.Lock()
	req.Performance.WReceiveTime = time.Now().UTC()
	if reply.State == workerrequest.StateInProgress || reply.State == workerrequest.StateIsCancelling {
		if req.Performance.WStartTime.IsZero() {
			req.Performance.WStartTime = time.Now().UTC()
		}
	}
	req.Result = reply.Result
	req.AllReplicas = reply.AllReplicas
	req.Echo = reply.Echo
	req.mu.Unlock()

	ext := extendedStateFor(reply.State)

	if ext == ExtServerQueued || ext == ExtServerInProgress || ext == ExtServerIsCancelling {
		if keepTracking {
			req.setTracking(ext)
			e.scheduleStatusFollowUp(ctx, req, addr, keepTracking, onDone)
			return
		}
		req.setFinished(ext, nil)
		onDone(req)
		return
	}

	req.mu.Lock()
	req.Performance.WFinishTime = time.Now().UTC()
	req.mu.Unlock()

	var err error
	if reply.Err != "" {
		err = errors.New(reply.Err)
	}
	req.setFinished(ext, err)

	if ext == ExtSuccess && e.store != nil {
		e.persist(ctx, req)
	}
	onDone(req)
}

func (e *Executor) persist(ctx context.Context, req *Request) {
	switch req.Type {
	case workerrequest.TypeReplicate, workerrequest.TypeFind, workerrequest.TypeDelete:
		if err := e.store.Upsert(ctx, req.Result); err != nil {
			e.logger.Errorf("controllerrequest: persist replica for request %d: %v", req.ID, err)
		}
	case workerrequest.TypeFindAll:
		if err := e.store.ReplaceAll(ctx, req.Worker, req.Database, req.AllReplicas); err != nil {
			e.logger.Errorf("controllerrequest: persist FIND_ALL for request %d: %v", req.ID, err)
		}
	}
}

func (e *Executor) scheduleStatusFollowUp(ctx context.Context, req *Request, addr string, keepTracking bool, onDone func(*Request)) {
	time.AfterFunc(e.retryInterval, func() {
		if ctx.Err() != nil {
			req.setFinished(ExtExpired, ctx.Err())
			onDone(req)
			return
		}
		body, err := wire.Encode(StatusPayload{ID: req.ID})
		if err != nil {
			req.setFinished(ExtClientError, err)
			onDone(req)
			return
		}
		err = e.messenger.Send(req.Worker, addr, req.ID, wire.KindRequestStatus, body, func(env wire.Envelope, sendErr error) {
			e.handleReply(ctx, req, addr, keepTracking, env, sendErr, onDone)
		})
		if err != nil {
			req.setFinished(ExtClientError, err)
			onDone(req)
		}
	})
}

// Stop sends a STOP for req.ID to its worker, which transitions the
// request to IS_CANCELLING server-side; onDone is invoked again once the
// eventual CANCELLED reply arrives, exactly as for a normal completion.
// If req is still queued client-side (no reply received yet), its
// pending messenger entry is cancelled first so a late reply to the
// original submission is never delivered.
func (e *Executor) Stop(ctx context.Context, req *Request, onDone func(*Request)) error {
	addr, err := e.resolve(req.Worker)
	if err != nil {
		return err
	}
	_ = e.messenger.Cancel(req.Worker, req.ID)

	body, err := wire.Encode(StopPayload{ID: req.ID})
	if err != nil {
		return err
	}
	return e.messenger.Send(req.Worker, addr, req.ID, wire.KindRequestStop, body, func(env wire.Envelope, sendErr error) {
		e.handleReply(ctx, req, addr, true, env, sendErr, onDone)
	})
}
