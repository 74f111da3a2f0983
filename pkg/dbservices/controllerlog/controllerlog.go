// Package controllerlog is the expansion piece of pkg/dbservices (C13): a
// local, single-node raft log of job/request lifecycle transitions that
// lets a restarted controller process learn "what was I doing" without a
// potentially stale MySQL read. It is NOT distributed consensus — a
// single raft.Raft instance runs entirely within one controller process,
// over an in-memory transport, the way the teacher has no equivalent but
// the pack's cuemby-warren manager uses hashicorp/raft for its own
// single-writer FSM replay (pkg/manager/manager.go, pkg/manager/fsm.go).
package controllerlog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// EntityKind distinguishes a job transition from a request transition in
// the log, since both share one FSM.
type EntityKind int

const (
	EntityJob EntityKind = iota
	EntityRequest
)

// Transition is one recorded lifecycle change for a job or request.
type Transition struct {
	Lifecycle     int
	ExtendedState int
	JobID         string // set only when Kind == EntityRequest
	RecordedAt    time.Time
}

// command is the raft.Log payload: one entity's lifecycle transition.
type command struct {
	Kind          EntityKind
	ID            string
	JobID         string
	Lifecycle     int
	ExtendedState int
	RecordedAt    time.Time
}

// fsm replays committed commands into two in-memory maps, keyed by job ID
// and request ID respectively — the state a restarted controller reads
// back via Log.JobState/Log.RequestState.
type fsm struct {
	mu       sync.RWMutex
	jobs     map[string]Transition
	requests map[string]Transition
}

func newFSM() *fsm {
	return &fsm{jobs: make(map[string]Transition), requests: make(map[string]Transition)}
}

func (f *fsm) Apply(entry *raft.Log) any {
	var cmd command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("controllerlog: unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	t := Transition{Lifecycle: cmd.Lifecycle, ExtendedState: cmd.ExtendedState, JobID: cmd.JobID, RecordedAt: cmd.RecordedAt}
	switch cmd.Kind {
	case EntityJob:
		f.jobs[cmd.ID] = t
	case EntityRequest:
		f.requests[cmd.ID] = t
	}
	return nil
}

type snapshot struct {
	Jobs     map[string]Transition
	Requests map[string]Transition
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	jobs := make(map[string]Transition, len(f.jobs))
	for k, v := range f.jobs {
		jobs[k] = v
	}
	requests := make(map[string]Transition, len(f.requests))
	for k, v := range f.requests {
		requests[k] = v
	}
	return &snapshot{Jobs: jobs, Requests: requests}, nil
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		body, err := json.Marshal(s)
		if err != nil {
			return err
		}
		if _, err := sink.Write(body); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *snapshot) Release() {}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var s snapshot
	if err := json.NewDecoder(rc).Decode(&s); err != nil {
		return fmt.Errorf("controllerlog: decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = s.Jobs
	f.requests = s.Requests
	return nil
}

// Log is a durable, restart-recoverable journal of lifecycle transitions
// for one controller process, backed by a single-node raft.Raft instance.
type Log struct {
	raft *raft.Raft
	fsm  *fsm
}

// Open starts (or resumes, if dataDir already holds a log) a Log for
// nodeID, storing its boltdb log/stable stores and file snapshots under
// dataDir.
func Open(nodeID, dataDir string) (*Log, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("controllerlog: create data dir: %w", err)
	}

	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(nodeID)

	fsm := newFSM()

	addr, transport := raft.NewInmemTransport(raft.ServerAddress(nodeID))

	snapshots, err := raft.NewFileSnapshotStore(dataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("controllerlog: snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(dataDir, "controllerlog-log.db"))
	if err != nil {
		return nil, fmt.Errorf("controllerlog: log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(dataDir, "controllerlog-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("controllerlog: stable store: %w", err)
	}

	r, err := raft.NewRaft(cfg, fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("controllerlog: new raft: %w", err)
	}

	future := r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: cfg.LocalID, Address: addr}},
	})
	// BootstrapCluster errors with raft.ErrCantBootstrap once the log
	// already has entries from a prior run — expected on resume, not a
	// failure.
	if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
		return nil, fmt.Errorf("controllerlog: bootstrap: %w", err)
	}

	return &Log{raft: r, fsm: fsm}, nil
}

// RecordJobTransition appends one job lifecycle transition to the log and
// blocks until it has been applied to the in-memory state.
func (l *Log) RecordJobTransition(jobID string, lifecycle, extended int) error {
	return l.apply(command{Kind: EntityJob, ID: jobID, Lifecycle: lifecycle, ExtendedState: extended, RecordedAt: time.Now()})
}

// RecordRequestTransition appends one request lifecycle transition,
// tagged with the job that submitted it.
func (l *Log) RecordRequestTransition(requestID string, jobID string, lifecycle, extended int) error {
	return l.apply(command{Kind: EntityRequest, ID: requestID, JobID: jobID, Lifecycle: lifecycle, ExtendedState: extended, RecordedAt: time.Now()})
}

func (l *Log) apply(cmd command) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("controllerlog: marshal command: %w", err)
	}
	future := l.raft.Apply(body, 5*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("controllerlog: apply: %w", err)
	}
	if applyErr, ok := future.Response().(error); ok && applyErr != nil {
		return fmt.Errorf("controllerlog: fsm apply: %w", applyErr)
	}
	return nil
}

// JobState returns the last recorded transition for jobID, and whether
// one has ever been recorded.
func (l *Log) JobState(jobID string) (Transition, bool) {
	l.fsm.mu.RLock()
	defer l.fsm.mu.RUnlock()
	t, ok := l.fsm.jobs[jobID]
	return t, ok
}

// RequestState returns the last recorded transition for requestID, and
// whether one has ever been recorded.
func (l *Log) RequestState(requestID string) (Transition, bool) {
	l.fsm.mu.RLock()
	defer l.fsm.mu.RUnlock()
	t, ok := l.fsm.requests[requestID]
	return t, ok
}

// InProgressJobs returns the IDs of every job whose last recorded
// transition has not reached a terminal lifecycle — what a restarted
// controller needs in order to decide which jobs to re-examine against
// MySQL.
func (l *Log) InProgressJobs(terminalLifecycle int) []string {
	l.fsm.mu.RLock()
	defer l.fsm.mu.RUnlock()

	var out []string
	for id, t := range l.fsm.jobs {
		if t.Lifecycle != terminalLifecycle {
			out = append(out, id)
		}
	}
	return out
}

// Close shuts down the underlying raft instance.
func (l *Log) Close() error {
	return l.raft.Shutdown().Error()
}
