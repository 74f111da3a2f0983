// Package workerrequest is the worker request engine (C5): the three
// queues, the fixed processing-thread pool, and the per-request state
// machine that execute REPLICATE/DELETE/FIND/FIND_ALL/ECHO operations
// against a worker's local data directory.
package workerrequest

import (
	"fmt"
	"time"

	"github.com/qserv/replica/pkg/replica"
)

// Type discriminates the operations the engine executes. Management
// variants (STATUS/STOP) are not queued requests of their own; they act
// on an existing request's id via Engine.Status/Engine.Cancel.
type Type int

const (
	TypeUnknown Type = iota
	TypeReplicate
	TypeDelete
	TypeFind
	TypeFindAll
	TypeEcho
)

func (t Type) String() string {
	switch t {
	case TypeReplicate:
		return "REPLICATE"
	case TypeDelete:
		return "DELETE"
	case TypeFind:
		return "FIND"
	case TypeFindAll:
		return "FIND_ALL"
	case TypeEcho:
		return "ECHO"
	default:
		return "UNKNOWN"
	}
}

// State is a request's position in the NONE -> IN_PROGRESS ->
// {SUCCEEDED|FAILED|CANCELLED} machine, with IS_CANCELLING as the
// intermediate entered from IN_PROGRESS when a STOP arrives mid-execution.
type State int

const (
	StateNone State = iota
	StateInProgress
	StateIsCancelling
	StateSucceeded
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateInProgress:
		return "IN_PROGRESS"
	case StateIsCancelling:
		return "IS_CANCELLING"
	case StateSucceeded:
		return "SUCCEEDED"
	case StateFailed:
		return "FAILED"
	case StateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Request is one queued or completed unit of work. The exported fields
// are the operation's inputs; Result/Echo/AllReplicas/Err are populated once
// the engine has run it.
type Request struct {
	ID       uint64
	Type     Type
	Priority int

	Database        string
	Chunk           uint32
	SourceWorker    string
	ComputeChecksum bool
	EchoData        []byte

	QueuedTime  time.Time
	StartTime   time.Time
	FinishTime  time.Time

	Result      replica.Info
	AllReplicas []replica.Info
	Echo        []byte
	Err         error

	state             State
	seq               uint64 // heap tiebreaker; assigned at enqueue time, FIFO within a priority
	rollbackRequested bool
}

// State reports the request's current lifecycle state.
func (r *Request) State() State {
	return r.state
}

// FSErrorCode classifies a filesystem failure per spec.md's taxonomy.
type FSErrorCode int

const (
	FSUnknown FSErrorCode = iota
	FSFolderStat
	FSNoFolder
	FSFileStat
	FSFileSize
	FSFileMtime
	FSFileRead
	FSFileCreate
	FSFileRename
	FSFileDelete
	FSFileCopy
)

func (c FSErrorCode) String() string {
	switch c {
	case FSFolderStat:
		return "FOLDER_STAT"
	case FSNoFolder:
		return "NO_FOLDER"
	case FSFileStat:
		return "FILE_STAT"
	case FSFileSize:
		return "FILE_SIZE"
	case FSFileMtime:
		return "FILE_MTIME"
	case FSFileRead:
		return "FILE_READ"
	case FSFileCreate:
		return "FILE_CREATE"
	case FSFileRename:
		return "FILE_RENAME"
	case FSFileDelete:
		return "FILE_DELETE"
	case FSFileCopy:
		return "FILE_COPY"
	default:
		return "UNKNOWN"
	}
}

// FSError wraps a filesystem failure with the path that triggered it and
// spec.md's classification code, so callers can errors.As into it rather
// than string-matching a message.
type FSError struct {
	Code FSErrorCode
	Path string
	Err  error
}

func (e *FSError) Error() string {
	return fmt.Sprintf("workerrequest: %s: %s: %v", e.Code, e.Path, e.Err)
}

func (e *FSError) Unwrap() error { return e.Err }

func fsErr(code FSErrorCode, path string, err error) error {
	return &FSError{Code: code, Path: path, Err: err}
}
