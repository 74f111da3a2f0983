package wire

import "time"

// RequestType enumerates the worker request kinds from the data model:
// REPLICATE, DELETE, FIND, FIND_ALL, ECHO and the management variants.
type RequestType int32

const (
	RequestUnknown RequestType = iota
	RequestReplicate
	RequestDelete
	RequestFind
	RequestFindAll
	RequestEcho
	RequestStatus
	RequestStop
	RequestServiceSuspend
	RequestServiceResume
	RequestServiceStatus
	RequestServiceRequests
	RequestServiceDrain
)

func (t RequestType) String() string {
	switch t {
	case RequestReplicate:
		return "REPLICATE"
	case RequestDelete:
		return "DELETE"
	case RequestFind:
		return "FIND"
	case RequestFindAll:
		return "FIND_ALL"
	case RequestEcho:
		return "ECHO"
	case RequestStatus:
		return "STATUS"
	case RequestStop:
		return "STOP"
	case RequestServiceSuspend:
		return "SERVICE:SUSPEND"
	case RequestServiceResume:
		return "SERVICE:RESUME"
	case RequestServiceStatus:
		return "SERVICE:STATUS"
	case RequestServiceRequests:
		return "SERVICE:REQUESTS"
	case RequestServiceDrain:
		return "SERVICE:DRAIN"
	default:
		return "UNKNOWN"
	}
}

// Status is the server-reported status of a replication response, exactly
// per the external interfaces section of the specification.
type Status int32

const (
	StatusNone Status = iota
	StatusSuccess
	StatusQueued
	StatusInProgress
	StatusIsCancelling
	StatusBad
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusQueued:
		return "QUEUED"
	case StatusInProgress:
		return "IN_PROGRESS"
	case StatusIsCancelling:
		return "IS_CANCELLING"
	case StatusBad:
		return "BAD"
	case StatusFailed:
		return "FAILED"
	case StatusCancelled:
		return "CANCELLED"
	default:
		return "NONE"
	}
}

// ExtendedStatus refines a Status with more detail, notably DUPLICATE for
// the duplicate-id collision case; the controllerrequest Executor does not
// act on DUPLICATE.
type ExtendedStatus int32

const (
	ExtendedNone ExtendedStatus = iota
	ExtendedSuccess
	ExtendedDuplicate
	ExtendedInvalidParam
	ExtendedFileNotFound
	ExtendedFolderStat
	ExtendedNoFolder
	ExtendedFileStat
	ExtendedFileSize
	ExtendedFileMtime
	ExtendedFileRead
	ExtendedFileCreate
	ExtendedFileRename
	ExtendedFileDelete
	ExtendedFileCopy
)

// FileInfo describes a single chunk file as tracked by the replica
// descriptor store.
type FileInfo struct {
	Name              string
	Size              uint64
	MTime             time.Time
	CS                string // checksum
	BeginTransferTime time.Time
	EndTransferTime   time.Time
	InSize            uint64 // size as observed mid-transfer, for progress reporting
}

// ReplicaStatus is the completeness classification of a replica.
type ReplicaStatus int32

const (
	ReplicaNotFound ReplicaStatus = iota
	ReplicaCorrupt
	ReplicaIncomplete
	ReplicaComplete
)

func (s ReplicaStatus) String() string {
	switch s {
	case ReplicaCorrupt:
		return "CORRUPT"
	case ReplicaIncomplete:
		return "INCOMPLETE"
	case ReplicaComplete:
		return "COMPLETE"
	default:
		return "NOT_FOUND"
	}
}

// ReplicaInfo is the payload reported by REPLICATE/DELETE/FIND/FIND_ALL.
type ReplicaInfo struct {
	Worker   string
	Database string
	Chunk    uint32
	Status   ReplicaStatus
	Verified time.Time
	Files    []FileInfo
}

// Performance carries the six timestamps tracked on every controller
// request, matching the data model's Request entity.
type Performance struct {
	CCreateTime  time.Time
	CStartTime   time.Time
	WReceiveTime time.Time
	WStartTime   time.Time
	WFinishTime  time.Time
	CFinishTime  time.Time
}

// Response is the generic server->client reply shape: a status, extended
// status, performance counters, and a typed payload. Exactly one of the
// payload fields is populated depending on the originating request type.
type Response struct {
	Status         Status
	Extended       ExtendedStatus
	Message        string
	Performance    Performance
	Replica        *ReplicaInfo
	Replicas       []ReplicaInfo
	EchoData       []byte
	ServiceRunning bool
}

// FileRequest/FileResponse are the C6 file-server protocol messages.
type FileRequest struct {
	Database string
	File     string
}

type FileResponse struct {
	Available bool
	Size      uint64
}

// TaskSubmitPayload is the gob body of a KindTaskSubmit frame: one
// materialized per-chunk query (czar's C10) addressed to the worker that
// owns Chunk, handed to the worker's task runner (C11) for execution.
type TaskSubmitPayload struct {
	ID        uint64
	Database  string
	Chunk     uint32
	SubChunks []uint32
	SQL       string
}

// ResultHeader is the header spec.md §4.11 point 3 describes: protocol
// version, batch size/checksum, the reporting worker's name, and whether
// this is a "large result" needing more than one batch.
type ResultHeader struct {
	Protocol    int
	Size        int
	MD5         string
	Worker      string
	LargeResult bool
	Continues   bool
}

// ProtocolVersion is the only result-wire protocol version this build
// speaks; the merger (C12) rejects anything else per spec.md §4.12.
const ProtocolVersion = 2

// ResultPayload is the gob body of a KindTaskResult frame: one row batch.
// Rows holds one []any per row, column order matching the originating
// query's SELECT list.
type ResultPayload struct {
	Header ResultHeader
	Rows   [][]any
	Err    string // non-empty means the task failed; Rows is empty
}

// AckPayload is the gob body of a KindTaskAck frame: the czar-side
// dispatcher's "waitForDoneWithThis()" backpressure confirmation (spec.md
// §4.11 point 6) that it consumed one Continues=true batch and the task
// runner may produce the next one.
type AckPayload struct {
	ID uint64
}

// ServicePayload is the gob body of a KindService frame: one of the
// service-level management ops spec.md §4.5 lists alongside the per-
// request types (SUSPEND/RESUME/STATUS/REQUESTS/DRAIN). Op must be one
// of RequestServiceSuspend, RequestServiceResume, RequestServiceStatus,
// RequestServiceRequests or RequestServiceDrain.
type ServicePayload struct {
	Op RequestType
}
