// Package wire implements the length-prefixed frame transport that every
// controller<->worker connection in the replica subsystem is built on
// (see ReplicationResponse / ReplicationRequest framing in the design).
//
// A frame on the wire is:
//
//	u32 length (network byte order) || gob-encoded Envelope
//
// gob gives us schema evolution for free: a newer peer can add optional
// fields to a request/response payload and an older peer decoding the
// same Envelope.Body simply ignores them. An unrecognized Kind is always
// a framing error; the peer must close the connection rather than guess.
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
)

// Kind discriminates the header categories carried over this framing:
// REPLICA (submit), REQUEST (status/stop), SERVICE (suspend/resume/...),
// RESPONSE (server->client), FILE (file-server), and the query-plane's
// TASK (czar->worker SQL task submission) / RESULT (worker->czar row
// batch, possibly one of several when continues is set) / ACK (czar's
// per-batch backpressure confirmation back to the task runner).
type Kind int32

const (
	KindUnknown Kind = iota
	KindReplicaSubmit
	KindRequestStatus
	KindRequestStop
	KindService
	KindResponse
	KindFile
	KindTaskSubmit
	KindTaskResult
	KindTaskAck
)

func (k Kind) String() string {
	switch k {
	case KindReplicaSubmit:
		return "REPLICA"
	case KindRequestStatus:
		return "REQUEST:STATUS"
	case KindRequestStop:
		return "REQUEST:STOP"
	case KindService:
		return "SERVICE"
	case KindResponse:
		return "RESPONSE"
	case KindFile:
		return "FILE"
	case KindTaskSubmit:
		return "TASK"
	case KindTaskResult:
		return "RESULT"
	case KindTaskAck:
		return "TASK:ACK"
	default:
		return "UNKNOWN"
	}
}

// MaxFrameSize guards against a corrupt/hostile length prefix causing an
// unbounded allocation. It is generous relative to common.request_buf_size_bytes.
const MaxFrameSize = 256 << 20 // 256MiB

var (
	// ErrUnknownKind is returned when decoding an Envelope whose Kind this
	// peer does not recognize. Per the framing invariant, the caller must
	// close the stream on this error rather than attempt to resync.
	ErrUnknownKind = errors.New("wire: unknown envelope kind")
	// ErrFrameTooLarge is returned when a length prefix exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")
)

// Envelope is the header+body pair carried by every frame. ID is the
// logical request id (globally unique for the life of the id); Kind
// discriminates the body's meaning.
type Envelope struct {
	ID   uint64
	Kind Kind
	Body []byte
}

// KnownKind reports whether k is one this build understands. Used at
// decode time to enforce the "unknown kind is a framing error" invariant.
func KnownKind(k Kind) bool {
	switch k {
	case KindReplicaSubmit, KindRequestStatus, KindRequestStop, KindService, KindResponse, KindFile, KindTaskSubmit, KindTaskResult, KindTaskAck:
		return true
	default:
		return false
	}
}

// WriteFrame writes env to w as a single length-prefixed frame. It either
// writes the whole frame or returns an error; partial frames are never
// left on the wire by this call (the length prefix is computed from a
// fully-buffered encode before anything is written).
func WriteFrame(w io.Writer, env Envelope) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return fmt.Errorf("wire: encode envelope: %w", err)
	}
	if buf.Len() > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(buf.Len()))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("wire: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads exactly one frame from r. A frame either arrives whole
// or this returns an error; no partial-frame state is ever handed back to
// the caller.
func ReadFrame(r io.Reader) (Envelope, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return Envelope{}, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > MaxFrameSize {
		return Envelope{}, ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Envelope{}, fmt.Errorf("wire: read frame body: %w", err)
	}
	var env Envelope
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("wire: decode envelope: %w", err)
	}
	if !KnownKind(env.Kind) {
		return Envelope{}, ErrUnknownKind
	}
	return env, nil
}

// Encode gob-encodes v into an Envelope body.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("wire: encode body: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode gob-decodes an Envelope body into v.
func Decode(body []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(v); err != nil {
		return fmt.Errorf("wire: decode body: %w", err)
	}
	return nil
}
