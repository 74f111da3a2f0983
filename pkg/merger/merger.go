// Package merger is the czar-side result merger (C12): it implements
// pkg/czar's ResultSink, validating each incoming batch's protocol
// version and payload checksum, accumulating Continues-delimited batches
// per task, and enforcing a per-query row/byte bound with stop-on-error
// semantics, per spec.md §4.12.
package merger

import (
	"crypto/md5" //nolint:gosec // integrity check against transport corruption, not a security boundary
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/qserv/replica/pkg/czar"
	"github.com/qserv/replica/pkg/wire"
)

// ErrProtocolMismatch is returned for any batch not speaking
// wire.ProtocolVersion.
var ErrProtocolMismatch = errors.New("merger: unsupported result protocol version")

// ErrChecksumMismatch is returned when a batch's recomputed MD5 does not
// match the header's MD5.
var ErrChecksumMismatch = errors.New("merger: payload checksum mismatch")

// ErrRowLimitExceeded / ErrByteLimitExceeded bound one merged query's
// total accumulated size.
var (
	ErrRowLimitExceeded  = errors.New("merger: row limit exceeded")
	ErrByteLimitExceeded = errors.New("merger: byte limit exceeded")
)

// Config bounds one Merger's accumulation. Zero means unbounded.
type Config struct {
	MaxRows  int
	MaxBytes int
}

// Merger accumulates every chunk task's result batches for one query into
// a single row stream. It is safe for concurrent Accept calls, matching
// Session.Run's fan-out-over-errgroup dispatch of many tasks at once.
type Merger struct {
	cfg Config

	mu         sync.Mutex
	rows       [][]any
	totalBytes int
	failed     error
}

// New returns an empty Merger for one query.
func New(cfg Config) *Merger {
	return &Merger{cfg: cfg}
}

// Accept implements czar.ResultSink. Once a batch fails validation (or a
// task itself reports Err), every subsequent Accept call for this Merger
// returns the same error immediately (stop-on-error, spec.md §4.12) — a
// concurrently dispatching Session observes the error via g.Wait() and
// aborts the other in-flight tasks through the shared errgroup context.
func (m *Merger) Accept(_ czar.Task, batch czar.ResultPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failed != nil {
		return m.failed
	}
	if err := m.acceptLocked(batch); err != nil {
		m.failed = err
		return err
	}
	return nil
}

func (m *Merger) acceptLocked(batch czar.ResultPayload) error {
	if batch.Err != "" {
		return fmt.Errorf("merger: worker %s reported: %s", batch.Header.Worker, batch.Err)
	}
	if batch.Header.Protocol != wire.ProtocolVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrProtocolMismatch, batch.Header.Protocol, wire.ProtocolVersion)
	}

	body, err := wire.Encode(batch.Rows)
	if err != nil {
		return fmt.Errorf("merger: encode rows for validation: %w", err)
	}
	sum := md5.Sum(body) //nolint:gosec
	if hex.EncodeToString(sum[:]) != batch.Header.MD5 {
		return ErrChecksumMismatch
	}
	if batch.Header.Size != 0 && batch.Header.Size != len(body) {
		return fmt.Errorf("merger: declared size %d does not match payload %d bytes", batch.Header.Size, len(body))
	}

	newTotalBytes := m.totalBytes + len(body)
	if m.cfg.MaxBytes > 0 && newTotalBytes > m.cfg.MaxBytes {
		return ErrByteLimitExceeded
	}
	newRowCount := len(m.rows) + len(batch.Rows)
	if m.cfg.MaxRows > 0 && newRowCount > m.cfg.MaxRows {
		return ErrRowLimitExceeded
	}

	m.totalBytes = newTotalBytes
	m.rows = append(m.rows, batch.Rows...)
	return nil
}

// Rows returns every row merged so far, in the order batches were
// accepted (within one task, Continues order; across tasks, arrival
// order — spec.md §5's "no ordering across tasks").
func (m *Merger) Rows() [][]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]any, len(m.rows))
	copy(out, m.rows)
	return out
}

// Err returns the first validation/limit error encountered, or nil.
func (m *Merger) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failed
}
