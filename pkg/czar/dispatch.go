package czar

import (
	"context"
	"fmt"
	"net"

	"github.com/qserv/replica/pkg/wire"
)

// TaskSubmitPayload, ResultHeader, ResultPayload and ProtocolVersion are
// the query-plane wire types, owned by pkg/wire (C1) so both this
// package (C10, the client side) and pkg/taskrunner (C11, the server
// side) depend on them without depending on each other.
type TaskSubmitPayload = wire.TaskSubmitPayload
type ResultHeader = wire.ResultHeader
type ResultPayload = wire.ResultPayload

const ProtocolVersion = wire.ProtocolVersion

// AddrResolver maps a worker name to its task-service network address.
type AddrResolver func(worker string) (string, error)

// ResultSink consumes one task's result batches in order, as the merger
// (C12) implements. Accept returning an error aborts the dispatch for
// that task (stop-on-error, spec.md §4.12).
type ResultSink interface {
	Accept(task Task, batch ResultPayload) error
}

// Dispatcher sends one materialized Task to its worker and streams every
// reply batch to sink until Continues is false or an error terminates the
// exchange.
type Dispatcher interface {
	Dispatch(ctx context.Context, task Task, sink ResultSink) error
}

// netDispatcher is the concrete Dispatcher: one dialed connection per
// task, carrying a single KindTaskSubmit frame out and a sequence of
// KindTaskResult frames back. Unlike pkg/messenger's per-worker
// multiplexed connector (built for one-id-one-reply control requests),
// the query plane's result stream needs many replies per request, so it
// gets its own short-lived connection instead of reusing C2.
type netDispatcher struct {
	resolve AddrResolver
	nextID  func() uint64
}

// NewDispatcher returns a Dispatcher dialing addresses from resolve.
// nextID mints the task ids carried in TaskSubmitPayload/result frames.
func NewDispatcher(resolve AddrResolver, nextID func() uint64) Dispatcher {
	return &netDispatcher{resolve: resolve, nextID: nextID}
}

func (d *netDispatcher) Dispatch(ctx context.Context, task Task, sink ResultSink) error {
	addr, err := d.resolve(task.Worker)
	if err != nil {
		return fmt.Errorf("czar: resolve worker %s: %w", task.Worker, err)
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("czar: dial worker %s: %w", task.Worker, err)
	}
	defer conn.Close()

	id := d.nextID()
	body, err := wire.Encode(TaskSubmitPayload{
		ID:        id,
		Database:  task.Database,
		Chunk:     task.Chunk,
		SubChunks: task.SubChunks,
		SQL:       task.SQL,
	})
	if err != nil {
		return fmt.Errorf("czar: encode task: %w", err)
	}
	if err := wire.WriteFrame(conn, wire.Envelope{ID: id, Kind: wire.KindTaskSubmit, Body: body}); err != nil {
		return fmt.Errorf("czar: send task to %s: %w", task.Worker, err)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		env, err := wire.ReadFrame(conn)
		if err != nil {
			return fmt.Errorf("czar: read result from %s: %w", task.Worker, err)
		}
		if env.Kind != wire.KindTaskResult {
			return fmt.Errorf("czar: unexpected frame kind %s from %s", env.Kind, task.Worker)
		}
		var batch ResultPayload
		if err := wire.Decode(env.Body, &batch); err != nil {
			return fmt.Errorf("czar: decode result from %s: %w", task.Worker, err)
		}
		if batch.Err != "" {
			return fmt.Errorf("czar: worker %s: %s", task.Worker, batch.Err)
		}
		if err := sink.Accept(task, batch); err != nil {
			return err
		}
		if !batch.Header.Continues {
			return nil
		}
		// Backpressure handshake (spec.md §4.11 point 6): the task runner
		// waits for this confirmation before producing the next batch, so
		// a slow merger throttles a fast worker instead of it piling up
		// unread batches in the kernel socket buffer.
		ackBody, err := wire.Encode(wire.AckPayload{ID: id})
		if err != nil {
			return fmt.Errorf("czar: encode ack: %w", err)
		}
		if err := wire.WriteFrame(conn, wire.Envelope{ID: id, Kind: wire.KindTaskAck, Body: ackBody}); err != nil {
			return fmt.Errorf("czar: send ack to %s: %w", task.Worker, err)
		}
	}
}
