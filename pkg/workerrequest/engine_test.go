package workerrequest

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qserv/replica/pkg/replica"
	"github.com/qserv/replica/pkg/table"
)

// stubTables returns a fixed single-table schema for every database,
// used so tests never need a live information_schema connection.
func stubTables(tables ...*table.TableInfo) TableLookup {
	return func(ctx context.Context, database string) ([]*table.TableInfo, error) {
		return tables, nil
	}
}

// stubSource serves fixed file contents in place of a real file server,
// used to exercise REPLICATE without a network round trip.
type stubSource struct {
	contents map[string][]byte
}

func (s *stubSource) FetchFile(ctx context.Context, worker, database, file string, w io.Writer) (int64, error) {
	data, ok := s.contents[file]
	if !ok {
		return 0, os.ErrNotExist
	}
	n, err := w.Write(data)
	return int64(n), err
}

func newTestEngine(t *testing.T, source FileSource) (*Engine, string) {
	t.Helper()
	dir := t.TempDir()
	obj := &table.TableInfo{TableName: "Object", Partitioned: true}
	e := New(Config{WorkerName: "worker1", DataDir: dir, NumThreads: 2}, logrus.New(), stubTables(obj), source)
	e.Start(t.Context())
	t.Cleanup(e.Stop)
	return e, dir
}

func submitAndWait(t *testing.T, e *Engine, req *Request) *Request {
	t.Helper()
	e.Submit(req)
	deadline := time.After(2 * time.Second)
	for {
		r, err := e.Status(req.ID)
		require.NoError(t, err)
		switch r.State() {
		case StateSucceeded, StateFailed, StateCancelled:
			return r
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for request to finish")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestEcho(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	req := &Request{ID: 1, Type: TypeEcho, EchoData: []byte("ping")}
	r := submitAndWait(t, e, req)
	assert.Equal(t, StateSucceeded, r.State())
	assert.Equal(t, []byte("ping"), r.Echo)
}

func TestFind_NotFound(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	req := &Request{ID: 1, Type: TypeFind, Database: "db1", Chunk: 7}
	r := submitAndWait(t, e, req)
	require.Equal(t, StateSucceeded, r.State())
	assert.Equal(t, replica.NotFound, r.Result.Status)
}

func TestReplicateThenFind_RoundTrip(t *testing.T) {
	source := &stubSource{contents: map[string][]byte{
		"Object_7.frm": []byte("frm"),
		"Object_7.MYD": []byte("data"),
		"Object_7.MYI": []byte("index"),
	}}
	e, dir := newTestEngine(t, source)

	replicateReq := &Request{ID: 1, Type: TypeReplicate, Database: "db1", Chunk: 7, SourceWorker: "worker2"}
	r := submitAndWait(t, e, replicateReq)
	require.Equal(t, StateSucceeded, r.State(), "%v", r.Err)
	assert.Equal(t, replica.Complete, r.Result.Status)
	assert.Len(t, r.Result.Files, 3)

	data, err := os.ReadFile(filepath.Join(dir, "db1", "Object_7.MYD"))
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), data)

	findReq := &Request{ID: 2, Type: TypeFind, Database: "db1", Chunk: 7, ComputeChecksum: true}
	r2 := submitAndWait(t, e, findReq)
	require.Equal(t, StateSucceeded, r2.State())
	assert.Equal(t, replica.Complete, r2.Result.Status)
	for _, f := range r2.Result.Files {
		assert.NotZero(t, f.Checksum)
	}
}

func TestReplicate_MissingSourceFileFails(t *testing.T) {
	source := &stubSource{contents: map[string][]byte{"Object_7.frm": []byte("frm")}}
	e, _ := newTestEngine(t, source)

	req := &Request{ID: 1, Type: TypeReplicate, Database: "db1", Chunk: 7, SourceWorker: "worker2"}
	r := submitAndWait(t, e, req)
	assert.Equal(t, StateFailed, r.State())
	require.Error(t, r.Err)
}

func TestDelete_ToleratesAbsentFiles(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	req := &Request{ID: 1, Type: TypeDelete, Database: "db1", Chunk: 7}
	r := submitAndWait(t, e, req)
	require.Equal(t, StateSucceeded, r.State())
	assert.Equal(t, replica.NotFound, r.Result.Status)
}

func TestFindAll_GroupsByChunk(t *testing.T) {
	e, dir := newTestEngine(t, nil)
	dbDir := filepath.Join(dir, "db1")
	require.NoError(t, os.MkdirAll(dbDir, 0o755))
	for _, name := range []string{"Object_1.frm", "Object_1.MYD", "Object_1.MYI", "Object_2.frm"} {
		require.NoError(t, os.WriteFile(filepath.Join(dbDir, name), []byte("x"), 0o644))
	}

	req := &Request{ID: 1, Type: TypeFindAll, Database: "db1"}
	r := submitAndWait(t, e, req)
	require.Equal(t, StateSucceeded, r.State())
	require.Len(t, r.AllReplicas, 2)

	byChunk := make(map[uint32]replica.Status)
	for _, info := range r.AllReplicas {
		byChunk[info.Chunk] = info.Status
	}
	assert.Equal(t, replica.Complete, byChunk[1])
	assert.Equal(t, replica.Incomplete, byChunk[2])
}

func TestCancel_QueuedRequest(t *testing.T) {
	e := New(Config{WorkerName: "worker1", DataDir: t.TempDir(), NumThreads: 0}, logrus.New(), stubTables(), nil)
	// NumThreads 0 -> defaults to 4 via withDefaults, but we never Start
	// the engine so nothing drains the queue; this isolates Cancel's
	// queued-request path from the in-progress path.
	req := &Request{ID: 1, Type: TypeEcho, EchoData: []byte("x")}
	e.Submit(req)

	require.NoError(t, e.Cancel(1))
	r, err := e.Status(1)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, r.State())
}

func TestStatus_UnknownID(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	_, err := e.Status(999)
	assert.ErrorIs(t, err, ErrUnknownRequest)
}

func TestSuspend_RejectsNewSubmits(t *testing.T) {
	e := New(Config{WorkerName: "worker1", DataDir: t.TempDir(), NumThreads: 0}, logrus.New(), stubTables(), nil)
	assert.False(t, e.IsSuspended())

	e.Suspend()
	assert.True(t, e.IsSuspended())
	err := e.Submit(&Request{ID: 1, Type: TypeEcho})
	assert.ErrorIs(t, err, ErrSuspended)

	e.Resume()
	assert.False(t, e.IsSuspended())
	assert.NoError(t, e.Submit(&Request{ID: 2, Type: TypeEcho}))
}

func TestDrain_SuspendsAndRollsBackInProgress(t *testing.T) {
	e := New(Config{WorkerName: "worker1", DataDir: t.TempDir(), NumThreads: 0}, logrus.New(), stubTables(), nil)
	req := &Request{ID: 1, Type: TypeEcho}
	require.NoError(t, e.Submit(req))

	// Simulate a processing thread having picked it up.
	require.NotNil(t, e.popNext())

	e.Drain()
	assert.True(t, e.IsSuspended())
	assert.ErrorIs(t, e.Submit(&Request{ID: 2, Type: TypeEcho}), ErrSuspended)
}

func TestRequestsList_IncludesQueuedAndFinished(t *testing.T) {
	e := New(Config{WorkerName: "worker1", DataDir: t.TempDir(), NumThreads: 0}, logrus.New(), stubTables(), nil)
	require.NoError(t, e.Submit(&Request{ID: 1, Type: TypeEcho}))
	require.NoError(t, e.Cancel(1))
	require.NoError(t, e.Submit(&Request{ID: 2, Type: TypeEcho}))

	ids := make(map[uint64]bool)
	for _, r := range e.RequestsList() {
		ids[r.ID] = true
	}
	assert.True(t, ids[1])
	assert.True(t, ids[2])
}
