package taskrunner

import (
	"net"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qserv/replica/pkg/wire"
)

func TestExpandSubChunks(t *testing.T) {
	assert.Equal(t, []string{"SELECT * FROM T"}, expandSubChunks("SELECT * FROM T", nil))
	assert.Equal(t, []string{"SELECT * FROM T_3", "SELECT * FROM T_7"},
		expandSubChunks("SELECT * FROM T_%S", []uint32{3, 7}))
}

func TestResourceManager_AcquireRelease(t *testing.T) {
	rm := NewResourceManager()
	assert.Equal(t, int32(0), rm.InUse("db/1"))

	release1 := rm.Acquire("db/1")
	release2 := rm.Acquire("db/1")
	assert.Equal(t, int32(2), rm.InUse("db/1"))

	release1()
	assert.Equal(t, int32(1), rm.InUse("db/1"))

	release2()
	assert.Equal(t, int32(0), rm.InUse("db/1"))
}

func TestCancelOutcome_String(t *testing.T) {
	assert.Equal(t, "nop", CancelNop.String())
	assert.Equal(t, "success", CancelSuccess.String())
	assert.Equal(t, "error connecting to kill", CancelErrorConnecting.String())
	assert.Equal(t, "error processing kill", CancelErrorProcessing.String())
}

func TestRunner_Cancel_NopWhenTaskUnknown(t *testing.T) {
	r := New(Config{WorkerName: "w1"}, nil, logrus.New())
	assert.Equal(t, CancelNop, r.Cancel(t.Context(), 999))
}

// clientServerPipe returns two net.Conn ends of an in-memory pipe, used
// to exercise Runner's framed writes without a real socket or MySQL.
func clientServerPipe() (net.Conn, net.Conn) {
	return net.Pipe()
}

func TestRunner_SendBatch_RoundTrip(t *testing.T) {
	r := New(Config{WorkerName: "w7"}, nil, logrus.New())
	serverSide, clientSide := clientServerPipe()
	defer serverSide.Close()
	defer clientSide.Close()

	rows := [][]any{{"a", int64(1)}, {"b", int64(2)}}
	done := make(chan error, 1)
	go func() { done <- r.sendBatch(serverSide, 42, rows, true, 0) }()

	env, err := wire.ReadFrame(clientSide)
	require.NoError(t, err)
	require.Equal(t, wire.KindTaskResult, env.Kind)
	require.Equal(t, uint64(42), env.ID)

	var payload wire.ResultPayload
	require.NoError(t, wire.Decode(env.Body, &payload))
	assert.Equal(t, wire.ProtocolVersion, payload.Header.Protocol)
	assert.Equal(t, "w7", payload.Header.Worker)
	assert.True(t, payload.Header.Continues)
	assert.True(t, payload.Header.LargeResult)
	assert.Equal(t, rows, payload.Rows)
	assert.NotEmpty(t, payload.Header.MD5)
	assert.Greater(t, payload.Header.Size, 0)

	require.NoError(t, <-done)
}

func TestRunner_SendFailure(t *testing.T) {
	r := New(Config{WorkerName: "w1"}, nil, logrus.New())
	serverSide, clientSide := clientServerPipe()
	defer serverSide.Close()
	defer clientSide.Close()

	go func() { _ = r.sendFailure(serverSide, 1, ErrRowExceedsHardLimit) }()

	env, err := wire.ReadFrame(clientSide)
	require.NoError(t, err)
	var payload wire.ResultPayload
	require.NoError(t, wire.Decode(env.Body, &payload))
	assert.Contains(t, payload.Err, "exceeds hard")
}

func TestRunner_WaitAck(t *testing.T) {
	r := New(Config{WorkerName: "w1"}, nil, logrus.New())
	serverSide, clientSide := clientServerPipe()
	defer serverSide.Close()
	defer clientSide.Close()

	go func() {
		body, _ := wire.Encode(wire.AckPayload{ID: 5})
		_ = wire.WriteFrame(clientSide, wire.Envelope{ID: 5, Kind: wire.KindTaskAck, Body: body})
	}()
	require.NoError(t, r.waitAck(serverSide, 5))
}

func TestRunner_WaitAck_WrongID(t *testing.T) {
	r := New(Config{WorkerName: "w1"}, nil, logrus.New())
	serverSide, clientSide := clientServerPipe()
	defer serverSide.Close()
	defer clientSide.Close()

	go func() {
		body, _ := wire.Encode(wire.AckPayload{ID: 6})
		_ = wire.WriteFrame(clientSide, wire.Envelope{ID: 6, Kind: wire.KindTaskAck, Body: body})
	}()
	err := r.waitAck(serverSide, 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want 5")
}
