package workerservice

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qserv/replica/pkg/controllerrequest"
	"github.com/qserv/replica/pkg/wire"
	"github.com/qserv/replica/pkg/workerrequest"
)

func startServer(t *testing.T, engine *workerrequest.Engine) net.Conn {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	srv := New(engine, logrus.New())
	ctx, cancel := context.WithCancel(t.Context())
	t.Cleanup(cancel)
	go func() { _ = srv.Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn net.Conn, id uint64, kind wire.Kind, payload any) wire.Envelope {
	t.Helper()
	body, err := wire.Encode(payload)
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(conn, wire.Envelope{ID: id, Kind: kind, Body: body}))
	env, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	return env
}

func TestServer_Submit_RepliesWithoutProcessing(t *testing.T) {
	// Start is never called, so nothing dequeues: the reply reflects the
	// request exactly as Submit left it.
	engine := workerrequest.New(workerrequest.Config{WorkerName: "w1", DataDir: t.TempDir(), NumThreads: 1}, logrus.New(), nil, nil)
	conn := startServer(t, engine)

	env := roundTrip(t, conn, 1, wire.KindReplicaSubmit, controllerrequest.SubmitPayload{
		ID: 1, Type: workerrequest.TypeEcho, EchoData: []byte("hello"),
	})
	require.Equal(t, wire.KindResponse, env.Kind)

	var reply controllerrequest.ReplyPayload
	require.NoError(t, wire.Decode(env.Body, &reply))
	assert.Equal(t, uint64(1), reply.ID)
	assert.Empty(t, reply.Err)
}

func TestServer_StatusAndStop(t *testing.T) {
	engine := workerrequest.New(workerrequest.Config{WorkerName: "w1", DataDir: t.TempDir(), NumThreads: 2}, logrus.New(), nil, nil)
	engine.Start(t.Context())
	t.Cleanup(engine.Stop)
	conn := startServer(t, engine)

	roundTrip(t, conn, 1, wire.KindReplicaSubmit, controllerrequest.SubmitPayload{ID: 1, Type: workerrequest.TypeEcho, EchoData: []byte("x")})

	deadline := time.After(2 * time.Second)
	for {
		env := roundTrip(t, conn, 2, wire.KindRequestStatus, controllerrequest.StatusPayload{ID: 1})
		var reply controllerrequest.ReplyPayload
		require.NoError(t, wire.Decode(env.Body, &reply))
		if reply.State == workerrequest.StateSucceeded {
			assert.Equal(t, []byte("x"), reply.Echo)
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for ECHO to finish")
		default:
		}
	}

	env := roundTrip(t, conn, 3, wire.KindRequestStop, controllerrequest.StopPayload{ID: 999})
	var reply controllerrequest.ReplyPayload
	require.NoError(t, wire.Decode(env.Body, &reply))
	assert.NotEmpty(t, reply.Err)
}

func TestServer_ServiceSuspendResume(t *testing.T) {
	engine := workerrequest.New(workerrequest.Config{WorkerName: "w1", DataDir: t.TempDir(), NumThreads: 1}, logrus.New(), nil, nil)
	conn := startServer(t, engine)

	env := roundTrip(t, conn, 1, wire.KindService, wire.ServicePayload{Op: wire.RequestServiceSuspend})
	var resp wire.Response
	require.NoError(t, wire.Decode(env.Body, &resp))
	assert.Equal(t, wire.StatusSuccess, resp.Status)
	assert.True(t, engine.IsSuspended())

	env = roundTrip(t, conn, 2, wire.KindReplicaSubmit, controllerrequest.SubmitPayload{ID: 1, Type: workerrequest.TypeEcho})
	var reply controllerrequest.ReplyPayload
	require.NoError(t, wire.Decode(env.Body, &reply))
	assert.Contains(t, reply.Err, "suspended")

	env = roundTrip(t, conn, 3, wire.KindService, wire.ServicePayload{Op: wire.RequestServiceResume})
	require.NoError(t, wire.Decode(env.Body, &resp))
	assert.False(t, engine.IsSuspended())

	env = roundTrip(t, conn, 4, wire.KindService, wire.ServicePayload{Op: wire.RequestServiceStatus})
	require.NoError(t, wire.Decode(env.Body, &resp))
	assert.True(t, resp.ServiceRunning)
}
