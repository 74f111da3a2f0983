package controllerrequest

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qserv/replica/pkg/messenger"
	"github.com/qserv/replica/pkg/wire"
	"github.com/qserv/replica/pkg/workerrequest"
)

// fakeWorker answers every frame with a scripted sequence of
// workerrequest.State values, one per connection round, simulating a
// worker that is QUEUED, then IN_PROGRESS, then SUCCEEDED across
// successive STATUS follow-ups.
type fakeWorker struct {
	mu       sync.Mutex
	states   []workerrequest.State
	callIdx  int
	gotKinds []wire.Kind
}

func (w *fakeWorker) nextState() workerrequest.State {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.callIdx >= len(w.states) {
		return w.states[len(w.states)-1]
	}
	s := w.states[w.callIdx]
	w.callIdx++
	return s
}

func startFakeWorker(t *testing.T, w *fakeWorker) (addr string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				for {
					env, err := wire.ReadFrame(conn)
					if err != nil {
						return
					}
					w.mu.Lock()
					w.gotKinds = append(w.gotKinds, env.Kind)
					w.mu.Unlock()

					state := w.nextState()
					replyBody, _ := wire.Encode(ReplyPayload{
						ID:    env.ID,
						State: state,
						Echo:  []byte("pong"),
					})
					if err := wire.WriteFrame(conn, wire.Envelope{ID: env.ID, Kind: wire.KindResponse, Body: replyBody}); err != nil {
						return
					}
				}
			}()
		}
	}()
	return ln.Addr().String()
}

func newExecutor(t *testing.T, addr string) *Executor {
	t.Helper()
	m := messenger.New(logrus.New(), 20*time.Millisecond)
	t.Cleanup(m.Stop)
	resolve := func(worker string) (string, error) { return addr, nil }
	return NewExecutor(m, nil, resolve, 30*time.Millisecond, logrus.New())
}

func TestSubmit_ImmediateSuccess(t *testing.T) {
	w := &fakeWorker{states: []workerrequest.State{workerrequest.StateSucceeded}}
	addr := startFakeWorker(t, w)
	exec := newExecutor(t, addr)

	req := &Request{ID: 1, Type: workerrequest.TypeEcho, Worker: "worker1", EchoData: []byte("ping")}
	done := make(chan struct{})
	err := exec.Submit(t.Context(), req, true, func(r *Request) { close(done) })
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	assert.Equal(t, LifecycleFinished, req.Lifecycle())
	assert.Equal(t, ExtSuccess, req.ExtendedState())
	assert.Equal(t, []byte("pong"), req.Echo)
	assert.False(t, req.Performance.CCreateTime.IsZero())
	assert.False(t, req.Performance.CFinishTime.IsZero())
}

func TestSubmit_QueuedThenSucceedsViaStatusFollowUp(t *testing.T) {
	w := &fakeWorker{states: []workerrequest.State{
		workerrequest.StateNone,
		workerrequest.StateInProgress,
		workerrequest.StateSucceeded,
	}}
	addr := startFakeWorker(t, w)
	exec := newExecutor(t, addr)

	req := &Request{ID: 7, Type: workerrequest.TypeEcho, Worker: "worker1"}
	done := make(chan struct{})
	err := exec.Submit(t.Context(), req, true, func(r *Request) { close(done) })
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for eventual success")
	}
	assert.Equal(t, ExtSuccess, req.ExtendedState())

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Contains(t, w.gotKinds, wire.KindRequestStatus)
}

func TestSubmit_ResolveFailureIsClientError(t *testing.T) {
	m := messenger.New(logrus.New(), time.Second)
	t.Cleanup(m.Stop)
	exec := NewExecutor(m, nil, func(string) (string, error) { return "", errors.New("resolve failed") }, time.Second, logrus.New())

	req := &Request{ID: 1, Type: workerrequest.TypeEcho, Worker: "worker1"}
	done := make(chan struct{})
	err := exec.Submit(t.Context(), req, false, func(r *Request) { close(done) })
	require.NoError(t, err)
	<-done
	assert.Equal(t, ExtClientError, req.ExtendedState())
}
