package health

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qserv/replica/pkg/controllerrequest"
	"github.com/qserv/replica/pkg/job"
	"github.com/qserv/replica/pkg/locker"
	"github.com/qserv/replica/pkg/messenger"
	"github.com/qserv/replica/pkg/replica"
	"github.com/qserv/replica/pkg/wire"
	"github.com/qserv/replica/pkg/workerrequest"
)

// startFakeWorker answers every submission with a terminal SUCCEEDED
// reply; echoFails makes every ECHO request go unanswered (simulating a
// dead worker) until it is flipped false.
type fakeWorker struct {
	mu        sync.Mutex
	echoFails bool
	replicas  map[string]map[uint32]replica.Info // database -> chunk -> info
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{replicas: make(map[string]map[uint32]replica.Info)}
}

func (w *fakeWorker) setEchoFails(v bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.echoFails = v
}

func (w *fakeWorker) listen(t *testing.T, name string) string {
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
					if env.Kind != wire.KindReplicaSubmit {
						continue
					}
					var p controllerrequest.SubmitPayload
					if err := wire.Decode(env.Body, &p); err != nil {
						return
					}

					w.mu.Lock()
					fails := w.echoFails
					w.mu.Unlock()
					if p.Type == workerrequest.TypeEcho && fails {
						continue // never reply: executor's own retry/timeout handling treats this as a failed probe
					}

					var reply controllerrequest.ReplyPayload
					reply.ID = env.ID
					reply.State = workerrequest.StateSucceeded

					switch p.Type {
					case workerrequest.TypeEcho:
						reply.Echo = p.EchoData
					case workerrequest.TypeFindAll:
						w.mu.Lock()
						var all []replica.Info
						for _, info := range w.replicas[p.Database] {
							all = append(all, info)
						}
						w.mu.Unlock()
						reply.AllReplicas = all
					case workerrequest.TypeReplicate:
						info := replica.Info{Worker: name, Database: p.Database, Chunk: p.Chunk, Status: replica.Complete}
						w.mu.Lock()
						if w.replicas[p.Database] == nil {
							w.replicas[p.Database] = make(map[uint32]replica.Info)
						}
						w.replicas[p.Database][p.Chunk] = info
						w.mu.Unlock()
						reply.Result = info
					case workerrequest.TypeDelete:
						w.mu.Lock()
						delete(w.replicas[p.Database], p.Chunk)
						w.mu.Unlock()
					}

					body, _ := wire.Encode(reply)
					if err := wire.WriteFrame(conn, wire.Envelope{ID: env.ID, Kind: wire.KindResponse, Body: body}); err != nil {
						return
					}
				}
			}()
		}
	}()
	return ln.Addr().String()
}

type fakeWorkerCatalog struct {
	mu       sync.Mutex
	enabled  []string
	disabled map[string]bool
}

func newFakeWorkerCatalog(names ...string) *fakeWorkerCatalog {
	return &fakeWorkerCatalog{enabled: append([]string(nil), names...), disabled: map[string]bool{}}
}

func (c *fakeWorkerCatalog) EnabledWorkers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, w := range c.enabled {
		if !c.disabled[w] {
			out = append(out, w)
		}
	}
	return out
}
func (c *fakeWorkerCatalog) DisableWorker(w string) { c.mu.Lock(); defer c.mu.Unlock(); c.disabled[w] = true }
func (c *fakeWorkerCatalog) RemoveWorker(w string)  { c.DisableWorker(w) }

type fakeFamilyCatalog struct {
	databases map[string][]string
	minLevel  int
}

func (c *fakeFamilyCatalog) DatabasesInFamily(family string) ([]string, error) {
	return c.databases[family], nil
}
func (c *fakeFamilyCatalog) MinReplicationLevel(string) int { return c.minLevel }

var _ job.WorkerCatalog = (*fakeWorkerCatalog)(nil)
var _ job.FamilyCatalog = (*fakeFamilyCatalog)(nil)

func TestLoop_ProbeAll_EvictsAfterConsecutiveEchoFailures(t *testing.T) {
	w1 := newFakeWorker()
	addr1 := w1.listen(t, "w1")
	w2 := newFakeWorker()
	addr2 := w2.listen(t, "w2")

	resolve := controllerrequest.AddrResolver(func(worker string) (string, error) {
		switch worker {
		case "w1":
			return addr1, nil
		case "w2":
			return addr2, nil
		}
		return "", assertUnknownWorker(worker)
	})

	m := messenger.New(logrus.New(), 5*time.Millisecond)
	t.Cleanup(m.Stop)
	exec := controllerrequest.NewExecutor(m, nil, resolve, 10*time.Millisecond, logrus.New())

	workers := newFakeWorkerCatalog("w1", "w2")
	families := &fakeFamilyCatalog{databases: map[string][]string{"rr": {"db1"}}, minLevel: 2}

	w1.setEchoFails(true)

	var evicted []string
	var mu sync.Mutex
	onEvict := func(worker string) {
		mu.Lock()
		defer mu.Unlock()
		evicted = append(evicted, worker)
	}

	loop := New(Config{EchoInterval: time.Hour, ActInterval: time.Hour}, exec, nil, locker.New(), workers, families, nil, onEvict, nil, logrus.New())

	ctx := t.Context()
	for i := 0; i < maxConsecutiveEchoFailures; i++ {
		loop.probeAll(ctx)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"w1"}, evicted)
}

func TestLoop_ProbeAll_ResetsFailureCountOnSuccess(t *testing.T) {
	w1 := newFakeWorker()
	addr1 := w1.listen(t, "w1")

	resolve := controllerrequest.AddrResolver(func(string) (string, error) { return addr1, nil })
	m := messenger.New(logrus.New(), 5*time.Millisecond)
	t.Cleanup(m.Stop)
	exec := controllerrequest.NewExecutor(m, nil, resolve, 10*time.Millisecond, logrus.New())

	workers := newFakeWorkerCatalog("w1")
	families := &fakeFamilyCatalog{minLevel: 2}

	var evicted int
	loop := New(Config{EchoInterval: time.Hour, ActInterval: time.Hour}, exec, nil, locker.New(), workers, families, nil, func(string) { evicted++ }, nil, logrus.New())

	w1.setEchoFails(true)
	loop.probeAll(t.Context())
	w1.setEchoFails(false)
	loop.probeAll(t.Context())
	loop.probeAll(t.Context())

	assert.Equal(t, 0, evicted)
}

func TestLoop_ActAll_BringsUnderReplicatedChunkToTargetLevel(t *testing.T) {
	w1 := newFakeWorker()
	addr1 := w1.listen(t, "w1")
	w2 := newFakeWorker()
	addr2 := w2.listen(t, "w2")

	w1.replicas["db1"] = map[uint32]replica.Info{
		7: {Worker: "w1", Database: "db1", Chunk: 7, Status: replica.Complete},
	}

	resolve := controllerrequest.AddrResolver(func(worker string) (string, error) {
		switch worker {
		case "w1":
			return addr1, nil
		case "w2":
			return addr2, nil
		}
		return "", assertUnknownWorker(worker)
	})

	m := messenger.New(logrus.New(), 5*time.Millisecond)
	t.Cleanup(m.Stop)
	exec := controllerrequest.NewExecutor(m, nil, resolve, 10*time.Millisecond, logrus.New())

	workers := newFakeWorkerCatalog("w1", "w2")
	families := &fakeFamilyCatalog{databases: map[string][]string{"rr": {"db1"}}, minLevel: 2}

	loop := New(Config{EchoInterval: time.Hour, ActInterval: time.Hour, Families: []string{"rr"}}, exec, nil, locker.New(), workers, families, nil, nil, nil, logrus.New())
	loop.actAll(t.Context())

	_, onW2 := w2.replicas["db1"][7]
	assert.True(t, onW2, "expected chunk 7 replicated onto w2 to reach the family's minimum level")
}

func assertUnknownWorker(worker string) error {
	return &unknownWorkerErr{worker}
}

type unknownWorkerErr struct{ worker string }

func (e *unknownWorkerErr) Error() string { return "health: unknown worker " + e.worker }
