// Package messenger is the multiplexed per-worker connector (C2): one
// long-lived connection per worker, serializing outbound requests and
// matching inbound replies by id. Its connector state machine and
// reconnect loop are modeled on dbconn.AcquireControllerLock's shape: a
// background goroutine selecting on ctx.Done()/a ticker/a work channel.
package messenger

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/siddontang/loggers"

	"github.com/qserv/replica/pkg/wire"
)

// ErrDuplicateRequest is returned by Send when id is already live for its
// worker (invariant 3: no two live requests share an id).
var ErrDuplicateRequest = errors.New("messenger: duplicate request id")

// ErrNotFound is returned by Cancel when no live request with the given id
// is found for the worker.
var ErrNotFound = errors.New("messenger: request not found")

// OnFinish is invoked with the decoded reply envelope, or err if the
// request failed before a reply was obtained (I/O error, cancellation, or
// a protocol error that restarted the connector).
type OnFinish func(env wire.Envelope, err error)

type connState int

const (
	stateInitial connState = iota
	stateConnecting
	stateCommunicating
)

// pending is one in-flight or queued request awaiting a reply.
type pending struct {
	id      uint64
	body    []byte
	kind    wire.Kind
	onFinish OnFinish
}

// connector owns one worker's connection and its queue of requests.
type connector struct {
	worker string
	addr   string
	logger loggers.Advanced

	retryInterval time.Duration

	mu      sync.Mutex
	state   connState
	conn    net.Conn
	queue   []*pending
	inFlight *pending
	stopped bool

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// Messenger holds a worker -> connector map.
type Messenger struct {
	mu         sync.RWMutex
	connectors map[string]*connector
	logger     loggers.Advanced

	// dial is overridable for tests.
	dial func(ctx context.Context, addr string) (net.Conn, error)

	retryInterval time.Duration
}

// New returns a Messenger that dials worker addresses with net.Dialer,
// retrying a failed connector every retryInterval.
func New(logger loggers.Advanced, retryInterval time.Duration) *Messenger {
	if retryInterval <= 0 {
		retryInterval = time.Second
	}
	return &Messenger{
		connectors:    make(map[string]*connector),
		logger:        logger,
		retryInterval: retryInterval,
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		},
	}
}

func (m *Messenger) connectorFor(worker, addr string) *connector {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.connectors[worker]; ok {
		return c
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &connector{
		worker:        worker,
		addr:          addr,
		logger:        m.logger,
		retryInterval: m.retryInterval,
		wake:          make(chan struct{}, 1),
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	m.connectors[worker] = c
	go c.run(ctx, m.dial)
	return c
}

// Send enqueues a request to worker. Fails with ErrDuplicateRequest if id
// is already live for that worker.
func (m *Messenger) Send(worker, addr string, id uint64, kind wire.Kind, body []byte, onFinish OnFinish) error {
	c := m.connectorFor(worker, addr)
	return c.send(&pending{id: id, kind: kind, body: body, onFinish: onFinish})
}

// Cancel removes a queued request silently, or aborts the in-flight request
// by closing and reconnecting the connector so a late reply can't be
// delivered to a dead id. No onFinish callback is invoked.
func (m *Messenger) Cancel(worker string, id uint64) error {
	m.mu.RLock()
	c, ok := m.connectors[worker]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	return c.cancelRequest(id)
}

// Exists reports whether id is live (queued or in-flight) for worker.
func (m *Messenger) Exists(worker string, id uint64) bool {
	m.mu.RLock()
	c, ok := m.connectors[worker]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return c.exists(id)
}

// Stop cancels every connector and waits for their goroutines to exit.
func (m *Messenger) Stop() {
	m.mu.Lock()
	connectors := make([]*connector, 0, len(m.connectors))
	for _, c := range m.connectors {
		connectors = append(connectors, c)
	}
	m.connectors = make(map[string]*connector)
	m.mu.Unlock()

	for _, c := range connectors {
		c.cancel()
		<-c.done
	}
}

func (c *connector) send(p *pending) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return fmt.Errorf("messenger: connector for %s is stopped", c.worker)
	}
	if c.inFlight != nil && c.inFlight.id == p.id {
		return ErrDuplicateRequest
	}
	for _, q := range c.queue {
		if q.id == p.id {
			return ErrDuplicateRequest
		}
	}
	c.queue = append(c.queue, p)
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

func (c *connector) exists(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight != nil && c.inFlight.id == id {
		return true
	}
	for _, q := range c.queue {
		if q.id == id {
			return true
		}
	}
	return false
}

func (c *connector) cancelRequest(id uint64) error {
	c.mu.Lock()
	for i, q := range c.queue {
		if q.id == id {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			c.mu.Unlock()
			return nil
		}
	}
	inFlight := c.inFlight != nil && c.inFlight.id == id
	conn := c.conn
	if inFlight {
		c.inFlight = nil
	}
	c.mu.Unlock()

	if !inFlight {
		return ErrNotFound
	}
	// Abort the in-flight request by closing the connection; run's reply
	// loop will observe the error, drop the dead pending (without calling
	// onFinish), and reconnect.
	if conn != nil {
		_ = conn.Close()
	}
	return nil
}

// run is the connector's state machine and reconnect loop, modeled on
// dbconn.AcquireControllerLock's background refresh goroutine.
func (c *connector) run(ctx context.Context, dial func(context.Context, string) (net.Conn, error)) {
	defer close(c.done)
	defer func() {
		c.mu.Lock()
		c.stopped = true
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.mu.Unlock()
	}()

	c.setState(stateInitial)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.setState(stateConnecting)
		conn, err := dial(ctx, c.addr)
		if err != nil {
			c.logger.Warnf("messenger: connect to %s (%s) failed: %v", c.worker, c.addr, err)
			if !sleepOrDone(ctx, c.retryInterval) {
				return
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.setState(stateCommunicating)

		if !c.communicate(ctx, conn) {
			return
		}
		// communicate returned because of an I/O error; loop back to
		// stateConnecting after the retry interval.
		if !sleepOrDone(ctx, c.retryInterval) {
			return
		}
	}
}

// communicate drains the queue one request at a time until ctx is done or
// an I/O error forces a reconnect. Returns false if ctx is done.
func (c *connector) communicate(ctx context.Context, conn net.Conn) bool {
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return false
		case <-c.wake:
		}

		for {
			p := c.popNext()
			if p == nil {
				break
			}
			c.mu.Lock()
			c.inFlight = p
			c.mu.Unlock()

			err := wire.WriteFrame(conn, wire.Envelope{ID: p.id, Kind: p.kind, Body: p.body})
			var env wire.Envelope
			if err == nil {
				env, err = wire.ReadFrame(conn)
			}
			if err == nil && env.ID != p.id {
				err = fmt.Errorf("messenger: reply id %d does not match in-flight request %d", env.ID, p.id)
			}

			c.mu.Lock()
			dead := c.inFlight == nil // cancelled mid-flight
			c.inFlight = nil
			c.mu.Unlock()

			if err != nil {
				if !dead {
					p.onFinish(wire.Envelope{}, err)
				}
				_ = conn.Close()
				return true // reconnect
			}
			if !dead {
				cb := p.onFinish
				go cb(env, nil)
			}
		}
	}
}

func (c *connector) popNext() *pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	p := c.queue[0]
	c.queue = c.queue[1:]
	return p
}

func (c *connector) setState(s connState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
