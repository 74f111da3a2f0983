// Package health drives the periodic worker-liveness and self-healing
// loop (C9): it probes every enabled worker with ECHO, proposes
// repeatedly-unresponsive workers for eviction through a callback, and at
// a separate (usually slower) cadence runs FixUp/Replicate/Rebalance for
// every configured family. It is the only component permitted to invoke
// the eviction callback, per spec.md §4.9.
package health

import (
	"context"
	"strconv"
	"time"

	"github.com/go-mysql-org/go-mysql/client"
	"github.com/siddontang/loggers"
	"golang.org/x/sync/errgroup"

	"github.com/qserv/replica/pkg/controllerrequest"
	"github.com/qserv/replica/pkg/job"
	"github.com/qserv/replica/pkg/locker"
	"github.com/qserv/replica/pkg/metrics"
	"github.com/qserv/replica/pkg/replica"
	"github.com/qserv/replica/pkg/workerrequest"
)

// maxConsecutiveEchoFailures is how many probe cycles a worker may fail in
// a row before it is proposed for eviction.
const maxConsecutiveEchoFailures = 3

// MySQLTarget resolves the MySQL connection a worker's replication-lag
// sample should be taken against. A nil return value (empty Addr) skips
// lag sampling for that worker.
type MySQLTarget struct {
	Addr     string
	User     string
	Password string
}

// MySQLTargetResolver maps a worker name to its MySQL probe target.
type MySQLTargetResolver func(worker string) (MySQLTarget, bool)

// EvictionCallback is invoked once a worker has failed
// maxConsecutiveEchoFailures consecutive ECHO probes. It decides what
// happens next (DisableWorker, a DeleteWorkerJob, paging someone); the
// loop itself never mutates worker state on a failed probe.
type EvictionCallback func(worker string)

// Config bounds the loop's cadences. EchoInterval controls how often
// every enabled worker is pinged; ActInterval controls how often
// FixUp/Replicate/Rebalance run for every family in Families.
type Config struct {
	EchoInterval time.Duration
	ActInterval  time.Duration
	Families     []string

	// RebalanceStartPct/RebalanceStopPct feed RebalanceJob directly; see
	// pkg/job's RebalanceJob for their meaning.
	RebalanceStartPct float64
	RebalanceStopPct  float64
}

// Loop is one running instance of the health/rebalance driver.
type Loop struct {
	cfg      Config
	exec     *controllerrequest.Executor
	store    *replica.Store
	chunks   *locker.Locker
	workers  job.WorkerCatalog
	families job.FamilyCatalog
	logger   loggers.Advanced
	reg      *metrics.Registry

	onEvict     EvictionCallback
	mysqlTarget MySQLTargetResolver

	failures map[string]int
}

// New returns a Loop. mysqlTarget may be nil, in which case replication-lag
// sampling is skipped entirely.
func New(cfg Config, exec *controllerrequest.Executor, store *replica.Store, chunks *locker.Locker, workers job.WorkerCatalog, families job.FamilyCatalog, reg *metrics.Registry, onEvict EvictionCallback, mysqlTarget MySQLTargetResolver, logger loggers.Advanced) *Loop {
	if cfg.EchoInterval <= 0 {
		cfg.EchoInterval = 10 * time.Second
	}
	if cfg.ActInterval <= 0 {
		cfg.ActInterval = time.Minute
	}
	return &Loop{
		cfg:         cfg,
		exec:        exec,
		store:       store,
		chunks:      chunks,
		workers:     workers,
		families:    families,
		reg:         reg,
		onEvict:     onEvict,
		mysqlTarget: mysqlTarget,
		logger:      logger,
		failures:    make(map[string]int),
	}
}

// Run blocks, alternating ECHO probes and act cycles on their own tickers,
// until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	echoTicker := time.NewTicker(l.cfg.EchoInterval)
	defer echoTicker.Stop()
	actTicker := time.NewTicker(l.cfg.ActInterval)
	defer actTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-echoTicker.C:
			l.probeAll(ctx)
		case <-actTicker.C:
			l.actAll(ctx)
		}
	}
}

// probeAll pings every enabled worker with ECHO, tracking consecutive
// failures per worker and sampling replication lag best-effort.
func (l *Loop) probeAll(ctx context.Context) {
	workers := l.workers.EnabledWorkers()
	results := make([]bool, len(workers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for i, w := range workers {
		i, w := i, w
		g.Go(func() error {
			results[i] = l.echo(gctx, w)
			l.sampleLag(gctx, w)
			return nil
		})
	}
	_ = g.Wait()
	for i, w := range workers {
		l.recordProbe(w, results[i])
	}
}

func (l *Loop) echo(ctx context.Context, worker string) bool {
	req := &controllerrequest.Request{
		Type:     workerrequest.TypeEcho,
		Worker:   worker,
		EchoData: []byte("health-probe"),
	}
	done := make(chan struct{})
	if err := l.exec.Submit(ctx, req, false, func(*controllerrequest.Request) { close(done) }); err != nil {
		return false
	}
	select {
	case <-done:
		return req.ExtendedState() == controllerrequest.ExtSuccess
	case <-ctx.Done():
		return false
	}
}

// recordProbe updates the per-worker consecutive-failure count and fires
// onEvict once the threshold is crossed, resetting the count either way
// so eviction is proposed at most once per failure streak.
func (l *Loop) recordProbe(worker string, ok bool) {
	if ok {
		l.failures[worker] = 0
		return
	}
	l.failures[worker]++
	if l.failures[worker] >= maxConsecutiveEchoFailures {
		l.failures[worker] = 0
		if l.onEvict != nil {
			l.onEvict(worker)
		}
	}
}

// sampleLag reads SHOW SLAVE STATUS off worker's MySQL instance and feeds
// the WorkerLagSeconds gauge. Failures are logged, not propagated: lag
// sampling is observability only, never a reason to
// affect probing or job scheduling.
func (l *Loop) sampleLag(ctx context.Context, worker string) {
	if l.mysqlTarget == nil || l.reg == nil {
		return
	}
	target, ok := l.mysqlTarget(worker)
	if !ok || target.Addr == "" {
		return
	}

	conn, err := client.Connect(target.Addr, target.User, target.Password, "")
	if err != nil {
		l.logger.Warnf("health: worker %s: connect for lag sample: %v", worker, err)
		return
	}
	defer conn.Close()

	result, err := conn.Execute("SHOW SLAVE STATUS")
	if err != nil {
		l.logger.Warnf("health: worker %s: SHOW SLAVE STATUS: %v", worker, err)
		return
	}
	defer result.Close()

	if result.RowNumber() == 0 {
		return // not a replica, or replication not configured; nothing to sample
	}
	secondsBehind, err := result.GetStringByName(0, "Seconds_Behind_Master")
	if err != nil || secondsBehind == "" {
		return // NULL Seconds_Behind_Master means replication is stopped or not caught up yet
	}
	lag, err := strconv.ParseFloat(secondsBehind, 64)
	if err != nil {
		return
	}
	l.reg.WorkerLagSeconds.WithLabelValues(worker).Set(lag)
}

// actAll runs FixUp followed by Rebalance for every configured family,
// concurrently across families.
func (l *Loop) actAll(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for _, family := range l.cfg.Families {
		family := family
		g.Go(func() error {
			fu := job.NewFixUpJob(l.exec, l.store, l.chunks, l.workers, l.families, family, l.logger)
			if err := fu.Run(gctx); err != nil {
				l.logger.Warnf("health: fixup %s: %v", family, err)
			}

			rb := job.NewRebalanceJob(l.exec, l.store, l.chunks, l.workers, l.families, family, l.cfg.RebalanceStartPct, l.cfg.RebalanceStopPct, false, l.logger)
			if err := rb.Run(gctx); err != nil {
				l.logger.Warnf("health: rebalance %s: %v", family, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
