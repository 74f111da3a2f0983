// Command czar runs the coordinator: the composite-operation jobs (C8),
// the health/rebalance loop (C9), and one-shot query execution through
// the query session (C10/C12). Each job subcommand runs to completion and
// exits; "serve" runs the long-lived health loop.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/siddontang/loggers"

	"github.com/qserv/replica/pkg/config"
	"github.com/qserv/replica/pkg/controllerrequest"
	"github.com/qserv/replica/pkg/czar"
	"github.com/qserv/replica/pkg/dbconn"
	"github.com/qserv/replica/pkg/dbservices"
	"github.com/qserv/replica/pkg/dbservices/controllerlog"
	"github.com/qserv/replica/pkg/health"
	"github.com/qserv/replica/pkg/job"
	"github.com/qserv/replica/pkg/locker"
	"github.com/qserv/replica/pkg/logging"
	"github.com/qserv/replica/pkg/merger"
	"github.com/qserv/replica/pkg/messenger"
	"github.com/qserv/replica/pkg/metrics"
	"github.com/qserv/replica/pkg/replica"
)

// collaborators bundles every component a job, the health loop, or a
// query session needs, built once per process invocation from the
// parsed configuration.
type collaborators struct {
	cfg     *config.Config
	dsn     string
	db      *sql.DB
	store   *replica.Store
	chunks  *locker.Locker
	catalog *config.Catalog
	exec    *controllerrequest.Executor
	reg     *metrics.Registry
	logger  loggers.Advanced

	controllerID string
	jobLog       *controllerlog.Log
	jobs         *dbservices.JobRepo
	requests     *dbservices.RequestRepo
}

func newCollaborators(configPath, stateDir string) (*collaborators, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := logging.New(logging.Options{Level: "info", Component: "czar"})

	dbConfig := dbconn.NewDBConfig()
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s",
		cfg.Common.DatabaseUser, cfg.Common.DatabasePassword,
		cfg.Common.DatabaseHost, cfg.Common.DatabasePort, cfg.Common.DatabaseName)
	db, err := dbconn.New(dsn, dbConfig)
	if err != nil {
		return nil, fmt.Errorf("czar: connect to metadata database: %w", err)
	}

	store := replica.NewStore(db, dbConfig)
	chunks := locker.New()
	catalog := config.NewCatalog(cfg, db)

	retryInterval := time.Duration(cfg.Common.RequestRetryIntervalSec) * time.Second
	if retryInterval <= 0 {
		retryInterval = 5 * time.Second
	}
	m := messenger.New(logger, retryInterval)
	resolve := controllerrequest.AddrResolver(func(worker string) (string, error) {
		return cfg.SvcAddr(worker), nil
	})
	exec := controllerrequest.NewExecutor(m, store, resolve, retryInterval, logger)

	reg := metrics.NewRegistry()
	if err := reg.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, fmt.Errorf("czar: register metrics: %w", err)
	}

	controllers := dbservices.NewControllerRepo(db, dbConfig)
	controllerID := uuid.NewString()
	hostname, _ := os.Hostname()
	if err := controllers.Register(context.Background(), dbservices.ControllerIdentity{
		ID: controllerID, Hostname: hostname, StartTime: time.Now(),
	}); err != nil {
		return nil, fmt.Errorf("czar: register controller identity: %w", err)
	}

	jobLog, err := controllerlog.Open(controllerID, stateDir)
	if err != nil {
		return nil, fmt.Errorf("czar: open controller log: %w", err)
	}

	return &collaborators{
		cfg: cfg, dsn: dsn, db: db, store: store, chunks: chunks, catalog: catalog,
		exec: exec, reg: reg, logger: logger,
		controllerID: controllerID,
		jobLog:       jobLog,
		jobs:         dbservices.NewJobRepo(db, dbConfig),
		requests:     dbservices.NewRequestRepo(db, dbConfig),
	}, nil
}

func (c *collaborators) close() {
	_ = c.jobLog.Close()
	_ = c.db.Close()
}

// runTracked runs j to completion, recording its creation and its
// terminal lifecycle/extended state in both the local raft log (for a
// restarted controller's "what was I doing" query) and the MySQL job
// table (for durable audit), then returns j's Run error.
func (c *collaborators) runTracked(ctx context.Context, jobType string, j job.Job) error {
	now := time.Now()
	if err := c.jobLog.RecordJobTransition(j.ID(), int(job.LifecycleCreated), int(job.ExtNone)); err != nil {
		c.logger.Warnf("czar: record job created: %v", err)
	}
	if err := c.jobs.Upsert(ctx, dbservices.JobRecord{
		ID: j.ID(), ControllerID: c.controllerID, Type: jobType,
		Lifecycle: int(job.LifecycleCreated), CreateTime: now,
	}); err != nil {
		c.logger.Warnf("czar: persist job created: %v", err)
	}

	runErr := j.Run(ctx)

	if err := c.jobLog.RecordJobTransition(j.ID(), int(j.Lifecycle()), int(j.ExtendedState())); err != nil {
		c.logger.Warnf("czar: record job finished: %v", err)
	}
	if err := c.jobs.Upsert(ctx, dbservices.JobRecord{
		ID: j.ID(), ControllerID: c.controllerID, Type: jobType,
		Lifecycle: int(j.Lifecycle()), ExtendedState: int(j.ExtendedState()),
		CreateTime: now, FinishTime: time.Now(),
	}); err != nil {
		c.logger.Warnf("czar: persist job finished: %v", err)
	}
	return runErr
}

type rootFlags struct {
	Config   string `help:"Path to the replication system's YAML configuration file." required:""`
	StateDir string `help:"Directory for this controller's local recovery log." default:"./czar-state"`
}

type findAllCmd struct {
	rootFlags
	Family string `help:"Database family to enumerate." required:""`
}

func (c *findAllCmd) Run() error {
	cc, err := newCollaborators(c.Config, c.StateDir)
	if err != nil {
		return err
	}
	defer cc.close()
	j := job.NewFindAllJob(cc.exec, cc.store, cc.chunks, cc.catalog, cc.catalog, c.Family, cc.logger)
	return cc.runTracked(context.Background(), "FindAll", j)
}

type fixUpCmd struct {
	rootFlags
	Family string `help:"Database family to fix up to its minimum replication level." required:""`
}

func (c *fixUpCmd) Run() error {
	cc, err := newCollaborators(c.Config, c.StateDir)
	if err != nil {
		return err
	}
	defer cc.close()
	j := job.NewFixUpJob(cc.exec, cc.store, cc.chunks, cc.catalog, cc.catalog, c.Family, cc.logger)
	return cc.runTracked(context.Background(), "FixUp", j)
}

type purgeCmd struct {
	rootFlags
	Family      string `help:"Database family to purge excess replicas from." required:""`
	NumReplicas int    `help:"Target replication level." required:""`
}

func (c *purgeCmd) Run() error {
	cc, err := newCollaborators(c.Config, c.StateDir)
	if err != nil {
		return err
	}
	defer cc.close()
	j := job.NewPurgeJob(cc.exec, cc.store, cc.chunks, cc.catalog, cc.catalog, c.Family, c.NumReplicas, cc.logger)
	return cc.runTracked(context.Background(), "Purge", j)
}

type replicateCmd struct {
	rootFlags
	Family      string `help:"Database family to replicate."  required:""`
	NumReplicas int    `help:"Target replication level (0 uses the family's configured minimum)."`
}

func (c *replicateCmd) Run() error {
	cc, err := newCollaborators(c.Config, c.StateDir)
	if err != nil {
		return err
	}
	defer cc.close()
	j := job.NewReplicateJob(cc.exec, cc.store, cc.chunks, cc.catalog, cc.catalog, c.Family, c.NumReplicas, cc.logger)
	return cc.runTracked(context.Background(), "Replicate", j)
}

type rebalanceCmd struct {
	rootFlags
	Family       string  `help:"Database family to rebalance." required:""`
	StartPct     float64 `help:"Load imbalance percent that triggers a move." default:"10"`
	StopPct      float64 `help:"Load imbalance percent considered balanced." default:"2"`
	EstimateOnly bool    `help:"Report planned moves without executing them."`
}

func (c *rebalanceCmd) Run() error {
	cc, err := newCollaborators(c.Config, c.StateDir)
	if err != nil {
		return err
	}
	defer cc.close()
	j := job.NewRebalanceJob(cc.exec, cc.store, cc.chunks, cc.catalog, cc.catalog, c.Family, c.StartPct, c.StopPct, c.EstimateOnly, cc.logger)
	return cc.runTracked(context.Background(), "Rebalance", j)
}

type moveReplicaCmd struct {
	rootFlags
	Family string `help:"Database family the chunk belongs to." required:""`
	Chunk  uint32 `help:"Chunk number to move." required:""`
	Src    string `help:"Source worker." required:""`
	Dst    string `help:"Destination worker." required:""`
	Purge  bool   `help:"Delete the source replica once the destination is complete."`
}

func (c *moveReplicaCmd) Run() error {
	cc, err := newCollaborators(c.Config, c.StateDir)
	if err != nil {
		return err
	}
	defer cc.close()
	j := job.NewMoveReplicaJob(cc.exec, cc.store, cc.chunks, cc.catalog, cc.catalog, c.Family, c.Chunk, c.Src, c.Dst, c.Purge, cc.logger)
	return cc.runTracked(context.Background(), "MoveReplica", j)
}

type deleteWorkerCmd struct {
	rootFlags
	Worker    string `help:"Worker to delete." required:""`
	Permanent bool   `help:"Remove the worker from the catalog entirely rather than just disabling it."`
}

func (c *deleteWorkerCmd) Run() error {
	cc, err := newCollaborators(c.Config, c.StateDir)
	if err != nil {
		return err
	}
	defer cc.close()
	j := job.NewDeleteWorkerJob(cc.exec, cc.store, cc.chunks, cc.catalog, cc.catalog, c.Worker, c.Permanent, cc.logger)
	return cc.runTracked(context.Background(), "DeleteWorker", j)
}

type verifyCmd struct {
	rootFlags
	BatchSize int `help:"Number of oldest replicas to re-check per pass." default:"1000"`
}

func (c *verifyCmd) Run() error {
	cc, err := newCollaborators(c.Config, c.StateDir)
	if err != nil {
		return err
	}
	defer cc.close()
	onDiff := func(stored, observed replica.Info) {
		cc.logger.Warnf("czar: verify mismatch worker=%s database=%s chunk=%d stored=%s observed=%s",
			stored.Worker, stored.Database, stored.Chunk, stored.Status, observed.Status)
	}
	j := job.NewVerifyJob(cc.exec, cc.store, cc.chunks, cc.catalog, cc.catalog, c.BatchSize, onDiff, cc.logger)
	return cc.runTracked(context.Background(), "Verify", j)
}

type queryCmd struct {
	rootFlags
	Database string `help:"Database the query runs against." required:""`
	SQL      string `arg:"" help:"The SELECT statement to execute."`
	MaxRows  int    `help:"Abort once more than this many rows have been merged (0 is unbounded)."`
}

func (c *queryCmd) Run() error {
	cc, err := newCollaborators(c.Config, c.StateDir)
	if err != nil {
		return err
	}
	defer cc.close()

	index := &czar.StoreIndex{Store: cc.store}
	dispatcher := czar.NewDispatcher(func(worker string) (string, error) {
		return cc.cfg.TaskAddr(worker), nil
	}, nextTaskID)
	session := czar.NewSession(index, dispatcher, nil, cc.logger)

	m := merger.New(merger.Config{MaxRows: c.MaxRows})
	rec, err := session.Run(context.Background(), c.Database, c.SQL, m)
	if err != nil {
		return fmt.Errorf("czar: query failed: %w", err)
	}
	if err := handleControlOperation(rec); err != nil {
		return err
	}
	if rec.Class != czar.ClassSelect && rec.Class != czar.ClassSubmitSelect {
		return nil
	}
	if err := m.Err(); err != nil {
		return fmt.Errorf("czar: merge failed: %w", err)
	}
	for _, row := range m.Rows() {
		fmt.Println(row...)
	}
	return nil
}

var nextTaskIDSeq uint64

func nextTaskID() uint64 {
	nextTaskIDSeq++
	return nextTaskIDSeq
}

// handleControlOperation reports the admin statement classes Session.Run
// recognizes but does not scatter-gather for (spec.md §4.10 point 1's
// DROP/KILL/CANCEL/PROCESSLIST/FLUSH statements), surfacing the fields
// Recognize extracted. KILL/CANCEL have no query-execution state to act
// on in a one-shot CLI invocation — each `query` command run is its own
// process, so there is no longer-lived session registry a later process's
// KILL could reach; reporting the accepted id is as far as this command
// can take it.
func handleControlOperation(rec czar.Recognition) error {
	switch rec.Class {
	case czar.ClassSelect, czar.ClassSubmitSelect:
		return nil
	case czar.ClassDropDatabase:
		fmt.Printf("DROP DATABASE accepted: database=%s\n", rec.Database)
	case czar.ClassDropTable:
		fmt.Printf("DROP TABLE accepted: database=%s table=%s\n", rec.Database, rec.Table)
	case czar.ClassFlushChunksCache:
		fmt.Println("FLUSH QSERV_CHUNKS_CACHE accepted")
	case czar.ClassShowProcessList, czar.ClassInformationSchemaProcessList:
		fmt.Println("process list reporting is not implemented by this controller")
	case czar.ClassKill:
		fmt.Printf("KILL accepted: id=%d\n", rec.ID)
	case czar.ClassCancel:
		fmt.Printf("CANCEL accepted: id=%d\n", rec.ID)
	default:
		return fmt.Errorf("czar: unrecognized statement")
	}
	return nil
}

type serveCmd struct {
	rootFlags
	Families          []string `help:"Database families the health/rebalance loop manages." required:""`
	EchoIntervalSec   int      `help:"Seconds between worker ECHO probe sweeps." default:"10"`
	ActIntervalSec    int      `help:"Seconds between FixUp/Replicate/Rebalance sweeps." default:"60"`
	RebalanceStartPct float64  `default:"10"`
	RebalanceStopPct  float64  `default:"2"`
}

func (c *serveCmd) Run() error {
	cc, err := newCollaborators(c.Config, c.StateDir)
	if err != nil {
		return err
	}
	defer cc.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lockName := "qserv-czar-serve:" + strings.Join(c.Families, ",")
	lock, err := dbconn.AcquireControllerLock(ctx, cc.dsn, lockName, 0, cc.logger)
	if err != nil {
		return fmt.Errorf("czar: another controller is already serving these families: %w", err)
	}
	defer func() { _ = lock.Close() }()

	loop := health.New(health.Config{
		EchoInterval:      time.Duration(c.EchoIntervalSec) * time.Second,
		ActInterval:       time.Duration(c.ActIntervalSec) * time.Second,
		Families:          c.Families,
		RebalanceStartPct: c.RebalanceStartPct,
		RebalanceStopPct:  c.RebalanceStopPct,
	}, cc.exec, cc.store, cc.chunks, cc.catalog, cc.catalog, cc.reg,
		func(worker string) {
			cc.logger.Warnf("czar: worker %s proposed for eviction after repeated ECHO failures", worker)
			cc.catalog.DisableWorker(worker)
		},
		nil, // MySQL replication-lag sampling needs per-worker MySQL credentials this build does not configure
		cc.logger)

	cc.logger.Infof("czar: serving families=%v", c.Families)
	return loop.Run(ctx)
}

var cli struct {
	Serve        serveCmd        `cmd:"" help:"Run the health/rebalance loop until interrupted."`
	FindAll      findAllCmd      `cmd:"" name:"find-all" help:"Scan every worker's chunk files for a family and reconcile the replica catalog."`
	FixUp        fixUpCmd        `cmd:"" name:"fix-up" help:"Raise a family to its configured minimum replication level."`
	Purge        purgeCmd        `cmd:"" help:"Lower a family's replication level, removing excess replicas."`
	Replicate    replicateCmd    `cmd:"" help:"Raise a family to an explicit replication level."`
	Rebalance    rebalanceCmd    `cmd:"" help:"Move replicas between workers to balance load."`
	MoveReplica  moveReplicaCmd  `cmd:"" name:"move-replica" help:"Move one chunk's replica from one worker to another."`
	DeleteWorker deleteWorkerCmd `cmd:"" name:"delete-worker" help:"Disable or permanently remove a worker from the catalog."`
	Verify       verifyCmd       `cmd:"" help:"Re-check a batch of the oldest-verified replicas for drift."`
	Query        queryCmd        `cmd:"" help:"Execute one SELECT against a family's chunked tables and print the merged result."`
}

func main() {
	ctx := kong.Parse(&cli)
	ctx.FatalIfErrorf(ctx.Run())
}
