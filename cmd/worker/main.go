// Command worker runs one replication worker: the request engine (C5),
// its network frontend (C7's worker side), the file server (C6) other
// workers pull REPLICATE sources from, and the task runner (C11) that
// executes the czar's scattered queries.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/qserv/replica/pkg/config"
	"github.com/qserv/replica/pkg/dbconn"
	"github.com/qserv/replica/pkg/fileserver"
	"github.com/qserv/replica/pkg/logging"
	"github.com/qserv/replica/pkg/metrics"
	"github.com/qserv/replica/pkg/table"
	"github.com/qserv/replica/pkg/taskrunner"
	"github.com/qserv/replica/pkg/workerrequest"
	"github.com/qserv/replica/pkg/workerservice"
)

type serveCmd struct {
	Config string `help:"Path to the replication system's YAML configuration file." required:""`
	Worker string `help:"This process's worker name, as listed in common.workers." required:""`
}

var cli struct {
	Serve serveCmd `cmd:"" help:"Run the worker's request engine, file server, and task runner."`
}

func main() {
	ctx := kong.Parse(&cli)
	ctx.FatalIfErrorf(ctx.Run())
}

func (c *serveCmd) Run() error {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Options{Level: "info", Component: "worker:" + c.Worker})
	reg := metrics.NewRegistry()
	if err := reg.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("worker: register metrics: %w", err)
	}

	dbConfig := dbconn.NewDBConfig()
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s",
		cfg.Common.DatabaseUser, cfg.Common.DatabasePassword,
		cfg.Common.DatabaseHost, cfg.Common.DatabasePort, cfg.Common.DatabaseName)
	db, err := dbconn.New(dsn, dbConfig)
	if err != nil {
		return fmt.Errorf("worker: connect to metadata database: %w", err)
	}
	defer db.Close()

	dataDir := cfg.DataDirForWorker(c.Worker)
	fileClient := fileserver.NewClient(func(peer string) (string, error) {
		return cfg.FsAddr(peer), nil
	})

	engineCfg := workerrequest.Config{
		WorkerName: c.Worker,
		DataDir:    dataDir,
		NumThreads: cfg.Worker.NumSvcProcessingThreads,
	}
	engine := workerrequest.New(engineCfg, logger, partitionedTableLookup(db), fileClient)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine.Start(ctx)
	defer engine.Stop()

	svcLn, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Worker.SvcPort))
	if err != nil {
		return fmt.Errorf("worker: listen svc_port: %w", err)
	}
	defer svcLn.Close()

	fsLn, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Worker.FsPort))
	if err != nil {
		return fmt.Errorf("worker: listen fs_port: %w", err)
	}
	defer fsLn.Close()

	taskLn, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Worker.TaskPort))
	if err != nil {
		return fmt.Errorf("worker: listen task_port: %w", err)
	}
	defer taskLn.Close()

	fsServer := fileserver.NewServer(fileserver.Config{
		DataDir:   dataDir,
		Databases: config.Fields(cfg.Common.Databases),
	}, logger)

	taskRunner := taskrunner.New(taskrunner.Config{WorkerName: c.Worker}, db, logger)

	svcServer := workerservice.New(engine, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svcServer.Serve(gctx, svcLn) })
	g.Go(func() error { return fsServer.Serve(gctx, fsLn) })
	g.Go(func() error { return taskRunner.Serve(gctx, taskLn) })
	g.Go(func() error { return serveMetrics(gctx, cfg.Worker.MetricsPort) })

	logger.Infof("worker %s: listening svc=%d fs=%d task=%d data_dir=%s",
		c.Worker, cfg.Worker.SvcPort, cfg.Worker.FsPort, cfg.Worker.TaskPort, dataDir)
	return g.Wait()
}

// serveMetrics runs a /metrics HTTP endpoint on port until ctx is done.
func serveMetrics(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// partitionedTableLookup returns a workerrequest.TableLookup enumerating
// database's base tables via information_schema, populating each via
// table.NewTableInfo/SetInfo so the engine can discover a chunked table's
// Partitioned flag and required chunk files.
func partitionedTableLookup(db *sql.DB) workerrequest.TableLookup {
	return func(ctx context.Context, database string) ([]*table.TableInfo, error) {
		rows, err := db.QueryContext(ctx,
			`SELECT TABLE_NAME FROM information_schema.TABLES
				WHERE TABLE_SCHEMA = ? AND TABLE_TYPE = 'BASE TABLE'`, database)
		if err != nil {
			return nil, fmt.Errorf("worker: list tables of %s: %w", database, err)
		}
		defer rows.Close()

		var names []string
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return nil, fmt.Errorf("worker: scan table name: %w", err)
			}
			names = append(names, name)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}

		tables := make([]*table.TableInfo, 0, len(names))
		for _, name := range names {
			t := table.NewTableInfo(db, database, name)
			if err := t.SetInfo(ctx, db); err != nil {
				return nil, fmt.Errorf("worker: describe table %s.%s: %w", database, name, err)
			}
			tables = append(tables, t)
		}
		return tables, nil
	}
}
