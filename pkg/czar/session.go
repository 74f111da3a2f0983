package czar

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/siddontang/loggers"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentTasks bounds how many chunk tasks one query dispatches at
// once, the same bounded-fan-out shape pkg/job uses for per-worker
// request fan-out (teacher's errgroup.WithContext + SetLimit idiom).
const maxConcurrentTasks = 32

var taskIDSeq uint64

func nextTaskID() uint64 { return atomic.AddUint64(&taskIDSeq, 1) }

// Session runs one user query end to end: recognize, parse, plan,
// materialize, dispatch, merge (spec.md §4.10 points 1-7).
type Session struct {
	Index      SecondaryIndex
	Dispatcher Dispatcher
	Plugins    []Plugin
	Logger     loggers.Advanced
}

// NewSession returns a Session. plugins may be nil to use DefaultPlugins.
func NewSession(index SecondaryIndex, dispatcher Dispatcher, plugins []Plugin, logger loggers.Advanced) *Session {
	return &Session{Index: index, Dispatcher: dispatcher, Plugins: plugins, Logger: logger}
}

// Run recognizes sql's class and, for the SELECT/SUBMIT SELECT classes,
// executes the full parse->plan->dispatch->merge pipeline, feeding every
// chunk's result batches into sink. Every other recognized class is a
// control operation (DROP, KILL/CANCEL, PROCESSLIST, FLUSH
// QSERV_CHUNKS_CACHE) with no chunk scatter-gather: Run hands the
// extracted Recognition straight back so the caller (cmd/czar) can act on
// its Database/Table/ID fields directly, since none of them need the
// per-chunk dispatch machinery below.
func (s *Session) Run(ctx context.Context, database, sql string, sink ResultSink) (Recognition, error) {
	rec, err := Recognize(sql)
	if err != nil {
		return rec, err
	}
	if rec.Class != ClassSelect && rec.Class != ClassSubmitSelect {
		return rec, nil
	}

	pq, err := Parse(rec.SQL)
	if err != nil {
		return rec, err
	}

	plan, err := BuildPlan(pq, s.Index, database, s.Plugins)
	if err != nil {
		return rec, err
	}

	tasks, err := MaterializeTasks(plan, database)
	if err != nil {
		return rec, err
	}
	if len(tasks) == 0 {
		return rec, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentTasks)
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			return s.Dispatcher.Dispatch(gctx, t, sink)
		})
	}
	if err := g.Wait(); err != nil {
		return rec, fmt.Errorf("czar: dispatch: %w", err)
	}
	return rec, nil
}
