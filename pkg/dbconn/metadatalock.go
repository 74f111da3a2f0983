package dbconn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/siddontang/loggers"
)

// getLockTimeout is the timeout passed to GET_LOCK. A controller that loses
// the race should fail fast rather than block, so its caller can decide
// whether to retry or exit.
var getLockTimeout = 0 * time.Second

// ControllerRefreshInterval is the default interval at which a held
// ControllerLock re-asserts GET_LOCK, guarding against a dropped session
// silently releasing it without the holder noticing.
const ControllerRefreshInterval = 1 * time.Minute

// ControllerLock is a named, session-scoped MySQL advisory lock (GET_LOCK)
// held for the lifetime of a long-running controller process — the health
// and rebalance loop (spec.md §5's C9) is the one component in this system
// that must not run twice concurrently against the same database family
// set, since two independent loops racing to act on the same imbalance
// would double the in-flight replica moves. The lock name is scoped to the
// families the caller passes, so independent family sets can run their own
// health loop without contending for the same lock.
type ControllerLock struct {
	cancel  context.CancelFunc
	closeCh chan error
	ticker  *time.Ticker
	dbConn  *sql.DB
}

// AcquireControllerLock dials a dedicated connection to dsn and holds
// lockName for as long as ctx is live, refreshing it every interval (or
// ControllerRefreshInterval if interval is zero). It returns immediately
// with an error if the lock is already held.
func AcquireControllerLock(ctx context.Context, dsn string, lockName string, interval time.Duration, logger loggers.Advanced) (*ControllerLock, error) {
	if len(lockName) == 0 {
		return nil, errors.New("controller lock name is empty")
	}
	if len(lockName) > 64 {
		return nil, fmt.Errorf("controller lock name is too long: %d, max length is 64", len(lockName))
	}
	if interval <= 0 {
		interval = ControllerRefreshInterval
	}

	dbConfig := NewDBConfig()
	dbConfig.MaxOpenConnections = 1
	dbConn, err := New(dsn, dbConfig)
	if err != nil {
		return nil, err
	}

	// https://dev.mysql.com/doc/refman/8.0/en/locking-functions.html#function_get-lock
	getLock := func() error {
		var answer int
		if err := dbConn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", lockName, getLockTimeout.Seconds()).Scan(&answer); err != nil {
			return fmt.Errorf("could not acquire controller lock: %s", err)
		}
		switch answer {
		case 1:
			return nil
		case 0:
			return fmt.Errorf("could not acquire controller lock: %s, held by another controller", lockName)
		default:
			return fmt.Errorf("could not acquire controller lock: %s, GET_LOCK returned: %d", lockName, answer)
		}
	}

	logger.Infof("czar: attempting to acquire controller lock: %s", lockName)
	if err := getLock(); err != nil {
		_ = dbConn.Close()
		return nil, err
	}
	logger.Infof("czar: acquired controller lock: %s", lockName)

	lockCtx, cancel := context.WithCancel(ctx)
	cl := &ControllerLock{cancel: cancel, closeCh: make(chan error), dbConn: dbConn}
	go func() {
		cl.ticker = time.NewTicker(interval)
		defer cl.ticker.Stop()
		for {
			select {
			case <-lockCtx.Done():
				logger.Warnf("czar: releasing controller lock: %s", lockName)
				cl.closeCh <- dbConn.Close()
				return
			case <-cl.ticker.C:
				if err := getLock(); err != nil {
					logger.Errorf("czar: could not refresh controller lock: %s", err)
				}
			}
		}
	}()

	return cl, nil
}

// Close releases the lock by closing its dedicated session.
func (c *ControllerLock) Close() error {
	if c.cancel == nil {
		if c.ticker != nil {
			c.ticker.Stop()
		}
		if c.dbConn != nil {
			return c.dbConn.Close()
		}
		return nil
	}
	c.cancel()
	return <-c.closeCh
}
