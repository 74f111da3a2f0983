package dbconn

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/siddontang/loggers"

	"github.com/qserv/replica/pkg/table"
)

// lockWaitTimeoutForceKillMultiplier is the fraction of LockWaitTimeout
// after which ForceKill starts killing transactions that block our
// LOCK TABLES acquisition.
const lockWaitTimeoutForceKillMultiplier = 0.9

type TableLock struct {
	tables  []*table.TableInfo
	lockTxn *sql.Tx
	logger  loggers.Advanced
}

// KillLockingTransactions kills every connection on db holding a lock on
// any of tables, other than the connection ids in exclude. It is used by
// NewTableLock's ForceKill path to break a stalemate with long-running
// queries that would otherwise prevent the LOCK TABLES statement from
// ever succeeding within LockWaitTimeout.
func KillLockingTransactions(ctx context.Context, db *sql.DB, tables []*table.TableInfo, _ *DBConfig, logger loggers.Advanced, exclude []int) error {
	excludeSet := make(map[int]struct{}, len(exclude))
	for _, id := range exclude {
		excludeSet[id] = struct{}{}
	}
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.TableName
	}
	rows, err := db.QueryContext(ctx, `
		SELECT trx_mysql_thread_id
		FROM information_schema.innodb_trx
		WHERE trx_state = 'LOCK WAIT'`)
	if err != nil {
		return fmt.Errorf("dbconn: query blocking transactions: %w", err)
	}
	defer rows.Close()

	var pids []int
	for rows.Next() {
		var pid int
		if err := rows.Scan(&pid); err != nil {
			return err
		}
		if _, skip := excludeSet[pid]; skip {
			continue
		}
		pids = append(pids, pid)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, pid := range pids {
		logger.Warnf("force-killing connection %d blocking table lock on %v", pid, names)
		if _, err := db.ExecContext(ctx, fmt.Sprintf("KILL %d", pid)); err != nil {
			logger.Errorf("failed to kill connection %d: %v", pid, err)
		}
	}
	return nil
}

// NewTableLock creates a new server wide lock on multiple tables.
// i.e. LOCK TABLES .. WRITE.
// It uses a short timeout and *does not retry*. The caller is expected to retry,
// which gives it a chance to first do things like catch up on replication apply
// before it does the next attempt.
//
// Setting config.ForceKill=true is recommended, since it will more or less ensure
// that the lock acquisition is successful by killing long-running queries that are
// blocking our lock acquisition after we have waited for 90% of our configured
// LockWaitTimeout.
func NewTableLock(ctx context.Context, db *sql.DB, tables []*table.TableInfo, config *DBConfig, logger loggers.Advanced) (*TableLock, error) {
	var err error
	var lockTxn *sql.Tx
	var lockStmt = "LOCK TABLES "
	// Build the LOCK TABLES statement
	for idx, tbl := range tables {
		if idx > 0 {
			lockStmt += ", "
		}
		lockStmt += tbl.QuotedName + " WRITE"
	}

	// Try and acquire the lock. No retries are permitted here.
	lockTxn, pid, err := BeginStandardTrx(ctx, db, config)
	if err != nil {
		return nil, err
	}
	defer func() {
		// Before we return an error, we need to now ensure that
		// we rollback the transaction if it was opened,
		// this helps prevent a connection leak.
		if err != nil {
			_ = lockTxn.Rollback()
		}
	}()
	if config.ForceKill {
		// If ForceKill is true, we will wait for 90% of the configured LockWaitTimeout
		threshold := time.Duration(float64(config.LockWaitTimeout)*lockWaitTimeoutForceKillMultiplier) * time.Second
		timer := time.AfterFunc(threshold, func() {
			err := KillLockingTransactions(ctx, db, tables, config, logger, []int{pid})
			if err != nil {
				logger.Errorf("failed to kill locking transactions: %v", err)
			}
		})
		defer timer.Stop()
	}

	// We need to lock all the tables we intend to write to while we have the lock.
	logger.Warnf("trying to acquire table locks, timeout: %d", config.LockWaitTimeout)
	_, err = lockTxn.ExecContext(ctx, lockStmt)
	if err != nil {
		logger.Warnf("failed to acquire table lock(s), consider setting --force-kill=TRUE and trying again: %v", err)
		return nil, err
	}

	// Otherwise we are successful, we still log because
	// it's a critical function.
	logger.Warn("table lock(s) acquired")
	return &TableLock{
		tables:  tables,
		lockTxn: lockTxn,
		logger:  logger,
	}, nil
}

// ExecUnderLock executes a set of statements under a table lock.
func (s *TableLock) ExecUnderLock(ctx context.Context, stmts ...string) error {
	for _, stmt := range stmts {
		if stmt == "" {
			continue
		}
		_, err := s.lockTxn.ExecContext(ctx, stmt)
		if err != nil {
			return err
		}
	}
	return nil
}

// Close closes the table lock
func (s *TableLock) Close() error {
	_, err := s.lockTxn.Exec("UNLOCK TABLES")
	if err != nil {
		return err
	}
	err = s.lockTxn.Rollback()
	if err != nil {
		return err
	}
	s.logger.Warn("table lock released")
	return nil
}
