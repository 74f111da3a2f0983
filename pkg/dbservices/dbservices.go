// Package dbservices is the controller-side MySQL persistence layer
// (C13): repositories for the controller instance's own identity, the
// jobs it runs, and the controllerrequest.Request operations those jobs
// submit — everything pkg/replica.Store does NOT already own (replica
// placement itself). Every mutation goes through
// dbconn.RetryableTransaction exactly as pkg/replica.Store does.
package dbservices

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/qserv/replica/pkg/dbconn"
)

// ControllerRepo persists the identity of controller processes that have
// run against this catalog, the way the teacher's schema-version table
// records which migration tool last touched a database.
type ControllerRepo struct {
	db     *sql.DB
	config *dbconn.DBConfig
}

// NewControllerRepo returns a ControllerRepo backed by db.
func NewControllerRepo(db *sql.DB, config *dbconn.DBConfig) *ControllerRepo {
	return &ControllerRepo{db: db, config: config}
}

// ControllerIdentity is one row of the controller table: a unique id plus
// the host and start time that produced it.
type ControllerIdentity struct {
	ID        string
	Hostname  string
	StartTime time.Time
}

// Register inserts identity, failing if its ID already exists: a
// controller registers itself exactly once at startup.
func (r *ControllerRepo) Register(ctx context.Context, identity ControllerIdentity) error {
	_, err := dbconn.RetryableTransaction(ctx, r.db, true, r.config,
		fmt.Sprintf(`INSERT INTO controller (id, hostname, start_time) VALUES (%s, %s, %d)`,
			quote(identity.ID), quote(identity.Hostname), identity.StartTime.Unix()))
	return err
}

// Last returns the most recently registered controller identity, or
// (ControllerIdentity{}, sql.ErrNoRows) if none has ever registered.
func (r *ControllerRepo) Last(ctx context.Context) (ControllerIdentity, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, hostname, start_time FROM controller ORDER BY start_time DESC LIMIT 1`)
	var identity ControllerIdentity
	var startUnix int64
	if err := row.Scan(&identity.ID, &identity.Hostname, &startUnix); err != nil {
		return ControllerIdentity{}, err
	}
	identity.StartTime = time.Unix(startUnix, 0).UTC()
	return identity, nil
}

// JobRecord is the persisted shape of one pkg/job.Job: enough to restate
// the job's identity, type and terminal outcome after a controller
// restart. Non-terminal jobs are not resumed (spec.md's jobs are not
// restart-safe); the record exists for audit and for FindAll-style
// history queries, matching the teacher's approach of recording outcomes
// rather than resumable state in MySQL.
type JobRecord struct {
	ID            string
	ControllerID  string
	Type          string
	Lifecycle     int
	ExtendedState int
	CreateTime    time.Time
	FinishTime    time.Time
}

// JobRepo persists JobRecord rows.
type JobRepo struct {
	db     *sql.DB
	config *dbconn.DBConfig
}

// NewJobRepo returns a JobRepo backed by db.
func NewJobRepo(db *sql.DB, config *dbconn.DBConfig) *JobRepo {
	return &JobRepo{db: db, config: config}
}

// Upsert inserts or updates one job row by ID, recomputing lifecycle,
// extended state and finish_time on every call — a running job is
// upserted repeatedly as its lifecycle advances.
func (r *JobRepo) Upsert(ctx context.Context, rec JobRecord) error {
	_, err := dbconn.RetryableTransaction(ctx, r.db, true, r.config, fmt.Sprintf(
		`INSERT INTO job (id, controller_id, type, lifecycle, extended_state, create_time, finish_time)
			VALUES (%s, %s, %s, %d, %d, %d, %d)
			ON DUPLICATE KEY UPDATE lifecycle=VALUES(lifecycle), extended_state=VALUES(extended_state), finish_time=VALUES(finish_time)`,
		quote(rec.ID), quote(rec.ControllerID), quote(rec.Type), rec.Lifecycle, rec.ExtendedState,
		rec.CreateTime.Unix(), unixOrZero(rec.FinishTime)))
	return err
}

// ForController returns every job ever recorded for controllerID, newest
// first.
func (r *JobRepo) ForController(ctx context.Context, controllerID string) ([]JobRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, controller_id, type, lifecycle, extended_state, create_time, finish_time
			FROM job WHERE controller_id=? ORDER BY create_time DESC`, controllerID)
	if err != nil {
		return nil, fmt.Errorf("dbservices: query jobs: %w", err)
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var rec JobRecord
		var createUnix, finishUnix int64
		if err := rows.Scan(&rec.ID, &rec.ControllerID, &rec.Type, &rec.Lifecycle, &rec.ExtendedState, &createUnix, &finishUnix); err != nil {
			return nil, fmt.Errorf("dbservices: scan job: %w", err)
		}
		rec.CreateTime = time.Unix(createUnix, 0).UTC()
		if finishUnix != 0 {
			rec.FinishTime = time.Unix(finishUnix, 0).UTC()
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RequestRecord is the persisted shape of one controllerrequest.Request:
// identity, the job that submitted it, and its six-timestamp performance
// record (spec.md §4.7), kept for the same audit purpose as JobRecord.
type RequestRecord struct {
	ID            uint64
	JobID         string
	Type          string
	Worker        string
	Lifecycle     int
	ExtendedState int
	CCreateTime   time.Time
	CStartTime    time.Time
	WReceiveTime  time.Time
	WStartTime    time.Time
	WFinishTime   time.Time
	CFinishTime   time.Time
}

// RequestRepo persists RequestRecord rows.
type RequestRepo struct {
	db     *sql.DB
	config *dbconn.DBConfig
}

// NewRequestRepo returns a RequestRepo backed by db.
func NewRequestRepo(db *sql.DB, config *dbconn.DBConfig) *RequestRepo {
	return &RequestRepo{db: db, config: config}
}

// Upsert inserts or updates one request row by ID.
func (r *RequestRepo) Upsert(ctx context.Context, rec RequestRecord) error {
	_, err := dbconn.RetryableTransaction(ctx, r.db, true, r.config, fmt.Sprintf(
		`INSERT INTO request (id, job_id, type, worker, lifecycle, extended_state,
				c_create_time, c_start_time, w_receive_time, w_start_time, w_finish_time, c_finish_time)
			VALUES (%d, %s, %s, %s, %d, %d, %d, %d, %d, %d, %d, %d)
			ON DUPLICATE KEY UPDATE lifecycle=VALUES(lifecycle), extended_state=VALUES(extended_state),
				c_start_time=VALUES(c_start_time), w_receive_time=VALUES(w_receive_time),
				w_start_time=VALUES(w_start_time), w_finish_time=VALUES(w_finish_time), c_finish_time=VALUES(c_finish_time)`,
		rec.ID, quote(rec.JobID), quote(rec.Type), quote(rec.Worker), rec.Lifecycle, rec.ExtendedState,
		unixOrZero(rec.CCreateTime), unixOrZero(rec.CStartTime), unixOrZero(rec.WReceiveTime),
		unixOrZero(rec.WStartTime), unixOrZero(rec.WFinishTime), unixOrZero(rec.CFinishTime)))
	return err
}

// ForJob returns every request recorded against jobID.
func (r *RequestRepo) ForJob(ctx context.Context, jobID string) ([]RequestRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, job_id, type, worker, lifecycle, extended_state,
				c_create_time, c_start_time, w_receive_time, w_start_time, w_finish_time, c_finish_time
			FROM request WHERE job_id=? ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("dbservices: query requests: %w", err)
	}
	defer rows.Close()

	var out []RequestRecord
	for rows.Next() {
		var rec RequestRecord
		var cCreate, cStart, wReceive, wStart, wFinish, cFinish int64
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.Type, &rec.Worker, &rec.Lifecycle, &rec.ExtendedState,
			&cCreate, &cStart, &wReceive, &wStart, &wFinish, &cFinish); err != nil {
			return nil, fmt.Errorf("dbservices: scan request: %w", err)
		}
		rec.CCreateTime = timeOrZero(cCreate)
		rec.CStartTime = timeOrZero(cStart)
		rec.WReceiveTime = timeOrZero(wReceive)
		rec.WStartTime = timeOrZero(wStart)
		rec.WFinishTime = timeOrZero(wFinish)
		rec.CFinishTime = timeOrZero(cFinish)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(unix int64) time.Time {
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0).UTC()
}

// quote renders a Go string as a single-quoted SQL literal, matching
// pkg/replica.Store's quote: values passed here are internal identifiers
// (ids, worker names, job types), never unescaped user SQL text.
func quote(s string) string {
	escaped := make([]byte, 0, len(s)+2)
	escaped = append(escaped, '\'')
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' || s[i] == '\\' {
			escaped = append(escaped, '\\')
		}
		escaped = append(escaped, s[i])
	}
	escaped = append(escaped, '\'')
	return string(escaped)
}
