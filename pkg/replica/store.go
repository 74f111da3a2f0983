package replica

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/qserv/replica/pkg/dbconn"
)

// Store persists Info rows plus their cascading File rows, built on
// dbconn.RetryableTransaction for every mutation exactly as the teacher's
// migration code wraps its row-copy statements.
type Store struct {
	db     *sql.DB
	config *dbconn.DBConfig
}

// NewStore returns a Store backed by db.
func NewStore(db *sql.DB, config *dbconn.DBConfig) *Store {
	return &Store{db: db, config: config}
}

// Upsert inserts or updates info by (worker, database, chunk): when
// info.Status is Complete, it upserts (recomputing verify_time, sizes,
// mtimes, checksums); otherwise it deletes the row and cascades its files.
func (s *Store) Upsert(ctx context.Context, info Info) error {
	if info.Status != Complete {
		_, err := dbconn.RetryableTransaction(ctx, s.db, true, s.config,
			fmt.Sprintf("DELETE FROM replica_file WHERE worker=%s AND database_name=%s AND chunk=%d",
				quote(info.Worker), quote(info.Database), info.Chunk),
			fmt.Sprintf("DELETE FROM replica WHERE worker=%s AND database_name=%s AND chunk=%d",
				quote(info.Worker), quote(info.Database), info.Chunk),
		)
		return err
	}

	stmts := []string{
		fmt.Sprintf(`INSERT INTO replica (worker, database_name, chunk, status, verify_time)
			VALUES (%s, %s, %d, %d, NOW(6))
			ON DUPLICATE KEY UPDATE status=VALUES(status), verify_time=VALUES(verify_time)`,
			quote(info.Worker), quote(info.Database), info.Chunk, int(info.Status)),
		fmt.Sprintf("DELETE FROM replica_file WHERE worker=%s AND database_name=%s AND chunk=%d",
			quote(info.Worker), quote(info.Database), info.Chunk),
	}
	for _, f := range info.Files {
		stmts = append(stmts, fmt.Sprintf(
			`INSERT INTO replica_file (worker, database_name, chunk, name, size, mtime, checksum)
				VALUES (%s, %s, %d, %s, %d, %d, %d)`,
			quote(info.Worker), quote(info.Database), info.Chunk, quote(f.Name), f.Size, f.MTime.Unix(), f.Checksum))
	}
	_, err := dbconn.RetryableTransaction(ctx, s.db, true, s.config, stmts...)
	return err
}

// ReplaceAll bulk-replaces every replica row for (worker, database) with
// replicas, computing the set difference so rows present only in the old
// collection are deleted and the rest are upserted. An empty replicas
// bulk-deletes all rows for (worker, database).
func (s *Store) ReplaceAll(ctx context.Context, worker, database string, replicas []Info) error {
	if len(replicas) == 0 {
		_, err := dbconn.RetryableTransaction(ctx, s.db, true, s.config,
			fmt.Sprintf("DELETE replica_file FROM replica_file JOIN replica USING (worker, database_name, chunk) WHERE replica.worker=%s AND replica.database_name=%s",
				quote(worker), quote(database)),
			fmt.Sprintf("DELETE FROM replica WHERE worker=%s AND database_name=%s", quote(worker), quote(database)),
		)
		return err
	}

	wanted := make(map[uint32]struct{}, len(replicas))
	for _, r := range replicas {
		wanted[r.Chunk] = struct{}{}
	}

	existing, err := s.ForWorker(ctx, worker, database)
	if err != nil {
		return err
	}
	var stale []uint32
	for _, r := range existing {
		if _, ok := wanted[r.Chunk]; !ok {
			stale = append(stale, r.Chunk)
		}
	}

	for _, chunk := range stale {
		_, err := dbconn.RetryableTransaction(ctx, s.db, true, s.config,
			fmt.Sprintf("DELETE FROM replica_file WHERE worker=%s AND database_name=%s AND chunk=%d", quote(worker), quote(database), chunk),
			fmt.Sprintf("DELETE FROM replica WHERE worker=%s AND database_name=%s AND chunk=%d", quote(worker), quote(database), chunk),
		)
		if err != nil {
			return err
		}
	}
	for _, r := range replicas {
		if err := s.Upsert(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// OldestN returns the n replicas with the oldest verify_time, used by
// VerifyJob to sweep the catalog oldest-first.
func (s *Store) OldestN(ctx context.Context, n int) ([]Info, error) {
	return s.query(ctx, "SELECT worker, database_name, chunk, status, verify_time FROM replica ORDER BY verify_time ASC LIMIT ?", n)
}

// ForChunk returns every replica of (database, chunk) across all workers.
func (s *Store) ForChunk(ctx context.Context, database string, chunk uint32) ([]Info, error) {
	return s.query(ctx, "SELECT worker, database_name, chunk, status, verify_time FROM replica WHERE database_name=? AND chunk=?", database, chunk)
}

// ForWorker returns every replica on worker, optionally restricted to
// database (pass "" for no restriction).
func (s *Store) ForWorker(ctx context.Context, worker, database string) ([]Info, error) {
	if database == "" {
		return s.query(ctx, "SELECT worker, database_name, chunk, status, verify_time FROM replica WHERE worker=?", worker)
	}
	return s.query(ctx, "SELECT worker, database_name, chunk, status, verify_time FROM replica WHERE worker=? AND database_name=?", worker, database)
}

// ForWorkerChunk returns the replicas of chunk on worker, optionally
// restricted to the databases of family (pass "" for no restriction).
func (s *Store) ForWorkerChunk(ctx context.Context, worker string, chunk uint32, family string) ([]Info, error) {
	if family == "" {
		return s.query(ctx, "SELECT worker, database_name, chunk, status, verify_time FROM replica WHERE worker=? AND chunk=?", worker, chunk)
	}
	return s.query(ctx, `SELECT r.worker, r.database_name, r.chunk, r.status, r.verify_time
		FROM replica r JOIN database_family_member dfm ON dfm.database_name = r.database_name
		WHERE r.worker=? AND r.chunk=? AND dfm.family=?`, worker, chunk, family)
}

// ChunksForDatabase returns every chunk of database that has at least one
// COMPLETE replica, mapped to the workers holding a complete copy. It is
// the chunk map a query-session SecondaryIndex falls back to when a
// query's constraints don't narrow the search (czar C10 point 4).
func (s *Store) ChunksForDatabase(ctx context.Context, database string) (map[uint32][]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT chunk, worker FROM replica WHERE database_name=? AND status=? ORDER BY chunk", database, int(Complete))
	if err != nil {
		return nil, fmt.Errorf("replica: query chunk map: %w", err)
	}
	defer rows.Close()

	out := make(map[uint32][]string)
	for rows.Next() {
		var chunk uint32
		var worker string
		if err := rows.Scan(&chunk, &worker); err != nil {
			return nil, fmt.Errorf("replica: scan chunk map: %w", err)
		}
		out[chunk] = append(out[chunk], worker)
	}
	return out, rows.Err()
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Info, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("replica: query: %w", err)
	}
	defer rows.Close()

	var out []Info
	for rows.Next() {
		var info Info
		var status int
		if err := rows.Scan(&info.Worker, &info.Database, &info.Chunk, &status, &info.VerifyTime); err != nil {
			return nil, fmt.Errorf("replica: scan: %w", err)
		}
		info.Status = Status(status)
		files, err := s.filesFor(ctx, info.Worker, info.Database, info.Chunk)
		if err != nil {
			return nil, err
		}
		info.Files = files
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *Store) filesFor(ctx context.Context, worker, database string, chunk uint32) ([]File, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name, size, mtime, checksum FROM replica_file WHERE worker=? AND database_name=? AND chunk=?",
		worker, database, chunk)
	if err != nil {
		return nil, fmt.Errorf("replica: query files: %w", err)
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		var f File
		var mtimeUnix int64
		if err := rows.Scan(&f.Name, &f.Size, &mtimeUnix, &f.Checksum); err != nil {
			return nil, fmt.Errorf("replica: scan file: %w", err)
		}
		f.MTime = time.Unix(mtimeUnix, 0).UTC()
		files = append(files, f)
	}
	return files, rows.Err()
}

// quote renders a Go string as a single-quoted SQL literal. Values passed
// here are internal identifiers (worker/database names, file names) never
// derived from unescaped user SQL text.
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
