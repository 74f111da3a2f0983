// Package table describes the tables of a database family: their columns,
// whether they are partitioned (chunked), and the on-disk naming scheme
// used to lay out one file-set per chunk. It is the shared vocabulary used
// by the worker request engine (chunk file discovery), the czar (rewriting
// qualified names to their per-chunk form), and the job orchestrator
// (colocation checks).
package table

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// TableInfo describes one table of a database.
type TableInfo struct {
	SchemaName string
	TableName  string
	QuotedName string

	Columns    []string
	KeyColumns []string

	// NonGeneratedColumns excludes virtual/stored generated columns, which
	// cannot be named in the column list of an INSERT ... SELECT used to
	// seed a replica from another worker's copy of the same chunk.
	NonGeneratedColumns []string

	// Partitioned is true for tables that are split into per-chunk file
	// sets (a "director" or "child" table in qserv terms); false for
	// regular, fully-replicated tables.
	Partitioned bool
}

// NewTableInfo returns a TableInfo for schema.tableName. Call SetInfo to
// populate Columns/KeyColumns/Partitioned from db.
func NewTableInfo(_ *sql.DB, schema, tableName string) *TableInfo {
	return &TableInfo{
		SchemaName: schema,
		TableName:  tableName,
		QuotedName: fmt.Sprintf("`%s`.`%s`", schema, tableName),
	}
}

// SetInfo populates Columns, KeyColumns and Partitioned by inspecting db's
// information_schema. Partitioned status is inferred from the presence of
// the table in qserv's CSS-equivalent catalog, modeled here as a lookup
// against a `QServMeta.partitioned_tables` registry table.
func (t *TableInfo) SetInfo(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `
		SELECT COLUMN_NAME, COLUMN_KEY, GENERATION_EXPRESSION
		FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION`, t.SchemaName, t.TableName)
	if err != nil {
		return fmt.Errorf("table: load columns for %s: %w", t.QuotedName, err)
	}
	defer rows.Close()

	var columns, keyColumns, nonGenerated []string
	for rows.Next() {
		var name, key, generationExpr string
		if err := rows.Scan(&name, &key, &generationExpr); err != nil {
			return fmt.Errorf("table: scan column for %s: %w", t.QuotedName, err)
		}
		columns = append(columns, name)
		if key == "PRI" {
			keyColumns = append(keyColumns, name)
		}
		if generationExpr == "" {
			nonGenerated = append(nonGenerated, name)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(columns) == 0 {
		return fmt.Errorf("table: %s has no columns, or does not exist", t.QuotedName)
	}
	t.Columns = columns
	t.KeyColumns = keyColumns
	t.NonGeneratedColumns = nonGenerated

	var n int
	err = db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM qservMeta.partitioned_tables
		WHERE db = ? AND table_name = ?`, t.SchemaName, t.TableName).Scan(&n)
	if err != nil {
		// The registry table may not exist on a plain MySQL instance used
		// in tests; treat that as "not partitioned" rather than an error.
		t.Partitioned = false
		return nil
	}
	t.Partitioned = n > 0
	return nil
}

// QuoteColumns renders columns as a comma-joined, backtick-quoted list,
// used to build the composite-key predicates in replication statements.
func QuoteColumns(columns []string) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = "`" + c + "`"
	}
	return strings.Join(quoted, ", ")
}

// ChunkFileBase returns the on-disk base name for chunk of table, e.g.
// "Object_1234". Subchunk file names append "Overlap" or a subchunk id
// per qserv convention; ChunkFileBase always returns the base chunk name.
func ChunkFileBase(tableName string, chunk uint32) string {
	return fmt.Sprintf("%s_%d", tableName, chunk)
}

// ParseChunkFileBase parses a base name produced by ChunkFileBase back
// into its table name and chunk number. Per the worker request engine's
// parse-time policy, a chunk number may not start with an underscore
// (upstream rejects "_1234" forms used for special/dummy chunks), so this
// helper refuses a base whose last underscore follows another one (e.g.
// "Object__1234"); the chunk number itself must be plain unsigned decimal.
func ParseChunkFileBase(base string) (tableName string, chunk uint32, ok bool) {
	idx := strings.LastIndexByte(base, '_')
	if idx < 0 || idx == len(base)-1 {
		return "", 0, false
	}
	numPart := base[idx+1:]
	if idx > 0 && base[idx-1] == '_' {
		return "", 0, false
	}
	n, err := strconv.ParseUint(numPart, 10, 32)
	if err != nil {
		return "", 0, false
	}
	return base[:idx], uint32(n), true
}

// RequiredFiles returns the canonical set of data-directory file names
// that must all be present for a chunk of table to be considered
// COMPLETE. The set mirrors MyISAM's on-disk layout (.frm/.MYD/.MYI),
// which is what qserv's worker data directories use for chunked tables.
func RequiredFiles(tableName string, chunk uint32) []string {
	base := ChunkFileBase(tableName, chunk)
	return []string{base + ".frm", base + ".MYD", base + ".MYI"}
}
