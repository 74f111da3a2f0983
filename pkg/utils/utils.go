// Package utils contains some common utilities used by all other packages.
package utils

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/qserv/replica/pkg/table"
	"github.com/siddontang/loggers"
)

const (
	PrimaryKeySeparator = "-#-" // used to hash a composite primary key
)

// HashKey is used to convert a composite key into a string
// so that it can be placed in a map.
func HashKey(key []interface{}) string {
	var pk []string
	for _, v := range key {
		pk = append(pk, fmt.Sprintf("%v", v))
	}
	return strings.Join(pk, PrimaryKeySeparator)
}

// IntersectNonGeneratedColumns returns a comma-joined, backtick-quoted list
// of the non-generated columns present in both t1 and t2, in t1's column
// order. It is used to build the column list of an INSERT ... SELECT that
// seeds one replica's chunk tables from another worker's copy, where the
// two copies may have drifted by a generated column added on only one side.
func IntersectNonGeneratedColumns(t1, t2 *table.TableInfo) string {
	in2 := make(map[string]struct{}, len(t2.NonGeneratedColumns))
	for _, col := range t2.NonGeneratedColumns {
		in2[col] = struct{}{}
	}
	var intersection []string
	for _, col := range t1.NonGeneratedColumns {
		if _, ok := in2[col]; ok {
			intersection = append(intersection, "`"+col+"`")
		}
	}
	return strings.Join(intersection, ", ")
}

// escapeStringLiteral escapes a value for safe embedding inside a single
// quoted SQL string literal. UnhashKey only ever receives values that were
// themselves round-tripped through HashKey from driver-scanned column
// values, never raw user input, but we still escape defensively since the
// result is concatenated directly into SQL text rather than bound as a
// parameter.
func escapeStringLiteral(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\\', '\'', '"', 0, '\n', '\r':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// UnhashKey converts a hashed key to a string that can be used in a query.
func UnhashKey(key string) string {
	str := strings.Split(key, PrimaryKeySeparator)
	if len(str) == 1 {
		return "'" + escapeStringLiteral(str[0]) + "'"
	}
	for i, v := range str {
		str[i] = "'" + escapeStringLiteral(v) + "'"
	}
	return "(" + strings.Join(str, ",") + ")"
}

// ErrInErr is a wrapper func to not nest too deeply in an error being handled
// inside of an already error path. Not catching the error makes linters unhappy,
// but because it's already in an error path, there's not much to do.
func ErrInErr(_ error) {
}

// CloseAndLog closes db, logging any error instead of returning it. Used in
// defer position where the caller already has a more meaningful error to
// return and a close failure is secondary.
func CloseAndLog(db *sql.DB) {
	if err := db.Close(); err != nil {
		fmt.Println("error closing database connection:", err)
	}
}

// CloseAndLogWith is like CloseAndLog but reports through logger instead of
// stdout, for call sites that already carry a loggers.Advanced.
func CloseAndLogWith(db *sql.DB, logger loggers.Advanced) {
	if err := db.Close(); err != nil {
		logger.Errorf("error closing database connection: %v", err)
	}
}

func StripPort(hostname string) string {
	if strings.Contains(hostname, ":") {
		return strings.Split(hostname, ":")[0]
	}
	return hostname
}
