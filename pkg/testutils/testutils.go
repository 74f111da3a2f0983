// Package testutils provides small helpers shared by the integration tests
// of the other packages in this module. None of it is exercised by
// production code paths.
package testutils

import (
	"database/sql"
	"os"
	"testing"

	_ "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"
)

// DSN returns the data source name integration tests connect with. It
// defaults to a local MySQL instance on the conventional test port/schema,
// overridable via REPLICA_TEST_DSN for CI environments.
func DSN() string {
	if dsn := os.Getenv("REPLICA_TEST_DSN"); dsn != "" {
		return dsn
	}
	return "msandbox:msandbox@tcp(127.0.0.1:8030)/test"
}

// RunSQL executes statement against DSN(), failing the test on error.
func RunSQL(t *testing.T, statement string) {
	t.Helper()
	db, err := sql.Open("mysql", DSN())
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(statement)
	require.NoError(t, err)
}
