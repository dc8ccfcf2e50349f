// Package testutil provides test utilities for database setup.
package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quantsys/atabus/internal/infrastructure/sqlite"
)

// NewDB creates a fully migrated atabus database in a temp directory.
// The database is closed automatically when the test finishes.
func NewDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sqlite.NewDB(filepath.Join(t.TempDir(), "atabus.db"))
	require.NoError(t, err, "opening test database")
	t.Cleanup(func() { _ = db.Close() })
	return db
}
