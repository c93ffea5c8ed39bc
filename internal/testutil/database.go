// Package testutil holds helpers shared by package tests.
package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"order-sync-service/internal/config"
	"order-sync-service/internal/database"
)

// NewDatabase opens a migrated SQLite database in a per-test temp directory.
// The database is closed when the test ends.
func NewDatabase(t testing.TB) *database.Database {
	t.Helper()

	db, err := database.NewDatabase(config.StateStorage{
		Type:     database.DriverSQLite,
		FilePath: filepath.Join(t.TempDir(), "orders.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.Migrate(context.Background()))
	return db
}
