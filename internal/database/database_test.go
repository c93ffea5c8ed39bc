package database_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-sync-service/internal/config"
	"order-sync-service/internal/database"
	"order-sync-service/internal/testutil"
)

func TestExecTxCommits(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE orders").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = database.ExecTx(context.Background(), db, func(tx *sql.Tx) error {
		_, err := tx.Exec("UPDATE orders SET sync_state = 'synced'")
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecTxRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	boom := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM order_line_items").WillReturnError(boom)
	mock.ExpectRollback()

	err = database.ExecTx(context.Background(), db, func(tx *sql.Tx) error {
		_, err := tx.Exec("DELETE FROM order_line_items")
		return err
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecTxReportsRollbackFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	boom := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectRollback().WillReturnError(errors.New("connection reset"))

	err = database.ExecTx(context.Background(), db, func(tx *sql.Tx) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "connection reset")
}

func TestMigrateCreatesSchema(t *testing.T) {
	db := testutil.NewDatabase(t)

	for _, table := range []string{"orders", "order_line_items", "products", "sync_queue", "conflicts", "sync_history", "sync_state"} {
		var name string
		err := db.DB.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		require.NoError(t, err, table)
		assert.Equal(t, table, name)
	}

	// running again is a no-op
	require.NoError(t, db.Migrate(context.Background()))
}

func TestNewDatabaseRejectsUnknownDriver(t *testing.T) {
	_, err := database.NewDatabase(config.StateStorage{Type: "oracle"})
	assert.ErrorContains(t, err, "unsupported database type")
}
