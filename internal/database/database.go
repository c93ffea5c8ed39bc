package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"order-sync-service/internal/config"
	"order-sync-service/internal/logger"
)

//go:embed migrations
var migrations embed.FS

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// DBTX is implemented by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Database struct {
	DB     *sql.DB
	Driver string
}

func NewDatabase(cfg config.StateStorage) (*Database, error) {
	var (
		db  *sql.DB
		err error
	)

	switch cfg.Type {
	case DriverSQLite:
		dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", cfg.FilePath)
		db, err = sql.Open(DriverSQLite, dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		// One writer at a time; every statement of a transaction runs on the tx handle.
		db.SetMaxOpenConns(1)
	case DriverMySQL:
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true&clientFoundRows=true",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
		db, err = sql.Open(DriverMySQL, dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open database connection: %w", err)
		}
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(time.Hour)
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Log.Info("Connected to database",
		zap.String("driver", cfg.Type),
		zap.String("host", cfg.Host),
		zap.String("database", databaseName(cfg)),
	)

	return &Database{
		DB:     db,
		Driver: cfg.Type,
	}, nil
}

func databaseName(cfg config.StateStorage) string {
	if cfg.Type == DriverSQLite {
		return cfg.FilePath
	}
	return cfg.Database
}

func (d *Database) Close() error {
	return d.DB.Close()
}

// Migrate applies the embedded goose migrations for the database driver.
func (d *Database) Migrate(ctx context.Context) error {
	var dialect goose.Dialect
	switch d.Driver {
	case DriverSQLite:
		dialect = goose.DialectSQLite3
	case DriverMySQL:
		dialect = goose.DialectMySQL
	default:
		return fmt.Errorf("no migrations for driver %q", d.Driver)
	}

	fsys, err := fs.Sub(migrations, "migrations/"+d.Driver)
	if err != nil {
		return err
	}

	provider, err := goose.NewProvider(dialect, d.DB, fsys)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	for _, r := range results {
		logger.Log.Info("Applied migration",
			zap.Int64("version", r.Source.Version),
			zap.Duration("duration", r.Duration),
		)
	}
	return nil
}

// ExecTx executes a function within a transaction
func (d *Database) ExecTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return ExecTx(ctx, d.DB, fn)
}

func ExecTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx err: %w, rb err: %v", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}
