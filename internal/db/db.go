package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var embedMigrations embed.FS

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type DB struct {
	*sql.DB
	driver string
}

// Open opens a SQLite database at dbPath.
func Open(dbPath string) (*DB, error) {
	return OpenDriver(DriverSQLite, dbPath, 1)
}

// OpenDriver opens a database for the given driver. SQLite is always limited
// to a single connection; maxOpen applies to PostgreSQL only.
func OpenDriver(driver, dsn string, maxOpen int) (*DB, error) {
	switch driver {
	case DriverSQLite:
		return openSQLite(dsn)
	case DriverPostgres:
		return openPostgres(dsn, maxOpen)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func openSQLite(dbPath string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB.SetMaxOpenConns(1)

	if _, err := sqlDB.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if _, err := sqlDB.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	return &DB{DB: sqlDB, driver: DriverSQLite}, nil
}

func openPostgres(dsn string, maxOpen int) (*DB, error) {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &DB{DB: sqlDB, driver: DriverPostgres}, nil
}

// Driver returns the driver name the database was opened with.
func (db *DB) Driver() string {
	if db.driver == "" {
		return DriverSQLite
	}
	return db.driver
}

func (db *DB) Migrate() error {
	goose.SetBaseFS(embedMigrations)

	dialect, dir := "sqlite3", "migrations/sqlite"
	if db.Driver() == DriverPostgres {
		dialect, dir = "postgres", "migrations/postgres"
	}

	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("setting dialect: %w", err)
	}

	if err := goose.Up(db.DB, dir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	return nil
}

// WithTx runs fn inside a transaction, committing when fn returns nil and
// rolling back otherwise.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (db *DB) rebind(query string) string {
	if db.Driver() != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
