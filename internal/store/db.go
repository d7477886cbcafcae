// Package store owns the embedded SQLite database shared by every engine
// component: schema, indexes, connection lifecycle, and the immediate-mode
// write transaction discipline.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/zjrosen/agentbus/internal/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ProtocolVersion is the wire protocol version token written at init.
const ProtocolVersion = "1.0"

// busyTimeoutMS bounds how long a writer waits for the write lock before
// the call fails with a transient busy error.
const busyTimeoutMS = 10000

// DB wraps the SQLite connection pool for the coordination store.
//
// database/sql hands each goroutine a pooled connection; the DSN pragmas
// below apply to every connection in the pool, so all writers see WAL mode,
// the shared busy timeout, and immediate-mode transaction semantics.
type DB struct {
	conn *sql.DB
	path string
}

// NewDB opens (creating if needed) the store at path and brings the schema
// up to date. Initialization is idempotent: reopening an existing store is
// safe, and a .bak copy of the previous file is taken before migrations run.
func NewDB(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	// Back up an existing database before migrating it.
	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, path+".bak"); err != nil {
			return nil, fmt.Errorf("backup store before migration: %w", err)
		}
	}

	dsn := "file:" + path +
		"?_txlock=immediate" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		fmt.Sprintf("&_pragma=busy_timeout(%d)", busyTimeoutMS) +
		"&_pragma=foreign_keys(ON)"

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		log.ErrorErr(log.CatDB, "Failed to open store", err, "path", path)
		return nil, fmt.Errorf("open store: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		log.ErrorErr(log.CatDB, "Failed to ping store", err, "path", path)
		return nil, fmt.Errorf("ping store: %w", err)
	}

	if err := runMigrations(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	log.Info(log.CatDB, "Store ready", "path", path)
	return &DB{conn: conn, path: path}, nil
}

// runMigrations applies all embedded schema migrations.
func runMigrations(conn *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	driver, err := sqlitemigrate.WithInstance(conn, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Conn returns the underlying connection pool.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

// Path returns the on-disk location of the store file.
func (d *DB) Path() string {
	return d.path
}

// Close closes the connection pool.
func (d *DB) Close() error {
	return d.conn.Close()
}

// copyFile copies src to dst, truncating dst if it exists.
func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // G304: src is the store path
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
