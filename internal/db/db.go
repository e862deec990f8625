// Package db provides database connection management for the control plane
// store. SQLite is the default backend; PostgreSQL is used when a database
// host is configured.
package db

import (
	"github.com/jmoiron/sqlx"

	"github.com/yourbuddyconner/agent-ops-sub007/internal/common/config"
)

// Driver names as reported by sqlx.DB.DriverName().
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// Pool provides separate read and write database connections.
//
// For SQLite with WAL mode, this enables concurrent reads while serializing
// writes through a single connection. The writer pool uses MaxOpenConns(1) to
// avoid SQLITE_BUSY on write contention, while the reader pool allows multiple
// concurrent connections for SELECT queries.
//
// For PostgreSQL, both Writer and Reader return the same *sqlx.DB since pgx
// handles connection pooling internally.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// Writer returns the connection pool used for INSERT, UPDATE, DELETE, and
// transactions. For SQLite this is limited to a single connection.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connection pool used for SELECT queries. For SQLite
// this opens multiple read-only connections that can operate concurrently
// with the writer via WAL snapshots.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// DriverName returns the underlying driver name.
func (p *Pool) DriverName() string { return p.writer.DriverName() }

// IsPostgres reports whether the pool is backed by PostgreSQL.
func (p *Pool) IsPostgres() bool { return p.DriverName() == DriverPostgres }

// Close closes both the writer and reader pools.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	// Avoid double-close when both pools share the same *sqlx.DB (Postgres).
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}

// Open creates a Pool from the database configuration. An empty host selects
// SQLite at cfg.Path; otherwise a PostgreSQL pool is opened via pgx.
func Open(cfg config.DatabaseConfig) (*Pool, error) {
	if cfg.Host == "" {
		writer, err := openSQLiteWriter(cfg.Path)
		if err != nil {
			return nil, err
		}
		reader, err := openSQLiteReader(cfg.Path)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		return &Pool{writer: writer, reader: reader}, nil
	}

	pg, err := openPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
	if err != nil {
		return nil, err
	}
	return &Pool{writer: pg, reader: pg}, nil
}

// NewPool wraps pre-opened writer and reader connections. Tests use this
// with in-memory SQLite.
func NewPool(writer, reader *sqlx.DB) *Pool {
	if reader == nil {
		reader = writer
	}
	return &Pool{writer: writer, reader: reader}
}

// Now returns the SQL expression for the current timestamp.
func Now(driver string) string {
	if driver == DriverPostgres {
		return "NOW()"
	}
	return "datetime('now')"
}

// BoolToInt converts a boolean to an integer for SQL storage.
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
