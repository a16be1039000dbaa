package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS threads (
    id TEXT PRIMARY KEY,
    state TEXT NOT NULL,
    template TEXT NOT NULL DEFAULT '',
    slots TEXT NOT NULL DEFAULT '{}',
    asked_slot TEXT NOT NULL DEFAULT '',
    active_job_id TEXT NOT NULL DEFAULT '',
    version INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    thread_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY (thread_id) REFERENCES threads(id)
);

CREATE INDEX IF NOT EXISTS messages_thread_idx ON messages(thread_id, id);

CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    thread_id TEXT NOT NULL,
    template TEXT NOT NULL,
    slots TEXT NOT NULL,
    status TEXT NOT NULL,
    result_url TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    attempts INTEGER NOT NULL DEFAULT 0,
    provider_ref TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    FOREIGN KEY (thread_id) REFERENCES threads(id)
);

CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs(status, created_at);`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS threads (
    id TEXT PRIMARY KEY,
    state TEXT NOT NULL,
    template TEXT NOT NULL DEFAULT '',
    slots TEXT NOT NULL DEFAULT '{}',
    asked_slot TEXT NOT NULL DEFAULT '',
    active_job_id TEXT NOT NULL DEFAULT '',
    version BIGINT NOT NULL DEFAULT 1,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
    id BIGSERIAL PRIMARY KEY,
    thread_id TEXT NOT NULL REFERENCES threads(id),
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS messages_thread_idx ON messages(thread_id, id);

CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    thread_id TEXT NOT NULL REFERENCES threads(id),
    template TEXT NOT NULL,
    slots TEXT NOT NULL,
    status TEXT NOT NULL,
    result_url TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    attempts INTEGER NOT NULL DEFAULT 0,
    provider_ref TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs(status, created_at);`

// Database is the durable conversation store: threads, their message
// history and their render jobs.
type Database struct {
	db       *sql.DB
	postgres bool
	now      func() time.Time
}

// New opens a sqlite database file, creating the schema if needed.
func New(dbPath string) (*Database, error) {
	return Open("sqlite3", dbPath)
}

// Open connects with driver "sqlite3" or "postgres" (served by pgx).
func Open(driver, dsn string) (*Database, error) {
	var (
		schema   string
		postgres bool
	)
	switch driver {
	case "sqlite3", "sqlite", "":
		driver, schema = "sqlite3", sqliteSchema
		dsn = withSQLiteParams(dsn)
	case "postgres", "pgx":
		driver, schema, postgres = "pgx", postgresSchema, true
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if !postgres {
		// sqlite serialises writers anyway; one connection keeps in-memory
		// databases alive and avoids SQLITE_BUSY between our own goroutines.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Database{db: db, postgres: postgres, now: func() time.Time { return time.Now().UTC() }}, nil
}

func withSQLiteParams(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_busy_timeout=5000&_foreign_keys=on"
}

func (db *Database) Close() error {
	return db.db.Close()
}

// Ping checks the connection.
func (db *Database) Ping(ctx context.Context) error {
	return db.db.PingContext(ctx)
}

// rebind rewrites ? placeholders as $n for postgres.
func (db *Database) rebind(query string) string {
	if !db.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
