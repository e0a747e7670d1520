// Package store persists frozen session results in DuckDB so they can be
// reloaded and compared after the JVM is gone.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/jvmprof/internal/duckdb"
	"github.com/coral-mesh/jvmprof/internal/errors"
)

// Store wraps a DuckDB database holding results of any number of sessions.
type Store struct {
	db     *sql.DB
	owned  bool
	logger zerolog.Logger
}

// Open opens or creates the database at path. An empty path opens an
// in-memory database.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	db, err := duckdb.OpenDB(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open results database: %w", err)
	}
	if path == "" {
		// Every pooled connection to "" would get its own empty database.
		db.SetMaxOpenConns(1)
	}
	s, err := New(db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// New uses an already opened database. The caller keeps ownership of db.
func New(db *sql.DB, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "results_store").Logger(),
	}
	if err := s.initSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			session_id       TEXT PRIMARY KEY,
			created_at       TIMESTAMP NOT NULL,
			source           TEXT      NOT NULL,
			ticks_per_second BIGINT    NOT NULL,
			last_timestamp   BIGINT    NOT NULL DEFAULT 0,
			events           BIGINT    NOT NULL DEFAULT 0,
			methods          BIGINT    NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions (created_at);

		-- Result tables carry no keys. They are only written through
		-- replace, which clears the session's rows first, and DuckDB rejects
		-- re-inserting a key deleted earlier in the same transaction.
		CREATE TABLE IF NOT EXISTS flat_profiles (
			session_id   TEXT    NOT NULL,
			method_id    BIGINT  NOT NULL,
			name         TEXT    NOT NULL,
			invocations  BIGINT  NOT NULL,
			inclusive_us BIGINT  NOT NULL,
			exclusive_us BIGINT  NOT NULL,
			percent      DOUBLE  NOT NULL
		);

		-- columns is comma separated; vals is a list literal such as "[1, 2]".
		CREATE TABLE IF NOT EXISTS telemetry_series (
			session_id TEXT NOT NULL,
			series     TEXT NOT NULL,
			columns    TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS telemetry_points (
			session_id TEXT    NOT NULL,
			series     TEXT    NOT NULL,
			seq        INTEGER NOT NULL,
			timestamp  BIGINT  NOT NULL,
			vals       TEXT    NOT NULL
		);

		CREATE TABLE IF NOT EXISTS thread_states (
			session_id TEXT    NOT NULL,
			thread_id  INTEGER NOT NULL,
			seq        INTEGER NOT NULL,
			name       TEXT    NOT NULL,
			class_name TEXT    NOT NULL,
			timestamp  BIGINT  NOT NULL,
			state      TEXT    NOT NULL
		);

		CREATE TABLE IF NOT EXISTS cct_threads (
			session_id     TEXT    NOT NULL,
			thread_id      INTEGER NOT NULL,
			name           TEXT    NOT NULL,
			open_frames    INTEGER NOT NULL,
			root_inclusive BIGINT  NOT NULL,
			root_exclusive BIGINT  NOT NULL
		);

		-- One row per calling context; path_id is the xxh3 hash of the
		-- method path from the thread root.
		CREATE TABLE IF NOT EXISTS cct_nodes (
			session_id  TEXT     NOT NULL,
			thread_id   INTEGER  NOT NULL,
			ord         INTEGER  NOT NULL,
			path_id     UBIGINT  NOT NULL,
			parent_id   UBIGINT  NOT NULL,
			method_id   BIGINT   NOT NULL,
			path        TEXT     NOT NULL,
			invocations BIGINT   NOT NULL,
			inclusive   BIGINT   NOT NULL,
			exclusive   BIGINT   NOT NULL
		);

		CREATE TABLE IF NOT EXISTS profile_points (
			session_id TEXT    NOT NULL,
			point_id   INTEGER NOT NULL,
			hits       BIGINT  NOT NULL
		);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	s.logger.Debug().Msg("Results store schema initialized")
	return nil
}

// Close closes the database if the store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

// query runs a built SELECT, tracing it as copy-pasteable SQL.
func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if e := s.logger.Trace(); e.Enabled() {
		e.Str("sql", duckdb.InterpolateQuery(query, args)).Msg("Query")
	}
	return s.db.QueryContext(ctx, query, args...)
}

// replace deletes every row of session in the given tables and then runs
// fill, all in one transaction.
func (s *Store) replace(ctx context.Context, sessionID string, tables []string, fill func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer errors.DeferRollback(s.logger, tx)

	for _, table := range tables {
		// #nosec G201 - table names are package constants
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE session_id = ?", sessionID); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	if err := fill(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
