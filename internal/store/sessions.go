package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/coral-mesh/jvmprof/internal/duckdb"
)

// SessionRecord describes one saved session.
type SessionRecord struct {
	ID             string    `duckdb:"session_id,pk" json:"session_id" header:"Session"`
	CreatedAt      time.Time `duckdb:"created_at,immutable" json:"created_at" header:"Created"`
	Source         string    `duckdb:"source" json:"source" header:"Source"`
	TicksPerSecond int64     `duckdb:"ticks_per_second" json:"ticks_per_second"`
	LastTimestamp  int64     `duckdb:"last_timestamp" json:"last_timestamp"`
	Events         int64     `duckdb:"events" json:"events" header:"Events"`
	Methods        int64     `duckdb:"methods" json:"methods" header:"Methods"`
}

const tableSessions = "sessions"

// SaveSession inserts or updates a session record. CreatedAt is kept from
// the first save.
func (s *Store) SaveSession(ctx context.Context, rec SessionRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("session id is required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := duckdb.NewTable[SessionRecord](s.db, tableSessions).Upsert(ctx, &rec); err != nil {
		return fmt.Errorf("failed to save session %s: %w", rec.ID, err)
	}
	return nil
}

// GetSession loads one session record.
func (s *Store) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	rec, err := duckdb.NewTable[SessionRecord](s.db, tableSessions).Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	return rec, nil
}

// ListFilter narrows ListSessions. Zero values do not filter.
type ListFilter struct {
	Since  time.Time
	Until  time.Time
	Source string
	Limit  int
}

// ListSessions returns saved sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, f ListFilter) ([]SessionRecord, error) {
	qb := duckdb.NewQueryBuilder(tableSessions).
		Select("session_id", "created_at", "source", "ticks_per_second", "last_timestamp", "events", "methods").
		TimeColumn("created_at").
		Eq("source", f.Source).
		OrderBy("-created_at", "session_id").
		Limit(f.Limit)
	switch {
	case !f.Since.IsZero() && !f.Until.IsZero():
		qb.TimeRange(f.Since, f.Until)
	case !f.Since.IsZero():
		qb.Gte("created_at", f.Since)
	case !f.Until.IsZero():
		qb.Lte("created_at", f.Until)
	}

	query, args, err := qb.Build()
	if err != nil {
		return nil, err
	}
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []SessionRecord{}
	for rows.Next() {
		var r SessionRecord
		if err := rows.Scan(&r.ID, &r.CreatedAt, &r.Source, &r.TicksPerSecond, &r.LastTimestamp, &r.Events, &r.Methods); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteSession removes a session and every result saved for it.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.replace(ctx, id, allTables, func(*sql.Tx) error { return nil })
}
