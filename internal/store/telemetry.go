package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/coral-mesh/jvmprof/internal/duckdb"
	"github.com/coral-mesh/jvmprof/internal/monitor"
	"github.com/coral-mesh/jvmprof/internal/telemetry"
	"github.com/coral-mesh/jvmprof/internal/threads"
)

type seriesRow struct {
	SessionID string `duckdb:"session_id"`
	Series    string `duckdb:"series"`
	Columns   string `duckdb:"columns"`
}

type pointRow struct {
	SessionID string `duckdb:"session_id"`
	Series    string `duckdb:"series"`
	Seq       int32  `duckdb:"seq"`
	Timestamp int64  `duckdb:"timestamp"`
	Values    string `duckdb:"vals"`
}

// SaveTelemetry replaces the telemetry series saved for sessionID.
func (s *Store) SaveTelemetry(ctx context.Context, sessionID string, snap telemetry.Snapshot) error {
	var (
		series []*seriesRow
		points []*pointRow
	)
	for _, ser := range snap.Series {
		series = append(series, &seriesRow{
			SessionID: sessionID,
			Series:    ser.Name,
			Columns:   strings.Join(ser.Columns, ","),
		})
		for i, p := range ser.Points {
			points = append(points, &pointRow{
				SessionID: sessionID,
				Series:    ser.Name,
				Seq:       int32(i), // #nosec G115 - bounded by the ring capacity
				Timestamp: toInt64(p.Timestamp),
				Values:    duckdb.Int64ArrayToString(p.Values),
			})
		}
	}

	err := s.replace(ctx, sessionID, []string{tableTelemetrySeries, tableTelemetryPoints}, func(tx *sql.Tx) error {
		if err := duckdb.NewTable[seriesRow](tx, tableTelemetrySeries).BatchInsert(ctx, series); err != nil {
			return err
		}
		return duckdb.NewTable[pointRow](tx, tableTelemetryPoints).BatchInsert(ctx, points)
	})
	if err != nil {
		return fmt.Errorf("failed to save telemetry: %w", err)
	}
	return nil
}

// LoadTelemetry reads the saved series back. Capacity is not persisted and
// is reported as the longest series length.
func (s *Store) LoadTelemetry(ctx context.Context, sessionID string) (telemetry.Snapshot, error) {
	var out telemetry.Snapshot
	filter := map[string]interface{}{"session_id": sessionID}

	series, err := duckdb.NewTable[seriesRow](s.db, tableTelemetrySeries).List(ctx, filter)
	if err != nil {
		return out, fmt.Errorf("failed to load telemetry series: %w", err)
	}

	query, args, err := duckdb.NewQueryBuilder(tableTelemetryPoints).
		Select("series", "timestamp", "vals").
		Where("session_id = ?", sessionID).
		OrderBy("series", "seq").
		Build()
	if err != nil {
		return out, err
	}
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return out, fmt.Errorf("failed to load telemetry points: %w", err)
	}
	defer func() { _ = rows.Close() }()

	points := make(map[string][]telemetry.Point)
	for rows.Next() {
		var (
			name, vals string
			ts         int64
		)
		if err := rows.Scan(&name, &ts, &vals); err != nil {
			return out, fmt.Errorf("failed to scan telemetry point: %w", err)
		}
		values, err := duckdb.ParseInt64Array(vals)
		if err != nil {
			return out, err
		}
		points[name] = append(points[name], telemetry.Point{Timestamp: toUint64(ts), Values: values})
	}
	if err := rows.Err(); err != nil {
		return out, err
	}

	for _, ser := range series {
		var cols []string
		if ser.Columns != "" {
			cols = strings.Split(ser.Columns, ",")
		}
		p := points[ser.Series]
		out.Capacity = max(out.Capacity, len(p))
		out.Series = append(out.Series, telemetry.Series{Name: ser.Series, Columns: cols, Points: p})
	}
	return out, nil
}

type threadStateRow struct {
	SessionID string `duckdb:"session_id"`
	ThreadID  int32  `duckdb:"thread_id"`
	Seq       int32  `duckdb:"seq"`
	Name      string `duckdb:"name"`
	ClassName string `duckdb:"class_name"`
	Timestamp int64  `duckdb:"timestamp"`
	State     string `duckdb:"state"`
}

// noHistory marks a thread that is known by name but has no transitions.
const noHistory = -1

// SaveThreads replaces the thread state histories saved for sessionID.
func (s *Store) SaveThreads(ctx context.Context, sessionID string, snap threads.Snapshot) error {
	var rows []*threadStateRow
	for _, r := range snap.Threads {
		base := threadStateRow{SessionID: sessionID, ThreadID: int32(r.ID), Name: r.Name, ClassName: r.ClassName}
		if len(r.History) == 0 {
			row := base
			row.Seq = noHistory
			row.State = monitor.StateUnknown.String()
			rows = append(rows, &row)
			continue
		}
		for i, tr := range r.History {
			row := base
			row.Seq = int32(i) // #nosec G115 - run-length compressed history
			row.Timestamp = toInt64(tr.Timestamp)
			row.State = tr.State.String()
			rows = append(rows, &row)
		}
	}
	err := s.replace(ctx, sessionID, []string{tableThreadStates}, func(tx *sql.Tx) error {
		return duckdb.NewTable[threadStateRow](tx, tableThreadStates).BatchInsert(ctx, rows)
	})
	if err != nil {
		return fmt.Errorf("failed to save thread states: %w", err)
	}
	return nil
}

// LoadThreads reads the saved thread histories back, ordered by thread id.
func (s *Store) LoadThreads(ctx context.Context, sessionID string) (threads.Snapshot, error) {
	var out threads.Snapshot
	query, args, err := duckdb.NewQueryBuilder(tableThreadStates).
		Select("thread_id", "seq", "name", "class_name", "timestamp", "state").
		Where("session_id = ?", sessionID).
		OrderBy("thread_id", "seq").
		Build()
	if err != nil {
		return out, err
	}
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return out, fmt.Errorf("failed to load thread states: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var r threadStateRow
		if err := rows.Scan(&r.ThreadID, &r.Seq, &r.Name, &r.ClassName, &r.Timestamp, &r.State); err != nil {
			return out, fmt.Errorf("failed to scan thread state: %w", err)
		}
		id := uint16(r.ThreadID) // #nosec G115 - saved from a uint16
		if n := len(out.Threads); n == 0 || out.Threads[n-1].ID != id {
			out.Threads = append(out.Threads, threads.Record{ID: id, Name: r.Name, ClassName: r.ClassName})
		}
		if r.Seq == noHistory {
			continue
		}
		st, err := monitor.ParseState(r.State)
		if err != nil {
			return out, err
		}
		rec := &out.Threads[len(out.Threads)-1]
		ts := toUint64(r.Timestamp)
		rec.History = append(rec.History, threads.Transition{Timestamp: ts, State: st})
		out.LastTick = max(out.LastTick, ts)
	}
	return out, rows.Err()
}
