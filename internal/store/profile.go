package store

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"

	"github.com/coral-mesh/jvmprof/internal/cpu"
	"github.com/coral-mesh/jvmprof/internal/duckdb"
	"github.com/coral-mesh/jvmprof/internal/safe"
)

const (
	tableFlatProfiles    = "flat_profiles"
	tableTelemetrySeries = "telemetry_series"
	tableTelemetryPoints = "telemetry_points"
	tableThreadStates    = "thread_states"
	tableCCTThreads      = "cct_threads"
	tableCCTNodes        = "cct_nodes"
	tableProfilePoints   = "profile_points"
)

var allTables = []string{
	tableFlatProfiles,
	tableTelemetrySeries,
	tableTelemetryPoints,
	tableThreadStates,
	tableCCTThreads,
	tableCCTNodes,
	tableProfilePoints,
	tableSessions,
}

type flatRow struct {
	SessionID       string  `duckdb:"session_id"`
	MethodID        int64   `duckdb:"method_id"`
	Name            string  `duckdb:"name"`
	Invocations     int64   `duckdb:"invocations"`
	InclusiveMicros int64   `duckdb:"inclusive_us"`
	ExclusiveMicros int64   `duckdb:"exclusive_us"`
	Percent         float64 `duckdb:"percent"`
}

func toInt64(v uint64) int64 {
	n, _ := safe.Uint64ToInt64(v)
	return n
}

func toUint64(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

// SaveFlatProfile replaces the flat profile saved for sessionID.
func (s *Store) SaveFlatProfile(ctx context.Context, sessionID string, p *cpu.Profile) error {
	rows := make([]*flatRow, 0, p.Len())
	for _, r := range p.Rows() {
		rows = append(rows, &flatRow{
			SessionID:       sessionID,
			MethodID:        int64(r.MethodID),
			Name:            r.Name,
			Invocations:     toInt64(r.Invocations),
			InclusiveMicros: toInt64(r.InclusiveMicros),
			ExclusiveMicros: toInt64(r.ExclusiveMicros),
			Percent:         r.Percent,
		})
	}
	err := s.replace(ctx, sessionID, []string{tableFlatProfiles}, func(tx *sql.Tx) error {
		return duckdb.NewTable[flatRow](tx, tableFlatProfiles).BatchInsert(ctx, rows)
	})
	if err != nil {
		return fmt.Errorf("failed to save flat profile: %w", err)
	}
	s.logger.Debug().Str("session", sessionID).Int("rows", len(rows)).Msg("Flat profile saved")
	return nil
}

// LoadFlatProfile returns the saved rows ordered by exclusive time, largest
// first. Tick columns are not persisted and read back as zero.
func (s *Store) LoadFlatProfile(ctx context.Context, sessionID string) ([]cpu.Row, error) {
	items, err := duckdb.NewTable[flatRow](s.db, tableFlatProfiles).List(ctx, map[string]interface{}{
		"session_id": sessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load flat profile: %w", err)
	}
	out := make([]cpu.Row, 0, len(items))
	for _, it := range items {
		out = append(out, cpu.Row{
			MethodID:        uint32(it.MethodID), // #nosec G115 - saved from a uint32
			Name:            it.Name,
			Invocations:     toUint64(it.Invocations),
			InclusiveMicros: toUint64(it.InclusiveMicros),
			ExclusiveMicros: toUint64(it.ExclusiveMicros),
			Percent:         it.Percent,
		})
	}
	slices.SortFunc(out, func(a, b cpu.Row) int {
		switch {
		case a.ExclusiveMicros > b.ExclusiveMicros:
			return -1
		case a.ExclusiveMicros < b.ExclusiveMicros:
			return 1
		}
		return strings.Compare(a.Name, b.Name)
	})
	return out, nil
}

// TopMethods aggregates exclusive time per method name across every saved
// session, largest first.
func (s *Store) TopMethods(ctx context.Context, limit int) ([]cpu.Row, error) {
	query, args, err := duckdb.NewQueryBuilder(tableFlatProfiles).
		Select(
			"name",
			// SUM over BIGINT yields HUGEINT.
			"CAST(SUM(invocations) AS BIGINT) AS calls",
			"CAST(SUM(inclusive_us) AS BIGINT) AS incl",
			"CAST(SUM(exclusive_us) AS BIGINT) AS excl",
		).
		GroupBy("name").
		OrderBy("-excl", "name").
		Limit(limit).
		Build()
	if err != nil {
		return nil, err
	}
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query top methods: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []cpu.Row
	for rows.Next() {
		var (
			name             string
			calls, incl, exc int64
		)
		if err := rows.Scan(&name, &calls, &incl, &exc); err != nil {
			return nil, fmt.Errorf("failed to scan top methods row: %w", err)
		}
		out = append(out, cpu.Row{
			Name:            name,
			Invocations:     toUint64(calls),
			InclusiveMicros: toUint64(incl),
			ExclusiveMicros: toUint64(exc),
		})
	}
	return out, rows.Err()
}
