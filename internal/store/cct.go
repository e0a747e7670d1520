package store

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"slices"

	"github.com/coral-mesh/jvmprof/internal/cpu"
	"github.com/coral-mesh/jvmprof/internal/duckdb"
)

type cctThreadRow struct {
	SessionID     string `duckdb:"session_id"`
	ThreadID      int32  `duckdb:"thread_id"`
	Name          string `duckdb:"name"`
	OpenFrames    int32  `duckdb:"open_frames"`
	RootInclusive int64  `duckdb:"root_inclusive"`
	RootExclusive int64  `duckdb:"root_exclusive"`
}

type cctNodeRow struct {
	SessionID   string `duckdb:"session_id"`
	ThreadID    int32  `duckdb:"thread_id"`
	Ord         int32  `duckdb:"ord"`
	PathID      uint64 `duckdb:"path_id"`
	ParentID    uint64 `duckdb:"parent_id"`
	MethodID    int64  `duckdb:"method_id"`
	Path        string `duckdb:"path"`
	Invocations int64  `duckdb:"invocations"`
	Inclusive   int64  `duckdb:"inclusive"`
	Exclusive   int64  `duckdb:"exclusive"`
}

type profilePointRow struct {
	SessionID string `duckdb:"session_id"`
	PointID   int32  `duckdb:"point_id"`
	Hits      int64  `duckdb:"hits"`
}

// SaveCCT replaces the calling-context trees saved for sessionID. Node times
// are stored in raw ticks.
func (s *Store) SaveCCT(ctx context.Context, sessionID string, snap cpu.Snapshot) error {
	var (
		threadRows []*cctThreadRow
		nodeRows   []*cctNodeRow
		pointRows  []*profilePointRow
	)
	for _, th := range snap.Threads {
		tid := int32(th.ThreadID)
		threadRows = append(threadRows, &cctThreadRow{
			SessionID:     sessionID,
			ThreadID:      tid,
			Name:          th.Name,
			OpenFrames:    int32(th.OpenFrames), // #nosec G115 - stack depth
			RootInclusive: toInt64(th.Root.Inclusive),
			RootExclusive: toInt64(th.Root.Exclusive),
		})

		var ord int32
		th.Root.Walk(func(n *cpu.Node, path []uint32) bool {
			if n.IsRoot() {
				return true
			}
			ids := make([]int64, len(path))
			for i, id := range path {
				ids[i] = int64(id)
			}
			nodeRows = append(nodeRows, &cctNodeRow{
				SessionID:   sessionID,
				ThreadID:    tid,
				Ord:         ord,
				PathID:      cpu.PathID(path),
				ParentID:    cpu.PathID(path[:len(path)-1]),
				MethodID:    int64(n.MethodID),
				Path:        duckdb.Int64ArrayToString(ids),
				Invocations: toInt64(n.Invocations),
				Inclusive:   toInt64(n.Inclusive),
				Exclusive:   toInt64(n.Exclusive),
			})
			ord++
			return true
		})
	}
	for id, hits := range snap.ProfilePoints {
		pointRows = append(pointRows, &profilePointRow{SessionID: sessionID, PointID: int32(id), Hits: toInt64(hits)})
	}

	err := s.replace(ctx, sessionID, []string{tableCCTThreads, tableCCTNodes, tableProfilePoints}, func(tx *sql.Tx) error {
		if err := duckdb.NewTable[cctThreadRow](tx, tableCCTThreads).BatchInsert(ctx, threadRows); err != nil {
			return err
		}
		if err := duckdb.NewTable[cctNodeRow](tx, tableCCTNodes).BatchInsert(ctx, nodeRows); err != nil {
			return err
		}
		return duckdb.NewTable[profilePointRow](tx, tableProfilePoints).BatchInsert(ctx, pointRows)
	})
	if err != nil {
		return fmt.Errorf("failed to save calling-context trees: %w", err)
	}
	s.logger.Debug().
		Str("session", sessionID).
		Int("threads", len(threadRows)).
		Int("nodes", len(nodeRows)).
		Msg("Calling-context trees saved")
	return nil
}

// LoadCCT rebuilds the calling-context trees saved for sessionID. Child
// order is preserved; threads come back ordered by id. LastTimestamp comes from the session record when one
// was saved.
func (s *Store) LoadCCT(ctx context.Context, sessionID string) (cpu.Snapshot, error) {
	snap := cpu.Snapshot{ProfilePoints: make(map[uint16]uint64)}
	filter := map[string]interface{}{"session_id": sessionID}

	threadRows, err := duckdb.NewTable[cctThreadRow](s.db, tableCCTThreads).List(ctx, filter)
	if err != nil {
		return snap, fmt.Errorf("failed to load cct threads: %w", err)
	}
	roots := make(map[int32]map[uint64]*cpu.Node, len(threadRows))
	for _, tr := range threadRows {
		root := cpu.NewRoot()
		root.Inclusive = toUint64(tr.RootInclusive)
		root.Exclusive = toUint64(tr.RootExclusive)
		roots[tr.ThreadID] = map[uint64]*cpu.Node{cpu.PathID(nil): root}
		snap.Threads = append(snap.Threads, cpu.ThreadTree{
			ThreadID:   uint16(tr.ThreadID), // #nosec G115 - saved from a uint16
			Name:       tr.Name,
			Root:       root,
			OpenFrames: int(tr.OpenFrames),
		})
	}

	query, args, err := duckdb.NewQueryBuilder(tableCCTNodes).
		Select("thread_id", "path_id", "parent_id", "method_id", "invocations", "inclusive", "exclusive").
		Where("session_id = ?", sessionID).
		OrderBy("thread_id", "ord").
		Build()
	if err != nil {
		return snap, err
	}
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return snap, fmt.Errorf("failed to load cct nodes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var r cctNodeRow
		if err := rows.Scan(&r.ThreadID, &r.PathID, &r.ParentID, &r.MethodID, &r.Invocations, &r.Inclusive, &r.Exclusive); err != nil {
			return snap, fmt.Errorf("failed to scan cct node: %w", err)
		}
		nodes, ok := roots[r.ThreadID]
		if !ok {
			return snap, fmt.Errorf("cct node of unknown thread %d", r.ThreadID)
		}
		parent, ok := nodes[r.ParentID]
		if !ok {
			return snap, fmt.Errorf("cct node %x of thread %d has no parent", r.PathID, r.ThreadID)
		}
		n := parent.AddChild(uint32(r.MethodID)) // #nosec G115 - saved from a uint32
		n.Invocations = toUint64(r.Invocations)
		n.Inclusive = toUint64(r.Inclusive)
		n.Exclusive = toUint64(r.Exclusive)
		nodes[r.PathID] = n
	}
	if err := rows.Err(); err != nil {
		return snap, err
	}

	points, err := duckdb.NewTable[profilePointRow](s.db, tableProfilePoints).List(ctx, filter)
	if err != nil {
		return snap, fmt.Errorf("failed to load profile points: %w", err)
	}
	for _, p := range points {
		snap.ProfilePoints[uint16(p.PointID)] = toUint64(p.Hits) // #nosec G115 - saved from a uint16
	}

	if rec, err := duckdb.NewTable[SessionRecord](s.db, tableSessions).Get(ctx, sessionID); err == nil {
		snap.LastTimestamp = toUint64(rec.LastTimestamp)
	}

	// List has no ordering; restore thread order by id.
	slices.SortFunc(snap.Threads, func(a, b cpu.ThreadTree) int { return cmp.Compare(a.ThreadID, b.ThreadID) })
	return snap, nil
}
