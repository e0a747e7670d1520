package mcp

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/coral-mesh/jvmprof/internal/cpu"
	"github.com/coral-mesh/jvmprof/internal/memory"
	"github.com/coral-mesh/jvmprof/internal/monitor"
	"github.com/coral-mesh/jvmprof/internal/session"
	"github.com/coral-mesh/jvmprof/internal/telemetry"
	"github.com/coral-mesh/jvmprof/internal/threads"
)

const defaultLimit = 20

// FlatProfileInput is the input of jvmprof_flat_profile.
type FlatProfileInput struct {
	Pattern       string  `json:"pattern,omitempty" jsonschema:"description=Method name filter"`
	MatchMode     string  `json:"match_mode,omitempty" jsonschema:"description=How pattern matches,enum=substring,enum=prefix,enum=wildcard,enum=regexp"`
	CaseSensitive bool    `json:"case_sensitive,omitempty"`
	Expr          string  `json:"expr,omitempty" jsonschema:"description=CEL filter over name invocations inclusive_us exclusive_us and percent"`
	SortBy        string  `json:"sort_by,omitempty" jsonschema:"description=Sort column,enum=exclusive,enum=inclusive,enum=invocations,enum=percent,enum=name"`
	Ascending     bool    `json:"ascending,omitempty"`
	ThreadID      *int    `json:"thread_id,omitempty" jsonschema:"description=Restrict to one thread"`
	Limit         *int    `json:"limit,omitempty" jsonschema:"description=Maximum rows (default 20; 0 for all)"`
	MinPercent    float64 `json:"min_percent,omitempty"`
}

// HotPathsInput is the input of jvmprof_hot_paths.
type HotPathsInput struct {
	By       string `json:"by,omitempty" jsonschema:"description=Ranking,enum=exclusive,enum=inclusive"`
	ThreadID *int   `json:"thread_id,omitempty"`
	Limit    *int   `json:"limit,omitempty"`
}

// TelemetryInput is the input of jvmprof_telemetry.
type TelemetryInput struct {
	Series string `json:"series,omitempty" jsonschema:"description=Series name; all series when empty"`
	Last   *int   `json:"last,omitempty" jsonschema:"description=Only the newest N points of each series"`
}

// ThreadsInput is the input of jvmprof_threads.
type ThreadsInput struct {
	ThreadID *int `json:"thread_id,omitempty"`
}

// MemoryInput is the input of jvmprof_memory.
type MemoryInput struct {
	SortBy string `json:"sort_by,omitempty" jsonschema:"enum=bytes,enum=allocs,enum=live_bytes,enum=name"`
	Limit  *int   `json:"limit,omitempty"`
}

// DiagnosticsInput is the input of jvmprof_diagnostics.
type DiagnosticsInput struct{}

func limitOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return max(*p, 0)
}

func threadID(p *int) (uint16, bool, error) {
	if p == nil {
		return 0, false, nil
	}
	if *p < 0 || *p > 0xFFFF {
		return 0, false, fmt.Errorf("thread_id %d out of range", *p)
	}
	return uint16(*p), true, nil
}

func (s *Server) handleFlatProfile(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var in FlatProfileInput
	if err := parseArguments(request, &in); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	mode, err := cpu.ParseMatchMode(in.MatchMode)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	tid, hasThread, err := threadID(in.ThreadID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	expr := in.Expr
	if in.MinPercent > 0 {
		clause := fmt.Sprintf("percent >= %g", in.MinPercent)
		if expr == "" {
			expr = clause
		} else {
			expr = "(" + expr + ") && " + clause
		}
	}

	p, err := s.provider.FlatProfile(session.FlatQuery{
		Filter: cpu.Filter{
			Pattern:       in.Pattern,
			Mode:          mode,
			CaseSensitive: in.CaseSensitive,
			Expr:          expr,
		},
		SortBy:    in.SortBy,
		Ascending: in.Ascending,
		ThreadID:  tid,
		HasThread: hasThread,
		Limit:     limitOr(in.Limit, defaultLimit),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to build flat profile: %v", err)), nil
	}
	return jsonResult(struct {
		TotalExclusiveMicros uint64    `json:"total_exclusive_us"`
		Rows                 []cpu.Row `json:"rows"`
	}{p.TotalExclusiveMicros(), p.Rows()})
}

// HotPath is one ranked calling context.
type HotPath struct {
	ThreadID        uint16   `json:"thread_id"`
	Thread          string   `json:"thread,omitempty"`
	Path            []string `json:"path"`
	Invocations     uint64   `json:"invocations"`
	InclusiveMicros uint64   `json:"inclusive_us"`
	ExclusiveMicros uint64   `json:"exclusive_us"`
}

// HotPaths ranks the calling contexts of snap. by is "inclusive" or
// "exclusive".
func HotPaths(snap cpu.Snapshot, names cpu.Resolver, ticksPerSecond uint64, by string, limit int) []HotPath {
	var out []HotPath
	for _, th := range snap.Threads {
		th.Root.Walk(func(n *cpu.Node, path []uint32) bool {
			if n.IsRoot() {
				return true
			}
			hp := HotPath{
				ThreadID:        th.ThreadID,
				Thread:          th.Name,
				Path:            make([]string, len(path)),
				Invocations:     n.Invocations,
				InclusiveMicros: cpu.TicksToMicros(n.Inclusive, ticksPerSecond),
				ExclusiveMicros: cpu.TicksToMicros(n.Exclusive, ticksPerSecond),
			}
			for i, id := range path {
				hp.Path[i] = names.MethodName(id)
			}
			out = append(out, hp)
			return true
		})
	}
	key := func(h HotPath) uint64 { return h.ExclusiveMicros }
	if by == "inclusive" {
		key = func(h HotPath) uint64 { return h.InclusiveMicros }
	}
	slices.SortStableFunc(out, func(a, b HotPath) int {
		if c := cmp.Compare(key(b), key(a)); c != 0 {
			return c
		}
		return strings.Compare(strings.Join(a.Path, ";"), strings.Join(b.Path, ";"))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Server) handleHotPaths(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var in HotPathsInput
	if err := parseArguments(request, &in); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	switch in.By {
	case "", "exclusive", "inclusive":
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown ranking %q", in.By)), nil
	}
	tid, hasThread, err := threadID(in.ThreadID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	snap := s.provider.CPUSnapshot()
	if hasThread {
		th, ok := snap.Thread(tid)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("no profile for thread %d", tid)), nil
		}
		snap.Threads = []cpu.ThreadTree{th}
	}
	return jsonResult(HotPaths(snap, s.provider.Methods(), s.provider.TicksPerSecond(), in.By, limitOr(in.Limit, defaultLimit)))
}

func (s *Server) handleTelemetry(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var in TelemetryInput
	if err := parseArguments(request, &in); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	snap := s.provider.Telemetry()
	if in.Series != "" {
		ser, ok := snap.Get(in.Series)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("unknown series %q", in.Series)), nil
		}
		snap.Series = []telemetry.Series{ser}
	}
	if last := limitOr(in.Last, 0); last > 0 {
		for i, ser := range snap.Series {
			if n := len(ser.Points); n > last {
				snap.Series[i].Points = ser.Points[n-last:]
			}
		}
	}
	return jsonResult(snap)
}

// ThreadSummary condenses one thread's state history.
type ThreadSummary struct {
	ID           uint16            `json:"id"`
	Name         string            `json:"name,omitempty"`
	ClassName    string            `json:"class_name,omitempty"`
	State        monitor.State     `json:"state"`
	Transitions  int               `json:"transitions"`
	TicksInState map[string]uint64 `json:"ticks_in_state"`
}

// SummarizeThreads computes time spent in each state up to the last tick.
func SummarizeThreads(snap threads.Snapshot) []ThreadSummary {
	out := make([]ThreadSummary, 0, len(snap.Threads))
	for _, r := range snap.Threads {
		sum := ThreadSummary{
			ID:           r.ID,
			Name:         r.Name,
			ClassName:    r.ClassName,
			State:        monitor.StateUnknown,
			Transitions:  r.Len(),
			TicksInState: make(map[string]uint64),
		}
		for i, tr := range r.History {
			end := snap.LastTick
			if i+1 < len(r.History) {
				end = r.History[i+1].Timestamp
			}
			sum.TicksInState[tr.State.String()] += end - min(end, tr.Timestamp)
			sum.State = tr.State
		}
		out = append(out, sum)
	}
	return out
}

func (s *Server) handleThreads(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var in ThreadsInput
	if err := parseArguments(request, &in); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	tid, hasThread, err := threadID(in.ThreadID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	snap := s.provider.Threads()
	if hasThread {
		r, ok := snap.Thread(tid)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("unknown thread %d", tid)), nil
		}
		snap.Threads = []threads.Record{r}
	}
	return jsonResult(SummarizeThreads(snap))
}

func (s *Server) handleMemory(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var in MemoryInput
	if err := parseArguments(request, &in); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	col, err := memory.ParseColumn(in.SortBy)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	snap := s.provider.MemorySnapshot().Sort(col)
	if limit := limitOr(in.Limit, defaultLimit); limit > 0 && len(snap.Classes) > limit {
		snap.Classes = snap.Classes[:limit]
	}
	// Site trees are too large for a tool response.
	for i := range snap.Classes {
		snap.Classes[i].Sites = nil
	}
	return jsonResult(struct {
		Mode string `json:"mode"`
		memory.Snapshot
	}{snap.Mode.String(), snap})
}

func (s *Server) handleDiagnostics(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var in DiagnosticsInput
	if err := parseArguments(request, &in); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(s.provider.Diagnostics())
}
