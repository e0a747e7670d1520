package profile

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/coral-mesh/jvmprof/internal/cli/helpers"
	"github.com/coral-mesh/jvmprof/internal/config"
	"github.com/coral-mesh/jvmprof/internal/cpu"
	"github.com/coral-mesh/jvmprof/internal/errors"
	"github.com/coral-mesh/jvmprof/internal/export"
	"github.com/coral-mesh/jvmprof/internal/safe"
	"github.com/coral-mesh/jvmprof/internal/session"
	"github.com/coral-mesh/jvmprof/internal/store"
)

// resultFlags select how a finished session is reported and where its
// results go.
type resultFlags struct {
	format        string
	sortBy        string
	ascending     bool
	pattern       string
	matchMode     string
	caseSensitive bool
	expr          string
	threadID      int
	limit         int

	tree           bool
	treeDepth      int
	treeMinPercent float64

	pprofPath       string
	memoryPprofPath string
	foldedPath      string
	foldedPerThread bool
	foldedCalls     bool

	dbPath  string
	noStore bool
	verbose bool
}

func (f *resultFlags) addFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	helpers.AddFormatFlag(cmd, &f.format, helpers.FormatTable, helpers.ResultFormats)
	flags.StringVar(&f.sortBy, "sort", "exclusive", "Sort column (name, invocations, inclusive, exclusive, percent)")
	flags.BoolVar(&f.ascending, "asc", false, "Sort ascending")
	flags.StringVar(&f.pattern, "filter", "", "Only methods whose name matches")
	flags.StringVar(&f.matchMode, "match", "substring", "How --filter matches (substring, prefix, wildcard, regexp)")
	helpers.CompleteFlag(cmd, "sort", "name", "invocations", "inclusive", "exclusive", "percent")
	helpers.CompleteFlag(cmd, "match", "substring", "prefix", "wildcard", "regexp")
	flags.BoolVar(&f.caseSensitive, "case-sensitive", false, "Match --filter case-sensitively")
	flags.StringVar(&f.expr, "where", "", "CEL expression over name, invocations, inclusive_us, exclusive_us and percent")
	flags.IntVar(&f.threadID, "thread", -1, "Only this thread")
	flags.IntVar(&f.limit, "limit", 30, "Maximum rows (0 for all)")

	flags.BoolVar(&f.tree, "tree", false, "Print calling-context trees after the flat profile")
	flags.IntVar(&f.treeDepth, "tree-depth", 0, "Maximum tree depth (0 for unlimited)")
	flags.Float64Var(&f.treeMinPercent, "tree-min-percent", 1, "Hide subtrees below this share of the thread")

	flags.StringVar(&f.pprofPath, "pprof", "", "Write the CPU results as a pprof profile")
	flags.StringVar(&f.memoryPprofPath, "memory-pprof", "", "Write the memory results as a pprof profile")
	flags.StringVar(&f.foldedPath, "folded", "", "Write folded stacks for flame graphs ('-' for stdout)")
	flags.BoolVar(&f.foldedPerThread, "folded-per-thread", false, "Prefix folded stacks with the thread name")
	flags.BoolVar(&f.foldedCalls, "folded-calls", false, "Weight folded stacks by call count instead of self time")

	flags.StringVar(&f.dbPath, "db", "", "Persist results to this duckdb file (default storage.duckdb_path)")
	flags.BoolVar(&f.noStore, "no-store", false, "Do not persist results even if storage is configured")
	helpers.AddVerboseFlag(cmd, &f.verbose)
}

func (f *resultFlags) validate() error {
	if err := helpers.ValidateFormat(f.format, helpers.ResultFormats); err != nil {
		return err
	}
	if f.threadID > 0xFFFF {
		return fmt.Errorf("--thread %d out of range", f.threadID)
	}
	if _, err := cpu.ParseColumn(f.sortBy); err != nil {
		return err
	}
	_, err := cpu.ParseMatchMode(f.matchMode)
	return err
}

func (f *resultFlags) query() (session.FlatQuery, error) {
	mode, err := cpu.ParseMatchMode(f.matchMode)
	if err != nil {
		return session.FlatQuery{}, err
	}
	q := session.FlatQuery{
		Filter: cpu.Filter{
			Pattern:       f.pattern,
			Mode:          mode,
			CaseSensitive: f.caseSensitive,
			Expr:          f.expr,
		},
		SortBy:    f.sortBy,
		Ascending: f.ascending,
		Limit:     f.limit,
	}
	if f.threadID >= 0 {
		q.ThreadID = uint16(f.threadID)
		q.HasThread = true
	}
	return q, nil
}

func (f *resultFlags) storePath(cfg *config.Config) string {
	if f.noStore {
		return ""
	}
	if f.dbPath != "" {
		return f.dbPath
	}
	return cfg.Storage.DuckDBPath
}

// report prints the summary, the flat profile and the optional trees, then
// writes the requested exports and persists the results.
func report(ctx context.Context, cmd *cobra.Command, f *resultFlags, cfg *config.Config, s *session.Session, source string, runErr error, logger zerolog.Logger) error {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()

	diag := s.Diagnostics()
	helpers.PrintSummary(stderr, source, diag, runErr)
	if f.verbose {
		if err := helpers.Print(stderr, string(helpers.FormatJSON), diag); err != nil {
			return err
		}
	}

	q, err := f.query()
	if err != nil {
		return err
	}
	p, err := s.FlatProfile(q)
	if err != nil {
		return fmt.Errorf("failed to build flat profile: %w", err)
	}
	if f.foldedPath != "-" {
		if err := helpers.Print(stdout, f.format, p.Rows()); err != nil {
			return err
		}
	}

	snap := s.CPUSnapshot()
	tps := s.TicksPerSecond()
	if f.tree && f.format == string(helpers.FormatTable) {
		for _, th := range snap.Threads {
			if q.HasThread && th.ThreadID != q.ThreadID {
				continue
			}
			_, _ = fmt.Fprintln(stdout)
			_, _ = io.WriteString(stdout, helpers.RenderTree(th, s.Methods(), tps, helpers.TreeOptions{
				MaxDepth:   f.treeDepth,
				MinPercent: f.treeMinPercent,
				HotPercent: 20,
			}))
		}
	}

	if err := writeExports(f, snap, s, stdout, logger); err != nil {
		return err
	}

	if path := f.storePath(cfg); path != "" {
		if err := persist(ctx, path, s, source, logger); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(stderr, "Results saved to %s as session %s\n", path, s.ID())
	}
	return nil
}

func writeExports(f *resultFlags, snap cpu.Snapshot, s *session.Session, stdout io.Writer, logger zerolog.Logger) error {
	tps := s.TicksPerSecond()

	if f.pprofPath != "" {
		prof, err := export.ToPprof(snap, s.Methods(), tps)
		if err != nil {
			return err
		}
		if err := writeFile(f.pprofPath, logger, func(w io.Writer) error {
			return export.WritePprof(w, prof)
		}); err != nil {
			return err
		}
	}

	if f.memoryPprofPath != "" {
		prof, err := export.MemoryToPprof(s.MemorySnapshot(), s.Methods())
		if err != nil {
			return err
		}
		if err := writeFile(f.memoryPprofPath, logger, func(w io.Writer) error {
			return export.WritePprof(w, prof)
		}); err != nil {
			return err
		}
	}

	if f.foldedPath != "" {
		opts := export.FoldedOptions{PerThread: f.foldedPerThread, Invocations: f.foldedCalls}
		write := func(w io.Writer) error {
			return export.Folded(w, snap, s.Methods(), tps, opts)
		}
		if f.foldedPath == "-" {
			return write(stdout)
		}
		return writeFile(f.foldedPath, logger, write)
	}
	return nil
}

func writeFile(path string, logger zerolog.Logger, write func(w io.Writer) error) error {
	out, err := os.Create(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := write(out); err != nil {
		safe.Close(out, logger, "Failed to close export file")
		safe.RemoveFile(out, logger)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	logger.Debug().Str("path", path).Msg("Export written")
	return nil
}

// persist saves every frozen result of s under its session id.
func persist(ctx context.Context, path string, s *session.Session, source string, logger zerolog.Logger) error {
	st, err := store.Open(path, logger)
	if err != nil {
		return err
	}
	defer errors.DeferClose(logger, st, "Failed to close results store")

	snap := s.CPUSnapshot()
	tps := s.TicksPerSecond()
	diag := s.Diagnostics()

	rec := store.SessionRecord{
		ID:             s.ID(),
		CreatedAt:      s.StartedAt().UTC(),
		Source:         source,
		TicksPerSecond: toInt64(tps),
		LastTimestamp:  toInt64(snap.LastTimestamp),
		Events:         toInt64(diag.Dispatch.Events),
		Methods:        int64(diag.Methods),
	}
	if err := st.SaveSession(ctx, rec); err != nil {
		return err
	}
	if err := st.SaveFlatProfile(ctx, s.ID(), cpu.Flatten(snap, s.Methods(), tps)); err != nil {
		return err
	}
	if err := st.SaveCCT(ctx, s.ID(), snap); err != nil {
		return err
	}
	if err := st.SaveTelemetry(ctx, s.ID(), s.Telemetry()); err != nil {
		return err
	}
	return st.SaveThreads(ctx, s.ID(), s.Threads())
}

func toInt64(v uint64) int64 {
	n, ok := safe.Uint64ToInt64(v)
	if !ok {
		return 1<<63 - 1
	}
	return n
}
