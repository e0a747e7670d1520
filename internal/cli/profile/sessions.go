package profile

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/coral-mesh/jvmprof/internal/cli/helpers"
	"github.com/coral-mesh/jvmprof/internal/config"
	"github.com/coral-mesh/jvmprof/internal/cpu"
	"github.com/coral-mesh/jvmprof/internal/errors"
	"github.com/coral-mesh/jvmprof/internal/export"
	"github.com/coral-mesh/jvmprof/internal/store"
)

// rowNames resolves method names from stored flat-profile rows.
type rowNames map[uint32]string

func newRowNames(rows []cpu.Row) rowNames {
	n := make(rowNames, len(rows))
	for _, r := range rows {
		n[r.MethodID] = r.Name
	}
	return n
}

func (n rowNames) MethodName(id uint32) string {
	if name, ok := n[id]; ok {
		return name
	}
	return fmt.Sprintf("method#%d", id)
}

// NewSessionsCmd creates the sessions command group.
func NewSessionsCmd(opts *helpers.GlobalOptions) *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Browse results saved with --db",
		Long: `Inspect profiling sessions persisted to a duckdb results store by
'jvmprof replay --db' or 'jvmprof serve --db'.

Examples:
  jvmprof sessions list --since 24h
  jvmprof sessions show 4f1c... --tree
  jvmprof sessions export 4f1c... --pprof cpu.pb.gz
  jvmprof sessions top --limit 10`,
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "Results store (default storage.duckdb_path)")

	open := func() (*store.Store, zerolog.Logger, error) {
		cfg, logger, err := opts.Load()
		if err != nil {
			return nil, logger, err
		}
		st, err := openStore(cfg, dbPath, logger)
		return st, logger, err
	}

	cmd.AddCommand(newSessionsListCmd(open))
	cmd.AddCommand(newSessionsShowCmd(open))
	cmd.AddCommand(newSessionsExportCmd(open))
	cmd.AddCommand(newSessionsTopCmd(open))
	cmd.AddCommand(newSessionsDeleteCmd(open))
	return cmd
}

type storeOpener func() (*store.Store, zerolog.Logger, error)

func openStore(cfg *config.Config, path string, logger zerolog.Logger) (*store.Store, error) {
	if path == "" {
		path = cfg.Storage.DuckDBPath
	}
	if path == "" {
		return nil, fmt.Errorf("no results store: pass --db or set storage.duckdb_path")
	}
	return store.Open(path, logger)
}

func newSessionsListCmd(open storeOpener) *cobra.Command {
	var (
		timeFlags helpers.TimeFlags
		source    string
		limit     int
		format    string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List saved sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, helpers.ResultFormats); err != nil {
				return err
			}
			tr, err := timeFlags.Parse()
			if err != nil {
				return err
			}
			st, logger, err := open()
			if err != nil {
				return err
			}
			defer errors.DeferClose(logger, st, "Failed to close results store")

			recs, err := st.ListSessions(cmd.Context(), store.ListFilter{
				Since:  tr.Start,
				Until:  tr.End,
				Source: source,
				Limit:  limit,
			})
			if err != nil {
				return err
			}
			if len(recs) == 0 && format == string(helpers.FormatTable) {
				_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "No sessions found.")
				return nil
			}
			return helpers.Print(cmd.OutOrStdout(), format, recs)
		},
	}

	timeFlags.AddFlags(cmd.Flags())
	cmd.Flags().StringVar(&source, "source", "", "Only sessions from this recording or agent address")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum sessions (0 for all)")
	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, helpers.ResultFormats)
	return cmd
}

func newSessionsShowCmd(open storeOpener) *cobra.Command {
	var (
		format    string
		limit     int
		tree      bool
		treeDepth int
	)

	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print the flat profile of a saved session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, helpers.ResultFormats); err != nil {
				return err
			}
			st, logger, err := open()
			if err != nil {
				return err
			}
			defer errors.DeferClose(logger, st, "Failed to close results store")

			ctx := cmd.Context()
			rec, err := st.GetSession(ctx, args[0])
			if err != nil {
				return err
			}
			rows, err := st.LoadFlatProfile(ctx, rec.ID)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Session %s from %s, recorded %s\n",
				rec.ID, rec.Source, rec.CreatedAt.Format("2006-01-02 15:04:05"))

			shown := rows
			if limit > 0 && len(shown) > limit {
				shown = shown[:limit]
			}
			if err := helpers.Print(cmd.OutOrStdout(), format, shown); err != nil {
				return err
			}
			if !tree || format != string(helpers.FormatTable) {
				return nil
			}
			return printStoredTrees(ctx, cmd.OutOrStdout(), st, rec, newRowNames(rows), treeDepth)
		},
	}

	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, helpers.ResultFormats)
	cmd.Flags().IntVar(&limit, "limit", 30, "Maximum rows (0 for all)")
	cmd.Flags().BoolVar(&tree, "tree", false, "Also print the calling-context trees")
	cmd.Flags().IntVar(&treeDepth, "tree-depth", 0, "Maximum tree depth (0 for unlimited)")
	return cmd
}

func printStoredTrees(ctx context.Context, w io.Writer, st *store.Store, rec *store.SessionRecord, names cpu.Resolver, depth int) error {
	snap, err := st.LoadCCT(ctx, rec.ID)
	if err != nil {
		return err
	}
	tps := uint64(max(rec.TicksPerSecond, 0))
	for _, th := range snap.Threads {
		_, _ = fmt.Fprintln(w)
		_, _ = io.WriteString(w, helpers.RenderTree(th, names, tps, helpers.TreeOptions{
			MaxDepth:   depth,
			MinPercent: 1,
			HotPercent: 20,
		}))
	}
	return nil
}

func newSessionsExportCmd(open storeOpener) *cobra.Command {
	var (
		pprofPath  string
		foldedPath string
		perThread  bool
	)

	cmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Export a saved session as pprof or folded stacks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if pprofPath == "" && foldedPath == "" {
				return fmt.Errorf("nothing to export: pass --pprof and/or --folded")
			}
			st, logger, err := open()
			if err != nil {
				return err
			}
			defer errors.DeferClose(logger, st, "Failed to close results store")

			ctx := cmd.Context()
			rec, err := st.GetSession(ctx, args[0])
			if err != nil {
				return err
			}
			rows, err := st.LoadFlatProfile(ctx, rec.ID)
			if err != nil {
				return err
			}
			snap, err := st.LoadCCT(ctx, rec.ID)
			if err != nil {
				return err
			}
			names := newRowNames(rows)
			tps := uint64(max(rec.TicksPerSecond, 0))

			if pprofPath != "" {
				prof, err := export.ToPprof(snap, names, tps)
				if err != nil {
					return err
				}
				if err := writeFile(pprofPath, logger, func(w io.Writer) error {
					return export.WritePprof(w, prof)
				}); err != nil {
					return err
				}
			}
			if foldedPath != "" {
				write := func(w io.Writer) error {
					return export.Folded(w, snap, names, tps, export.FoldedOptions{PerThread: perThread})
				}
				if foldedPath == "-" {
					return write(cmd.OutOrStdout())
				}
				return writeFile(foldedPath, logger, write)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&pprofPath, "pprof", "", "Write a pprof profile")
	cmd.Flags().StringVar(&foldedPath, "folded", "", "Write folded stacks ('-' for stdout)")
	cmd.Flags().BoolVar(&perThread, "folded-per-thread", false, "Prefix folded stacks with the thread name")
	return cmd
}

func newSessionsTopCmd(open storeOpener) *cobra.Command {
	var (
		limit  int
		format string
	)

	cmd := &cobra.Command{
		Use:   "top",
		Short: "Methods with the most self time across every saved session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, helpers.ResultFormats); err != nil {
				return err
			}
			st, logger, err := open()
			if err != nil {
				return err
			}
			defer errors.DeferClose(logger, st, "Failed to close results store")

			rows, err := st.TopMethods(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return helpers.Print(cmd.OutOrStdout(), format, rows)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum rows")
	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, helpers.ResultFormats)
	return cmd
}

func newSessionsDeleteCmd(open storeOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a saved session and all its results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, logger, err := open()
			if err != nil {
				return err
			}
			defer errors.DeferClose(logger, st, "Failed to close results store")

			if err := st.DeleteSession(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Deleted session %s\n", args[0])
			return nil
		},
	}
}
