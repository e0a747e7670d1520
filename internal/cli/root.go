package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/jvmprof/internal/cli/helpers"
	"github.com/coral-mesh/jvmprof/internal/cli/profile"
	"github.com/coral-mesh/jvmprof/pkg/version"
)

// NewRootCmd builds the jvmprof command tree.
func NewRootCmd() *cobra.Command {
	opts := &helpers.GlobalOptions{}

	rootCmd := &cobra.Command{
		Use:   "jvmprof",
		Short: "jvmprof - instrumentation profiler client for the JVM",
		Long: `jvmprof talks to a profiling agent inside a JVM, tells it what to
instrument and turns the event stream into results:

- Calling-context trees and flat per-method CPU profiles
- Per-class allocation and liveness statistics
- Thread state timelines
- VM telemetry (heap, GC, threads, classes, CPU)

Sessions can be recorded and replayed, persisted to duckdb, exported to
pprof and flame graphs, or queried by an AI assistant over MCP.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	opts.AddFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(profile.Commands(opts)...)
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Get()
			if format == string(helpers.FormatJSON) {
				return helpers.Print(cmd.OutOrStdout(), format, info)
			}
			cmd.Printf("jvmprof version %s\n", info.Version)
			cmd.Printf("Git commit: %s\n", info.GitCommit)
			cmd.Printf("Build date: %s\n", info.BuildDate)
			cmd.Printf("Go version: %s\n", info.GoVersion)
			return nil
		},
	}
	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, []helpers.OutputFormat{helpers.FormatTable, helpers.FormatJSON})
	return cmd
}

// Execute runs the root command until it finishes or the process is
// interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCmd().ExecuteContext(ctx)
}
