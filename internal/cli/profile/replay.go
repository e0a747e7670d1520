package profile

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/coral-mesh/jvmprof/internal/cli/helpers"
	"github.com/coral-mesh/jvmprof/internal/config"
	"github.com/coral-mesh/jvmprof/internal/session"
	"github.com/coral-mesh/jvmprof/internal/transport"
)

// NewReplayCmd creates the replay command.
func NewReplayCmd(opts *helpers.GlobalOptions) *cobra.Command {
	var (
		flags       resultFlags
		excludeWait bool
	)

	cmd := &cobra.Command{
		Use:   "replay <recording>",
		Short: "Rebuild profiling results from a recording",
		Long: `Replay a recording captured with 'jvmprof record' (or 'jvmprof serve --record')
and print the flat CPU profile it contains.

Examples:
  # Top 30 methods by self time
  jvmprof replay app.rec

  # Methods of one package, as CSV
  jvmprof replay app.rec --filter 'com.acme.*' --match wildcard -o csv

  # Heavy methods only, with the call trees
  jvmprof replay app.rec --where 'percent > 5.0' --tree

  # Flame graph
  jvmprof replay app.rec --folded - | flamegraph.pl > cpu.svg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.validate(); err != nil {
				return err
			}
			cfg, logger, err := opts.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("exclude-wait-time") {
				cfg.Profiling.ExcludeWaitTime = excludeWait
			}

			s, runErr := replayRecording(cmd.Context(), cfg, args[0], logger)
			if s == nil {
				return runErr
			}
			if err := report(cmd.Context(), cmd, &flags, cfg, s, args[0], runErr, logger); err != nil {
				return err
			}
			if runErr != nil {
				return fmt.Errorf("replay incomplete: %w", runErr)
			}
			return nil
		},
	}

	flags.addFlags(cmd)
	cmd.Flags().BoolVar(&excludeWait, "exclude-wait-time", false, "Exclude wait, sleep and park time from CPU results")
	return cmd
}

// replayRecording runs a session over a whole recording. A nil session
// means the replay could not start or was interrupted. Otherwise the error
// reports a stream that ended abnormally and the results are still usable.
func replayRecording(ctx context.Context, cfg *config.Config, path string, logger zerolog.Logger) (*session.Session, error) {
	rec, err := transport.OpenRecording(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rec.Close() }()

	s, err := session.New(cfg, nil, logger)
	if err != nil {
		return nil, err
	}
	if err := s.Run(ctx, rec); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return s, err
	}
	return s, nil
}
