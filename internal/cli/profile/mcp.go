package profile

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/jvmprof/internal/cli/helpers"
	"github.com/coral-mesh/jvmprof/internal/mcp"
)

// NewMCPCmd creates the mcp command.
func NewMCPCmd(opts *helpers.GlobalOptions) *cobra.Command {
	var listTools bool

	cmd := &cobra.Command{
		Use:   "mcp <recording>",
		Short: "Serve a recording's results as MCP tools on stdio",
		Long: `Replay a recording and expose its results to an MCP client (for example an
AI assistant) over stdin and stdout. Logs go to stderr.

For live sessions use 'jvmprof serve --mcp'.

Example client configuration:
  {"command": "jvmprof", "args": ["mcp", "/path/to/app.rec"]}`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.Load()
			if err != nil {
				return err
			}

			s, runErr := replayRecording(cmd.Context(), cfg, args[0], logger)
			if s == nil {
				return runErr
			}
			if runErr != nil {
				logger.Warn().Err(runErr).Msg("Recording ended abnormally, serving partial results")
			}

			srv, err := mcp.NewServer(s, logger)
			if err != nil {
				return err
			}
			if listTools {
				for _, name := range srv.ToolNames() {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			}
			return srv.ServeStdio()
		},
	}

	cmd.Flags().BoolVar(&listTools, "list-tools", false, "Print the tool names and exit")
	return cmd
}
