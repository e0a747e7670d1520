package profile

import (
	"github.com/spf13/cobra"

	"github.com/coral-mesh/jvmprof/internal/cli/helpers"
)

// Commands returns every profiling command, ready to be added to the root.
func Commands(opts *helpers.GlobalOptions) []*cobra.Command {
	return []*cobra.Command{
		NewServeCmd(opts),
		NewRecordCmd(opts),
		NewReplayCmd(opts),
		NewMCPCmd(opts),
		NewSessionsCmd(opts),
	}
}
