package profile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/jvmprof/internal/cli/helpers"
	"github.com/coral-mesh/jvmprof/internal/transport"
)

// NewRecordCmd creates the record command.
func NewRecordCmd(opts *helpers.GlobalOptions) *cobra.Command {
	var (
		agent  agentFlags
		output string
	)

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Capture an agent stream to a file for later replay",
		Long: `Start instrumentation and write every frame the agent sends to a
recording without building any results. Replay it with 'jvmprof replay'
or inspect it with 'jvmprof mcp'.

Examples:
  jvmprof record -f app.rec --duration 2m
  jvmprof record -f app.rec --agent 10.0.0.5:5140 --memory liveness`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				return fmt.Errorf("--file is required")
			}
			cfg, logger, err := opts.Load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			conn, err := agent.connect(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }()

			rec, err := transport.CreateRecording(output)
			if err != nil {
				return err
			}
			if err := agent.start(ctx, cfg, conn); err != nil {
				_ = rec.Close()
				return err
			}

			runCtx, stop := context.WithCancel(ctx)
			defer stop()
			var dumps atomic.Uint64
			if agent.duration > 0 {
				timer := time.AfterFunc(agent.duration, func() {
					// Ask for a last dump and give it one flush timeout to arrive.
					if err := conn.RequestDump(runCtx, dumps.Add(1)); err != nil {
						logger.Warn().Err(err).Msg("Final dump request failed")
					}
					time.AfterFunc(cfg.Dispatch.FlushTimeout, stop)
				})
				defer timer.Stop()
			}
			if agent.flushInterval > 0 {
				go func() {
					ticker := time.NewTicker(agent.flushInterval)
					defer ticker.Stop()
					for {
						select {
						case <-runCtx.Done():
							return
						case <-ticker.C:
							if err := conn.RequestDump(runCtx, dumps.Add(1)); err != nil {
								logger.Debug().Err(err).Msg("Dump request failed")
							}
						}
					}
				}()
			}

			frames, bytes, recvErr := drain(runCtx, transport.Tee(conn, rec, logger))
			if err := rec.Close(); err != nil {
				return fmt.Errorf("failed to finish recording: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Recorded %d frames (%d bytes) to %s\n", frames, bytes, output)
			if recvErr != nil && !isStop(recvErr) {
				return recvErr
			}
			return nil
		},
	}

	agent.addFlags(cmd)
	cmd.Flags().StringVarP(&output, "file", "f", "", "Recording file to write")
	return cmd
}

// drain reads src until a clean end of stream or an error.
func drain(ctx context.Context, src transport.Source) (frames, bytes int, err error) {
	for {
		f, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return frames, bytes, nil
		}
		if err != nil {
			return frames, bytes, err
		}
		frames++
		bytes += len(f.Payload)
	}
}
