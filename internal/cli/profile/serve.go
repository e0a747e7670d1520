package profile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/coral-mesh/jvmprof/internal/cli/helpers"
	"github.com/coral-mesh/jvmprof/internal/config"
	"github.com/coral-mesh/jvmprof/internal/constants"
	"github.com/coral-mesh/jvmprof/internal/dispatch"
	"github.com/coral-mesh/jvmprof/internal/mcp"
	"github.com/coral-mesh/jvmprof/internal/memory"
	"github.com/coral-mesh/jvmprof/internal/session"
	"github.com/coral-mesh/jvmprof/internal/transport"
)

// agentFlags select how to reach the agent and what to ask it for.
type agentFlags struct {
	listen        string
	address       string
	scheme        string
	memoryMode    string
	flushInterval time.Duration
	duration      time.Duration
	recordPath    string
}

func (f *agentFlags) addFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.listen, "listen", "", "Wait for the agent on this address (default agent.listen)")
	flags.StringVar(&f.address, "agent", "", "Dial an agent listening at this address instead of waiting")
	flags.StringVar(&f.scheme, "scheme", "", "CPU instrumentation scheme: eager, lazy or total (default profiling.instrumentation_scheme)")
	flags.StringVar(&f.memoryMode, "memory", "", "Also instrument allocations: allocations or liveness")
	flags.DurationVar(&f.flushInterval, "flush-interval", constants.DefaultServeFlushInterval, "Force the agent to flush this often (0 disables)")
	flags.DurationVar(&f.duration, "duration", 0, "Stop profiling after this long (0 runs until the agent detaches)")
}

// connect waits for or dials the agent.
func (f *agentFlags) connect(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*transport.Conn, error) {
	address := f.address
	if address == "" {
		address = cfg.Agent.Address
	}
	if address != "" {
		dctx, cancel := context.WithTimeout(ctx, cfg.Agent.DialTimeout)
		defer cancel()
		return transport.Dial(dctx, address, logger)
	}

	listen := f.listen
	if listen == "" {
		listen = cfg.Agent.Listen
	}
	return transport.Accept(ctx, listen, logger)
}

// instrumenter is a live session or a bare agent connection.
type instrumenter interface {
	StartCPU(ctx context.Context, scheme transport.Scheme) error
	StartMemory(ctx context.Context, mode memory.Mode) error
}

// start sends the instrumentation commands.
func (f *agentFlags) start(ctx context.Context, cfg *config.Config, target instrumenter) error {
	name := f.scheme
	if name == "" {
		name = cfg.Profiling.InstrumentationScheme
	}
	scheme, err := transport.ParseScheme(name)
	if err != nil {
		return err
	}
	if err := target.StartCPU(ctx, scheme); err != nil {
		return fmt.Errorf("failed to start CPU profiling: %w", err)
	}

	if f.memoryMode == "" {
		return nil
	}
	mode, err := memory.ParseMode(f.memoryMode)
	if err != nil {
		return err
	}
	if err := target.StartMemory(ctx, mode); err != nil {
		return fmt.Errorf("failed to start memory profiling: %w", err)
	}
	return nil
}

// NewServeCmd creates the serve command.
func NewServeCmd(opts *helpers.GlobalOptions) *cobra.Command {
	var (
		agent   agentFlags
		results resultFlags
		pid     int32
		withMCP bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Profile a live JVM",
		Long: `Wait for (or connect to) a profiling agent, start instrumentation and
build results while the JVM runs. Results are printed when the agent
detaches, --duration elapses or the command is interrupted.

With --mcp the live results are also served as MCP tools on stdio, and the
command exits when the MCP client disconnects.

Examples:
  # Wait for an agent on the default address, profile until Ctrl-C
  jvmprof serve

  # Dial an agent, profile memory too, stop after one minute
  jvmprof serve --agent 10.0.0.5:5140 --memory allocations --duration 1m

  # Sample the JVM process from the host and keep a recording
  jvmprof serve --pid 4242 --record app.rec --db results.duckdb`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := results.validate(); err != nil {
				return err
			}
			cfg, logger, err := opts.Load()
			if err != nil {
				return err
			}
			if pid > 0 {
				cfg.Host.Enabled = true
				cfg.Host.PID = pid
			}

			ctx := cmd.Context()
			conn, err := agent.connect(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }()

			var src transport.Source = conn
			if agent.recordPath != "" {
				rec, err := transport.CreateRecording(agent.recordPath)
				if err != nil {
					return err
				}
				defer func() {
					if err := rec.Close(); err != nil {
						logger.Warn().Err(err).Msg("Failed to finish recording")
					}
				}()
				src = transport.Tee(conn, rec, logger)
			}

			s, err := session.New(cfg, conn, logger)
			if err != nil {
				return err
			}
			if err := agent.start(ctx, cfg, s); err != nil {
				return err
			}

			var srv *mcp.Server
			if withMCP {
				if srv, err = mcp.NewServer(s, logger); err != nil {
					return err
				}
			}

			runErr := runLive(ctx, s, src, &agent, srv, logger)
			if isStop(runErr) {
				runErr = nil
			}
			if err := report(context.WithoutCancel(ctx), cmd, &results, cfg, s, conn.RemoteAddr(), runErr, logger); err != nil {
				return err
			}
			return runErr
		},
	}

	agent.addFlags(cmd)
	results.addFlags(cmd)
	cmd.Flags().StringVar(&agent.recordPath, "record", "", "Also record the session to this file")
	cmd.Flags().Int32Var(&pid, "pid", 0, "Sample this JVM process from the host side")
	cmd.Flags().BoolVar(&withMCP, "mcp", false, "Serve live results as MCP tools on stdio")
	return cmd
}

// runLive pumps the session, forces periodic flushes and samples the host
// until the agent detaches, the duration elapses or ctx is cancelled. With
// srv set, it runs until the MCP client disconnects instead.
func runLive(ctx context.Context, s *session.Session, src transport.Source, f *agentFlags, srv *mcp.Server, logger zerolog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	runCtx, stop := context.WithCancel(gctx)
	defer stop()

	var runErr error
	g.Go(func() error {
		if srv == nil {
			defer stop()
		}
		runErr = s.Run(runCtx, src)
		return nil
	})

	g.Go(func() error {
		return flushLoop(runCtx, s, f.flushInterval, logger)
	})

	g.Go(func() error {
		if err := s.RunHost(runCtx); err != nil && !isStop(err) {
			logger.Warn().Err(err).Msg("Host sampling stopped")
		}
		return nil
	})

	if f.duration > 0 {
		g.Go(func() error {
			timer := time.NewTimer(f.duration)
			defer timer.Stop()
			select {
			case <-runCtx.Done():
				return nil
			case <-timer.C:
			}
			logger.Info().Dur("duration", f.duration).Msg("Profiling duration elapsed")
			if err := s.ForceFlushWithRetry(runCtx); err != nil {
				logger.Warn().Err(err).Msg("Final flush failed")
			}
			stop()
			return nil
		})
	}

	if srv != nil {
		g.Go(func() error {
			defer stop()
			return srv.ServeStdio()
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return runErr
}

func flushLoop(ctx context.Context, s *session.Session, interval time.Duration, logger zerolog.Logger) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		err := s.ForceFlushWithRetry(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil, errors.Is(err, dispatch.ErrSessionTerminated):
			return nil
		case errors.Is(err, dispatch.ErrFlushCancelled):
			logger.Debug().Msg("Forced flush cancelled by a reset")
		default:
			logger.Warn().Err(err).Msg("Forced flush failed")
		}
	}
}

func isStop(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
