// Package session ties one agent connection (or recording) to the results
// builders and exposes the read side used by the CLI, the store and MCP.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/jvmprof/internal/config"
	"github.com/coral-mesh/jvmprof/internal/constants"
	"github.com/coral-mesh/jvmprof/internal/cpu"
	"github.com/coral-mesh/jvmprof/internal/dispatch"
	"github.com/coral-mesh/jvmprof/internal/memory"
	"github.com/coral-mesh/jvmprof/internal/monitor"
	"github.com/coral-mesh/jvmprof/internal/retry"
	"github.com/coral-mesh/jvmprof/internal/telemetry"
	"github.com/coral-mesh/jvmprof/internal/threads"
	"github.com/coral-mesh/jvmprof/internal/transport"
	"github.com/coral-mesh/jvmprof/internal/wire"
)

// Session owns the results of one profiled JVM.
type Session struct {
	id        string
	startedAt time.Time
	cfg       *config.Config
	logger    zerolog.Logger
	agent     transport.Agent

	dispatcher *dispatch.Dispatcher
	cpu        *cpu.Builder
	memory     *memory.Builder
	threads    *threads.Tracker
	telemetry  *telemetry.Aggregator
	methods    *cpu.MethodTable
	classes    *memory.ClassTable

	ticksPerSecond atomic.Uint64
	badMonitorData atomic.Uint64
}

// New wires a session. agent may be nil when replaying a recording; the
// control operations then return dispatch.ErrNoAgent.
func New(cfg *config.Config, agent transport.Agent, logger zerolog.Logger) (*Session, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}
	mode, err := memory.ParseMode(cfg.Profiling.MemoryMode)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	logger = logger.With().Str("session", id).Logger()

	agg, err := telemetry.NewAggregator(cfg.Telemetry.BufferCapacity, logger)
	if err != nil {
		return nil, err
	}
	tracker := threads.NewTracker(threads.Config{
		ZombieGracePeriodTicks: cfg.Threads.ZombieGracePeriodTicks,
	}, logger)

	s := &Session{
		id:        id,
		startedAt: time.Now(),
		cfg:       cfg,
		logger:    logger.With().Str("component", "session").Logger(),
		agent:     agent,
		threads:   tracker,
		telemetry: agg,
		memory:    memory.NewBuilder(mode, logger),
		cpu: cpu.NewBuilder(cpu.Options{
			ExcludeWaitTime: cfg.Profiling.ExcludeWaitTime,
			WaitOracle:      tracker,
		}, logger),
		methods: cpu.NewMethodTable(),
		classes: memory.NewClassTable(),
	}
	s.ticksPerSecond.Store(cfg.Agent.TimerTicksPerSecond)

	// A nil *Conn must not become a non-nil Flusher.
	var flusher dispatch.Flusher
	if agent != nil {
		flusher = agent
	}
	s.dispatcher = dispatch.New(wire.Options{TwoTimestamps: cfg.Profiling.TwoTimestamps}, flusher, logger)
	// The tracker runs first so the CPU builder sees thread states of the
	// same tick when it consults the wait oracle.
	s.dispatcher.AddListener(s.threads)
	s.dispatcher.AddListener(s.cpu)
	s.dispatcher.AddListener(s.memory)
	s.dispatcher.AddListener(s.telemetry)

	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// StartedAt returns when the session was created.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// TicksPerSecond returns the agent timer resolution.
func (s *Session) TicksPerSecond() uint64 { return s.ticksPerSecond.Load() }

// Dispatcher exposes the dispatcher, for registering extra listeners.
func (s *Session) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

// Run pumps frames from src until the stream ends, ctx is cancelled or the
// transport fails. A clean end of stream returns nil; transport loss and
// malformed streams return an error wrapping dispatch.ErrSessionTerminated.
// In every case the session is terminated afterwards and its results stay
// readable.
func (s *Session) Run(ctx context.Context, src transport.Source) error {
	s.logger.Info().Msg("Session started")
	for {
		f, err := src.Next(ctx)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			ferr := s.dispatcher.Finish()
			s.dispatcher.Terminate(io.EOF)
			if ferr != nil {
				s.logger.Warn().Err(ferr).Msg("Stream ended inside an event")
				return fmt.Errorf("%w: %w", dispatch.ErrSessionTerminated, ferr)
			}
			s.logger.Info().Msg("Session ended")
			return nil
		case ctx.Err() != nil:
			s.dispatcher.Terminate(ctx.Err())
			return ctx.Err()
		default:
			s.logger.Error().Err(err).Msg("Agent transport failed, terminating session")
			s.dispatcher.Terminate(err)
			return fmt.Errorf("%w: %w", dispatch.ErrSessionTerminated, err)
		}

		if err := s.handleFrame(f); err != nil {
			s.dispatcher.Terminate(err)
			if errors.Is(err, dispatch.ErrSessionTerminated) {
				return err
			}
			return fmt.Errorf("%w: %w", dispatch.ErrSessionTerminated, err)
		}
	}
}

func (s *Session) handleFrame(f transport.Frame) error {
	switch f.Kind {
	case transport.KindEventBuffer:
		return s.dispatcher.Dispatch(f.Payload)

	case transport.KindMonitoredData:
		md, err := monitor.Decode(f.Payload)
		if err != nil {
			s.badMonitorData.Add(1)
			s.logger.Warn().Err(err).Msg("Skipping undecodable monitored data")
			return nil
		}
		return s.dispatcher.DispatchMonitoredData(md)

	case transport.KindMethodTable:
		var mt transport.MethodTable
		if err := transport.DecodeJSON(f, &mt); err != nil {
			s.logger.Warn().Err(err).Msg("Skipping undecodable method table")
			return nil
		}
		s.methods.Add(mt.Methods...)
		s.classes.Add(mt.Classes...)
		s.logger.Debug().Int("methods", len(mt.Methods)).Int("classes", len(mt.Classes)).Msg("Method table updated")

	case transport.KindDumpDone:
		var dd transport.DumpDone
		if err := transport.DecodeJSON(f, &dd); err != nil {
			s.logger.Warn().Err(err).Msg("Skipping undecodable dump acknowledgement")
			return nil
		}
		s.dispatcher.DumpComplete(dd.Seq)

	case transport.KindTimerInfo:
		var ti transport.TimerInfo
		if err := transport.DecodeJSON(f, &ti); err != nil {
			return err
		}
		if ti.TicksPerSecond > 0 {
			s.ticksPerSecond.Store(ti.TicksPerSecond)
		}
		s.dispatcher.Reconfigure(wire.Options{TwoTimestamps: ti.TwoTimestamps})
		s.logger.Info().
			Uint64("ticks_per_second", ti.TicksPerSecond).
			Bool("two_timestamps", ti.TwoTimestamps).
			Msg("Agent timer announced")

	default:
		s.logger.Debug().Stringer("kind", f.Kind).Msg("Ignoring unexpected frame")
	}
	return nil
}

// StartCPU asks the agent to begin CPU instrumentation.
func (s *Session) StartCPU(ctx context.Context, scheme transport.Scheme) error {
	if s.agent == nil {
		return dispatch.ErrNoAgent
	}
	return s.agent.StartCPU(ctx, scheme)
}

// StartMemory switches the memory builder to mode, dropping its results, and
// asks the agent to begin memory instrumentation.
func (s *Session) StartMemory(ctx context.Context, mode memory.Mode) error {
	if s.agent == nil {
		return dispatch.ErrNoAgent
	}
	s.dispatcher.View(func() { s.memory.SetMode(mode) })
	return s.agent.StartMemory(ctx, mode)
}

// SetExcludeWaitTime toggles wait exclusion for calls completed from now on.
func (s *Session) SetExcludeWaitTime(v bool) {
	s.dispatcher.View(func() { s.cpu.SetExcludeWaitTime(v) })
}

// ForceFlush asks the agent for its buffered events and waits for them with
// the configured timeout.
func (s *Session) ForceFlush(ctx context.Context) error {
	return s.dispatcher.ForceFlush(ctx, s.cfg.Dispatch.FlushTimeout)
}

// ForceFlushWithRetry is ForceFlush retried on timeouts only.
func (s *Session) ForceFlushWithRetry(ctx context.Context) error {
	cfg := retry.Config{
		MaxRetries:     s.cfg.Dispatch.FlushRetries + 1,
		InitialBackoff: constants.DefaultFlushInitialBackoff,
		MaxBackoff:     constants.DefaultFlushMaxBackoff,
		Jitter:         0.1,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			s.logger.Debug().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("Retrying forced flush")
		},
	}
	return retry.Do(ctx, cfg, func() error {
		return s.ForceFlush(ctx)
	}, func(err error) bool {
		return errors.Is(err, dispatch.ErrFlushTimeout)
	})
}

// Reset discards every collected result.
func (s *Session) Reset() { s.dispatcher.Reset() }

// Terminated reports why the session ended, or nil while it is live.
func (s *Session) Terminated() error { return s.dispatcher.Terminated() }
