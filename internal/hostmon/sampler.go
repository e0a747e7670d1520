// Package hostmon samples the profiled JVM process from the host side, next
// to what the agent reports about itself.
package hostmon

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/coral-mesh/jvmprof/internal/safe"
)

// Series is the telemetry series the sampler appends to.
const Series = "host"

// Columns of the host series, in value order.
var Columns = []string{
	"rss_bytes",
	"vms_bytes",
	"cpu_millis",
	"os_threads",
	"host_used_bytes",
	"host_available_bytes",
}

// Sample is one observation of the target process and its host.
type Sample struct {
	Timestamp     time.Time
	RSS           uint64
	VMS           uint64
	CPU           time.Duration
	OSThreads     int32
	HostUsed      uint64
	HostAvailable uint64
}

// Source produces samples.
type Source interface {
	Sample(ctx context.Context) (Sample, error)
}

// Sink stores samples as telemetry tuples.
type Sink interface {
	RegisterSeries(name string, columns []string) error
	AppendSeries(name string, ts uint64, values ...int64) error
}

// ProcessSource reads process and host counters through gopsutil.
type ProcessSource struct {
	proc *process.Process
}

// NewProcessSource attaches to pid.
func NewProcessSource(ctx context.Context, pid int32) (*ProcessSource, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("failed to attach to process %d: %w", pid, err)
	}
	return &ProcessSource{proc: p}, nil
}

// Sample implements Source.
func (s *ProcessSource) Sample(ctx context.Context) (Sample, error) {
	out := Sample{Timestamp: time.Now()}

	memInfo, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("failed to get process memory: %w", err)
	}
	out.RSS = memInfo.RSS
	out.VMS = memInfo.VMS

	times, err := s.proc.TimesWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("failed to get process CPU times: %w", err)
	}
	out.CPU = time.Duration((times.User + times.System) * float64(time.Second))

	if out.OSThreads, err = s.proc.NumThreadsWithContext(ctx); err != nil {
		return Sample{}, fmt.Errorf("failed to get process threads: %w", err)
	}

	vmStat, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("failed to get memory stats: %w", err)
	}
	out.HostUsed = vmStat.Used
	out.HostAvailable = vmStat.Available
	return out, nil
}

// Sampler appends host samples to a Sink at a fixed interval.
type Sampler struct {
	src      Source
	sink     Sink
	interval time.Duration
	logger   zerolog.Logger
}

// NewSampler registers the host series on sink.
func NewSampler(src Source, sink Sink, interval time.Duration, logger zerolog.Logger) (*Sampler, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("sampling interval must be positive, got %s", interval)
	}
	if err := sink.RegisterSeries(Series, Columns); err != nil {
		return nil, err
	}
	return &Sampler{
		src:      src,
		sink:     sink,
		interval: interval,
		logger:   logger.With().Str("component", "host_sampler").Logger(),
	}, nil
}

// Collect takes one sample. The tuple timestamp is Unix milliseconds.
func (s *Sampler) Collect(ctx context.Context) error {
	smp, err := s.src.Sample(ctx)
	if err != nil {
		return err
	}
	ts := uint64(max(smp.Timestamp.UnixMilli(), 0))
	return s.sink.AppendSeries(Series, ts,
		clamp(smp.RSS),
		clamp(smp.VMS),
		smp.CPU.Milliseconds(),
		int64(smp.OSThreads),
		clamp(smp.HostUsed),
		clamp(smp.HostAvailable),
	)
}

func clamp(v uint64) int64 {
	n, _ := safe.Uint64ToInt64(v)
	return n
}

// Run samples until ctx is cancelled. Sampling failures are logged and do
// not stop the loop.
func (s *Sampler) Run(ctx context.Context) error {
	s.logger.Info().Dur("interval", s.interval).Msg("Starting host sampler")

	if err := s.Collect(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Initial host sample failed")
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Stopping host sampler")
			return ctx.Err()
		case <-ticker.C:
			if err := s.Collect(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to sample host")
			}
		}
	}
}
