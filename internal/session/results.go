package session

import (
	"context"
	"fmt"

	"github.com/coral-mesh/jvmprof/internal/cpu"
	"github.com/coral-mesh/jvmprof/internal/dispatch"
	"github.com/coral-mesh/jvmprof/internal/hostmon"
	"github.com/coral-mesh/jvmprof/internal/memory"
	"github.com/coral-mesh/jvmprof/internal/telemetry"
	"github.com/coral-mesh/jvmprof/internal/threads"
)

// CPUSnapshot freezes the calling-context trees.
func (s *Session) CPUSnapshot() cpu.Snapshot {
	var snap cpu.Snapshot
	s.dispatcher.View(func() { snap = s.cpu.Snapshot() })
	return snap
}

// FlatQuery selects and orders flat-profile rows.
type FlatQuery struct {
	Filter cpu.Filter
	// SortBy is a column name accepted by cpu.ParseColumn. Empty means
	// exclusive time.
	SortBy    string
	Ascending bool
	// ThreadID restricts the profile to one thread when HasThread is set.
	ThreadID  uint16
	HasThread bool
	Limit     int
}

// FlatProfile derives a flat profile from the current trees.
func (s *Session) FlatProfile(q FlatQuery) (*cpu.Profile, error) {
	col := cpu.ColumnExclusive
	if q.SortBy != "" {
		c, err := cpu.ParseColumn(q.SortBy)
		if err != nil {
			return nil, err
		}
		col = c
	}

	snap := s.CPUSnapshot()
	tps := s.TicksPerSecond()

	var p *cpu.Profile
	if q.HasThread {
		tp, ok := cpu.FlattenThread(snap, q.ThreadID, s.methods, tps)
		if !ok {
			return nil, fmt.Errorf("no profile for thread %d", q.ThreadID)
		}
		p = tp
	} else {
		p = cpu.Flatten(snap, s.methods, tps)
	}

	p, err := p.Filter(q.Filter)
	if err != nil {
		return nil, err
	}
	return p.Sort(col, !q.Ascending).Top(q.Limit), nil
}

// MemorySnapshot freezes the per-class statistics.
func (s *Session) MemorySnapshot() memory.Snapshot {
	var snap memory.Snapshot
	s.dispatcher.View(func() { snap = s.memory.Snapshot(s.classes) })
	return snap
}

// Telemetry freezes every telemetry series.
func (s *Session) Telemetry() telemetry.Snapshot {
	var snap telemetry.Snapshot
	s.dispatcher.View(func() { snap = s.telemetry.Freeze() })
	return snap
}

// Threads freezes the thread state histories.
func (s *Session) Threads() threads.Snapshot {
	var snap threads.Snapshot
	s.dispatcher.View(func() { snap = s.threads.Snapshot() })
	return snap
}

// Methods resolves method ids to names.
func (s *Session) Methods() *cpu.MethodTable { return s.methods }

// Classes resolves class ids to names.
func (s *Session) Classes() *memory.ClassTable { return s.classes }

// Diagnostics is a point-in-time health report of the session.
type Diagnostics struct {
	SessionID           string          `json:"session_id"`
	TicksPerSecond      uint64          `json:"ticks_per_second"`
	Dispatch            dispatch.Stats  `json:"dispatch"`
	CPU                 cpu.Diagnostics `json:"cpu"`
	MemoryMode          string          `json:"memory_mode"`
	MemoryUntracked     uint64          `json:"memory_untracked_collected"`
	TelemetryEvicted    uint64          `json:"telemetry_evicted"`
	BadMonitoredData    uint64          `json:"bad_monitored_data"`
	Methods             int             `json:"methods"`
	Classes             int             `json:"classes"`
	SurvivingGeneration int             `json:"surviving_generations"`
}

// Diagnostics collects counters from every component.
func (s *Session) Diagnostics() Diagnostics {
	d := Diagnostics{
		SessionID:        s.id,
		TicksPerSecond:   s.TicksPerSecond(),
		Dispatch:         s.dispatcher.Stats(),
		BadMonitoredData: s.badMonitorData.Load(),
		Methods:          s.methods.Len(),
		Classes:          s.classes.Len(),
	}
	s.dispatcher.View(func() {
		d.CPU = s.cpu.Diagnostics()
		d.MemoryMode = s.memory.Mode().String()
		d.MemoryUntracked = s.memory.Snapshot(s.classes).UntrackedCollected
		d.SurvivingGeneration = s.memory.SurvivingGenerations()
		d.TelemetryEvicted = s.telemetry.Evicted()
	})
	return d
}

// RegisterSeries adds an external telemetry series.
func (s *Session) RegisterSeries(name string, columns []string) error {
	var err error
	s.dispatcher.View(func() { err = s.telemetry.Register(name, columns) })
	return err
}

// AppendSeries appends to an external telemetry series.
func (s *Session) AppendSeries(name string, ts uint64, values ...int64) error {
	var err error
	s.dispatcher.View(func() { err = s.telemetry.Append(name, ts, values...) })
	return err
}

var _ hostmon.Sink = (*Session)(nil)

// RunHost samples the profiled process from the host side into the "host"
// telemetry series until ctx is done. It returns nil immediately when host
// sampling is disabled.
func (s *Session) RunHost(ctx context.Context) error {
	if !s.cfg.Host.Enabled {
		return nil
	}
	src, err := hostmon.NewProcessSource(ctx, s.cfg.Host.PID)
	if err != nil {
		return err
	}
	sampler, err := hostmon.NewSampler(src, s, s.cfg.Host.Interval, s.logger)
	if err != nil {
		return err
	}
	return sampler.Run(ctx)
}
