// Package telemetry accumulates VM health counters into bounded series.
package telemetry

import (
	"fmt"
	"slices"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/jvmprof/internal/monitor"
)

// Series names produced from monitored data.
const (
	SeriesMemory  = "memory"
	SeriesGC      = "gc"
	SeriesThreads = "threads"
	SeriesClasses = "classes"
	SeriesCPU     = "cpu"
)

var builtinColumns = map[string][]string{
	SeriesMemory:  {"free", "total", "used"},
	SeriesGC:      {"last_pause_ticks", "relative_time_permil", "surviving_generations"},
	SeriesThreads: {"system", "user", "total", "peak"},
	SeriesClasses: {"loaded", "unloaded"},
	SeriesCPU:     {"process_cpu_permil"},
}

// Point is one tuple of a series.
type Point struct {
	Timestamp uint64  `json:"timestamp"`
	Values    []int64 `json:"values"`
}

type series struct {
	name    string
	columns []string
	ring    *Ring[Point]
}

// Aggregator appends one tuple per monitored-data delivery to every
// configured series. Memory stays bounded by the configured capacity.
type Aggregator struct {
	capacity int
	logger   zerolog.Logger
	series   map[string]*series
	order    []string

	prev    monitor.Snapshot
	hasPrev bool
	// evicted counts tuples overwritten since the last reset.
	evicted uint64
}

// NewAggregator creates an aggregator whose series hold at most capacity
// tuples each.
func NewAggregator(capacity int, logger zerolog.Logger) (*Aggregator, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("telemetry buffer capacity must be positive, got %d", capacity)
	}
	a := &Aggregator{
		capacity: capacity,
		logger:   logger.With().Str("component", "telemetry").Logger(),
		series:   make(map[string]*series),
	}
	for _, name := range []string{SeriesMemory, SeriesGC, SeriesThreads, SeriesClasses, SeriesCPU} {
		a.mustRegister(name, builtinColumns[name])
	}
	return a, nil
}

// Register adds an extra series, for example host-side process samples.
// Registering an existing name with the same columns is a no-op.
func (a *Aggregator) Register(name string, columns []string) error {
	if s, ok := a.series[name]; ok {
		if !slices.Equal(s.columns, columns) {
			return fmt.Errorf("series %q already registered with columns %v", name, s.columns)
		}
		return nil
	}
	a.mustRegister(name, columns)
	return nil
}

func (a *Aggregator) mustRegister(name string, columns []string) {
	a.series[name] = &series{
		name:    name,
		columns: append([]string(nil), columns...),
		ring:    NewRing[Point](a.capacity),
	}
	a.order = append(a.order, name)
}

// Append adds a tuple to a registered series.
func (a *Aggregator) Append(name string, ts uint64, values ...int64) error {
	s, ok := a.series[name]
	if !ok {
		return fmt.Errorf("unknown telemetry series %q", name)
	}
	if len(values) != len(s.columns) {
		return fmt.Errorf("series %q expects %d values, got %d", name, len(s.columns), len(values))
	}
	if s.ring.Append(Point{Timestamp: ts, Values: append([]int64(nil), values...)}) {
		if a.evicted == 0 {
			a.logger.Debug().Str("series", name).Int("capacity", a.capacity).
				Msg("Telemetry buffer full, overwriting oldest tuples")
		}
		a.evicted++
	}
	return nil
}

// Name identifies the aggregator as a dispatch listener.
func (a *Aggregator) Name() string { return "telemetry" }

// HandleMonitoredData appends one tuple per builtin series.
func (a *Aggregator) HandleMonitoredData(md monitor.Snapshot) error {
	ts := md.Timestamp

	var gcPermil, cpuPermil int64
	if a.hasPrev {
		if dt := md.Uptime - a.prev.Uptime; dt > 0 {
			// GCTime and ProcessCPUTime are nanoseconds, Uptime milliseconds.
			gcPermil = clampPermil((md.GCTime - a.prev.GCTime) / dt / 1000)
			cpuPermil = (md.ProcessCPUTime - a.prev.ProcessCPUTime) / dt / 1000
			if cpuPermil < 0 {
				cpuPermil = 0
			}
		}
	}

	appends := []struct {
		name   string
		values []int64
	}{
		{SeriesMemory, []int64{md.FreeMemory, md.TotalMemory, md.UsedMemory()}},
		{SeriesGC, []int64{md.LastGCPause, gcPermil, md.SurvivingGenerations}},
		{SeriesThreads, []int64{md.DaemonThreads, md.UserThreads(), md.LiveThreads, md.PeakThreads}},
		{SeriesClasses, []int64{md.LoadedClasses, md.UnloadedClasses}},
		{SeriesCPU, []int64{cpuPermil}},
	}
	for _, ap := range appends {
		if err := a.Append(ap.name, ts, ap.values...); err != nil {
			return err
		}
	}

	a.prev = md
	a.hasPrev = true
	return nil
}

func clampPermil(v int64) int64 {
	switch {
	case v < 0:
		return 0
	case v > 1000:
		return 1000
	}
	return v
}

// Reset clears every series.
func (a *Aggregator) Reset() {
	for _, s := range a.series {
		s.ring.Clear()
	}
	a.hasPrev = false
	a.prev = monitor.Snapshot{}
	a.evicted = 0
}

// Evicted returns how many tuples were overwritten since the last reset.
func (a *Aggregator) Evicted() uint64 { return a.evicted }

// Freeze copies every series.
func (a *Aggregator) Freeze() Snapshot {
	out := Snapshot{Capacity: a.capacity}
	for _, name := range a.order {
		s := a.series[name]
		points := s.ring.Slice()
		for i := range points {
			points[i].Values = append([]int64(nil), points[i].Values...)
		}
		out.Series = append(out.Series, Series{
			Name:    s.name,
			Columns: append([]string(nil), s.columns...),
			Points:  points,
		})
	}
	return out
}

// Series is a frozen copy of one series.
type Series struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Points  []Point  `json:"points"`
}

// Column returns the values of one column, oldest first.
func (s Series) Column(name string) ([]int64, bool) {
	idx := -1
	for i, c := range s.Columns {
		if c == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, false
	}
	out := make([]int64, len(s.Points))
	for i, p := range s.Points {
		out[i] = p.Values[idx]
	}
	return out, true
}

// Snapshot is an immutable view of all series.
type Snapshot struct {
	Capacity int      `json:"capacity"`
	Series   []Series `json:"series"`
}

// Get returns a series by name.
func (s Snapshot) Get(name string) (Series, bool) {
	for _, ser := range s.Series {
		if ser.Name == name {
			return ser, true
		}
	}
	return Series{}, false
}
