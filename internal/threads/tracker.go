// Package threads keeps a run-length compressed state history per thread.
package threads

import (
	"maps"
	"sort"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/jvmprof/internal/monitor"
	"github.com/coral-mesh/jvmprof/internal/wire"
)

// Transition records that a thread entered State at Timestamp.
type Transition struct {
	Timestamp uint64        `json:"timestamp"`
	State     monitor.State `json:"state"`
}

// record is the live, mutable history of one thread.
type record struct {
	id        uint16
	name      string
	className string
	history   []Transition
	lastSeen  uint64
	ended     bool
}

func (r *record) last() (Transition, bool) {
	if len(r.history) == 0 {
		return Transition{}, false
	}
	return r.history[len(r.history)-1], true
}

func (r *record) append(ts uint64, st monitor.State) bool {
	if last, ok := r.last(); ok {
		if last.State == st {
			return false
		}
		if ts < last.Timestamp {
			ts = last.Timestamp
		}
	}
	r.history = append(r.history, Transition{Timestamp: ts, State: st})
	return true
}

// Config configures a Tracker.
type Config struct {
	// ZombieGracePeriodTicks is how long a thread may be missing from
	// monitored data before it is marked Zombie.
	ZombieGracePeriodTicks uint64
}

// Tracker converts monitored-data ticks and thread lifecycle events into
// per-thread state histories. It is mutated only from the dispatch context.
type Tracker struct {
	cfg     Config
	logger  zerolog.Logger
	records map[uint16]*record
	order   []uint16
	// monitors maps lock object hashes to their class names.
	monitors map[uint32]string
	// lastTick is the most recent timestamp observed from any source.
	lastTick uint64
}

// NewTracker creates a tracker.
func NewTracker(cfg Config, logger zerolog.Logger) *Tracker {
	return &Tracker{
		cfg:     cfg,
		logger:  logger.With().Str("component", "thread_tracker").Logger(),
		records:  make(map[uint16]*record),
		monitors: make(map[uint32]string),
	}
}

func (t *Tracker) get(id uint16) *record {
	r, ok := t.records[id]
	if !ok {
		r = &record{id: id}
		t.records[id] = r
		t.order = append(t.order, id)
	}
	return r
}

// Name identifies the tracker as a dispatch listener.
func (t *Tracker) Name() string { return "threads" }

// HandleMonitoredData appends state changes for every thread in the sample
// and marks threads absent longer than the grace period as Zombie.
func (t *Tracker) HandleMonitoredData(md monitor.Snapshot) error {
	ts := md.Timestamp
	if ts > t.lastTick {
		t.lastTick = ts
	}

	seen := make(map[uint16]struct{}, len(md.Threads))
	for _, th := range md.Threads {
		seen[th.ID] = struct{}{}
		r := t.get(th.ID)
		if th.Name != "" {
			r.name = th.Name
		}
		if th.ClassName != "" {
			r.className = th.ClassName
		}
		r.lastSeen = ts
		r.ended = false
		r.append(ts, th.State)
	}

	for _, id := range t.order {
		if _, ok := seen[id]; ok {
			continue
		}
		r := t.records[id]
		if ts-min(ts, r.lastSeen) <= t.cfg.ZombieGracePeriodTicks && !r.ended {
			continue
		}
		if r.append(ts, monitor.StateZombie) {
			t.logger.Debug().Uint16("thread_id", id).Msg("Thread marked zombie")
		}
	}
	return nil
}

// HandleEvents picks up thread names, thread ends and monitor classes from
// the event stream.
func (t *Tracker) HandleEvents(events []wire.Event) error {
	for _, ev := range events {
		if ev.Stamped && ev.Timestamp > t.lastTick {
			t.lastTick = ev.Timestamp
		}
		switch ev.Kind {
		case wire.KindThreadStart:
			r := t.get(ev.ThreadID)
			r.name = ev.ThreadStart.Name
			r.className = ev.ThreadStart.ClassName
			r.ended = false
			r.lastSeen = t.lastTick
		case wire.KindThreadEnd:
			if r, ok := t.records[ev.ThreadID]; ok {
				r.ended = true
			}
		case wire.KindNewMonitor:
			t.monitors[ev.Monitor.Hash] = ev.Monitor.ClassName
		}
	}
	return nil
}

// Reset drops every record.
func (t *Tracker) Reset() {
	t.records = make(map[uint16]*record)
	t.order = nil
	t.monitors = make(map[uint32]string)
	t.lastTick = 0
}

// ClearStates empties every history but keeps thread identities.
func (t *Tracker) ClearStates() {
	for _, r := range t.records {
		r.history = nil
	}
}

// StateAt returns the state active at ts for thread id.
func (t *Tracker) StateAt(id uint16, ts uint64) monitor.State {
	r, ok := t.records[id]
	if !ok {
		return monitor.StateUnknown
	}
	return stateAt(r.history, ts)
}

// WaitTime returns how many ticks of [from, to) thread id spent in Wait or
// Monitor according to the sampled history. The last recorded state is
// assumed to last until the most recent observed tick.
func (t *Tracker) WaitTime(id uint16, from, to uint64) uint64 {
	r, ok := t.records[id]
	if !ok || to <= from {
		return 0
	}
	h := r.history
	i := sort.Search(len(h), func(i int) bool { return h[i].Timestamp > from })
	if i > 0 {
		i--
	}
	var total uint64
	for ; i < len(h); i++ {
		start := h[i].Timestamp
		if start >= to {
			break
		}
		end := t.lastTick
		if i+1 < len(h) {
			end = h[i+1].Timestamp
		}
		if !h[i].State.Waiting() {
			continue
		}
		lo, hi := max(start, from), min(end, to)
		if hi > lo {
			total += hi - lo
		}
	}
	return total
}

// Snapshot freezes the current histories.
func (t *Tracker) Snapshot() Snapshot {
	s := Snapshot{LastTick: t.lastTick, Threads: make([]Record, 0, len(t.order))}
	for _, id := range t.order {
		r := t.records[id]
		s.Threads = append(s.Threads, Record{
			ID:        r.id,
			Name:      r.name,
			ClassName: r.className,
			History:   append([]Transition(nil), r.history...),
		})
	}
	if len(t.monitors) > 0 {
		s.Monitors = maps.Clone(t.monitors)
	}
	return s
}

func stateAt(h []Transition, ts uint64) monitor.State {
	i := sort.Search(len(h), func(i int) bool { return h[i].Timestamp > ts })
	if i == 0 {
		return monitor.StateUnknown
	}
	return h[i-1].State
}
