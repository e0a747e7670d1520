package threads

import (
	"math/bits"
	"sort"
	"strings"

	"github.com/coral-mesh/jvmprof/internal/monitor"
)

// StateSet is the set of states observed within a time bucket. It is a
// summary for coarse visualisation and never an exact state.
type StateSet uint8

func bit(s monitor.State) StateSet {
	if s < monitor.StateZombie || s > monitor.StatePark {
		return 1 << 7
	}
	return 1 << uint(s)
}

// Add returns the set with s included.
func (ss StateSet) Add(s monitor.State) StateSet { return ss | bit(s) }

// Has reports whether s was observed.
func (ss StateSet) Has(s monitor.State) bool { return ss&bit(s) != 0 }

// Empty reports whether nothing was observed.
func (ss StateSet) Empty() bool { return ss == 0 }

func (ss StateSet) String() string {
	var parts []string
	for _, s := range []monitor.State{
		monitor.StateUnknown, monitor.StateZombie, monitor.StateRunning, monitor.StateSleeping,
		monitor.StateMonitor, monitor.StateWait, monitor.StatePark,
	} {
		if ss.Has(s) {
			parts = append(parts, s.String())
		}
	}
	return strings.Join(parts, "|")
}

// Record is a frozen thread history.
type Record struct {
	ID        uint16       `json:"id"`
	Name      string       `json:"name"`
	ClassName string       `json:"class_name"`
	History   []Transition `json:"history"`
}

// Len returns the number of recorded transitions.
func (r Record) Len() int { return len(r.History) }

// StateAt returns the state active at ts, or Unknown before the first record.
func (r Record) StateAt(ts uint64) monitor.State { return stateAt(r.History, ts) }

// TimestampAt returns the timestamp of the i-th transition.
func (r Record) TimestampAt(i int) uint64 { return r.History[i].Timestamp }

// StateAtIndex returns the state of the i-th transition.
func (r Record) StateAtIndex(i int) monitor.State { return r.History[i].State }

// StatesIn returns every state active at some point of [from, to).
func (r Record) StatesIn(from, to uint64) StateSet {
	var ss StateSet
	if to <= from {
		return ss
	}
	h := r.History
	i := sort.Search(len(h), func(i int) bool { return h[i].Timestamp > from })
	if i > 0 {
		ss = ss.Add(h[i-1].State)
	}
	for ; i < len(h) && h[i].Timestamp < to; i++ {
		ss = ss.Add(h[i].State)
	}
	return ss
}

// Buckets summarises the history between from and to into n equal buckets.
func (r Record) Buckets(from, to uint64, n int) []StateSet {
	if n <= 0 || to <= from {
		return nil
	}
	out := make([]StateSet, n)
	span := to - from
	for i := range out {
		lo := from + scale(span, uint64(i), uint64(n))
		hi := from + scale(span, uint64(i+1), uint64(n))
		if hi == lo {
			hi = lo + 1
		}
		out[i] = r.StatesIn(lo, hi)
	}
	return out
}

// scale returns span*i/n without overflowing. i must not exceed n.
func scale(span, i, n uint64) uint64 {
	hi, lo := bits.Mul64(span, i)
	q, _ := bits.Div64(hi, lo, n)
	return q
}

// Snapshot is an immutable copy of every thread history.
type Snapshot struct {
	LastTick uint64   `json:"last_tick"`
	Threads  []Record `json:"threads"`
	// Monitors maps lock object hashes to class names.
	Monitors map[uint32]string `json:"monitors,omitempty"`
}

// Thread looks up a record by id.
func (s Snapshot) Thread(id uint16) (Record, bool) {
	for _, r := range s.Threads {
		if r.ID == id {
			return r, true
		}
	}
	return Record{}, false
}
