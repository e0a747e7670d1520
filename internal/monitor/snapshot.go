// Package monitor defines the periodic VM-wide counters delivered out of band
// from the event stream.
package monitor

import (
	"encoding/json"
	"fmt"
	"strings"
)

// State is the exact state of one thread at one point in time.
type State int8

const (
	StateUnknown  State = -1
	StateZombie   State = 0
	StateRunning  State = 1
	StateSleeping State = 2
	StateMonitor  State = 3
	StateWait     State = 4
	StatePark     State = 5
)

var stateNames = map[State]string{
	StateUnknown:  "unknown",
	StateZombie:   "zombie",
	StateRunning:  "running",
	StateSleeping: "sleeping",
	StateMonitor:  "monitor",
	StateWait:     "wait",
	StatePark:     "park",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int8(s))
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, error) {
	for st, n := range stateNames {
		if strings.EqualFold(n, s) {
			return st, nil
		}
	}
	return StateUnknown, fmt.Errorf("unknown thread state %q", s)
}

// MarshalJSON encodes the state by name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts a state name or its numeric code.
func (s *State) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err == nil {
		st, err := ParseState(name)
		if err != nil {
			return err
		}
		*s = st
		return nil
	}
	var code int8
	if err := json.Unmarshal(b, &code); err != nil {
		return fmt.Errorf("invalid thread state %s", string(b))
	}
	*s = State(code)
	return nil
}

// Waiting reports whether time in this state is excluded from CPU times.
func (s State) Waiting() bool {
	return s == StateWait || s == StateMonitor
}

// ThreadSample is one thread's state at the snapshot tick.
type ThreadSample struct {
	ID        uint16 `json:"id"`
	Name      string `json:"name,omitempty"`
	ClassName string `json:"class_name,omitempty"`
	State     State  `json:"state"`
}

// Generation describes one heap generation.
type Generation struct {
	Name        string `json:"name"`
	Capacity    int64  `json:"capacity"`
	Used        int64  `json:"used"`
	MaxCapacity int64  `json:"max_capacity"`
}

// Snapshot holds point-in-time VM counters. A Snapshot is a value: it is
// delivered once per tick and consumers must not modify its slices.
type Snapshot struct {
	// Timestamp is in the same tick base as event timestamps.
	Timestamp uint64 `json:"timestamp"`

	LoadedClasses       int64 `json:"loaded_classes"`
	SharedLoadedClasses int64 `json:"shared_loaded_classes"`
	UnloadedClasses     int64 `json:"unloaded_classes"`

	LiveThreads    int64 `json:"live_threads"`
	DaemonThreads  int64 `json:"daemon_threads"`
	PeakThreads    int64 `json:"peak_threads"`
	StartedThreads int64 `json:"started_threads"`

	// ProcessCPUTime and GCTime are cumulative nanoseconds; Uptime is
	// milliseconds since VM start.
	ProcessCPUTime int64 `json:"process_cpu_time"`
	GCTime         int64 `json:"gc_time"`
	Uptime         int64 `json:"uptime"`

	// LastGCPause is the duration of the most recent collection in ticks.
	LastGCPause int64 `json:"last_gc_pause"`
	// SurvivingGenerations is reported by object-liveness profiling, -1 otherwise.
	SurvivingGenerations int64 `json:"surviving_generations"`

	FreeMemory  int64 `json:"free_memory"`
	TotalMemory int64 `json:"total_memory"`

	Generations []Generation   `json:"generations,omitempty"`
	Threads     []ThreadSample `json:"threads,omitempty"`
}

// UsedMemory returns TotalMemory minus FreeMemory.
func (s Snapshot) UsedMemory() int64 {
	return s.TotalMemory - s.FreeMemory
}

// UserThreads returns the number of live non-daemon threads.
func (s Snapshot) UserThreads() int64 {
	return s.LiveThreads - s.DaemonThreads
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	c := s
	c.Generations = append([]Generation(nil), s.Generations...)
	c.Threads = append([]ThreadSample(nil), s.Threads...)
	return c
}

// Decode parses a JSON-encoded snapshot.
func Decode(b []byte) (Snapshot, error) {
	s := Snapshot{SurvivingGenerations: -1}
	if err := json.Unmarshal(b, &s); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode monitored data: %w", err)
	}
	return s, nil
}

// Encode serialises the snapshot as JSON.
func (s Snapshot) Encode() ([]byte, error) {
	return json.Marshal(s)
}
