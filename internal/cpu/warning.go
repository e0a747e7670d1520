package cpu

import "fmt"

// WarningKind classifies a recoverable data-quality problem in the event
// stream. Warnings are counted and logged, never returned as errors.
type WarningKind uint8

const (
	// UnmatchedExit is a method exit whose method is not on top of the
	// stack. The stack is resynchronised by popping frames.
	UnmatchedExit WarningKind = iota + 1
	// StaleThread is a method event for a thread that already ended.
	StaleThread
	// RootReentry is a root method entered while already open on the stack.
	RootReentry
	// NoStack is a method exit for a thread with no open frames.
	NoStack
)

var warningNames = map[WarningKind]string{
	UnmatchedExit: "unmatched_exit",
	StaleThread:   "stale_thread",
	RootReentry:   "root_reentry",
	NoStack:       "no_stack",
}

func (k WarningKind) String() string {
	if s, ok := warningNames[k]; ok {
		return s
	}
	return fmt.Sprintf("warning(%d)", uint8(k))
}

// MarshalText encodes the kind by name.
func (k WarningKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Warning describes one consistency problem.
type Warning struct {
	Kind      WarningKind `json:"kind"`
	ThreadID  uint16      `json:"thread_id"`
	MethodID  uint32      `json:"method_id"`
	Timestamp uint64      `json:"timestamp"`
	// Popped is the number of frames discarded while resynchronising.
	Popped int `json:"popped,omitempty"`
}

func (w Warning) String() string {
	return fmt.Sprintf("%s{tid=%d mid=%d ts=%d popped=%d}", w.Kind, w.ThreadID, w.MethodID, w.Timestamp, w.Popped)
}

const maxRecentWarnings = 64

// Diagnostics summarises consistency warnings since the last reset.
type Diagnostics struct {
	Counts map[WarningKind]uint64 `json:"counts"`
	// Recent holds the latest warnings, oldest first.
	Recent []Warning `json:"recent"`
	// OpenFrames is the number of frames not yet closed across all threads.
	OpenFrames int `json:"open_frames"`
	// MarkerParameters is the number of parameter lists seen for marker
	// method entries.
	MarkerParameters uint64 `json:"marker_parameters"`
}

// Total returns the sum of all warning counts.
func (d Diagnostics) Total() uint64 {
	var n uint64
	for _, c := range d.Counts {
		n += c
	}
	return n
}
