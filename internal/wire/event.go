// Package wire decodes the binary event stream emitted by the instrumented
// target VM into typed profiling events.
//
// The stream is big-endian. Method, class and thread ids are 16 bits wide and
// timestamps are 56-bit raw timer ticks. Ticks are never converted to wall
// time here; callers apply the agent-provided timer resolution.
//
// Event layouts (tag byte first):
//
//	RootEntry/RootExit/MarkerEntry/MarkerExit  mid(2) ts0(7) ts1(7)
//	MethodEntry/MethodExit                     mid(2) ts0(7) [ts1(7) in two-timestamp mode]
//	*Unstamped                                 mid(2)
//	Wait/Monitor/Sleep/Park entry and exit     ts0(7)
//	AdjustTime/ThreadsSuspended/ThreadsResumed ts0(7) ts1(7)
//	ResetCollectors                            -
//	NewThread                                  tid(2) len(2) name len(2) class
//	SetFollowingEventsThread                   tid(2)
//	NewMonitor                                 hash(4) len(2) class
//	MarkerEntryParameters                      count(1) count*(type(1) value)
//	ThreadEnd                                  tid(2)
//	ObjAllocStackTrace                         cid(2) size(5) depth(3) depth*mid(4)
//	ObjLivenessStackTrace                      cid(2) epoch(4) oid(8) size(5) depth(3) depth*mid(4)
//	ObjGCHappened                              oid(8)
//	ProfilePointHit                            id(2) ts(7) tid(2)
//	ServletDoMethod                            type(1) len(2) path sid(4)
//
// Parameter values are sized by their JVM type letter: Z and B one byte,
// C and S two, I and F four, J and D eight. L is a reference rendered as a
// string: a byte length(2) followed by UTF-16 code units.
//
// A byte with the high bit set starts a 2-byte compact unstamped method
// event: 0b10xxxxxx entry, 0b11xxxxxx exit, low 14 bits are the method id.
package wire

import "fmt"

// Tag is the leading byte of a non-compact event.
type Tag byte

const (
	TagRootEntry                Tag = 1
	TagRootExit                 Tag = 2
	TagMarkerEntry              Tag = 3
	TagMarkerExit               Tag = 4
	TagAdjustTime               Tag = 5
	TagMethodEntry              Tag = 6
	TagMethodExit               Tag = 7
	TagThreadsSuspended         Tag = 8
	TagThreadsResumed           Tag = 9
	TagResetCollectors          Tag = 10
	TagNewThread                Tag = 11
	TagObjAllocStackTrace       Tag = 12
	TagSetFollowingEventsThread Tag = 13
	TagObjLivenessStackTrace    Tag = 14
	TagObjGCHappened            Tag = 15
	TagMethodEntryUnstamped     Tag = 16
	TagMethodExitUnstamped      Tag = 17
	TagMarkerEntryUnstamped     Tag = 18
	TagMarkerExitUnstamped      Tag = 19
	TagWaitEntry                Tag = 20
	TagWaitExit                 Tag = 21
	TagMonitorEntry             Tag = 22
	TagMonitorExit              Tag = 23
	TagSleepEntry               Tag = 24
	TagSleepExit                Tag = 25
	TagParkEntry                Tag = 26
	TagParkExit                 Tag = 27
	TagNewMonitor               Tag = 28
	TagProfilePointHit          Tag = 29
	TagServletDoMethod          Tag = 30
	// 31 to 34 frame thread dumps, which travel outside the event stream.
	TagMarkerEntryParameters Tag = 35
	TagThreadEnd             Tag = 36

	maxTag = TagThreadEnd
)

const (
	compactMask     byte   = 0x80
	compactExitMask byte   = 0xC0
	compactIDMask   uint16 = 0x3FFF
)

// Kind classifies a decoded event.
type Kind uint8

const (
	KindMethodEntry Kind = iota + 1
	KindMethodExit
	KindThreadStart
	KindThreadEnd
	KindAllocationSample
	KindLivenessSample
	KindObjectGC
	KindWaitEntry
	KindWaitExit
	KindMonitorEntry
	KindMonitorExit
	KindSleepEntry
	KindSleepExit
	KindParkEntry
	KindParkExit
	KindAdjustTime
	KindThreadsSuspended
	KindThreadsResumed
	KindResetCollectors
	KindProfilePointHit
	KindServletRequest
	KindNewMonitor
	KindMethodParameters
)

var kindNames = map[Kind]string{
	KindMethodEntry:      "method_entry",
	KindMethodExit:       "method_exit",
	KindThreadStart:      "thread_start",
	KindThreadEnd:        "thread_end",
	KindAllocationSample: "allocation_sample",
	KindLivenessSample:   "liveness_sample",
	KindObjectGC:         "object_gc",
	KindWaitEntry:        "wait_entry",
	KindWaitExit:         "wait_exit",
	KindMonitorEntry:     "monitor_entry",
	KindMonitorExit:      "monitor_exit",
	KindSleepEntry:       "sleep_entry",
	KindSleepExit:        "sleep_exit",
	KindParkEntry:        "park_entry",
	KindParkExit:         "park_exit",
	KindAdjustTime:       "adjust_time",
	KindThreadsSuspended: "threads_suspended",
	KindThreadsResumed:   "threads_resumed",
	KindResetCollectors:  "reset_collectors",
	KindProfilePointHit:  "profile_point_hit",
	KindServletRequest:   "servlet_request",
	KindNewMonitor:       "new_monitor",
	KindMethodParameters: "method_parameters",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// MethodType distinguishes ordinary methods from root and marker methods.
type MethodType uint8

const (
	MethodNormal MethodType = iota
	MethodRoot
	MethodMarker
)

// Event is one decoded unit of the stream. Fields not relevant to Kind are zero.
type Event struct {
	Kind     Kind
	ThreadID uint16
	MethodID uint32

	// Timestamp is the primary (absolute) timestamp in raw ticks.
	Timestamp uint64
	// CPUTimestamp is the secondary (thread CPU) timestamp when present.
	CPUTimestamp uint64
	// Stamped is false for unstamped and compact method events.
	Stamped    bool
	MethodType MethodType

	ThreadStart  *ThreadStart
	Allocation   *Allocation
	ProfilePoint *ProfilePoint
	Servlet      *Servlet
	Monitor      *Monitor
	// Parameters belong to the next marker method entry of the thread.
	Parameters []Parameter
}

// ThreadStart carries NewThread details.
type ThreadStart struct {
	Name      string
	ClassName string
}

// Allocation carries allocation and liveness samples. ObjectID and Epoch are
// only set for liveness samples, and ObjectID alone for ObjectGC events.
type Allocation struct {
	ClassID  uint16
	Size     uint64
	ObjectID uint64
	Epoch    uint32
	// Stack lists method ids innermost first.
	Stack []uint32
}

// ProfilePoint carries a profiling point hit.
type ProfilePoint struct {
	ID uint16
}

// Servlet carries a servlet request marker.
type Servlet struct {
	RequestType byte
	Path        string
	SessionID   int32
}

// Monitor announces a lock object seen for the first time.
type Monitor struct {
	Hash      uint32
	ClassName string
}

// ParamType is the JVM descriptor letter of a marker method parameter.
type ParamType byte

const (
	ParamBoolean   ParamType = 'Z'
	ParamChar      ParamType = 'C'
	ParamByte      ParamType = 'B'
	ParamShort     ParamType = 'S'
	ParamInt       ParamType = 'I'
	ParamLong      ParamType = 'J'
	ParamFloat     ParamType = 'F'
	ParamDouble    ParamType = 'D'
	ParamReference ParamType = 'L'
)

// Parameter is one captured argument. Value holds a bool, rune, int8,
// int16, int32, int64, float32, float64 or string matching Type.
type Parameter struct {
	Type  ParamType
	Value any
}

func (e Event) String() string {
	return fmt.Sprintf("%s{tid=%d mid=%d ts=%d}", e.Kind, e.ThreadID, e.MethodID, e.Timestamp)
}
