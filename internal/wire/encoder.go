package wire

import (
	"math"
	"unicode/utf16"
)

// Encoder produces the byte stream a target agent would emit. It is used by
// recordings, the record command and tests; the real agent lives in the
// target VM.
type Encoder struct {
	buf           []byte
	twoTimestamps bool
}

// NewEncoder creates an encoder. twoTimestamps must match the decoder setting.
func NewEncoder(twoTimestamps bool) *Encoder {
	return &Encoder{twoTimestamps: twoTimestamps}
}

// Bytes returns the encoded stream so far.
func (e *Encoder) Bytes() []byte { return e.buf }

// Len returns the number of encoded bytes.
func (e *Encoder) Len() int { return len(e.buf) }

// Take returns the encoded bytes and starts a new buffer.
func (e *Encoder) Take() []byte {
	b := e.buf
	e.buf = nil
	return b
}

func (e *Encoder) put(v uint64, n int) *Encoder {
	for i := n - 1; i >= 0; i-- {
		e.buf = append(e.buf, byte(v>>(8*uint(i))))
	}
	return e
}

func (e *Encoder) tag(t Tag) *Encoder {
	e.buf = append(e.buf, byte(t))
	return e
}

func (e *Encoder) str(s string) *Encoder {
	e.put(uint64(len(s)), 2)
	e.buf = append(e.buf, s...)
	return e
}

// SetThread emits SetFollowingEventsThread.
func (e *Encoder) SetThread(tid uint16) *Encoder {
	return e.tag(TagSetFollowingEventsThread).put(uint64(tid), 2)
}

// NewThread emits NewThread, which also makes tid the current thread.
func (e *Encoder) NewThread(tid uint16, name, className string) *Encoder {
	return e.tag(TagNewThread).put(uint64(tid), 2).str(name).str(className)
}

// ThreadEnd emits ThreadEnd.
func (e *Encoder) ThreadEnd(tid uint16) *Encoder {
	return e.tag(TagThreadEnd).put(uint64(tid), 2)
}

// NewMonitor emits NewMonitor.
func (e *Encoder) NewMonitor(hash uint32, className string) *Encoder {
	return e.tag(TagNewMonitor).put(uint64(hash), 4).str(className)
}

// MarkerParameters emits MarkerEntryParameters. Each Value must have the Go
// type Parameter documents for its Type.
func (e *Encoder) MarkerParameters(params ...Parameter) *Encoder {
	e.tag(TagMarkerEntryParameters).put(uint64(len(params)), 1)
	for _, p := range params {
		e.buf = append(e.buf, byte(p.Type))
		switch p.Type {
		case ParamBoolean:
			var b uint64
			if p.Value.(bool) {
				b = 1
			}
			e.put(b, 1)
		case ParamByte:
			e.put(uint64(uint8(p.Value.(int8))), 1)
		case ParamChar:
			e.put(uint64(p.Value.(rune)), 2)
		case ParamShort:
			e.put(uint64(uint16(p.Value.(int16))), 2)
		case ParamInt:
			e.put(uint64(uint32(p.Value.(int32))), 4)
		case ParamFloat:
			e.put(uint64(math.Float32bits(p.Value.(float32))), 4)
		case ParamLong:
			e.put(uint64(p.Value.(int64)), 8)
		case ParamDouble:
			e.put(math.Float64bits(p.Value.(float64)), 8)
		case ParamReference:
			units := utf16.Encode([]rune(p.Value.(string)))
			e.put(uint64(len(units)*2), 2)
			for _, u := range units {
				e.put(uint64(u), 2)
			}
		}
	}
	return e
}

// MethodEntry emits a stamped method entry.
func (e *Encoder) MethodEntry(mid uint16, ts, cpu uint64) *Encoder {
	e.tag(TagMethodEntry).put(uint64(mid), 2).put(ts, 7)
	if e.twoTimestamps {
		e.put(cpu, 7)
	}
	return e
}

// MethodExit emits a stamped method exit.
func (e *Encoder) MethodExit(mid uint16, ts, cpu uint64) *Encoder {
	e.tag(TagMethodExit).put(uint64(mid), 2).put(ts, 7)
	if e.twoTimestamps {
		e.put(cpu, 7)
	}
	return e
}

// RootEntry emits a root method entry.
func (e *Encoder) RootEntry(mid uint16, ts, cpu uint64) *Encoder {
	return e.tag(TagRootEntry).put(uint64(mid), 2).put(ts, 7).put(cpu, 7)
}

// RootExit emits a root method exit.
func (e *Encoder) RootExit(mid uint16, ts, cpu uint64) *Encoder {
	return e.tag(TagRootExit).put(uint64(mid), 2).put(ts, 7).put(cpu, 7)
}

// MarkerEntry emits a marker method entry.
func (e *Encoder) MarkerEntry(mid uint16, ts, cpu uint64) *Encoder {
	return e.tag(TagMarkerEntry).put(uint64(mid), 2).put(ts, 7).put(cpu, 7)
}

// MarkerExit emits a marker method exit.
func (e *Encoder) MarkerExit(mid uint16, ts, cpu uint64) *Encoder {
	return e.tag(TagMarkerExit).put(uint64(mid), 2).put(ts, 7).put(cpu, 7)
}

// MethodEntryUnstamped emits an unstamped entry.
func (e *Encoder) MethodEntryUnstamped(mid uint16) *Encoder {
	return e.tag(TagMethodEntryUnstamped).put(uint64(mid), 2)
}

// MethodExitUnstamped emits an unstamped exit.
func (e *Encoder) MethodExitUnstamped(mid uint16) *Encoder {
	return e.tag(TagMethodExitUnstamped).put(uint64(mid), 2)
}

// CompactEntry emits a 2-byte entry. mid must fit in 14 bits.
func (e *Encoder) CompactEntry(mid uint16) *Encoder {
	v := uint16(compactMask)<<8 | mid&compactIDMask
	return e.put(uint64(v), 2)
}

// CompactExit emits a 2-byte exit. mid must fit in 14 bits.
func (e *Encoder) CompactExit(mid uint16) *Encoder {
	v := uint16(compactExitMask)<<8 | mid&compactIDMask
	return e.put(uint64(v), 2)
}

// Blocking emits one of the wait/monitor/sleep/park entry or exit events.
func (e *Encoder) Blocking(t Tag, ts uint64) *Encoder {
	return e.tag(t).put(ts, 7)
}

// AdjustTime emits a timer adjustment for the current thread.
func (e *Encoder) AdjustTime(diff, cpuDiff uint64) *Encoder {
	return e.tag(TagAdjustTime).put(diff, 7).put(cpuDiff, 7)
}

// ThreadsSuspended emits a global suspension marker.
func (e *Encoder) ThreadsSuspended(ts, cpu uint64) *Encoder {
	return e.tag(TagThreadsSuspended).put(ts, 7).put(cpu, 7)
}

// ThreadsResumed emits a global resumption marker.
func (e *Encoder) ThreadsResumed(ts, cpu uint64) *Encoder {
	return e.tag(TagThreadsResumed).put(ts, 7).put(cpu, 7)
}

// ResetCollectors emits an agent-side reset.
func (e *Encoder) ResetCollectors() *Encoder {
	return e.tag(TagResetCollectors)
}

// Alloc emits an allocation stack trace. stack is innermost first.
func (e *Encoder) Alloc(cid uint16, size uint64, stack []uint32) *Encoder {
	e.tag(TagObjAllocStackTrace).put(uint64(cid), 2).put(size, 5)
	return e.frames(stack)
}

// Liveness emits a liveness stack trace for a tracked object.
func (e *Encoder) Liveness(cid uint16, epoch uint32, oid, size uint64, stack []uint32) *Encoder {
	e.tag(TagObjLivenessStackTrace).put(uint64(cid), 2).put(uint64(epoch), 4).put(oid, 8).put(size, 5)
	return e.frames(stack)
}

// ObjectGC emits a collected-object notification.
func (e *Encoder) ObjectGC(oid uint64) *Encoder {
	return e.tag(TagObjGCHappened).put(oid, 8)
}

// ProfilePointHit emits a profiling point hit.
func (e *Encoder) ProfilePointHit(id uint16, ts uint64, tid uint16) *Encoder {
	return e.tag(TagProfilePointHit).put(uint64(id), 2).put(ts, 7).put(uint64(tid), 2)
}

// Servlet emits a servlet request marker.
func (e *Encoder) Servlet(requestType byte, path string, sessionID int32) *Encoder {
	e.tag(TagServletDoMethod)
	e.buf = append(e.buf, requestType)
	return e.str(path).put(uint64(uint32(sessionID)), 4)
}

// Raw appends arbitrary bytes.
func (e *Encoder) Raw(b ...byte) *Encoder {
	e.buf = append(e.buf, b...)
	return e
}

func (e *Encoder) frames(stack []uint32) *Encoder {
	e.put(uint64(len(stack)), 3)
	for _, m := range stack {
		e.put(uint64(m), 4)
	}
	return e
}
