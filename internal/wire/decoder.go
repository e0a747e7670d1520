package wire

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"math"
	"unicode/utf16"
)

var (
	// ErrTruncated is returned when the buffered bytes end inside an event.
	// The partial event is retained and completed by the next Feed.
	ErrTruncated = errors.New("wire: truncated event")

	// ErrMalformed is returned when the stream can no longer be trusted.
	// It is sticky: every subsequent Next returns it until Reset.
	ErrMalformed = errors.New("wire: malformed event")
)

// MalformedError describes where the stream went wrong.
type MalformedError struct {
	Tag    byte
	Offset int64
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("wire: malformed event tag %d at offset %d: %s", e.Tag, e.Offset, e.Reason)
}

func (e *MalformedError) Is(target error) bool { return target == ErrMalformed }

// DefaultMaxStackDepth bounds allocation stack traces.
const DefaultMaxStackDepth = 1 << 16

// Options configures a Decoder.
type Options struct {
	// TwoTimestamps mirrors the agent's "collect thread CPU time" setting:
	// stamped method events then carry a second timestamp.
	TwoTimestamps bool
	// MaxStackDepth rejects allocation stacks deeper than this. Zero means
	// DefaultMaxStackDepth.
	MaxStackDepth int
}

// Decoder is a streaming parser. Bytes are appended with Feed and events are
// pulled with Next. A buffer boundary may fall anywhere, including inside an
// event header; the unconsumed tail is kept for the next Feed.
//
// The decoder tracks the "current thread" set by SetFollowingEventsThread and
// NewThread, so it must see the stream in order. It is not safe for
// concurrent use.
type Decoder struct {
	opts    Options
	pending []byte
	pos     int
	// consumed counts bytes discarded before pending[0], for error offsets.
	consumed      int64
	currentThread uint16
	failed        error
}

// NewDecoder creates a decoder.
func NewDecoder(opts Options) *Decoder {
	if opts.MaxStackDepth <= 0 {
		opts.MaxStackDepth = DefaultMaxStackDepth
	}
	return &Decoder{opts: opts}
}

// Feed appends buf to the pending bytes. buf is copied.
func (d *Decoder) Feed(buf []byte) {
	if d.pos > 0 {
		n := copy(d.pending, d.pending[d.pos:])
		d.pending = d.pending[:n]
		d.consumed += int64(d.pos)
		d.pos = 0
	}
	d.pending = append(d.pending, buf...)
}

// Pending reports how many fed bytes have not been decoded yet.
func (d *Decoder) Pending() int {
	return len(d.pending) - d.pos
}

// CurrentThread returns the thread that unqualified events are attributed to.
func (d *Decoder) CurrentThread() uint16 {
	return d.currentThread
}

// Next decodes the next event. It returns io.EOF when every fed byte has been
// consumed, ErrTruncated when the remaining bytes are an incomplete event,
// and an error matching ErrMalformed when an unknown tag or impossible length
// is found.
func (d *Decoder) Next() (Event, error) {
	if d.failed != nil {
		return Event{}, d.failed
	}
	for {
		if d.pos >= len(d.pending) {
			return Event{}, io.EOF
		}
		r := reader{buf: d.pending[d.pos:]}
		ev, emit, err := d.decodeOne(&r)
		if err != nil {
			if errors.Is(err, ErrMalformed) {
				d.failed = err
			}
			return Event{}, err
		}
		d.pos += r.off
		if emit {
			return ev, nil
		}
	}
}

// Events feeds buf and yields every complete event. Iteration ends quietly at
// a buffer boundary (the tail is retained); a malformed stream yields the
// error once and stops.
func (d *Decoder) Events(buf []byte) iter.Seq2[Event, error] {
	d.Feed(buf)
	return func(yield func(Event, error) bool) {
		for {
			ev, err := d.Next()
			switch {
			case err == nil:
				if !yield(ev, nil) {
					return
				}
			case errors.Is(err, io.EOF), errors.Is(err, ErrTruncated):
				return
			default:
				yield(Event{}, err)
				return
			}
		}
	}
}

// Close signals end of stream. It returns ErrTruncated when a partial event
// is still pending.
func (d *Decoder) Close() error {
	if n := d.Pending(); n > 0 {
		return fmt.Errorf("%w: %d bytes pending at end of stream", ErrTruncated, n)
	}
	return nil
}

// SetOptions changes the decoding options for bytes not yet consumed.
// Pending bytes and the current thread are kept.
func (d *Decoder) SetOptions(opts Options) {
	if opts.MaxStackDepth <= 0 {
		opts.MaxStackDepth = DefaultMaxStackDepth
	}
	d.opts = opts
}

// Reset discards pending bytes, the current thread and any sticky failure.
func (d *Decoder) Reset() {
	d.pending = d.pending[:0]
	d.pos = 0
	d.consumed = 0
	d.currentThread = 0
	d.failed = nil
}

func (d *Decoder) malformed(tag byte, off int, reason string) error {
	return &MalformedError{Tag: tag, Offset: d.consumed + int64(d.pos+off), Reason: reason}
}

// decodeOne parses one event from r. emit is false for events that only
// change decoder state.
func (d *Decoder) decodeOne(r *reader) (ev Event, emit bool, err error) {
	b0, ok := r.u8()
	if !ok {
		return ev, false, ErrTruncated
	}

	if b0&compactMask != 0 {
		b1, ok := r.u8()
		if !ok {
			return ev, false, ErrTruncated
		}
		id := (uint16(b0)<<8 | uint16(b1)) & compactIDMask
		ev = Event{
			Kind:     KindMethodEntry,
			ThreadID: d.currentThread,
			MethodID: uint32(id),
		}
		if b0&compactExitMask == compactExitMask {
			ev.Kind = KindMethodExit
		}
		return ev, true, nil
	}

	tag := Tag(b0)
	if tag == 0 || tag > maxTag {
		return ev, false, d.malformed(b0, 0, "unknown tag")
	}

	ev.ThreadID = d.currentThread

	switch tag {
	case TagRootEntry, TagRootExit, TagMarkerEntry, TagMarkerExit:
		return d.stampedMethod(r, tag, true)

	case TagMethodEntry, TagMethodExit:
		return d.stampedMethod(r, tag, d.opts.TwoTimestamps)

	case TagMethodEntryUnstamped, TagMethodExitUnstamped, TagMarkerEntryUnstamped, TagMarkerExitUnstamped:
		mid, ok := r.u16()
		if !ok {
			return ev, false, ErrTruncated
		}
		ev.MethodID = uint32(mid)
		ev.Kind = KindMethodEntry
		if tag == TagMethodExitUnstamped || tag == TagMarkerExitUnstamped {
			ev.Kind = KindMethodExit
		}
		if tag == TagMarkerEntryUnstamped || tag == TagMarkerExitUnstamped {
			ev.MethodType = MethodMarker
		}
		return ev, true, nil

	case TagWaitEntry, TagWaitExit, TagMonitorEntry, TagMonitorExit,
		TagSleepEntry, TagSleepExit, TagParkEntry, TagParkExit:
		ts, ok := r.u56()
		if !ok {
			return ev, false, ErrTruncated
		}
		ev.Kind = blockingKinds[tag]
		ev.Timestamp = ts
		ev.Stamped = true
		return ev, true, nil

	case TagAdjustTime, TagThreadsSuspended, TagThreadsResumed:
		ts0, ok0 := r.u56()
		ts1, ok1 := r.u56()
		if !ok0 || !ok1 {
			return ev, false, ErrTruncated
		}
		ev.Timestamp, ev.CPUTimestamp, ev.Stamped = ts0, ts1, true
		switch tag {
		case TagAdjustTime:
			ev.Kind = KindAdjustTime
		case TagThreadsSuspended:
			ev.Kind = KindThreadsSuspended
		default:
			ev.Kind = KindThreadsResumed
		}
		return ev, true, nil

	case TagResetCollectors:
		ev.Kind = KindResetCollectors
		return ev, true, nil

	case TagSetFollowingEventsThread:
		tid, ok := r.u16()
		if !ok {
			return ev, false, ErrTruncated
		}
		d.currentThread = tid
		return ev, false, nil

	case TagNewThread:
		tid, ok := r.u16()
		if !ok {
			return ev, false, ErrTruncated
		}
		name, ok := r.str16()
		if !ok {
			return ev, false, ErrTruncated
		}
		class, ok := r.str16()
		if !ok {
			return ev, false, ErrTruncated
		}
		d.currentThread = tid
		ev.Kind = KindThreadStart
		ev.ThreadID = tid
		ev.ThreadStart = &ThreadStart{Name: name, ClassName: class}
		return ev, true, nil

	case TagNewMonitor:
		hash, ok := r.u32()
		if !ok {
			return ev, false, ErrTruncated
		}
		class, ok := r.str16()
		if !ok {
			return ev, false, ErrTruncated
		}
		ev.Kind = KindNewMonitor
		ev.Monitor = &Monitor{Hash: hash, ClassName: class}
		return ev, true, nil

	case TagMarkerEntryParameters:
		n, ok := r.u8()
		if !ok {
			return ev, false, ErrTruncated
		}
		params := make([]Parameter, 0, n)
		for range n {
			p, err := d.parameter(r, b0)
			if err != nil {
				return ev, false, err
			}
			params = append(params, p)
		}
		ev.Kind = KindMethodParameters
		ev.Parameters = params
		return ev, true, nil

	case TagThreadEnd:
		tid, ok := r.u16()
		if !ok {
			return ev, false, ErrTruncated
		}
		ev.Kind = KindThreadEnd
		ev.ThreadID = tid
		return ev, true, nil

	case TagObjAllocStackTrace:
		cid, ok := r.u16()
		if !ok {
			return ev, false, ErrTruncated
		}
		size, ok := r.u40()
		if !ok {
			return ev, false, ErrTruncated
		}
		stack, err := d.stack(r, b0)
		if err != nil {
			return ev, false, err
		}
		ev.Kind = KindAllocationSample
		ev.Allocation = &Allocation{ClassID: cid, Size: size, Stack: stack}
		return ev, true, nil

	case TagObjLivenessStackTrace:
		cid, ok := r.u16()
		if !ok {
			return ev, false, ErrTruncated
		}
		epoch, ok := r.u32()
		if !ok {
			return ev, false, ErrTruncated
		}
		oid, ok := r.u64()
		if !ok {
			return ev, false, ErrTruncated
		}
		size, ok := r.u40()
		if !ok {
			return ev, false, ErrTruncated
		}
		stack, err := d.stack(r, b0)
		if err != nil {
			return ev, false, err
		}
		ev.Kind = KindLivenessSample
		ev.Allocation = &Allocation{ClassID: cid, Size: size, ObjectID: oid, Epoch: epoch, Stack: stack}
		return ev, true, nil

	case TagObjGCHappened:
		oid, ok := r.u64()
		if !ok {
			return ev, false, ErrTruncated
		}
		ev.Kind = KindObjectGC
		ev.Allocation = &Allocation{ObjectID: oid}
		return ev, true, nil

	case TagProfilePointHit:
		id, ok := r.u16()
		if !ok {
			return ev, false, ErrTruncated
		}
		ts, ok := r.u56()
		if !ok {
			return ev, false, ErrTruncated
		}
		tid, ok := r.u16()
		if !ok {
			return ev, false, ErrTruncated
		}
		ev.Kind = KindProfilePointHit
		ev.ThreadID = tid
		ev.Timestamp = ts
		ev.Stamped = true
		ev.ProfilePoint = &ProfilePoint{ID: id}
		return ev, true, nil

	case TagServletDoMethod:
		rt, ok := r.u8()
		if !ok {
			return ev, false, ErrTruncated
		}
		path, ok := r.str16()
		if !ok {
			return ev, false, ErrTruncated
		}
		sid, ok := r.u32()
		if !ok {
			return ev, false, ErrTruncated
		}
		ev.Kind = KindServletRequest
		ev.Servlet = &Servlet{RequestType: rt, Path: path, SessionID: int32(sid)}
		return ev, true, nil
	}

	return ev, false, d.malformed(b0, 0, "unhandled tag")
}

func (d *Decoder) parameter(r *reader, tag byte) (Parameter, error) {
	start := r.off
	t, ok := r.u8()
	if !ok {
		return Parameter{}, ErrTruncated
	}
	p := Parameter{Type: ParamType(t)}
	switch p.Type {
	case ParamBoolean:
		v, ok := r.u8()
		if !ok {
			return p, ErrTruncated
		}
		if v > 1 {
			return p, d.malformed(tag, start, fmt.Sprintf("boolean parameter %d", v))
		}
		p.Value = v == 1
	case ParamByte:
		v, ok := r.u8()
		if !ok {
			return p, ErrTruncated
		}
		p.Value = int8(v)
	case ParamChar, ParamShort:
		v, ok := r.u16()
		if !ok {
			return p, ErrTruncated
		}
		if p.Type == ParamChar {
			p.Value = rune(v)
		} else {
			p.Value = int16(v)
		}
	case ParamInt, ParamFloat:
		v, ok := r.u32()
		if !ok {
			return p, ErrTruncated
		}
		if p.Type == ParamInt {
			p.Value = int32(v)
		} else {
			p.Value = math.Float32frombits(v)
		}
	case ParamLong, ParamDouble:
		v, ok := r.u64()
		if !ok {
			return p, ErrTruncated
		}
		if p.Type == ParamLong {
			p.Value = int64(v)
		} else {
			p.Value = math.Float64frombits(v)
		}
	case ParamReference:
		n, ok := r.u16()
		if !ok {
			return p, ErrTruncated
		}
		if n%2 != 0 {
			return p, d.malformed(tag, start, fmt.Sprintf("odd string length %d", n))
		}
		if !r.need(int(n)) {
			return p, ErrTruncated
		}
		units := make([]uint16, n/2)
		for i := range units {
			units[i], _ = r.u16()
		}
		p.Value = string(utf16.Decode(units))
	default:
		return p, d.malformed(tag, start, fmt.Sprintf("unknown parameter type %q", t))
	}
	return p, nil
}

var blockingKinds = map[Tag]Kind{
	TagWaitEntry:    KindWaitEntry,
	TagWaitExit:     KindWaitExit,
	TagMonitorEntry: KindMonitorEntry,
	TagMonitorExit:  KindMonitorExit,
	TagSleepEntry:   KindSleepEntry,
	TagSleepExit:    KindSleepExit,
	TagParkEntry:    KindParkEntry,
	TagParkExit:     KindParkExit,
}

func (d *Decoder) stampedMethod(r *reader, tag Tag, two bool) (Event, bool, error) {
	ev := Event{ThreadID: d.currentThread, Stamped: true}
	mid, ok := r.u16()
	if !ok {
		return ev, false, ErrTruncated
	}
	ts0, ok := r.u56()
	if !ok {
		return ev, false, ErrTruncated
	}
	if two {
		ts1, ok := r.u56()
		if !ok {
			return ev, false, ErrTruncated
		}
		ev.CPUTimestamp = ts1
	}
	ev.MethodID = uint32(mid)
	ev.Timestamp = ts0

	switch tag {
	case TagRootEntry, TagMarkerEntry, TagMethodEntry:
		ev.Kind = KindMethodEntry
	default:
		ev.Kind = KindMethodExit
	}
	switch tag {
	case TagRootEntry, TagRootExit:
		ev.MethodType = MethodRoot
	case TagMarkerEntry, TagMarkerExit:
		ev.MethodType = MethodMarker
	}
	return ev, true, nil
}

func (d *Decoder) stack(r *reader, tag byte) ([]uint32, error) {
	depthOff := r.off
	depth, ok := r.u24()
	if !ok {
		return nil, ErrTruncated
	}
	if int(depth) > d.opts.MaxStackDepth {
		return nil, d.malformed(tag, depthOff, fmt.Sprintf("stack depth %d exceeds limit", depth))
	}
	if len(r.buf)-r.off < int(depth)*4 {
		return nil, ErrTruncated
	}
	stack := make([]uint32, depth)
	for i := range stack {
		stack[i], _ = r.u32()
	}
	return stack, nil
}
