// Package cpu reconstructs per-thread calling-context trees from method entry
// and exit events and derives flat per-method profiles from them.
package cpu

import (
	"github.com/rs/zerolog"

	"github.com/coral-mesh/jvmprof/internal/wire"
)

// WaitOracle reports how long a thread spent waiting within a tick range. It
// is consulted for threads that never emit blocking events of their own.
type WaitOracle interface {
	WaitTime(threadID uint16, from, to uint64) uint64
}

// ResultListener is notified about tree lifecycle changes.
type ResultListener interface {
	// CCTEstablished fires once when the first complete call path exists.
	CCTEstablished()
	// CCTReset fires after accumulated trees are discarded.
	CCTReset()
}

// Options configures a Builder.
type Options struct {
	// ExcludeWaitTime subtracts time spent in Wait and Monitor states (and
	// Sleep and Park when the agent reports them) from method times.
	ExcludeWaitTime bool
	// WaitOracle is used for wait exclusion when a thread emits no blocking
	// events. It may be nil.
	WaitOracle WaitOracle
}

type frame struct {
	methodID uint32
	node     *Node
	entry    uint64
	// childTime accumulates the effective elapsed time of closed children.
	childTime     uint64
	waitAtEntry   uint64
	adjustAtEntry uint64
	root          bool
}

type thread struct {
	id    uint16
	name  string
	root  *Node
	stack []frame
	// lastTs is the most recent stamped timestamp seen for the thread.
	lastTs uint64
	ended  bool

	// waited accumulates ticks spent blocked, from blocking events.
	waited      uint64
	blockStart  uint64
	blocked     bool
	sawBlocking bool

	// adjusted accumulates ticks to discard: agent overhead and suspension.
	adjusted uint64
}

func (t *thread) waitedAt(ts uint64) uint64 {
	if t.blocked && ts > t.blockStart {
		return t.waited + ts - t.blockStart
	}
	return t.waited
}

// Builder maintains one call stack and one tree per thread. It is mutated
// from a single dispatch context only; readers use Snapshot.
type Builder struct {
	opts   Options
	logger zerolog.Logger

	threads map[uint16]*thread
	order   []uint16

	suspended   bool
	suspendedAt uint64

	established   bool
	listeners     []ResultListener
	warnings      map[WarningKind]uint64
	recent        []Warning
	profilePoints map[uint16]uint64
	lastTs        uint64
	// markerParams counts parameter lists captured for marker methods.
	markerParams uint64
}

// NewBuilder creates a CPU tree builder.
func NewBuilder(opts Options, logger zerolog.Logger) *Builder {
	b := &Builder{
		opts:   opts,
		logger: logger.With().Str("component", "cpu_builder").Logger(),
	}
	b.clear()
	return b
}

func (b *Builder) clear() {
	b.threads = make(map[uint16]*thread)
	b.order = nil
	b.suspended = false
	b.suspendedAt = 0
	b.established = false
	b.warnings = make(map[WarningKind]uint64)
	b.recent = nil
	b.profilePoints = make(map[uint16]uint64)
	b.lastTs = 0
	b.markerParams = 0
}

// AddResultListener registers l for tree lifecycle notifications.
func (b *Builder) AddResultListener(l ResultListener) {
	b.listeners = append(b.listeners, l)
}

// SetExcludeWaitTime toggles wait exclusion for frames closed from now on.
func (b *Builder) SetExcludeWaitTime(v bool) { b.opts.ExcludeWaitTime = v }

// Name identifies the builder as a dispatch listener.
func (b *Builder) Name() string { return "cpu" }

// Reset discards every tree and notifies result listeners.
func (b *Builder) Reset() {
	b.clear()
	for _, l := range b.listeners {
		l.CCTReset()
	}
}

func (b *Builder) thread(id uint16) *thread {
	t, ok := b.threads[id]
	if !ok {
		t = &thread{id: id, root: NewRoot()}
		b.threads[id] = t
		b.order = append(b.order, id)
	}
	return t
}

// timestamp returns the event's time, falling back to the thread's last
// known timestamp for unstamped events. Time never runs backwards per thread.
func (b *Builder) timestamp(t *thread, ev wire.Event) uint64 {
	if ev.Stamped && ev.Timestamp > t.lastTs {
		t.lastTs = ev.Timestamp
		if t.lastTs > b.lastTs {
			b.lastTs = t.lastTs
		}
	}
	return t.lastTs
}

// HandleEvents applies a batch of decoded events.
func (b *Builder) HandleEvents(events []wire.Event) error {
	for _, ev := range events {
		b.handle(ev)
	}
	return nil
}

func (b *Builder) handle(ev wire.Event) {
	switch ev.Kind {
	case wire.KindMethodEntry:
		t := b.live(ev)
		b.enter(t, ev.MethodID, b.timestamp(t, ev), ev.MethodType == wire.MethodRoot)
	case wire.KindMethodExit:
		t := b.live(ev)
		b.exit(t, ev.MethodID, b.timestamp(t, ev))
	case wire.KindThreadStart:
		t := b.thread(ev.ThreadID)
		t.name = ev.ThreadStart.Name
		t.ended = false
	case wire.KindThreadEnd:
		if t, ok := b.threads[ev.ThreadID]; ok {
			b.closeAll(t, t.lastTs)
			t.ended = true
		}
	case wire.KindWaitEntry, wire.KindMonitorEntry, wire.KindSleepEntry, wire.KindParkEntry:
		t := b.thread(ev.ThreadID)
		ts := b.timestamp(t, ev)
		t.sawBlocking = true
		if !t.blocked {
			t.blocked = true
			t.blockStart = ts
		}
	case wire.KindWaitExit, wire.KindMonitorExit, wire.KindSleepExit, wire.KindParkExit:
		t := b.thread(ev.ThreadID)
		ts := b.timestamp(t, ev)
		t.sawBlocking = true
		if t.blocked {
			t.waited = t.waitedAt(ts)
			t.blocked = false
		}
	case wire.KindMethodParameters:
		b.markerParams++
	case wire.KindAdjustTime:
		// Timestamp carries a duration here, not a point in time.
		b.thread(ev.ThreadID).adjusted += ev.Timestamp
	case wire.KindThreadsSuspended:
		b.suspended = true
		b.suspendedAt = ev.Timestamp
	case wire.KindThreadsResumed:
		if b.suspended && ev.Timestamp > b.suspendedAt {
			d := ev.Timestamp - b.suspendedAt
			for _, t := range b.threads {
				t.adjusted += d
			}
		}
		b.suspended = false
	case wire.KindProfilePointHit:
		b.profilePoints[ev.ProfilePoint.ID]++
		t := b.thread(ev.ThreadID)
		b.timestamp(t, ev)
	}
}

// live returns the event's thread, reviving it with a warning when it
// already ended.
func (b *Builder) live(ev wire.Event) *thread {
	t := b.thread(ev.ThreadID)
	if t.ended {
		b.warn(Warning{Kind: StaleThread, ThreadID: t.id, MethodID: ev.MethodID, Timestamp: t.lastTs})
		t.ended = false
	}
	return t
}

func (b *Builder) enter(t *thread, methodID uint32, ts uint64, root bool) {
	parent := t.root
	if n := len(t.stack); n > 0 {
		parent = t.stack[n-1].node
	}
	if root {
		for _, f := range t.stack {
			if f.root && f.methodID == methodID {
				b.warn(Warning{Kind: RootReentry, ThreadID: t.id, MethodID: methodID, Timestamp: ts})
				break
			}
		}
	}
	node := parent.AddChild(methodID)
	node.Invocations++
	t.stack = append(t.stack, frame{
		methodID:      methodID,
		node:          node,
		entry:         ts,
		waitAtEntry:   t.waitedAt(ts),
		adjustAtEntry: t.adjusted,
		root:          root,
	})
}

func (b *Builder) exit(t *thread, methodID uint32, ts uint64) {
	depth := len(t.stack)
	if depth == 0 {
		b.warn(Warning{Kind: NoStack, ThreadID: t.id, MethodID: methodID, Timestamp: ts})
		return
	}
	if t.stack[depth-1].methodID == methodID {
		b.closeTop(t, ts)
		return
	}

	match := -1
	for i := depth - 2; i >= 0; i-- {
		if t.stack[i].methodID == methodID {
			match = i
			break
		}
	}
	target := 0
	if match >= 0 {
		target = match
	}
	for len(t.stack) > target {
		b.closeTop(t, ts)
	}
	b.warn(Warning{Kind: UnmatchedExit, ThreadID: t.id, MethodID: methodID, Timestamp: ts, Popped: depth - target})
}

func (b *Builder) closeAll(t *thread, ts uint64) {
	for len(t.stack) > 0 {
		b.closeTop(t, ts)
	}
}

// elapsed computes a frame's effective time if it were closed at ts.
func (b *Builder) elapsed(t *thread, f *frame, ts uint64) uint64 {
	var d uint64
	if ts > f.entry {
		d = ts - f.entry
	}
	d -= min(d, t.adjusted-f.adjustAtEntry)
	if b.opts.ExcludeWaitTime {
		var w uint64
		switch {
		case t.sawBlocking:
			w = t.waitedAt(ts) - f.waitAtEntry
		case b.opts.WaitOracle != nil:
			w = b.opts.WaitOracle.WaitTime(t.id, f.entry, ts)
		}
		d -= min(d, w)
	}
	// Children may have been clamped differently; never report less than
	// the time already attributed below this frame.
	return max(d, f.childTime)
}

func (b *Builder) closeTop(t *thread, ts uint64) {
	n := len(t.stack)
	f := t.stack[n-1]
	t.stack = t.stack[:n-1]

	el := b.elapsed(t, &f, ts)
	f.node.Inclusive += el
	f.node.Exclusive += el - f.childTime

	if n > 1 {
		t.stack[n-2].childTime += el
	} else {
		t.root.Inclusive += el
	}

	if !b.established {
		b.established = true
		b.logger.Debug().Uint16("thread_id", t.id).Msg("Calling context tree established")
		for _, l := range b.listeners {
			l.CCTEstablished()
		}
	}
}

func (b *Builder) warn(w Warning) {
	b.warnings[w.Kind]++
	b.recent = append(b.recent, w)
	if len(b.recent) > maxRecentWarnings {
		b.recent = b.recent[len(b.recent)-maxRecentWarnings:]
	}
	b.logger.Warn().
		Str("kind", w.Kind.String()).
		Uint16("thread_id", w.ThreadID).
		Uint32("method_id", w.MethodID).
		Uint64("timestamp", w.Timestamp).
		Int("popped", w.Popped).
		Msg("Event stream consistency warning")
}

// Established reports whether a complete call path has been recorded.
func (b *Builder) Established() bool { return b.established }

// StackDepth returns the number of open frames of a thread.
func (b *Builder) StackDepth(threadID uint16) int {
	if t, ok := b.threads[threadID]; ok {
		return len(t.stack)
	}
	return 0
}

// Diagnostics returns warning counters since the last reset.
func (b *Builder) Diagnostics() Diagnostics {
	d := Diagnostics{
		Counts: make(map[WarningKind]uint64, len(b.warnings)),
		Recent: append([]Warning(nil), b.recent...),

		MarkerParameters: b.markerParams,
	}
	for k, v := range b.warnings {
		d.Counts[k] = v
	}
	for _, t := range b.threads {
		d.OpenFrames += len(t.stack)
	}
	return d
}

// Snapshot deep-copies every thread tree. Open frames contribute the time
// elapsed up to their thread's last timestamp, so in-flight calls are
// visible without disturbing the live stacks.
func (b *Builder) Snapshot() Snapshot {
	s := Snapshot{
		LastTimestamp: b.lastTs,
		Threads:       make([]ThreadTree, 0, len(b.order)),
		ProfilePoints: make(map[uint16]uint64, len(b.profilePoints)),
	}
	for id, n := range b.profilePoints {
		s.ProfilePoints[id] = n
	}
	for _, id := range b.order {
		t := b.threads[id]
		root := t.root.Clone()
		b.addInFlight(t, root)
		s.Threads = append(s.Threads, ThreadTree{
			ThreadID:   t.id,
			Name:       t.name,
			Root:       root,
			OpenFrames: len(t.stack),
		})
	}
	return s
}

func (b *Builder) addInFlight(t *thread, root *Node) {
	if len(t.stack) == 0 {
		return
	}
	// Resolve the cloned node of every open frame by following the stack path.
	clones := make([]*Node, len(t.stack))
	cur := root
	for i, f := range t.stack {
		cur, _ = cur.FindChild(f.methodID)
		clones[i] = cur
	}
	var carry uint64
	for i := len(t.stack) - 1; i >= 0; i-- {
		f := t.stack[i]
		f.childTime += carry
		el := b.elapsed(t, &f, t.lastTs)
		clones[i].Inclusive += el
		clones[i].Exclusive += el - f.childTime
		carry = el
	}
	root.Inclusive += carry
}

// ThreadTree is a frozen per-thread calling-context tree.
type ThreadTree struct {
	ThreadID   uint16 `json:"thread_id"`
	Name       string `json:"name"`
	Root       *Node  `json:"-"`
	OpenFrames int    `json:"open_frames"`
}

// Snapshot is an immutable copy of every tree. It is safe to read from any
// goroutine.
type Snapshot struct {
	LastTimestamp uint64            `json:"last_timestamp"`
	Threads       []ThreadTree      `json:"threads"`
	ProfilePoints map[uint16]uint64 `json:"profile_points,omitempty"`
}

// Thread returns the tree of one thread.
func (s Snapshot) Thread(id uint16) (ThreadTree, bool) {
	for _, t := range s.Threads {
		if t.ThreadID == id {
			return t, true
		}
	}
	return ThreadTree{}, false
}

// TotalInclusive sums the inclusive time of every thread root.
func (s Snapshot) TotalInclusive() uint64 {
	var total uint64
	for _, t := range s.Threads {
		total += t.Root.Inclusive
	}
	return total
}
