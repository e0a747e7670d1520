// Package memory aggregates allocation and object-liveness samples per class.
package memory

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/jvmprof/internal/wire"
)

// Mode is the memory instrumentation mode requested from the agent.
type Mode uint8

const (
	// ModeAllocations records allocation counts and sizes only.
	ModeAllocations Mode = iota
	// ModeLiveness additionally tracks which sampled objects are still live.
	ModeLiveness
)

func (m Mode) String() string {
	if m == ModeLiveness {
		return "liveness"
	}
	return "allocations"
}

// ParseMode resolves "allocations" or "liveness".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "allocations", "alloc":
		return ModeAllocations, nil
	case "liveness", "object-liveness":
		return ModeLiveness, nil
	}
	return 0, fmt.Errorf("unknown memory mode %q", s)
}

type liveObject struct {
	classID uint16
	size    uint64
	epoch   uint32
	path    []*SiteNode
}

type classStats struct {
	allocs      uint64
	bytes       uint64
	liveObjects uint64
	liveBytes   uint64
	// liveByEpoch counts live objects per allocation epoch.
	liveByEpoch map[uint32]uint64
	sites       *SiteNode
}

// Builder consumes memory events. Like the CPU builder it is mutated from
// the dispatch context only.
type Builder struct {
	mode    Mode
	logger  zerolog.Logger
	classes map[uint16]*classStats
	objects map[uint64]liveObject
	epoch   uint32
	// unknownGC counts collections of objects not tracked, e.g. allocated
	// before the last reset.
	unknownGC uint64
}

// NewBuilder creates a memory builder.
func NewBuilder(mode Mode, logger zerolog.Logger) *Builder {
	b := &Builder{
		mode:   mode,
		logger: logger.With().Str("component", "memory_builder").Logger(),
	}
	b.Reset()
	return b
}

// Name identifies the builder as a dispatch listener.
func (b *Builder) Name() string { return "memory" }

// Mode returns the current instrumentation mode.
func (b *Builder) Mode() Mode { return b.mode }

// SetMode switches the mode and drops accumulated data.
func (b *Builder) SetMode(m Mode) {
	b.mode = m
	b.Reset()
}

// Reset drops every accumulated sample.
func (b *Builder) Reset() {
	b.classes = make(map[uint16]*classStats)
	b.objects = make(map[uint64]liveObject)
	b.epoch = 0
	b.unknownGC = 0
}

func (b *Builder) class(id uint16) *classStats {
	c, ok := b.classes[id]
	if !ok {
		c = &classStats{
			liveByEpoch: make(map[uint32]uint64),
			sites:       &SiteNode{MethodID: SiteRoot},
		}
		b.classes[id] = c
	}
	return c
}

// HandleEvents applies allocation, liveness and GC events.
func (b *Builder) HandleEvents(events []wire.Event) error {
	for _, ev := range events {
		switch ev.Kind {
		case wire.KindAllocationSample:
			b.onAlloc(ev.Allocation)
		case wire.KindLivenessSample:
			if b.mode != ModeLiveness {
				continue
			}
			b.onLiveness(ev.Allocation)
		case wire.KindObjectGC:
			b.onGC(ev.Allocation.ObjectID)
		}
	}
	return nil
}

func (b *Builder) record(a *wire.Allocation) (*classStats, []*SiteNode) {
	c := b.class(a.ClassID)
	c.allocs++
	c.bytes += a.Size

	// Stack is innermost first; the site tree grows from the outermost frame.
	path := make([]*SiteNode, 0, len(a.Stack)+1)
	node := c.sites
	node.Allocs++
	node.Bytes += a.Size
	path = append(path, node)
	for i := len(a.Stack) - 1; i >= 0; i-- {
		node = node.child(a.Stack[i])
		node.Allocs++
		node.Bytes += a.Size
		path = append(path, node)
	}
	return c, path
}

func (b *Builder) onAlloc(a *wire.Allocation) {
	b.record(a)
}

func (b *Builder) onLiveness(a *wire.Allocation) {
	if a.Epoch > b.epoch {
		b.epoch = a.Epoch
	}
	c, path := b.record(a)
	if prev, ok := b.objects[a.ObjectID]; ok {
		// The agent reused an id we never saw collected.
		b.release(prev)
	}
	c.liveObjects++
	c.liveBytes += a.Size
	c.liveByEpoch[a.Epoch]++
	for _, n := range path {
		n.LiveObjects++
		n.LiveBytes += a.Size
	}
	b.objects[a.ObjectID] = liveObject{classID: a.ClassID, size: a.Size, epoch: a.Epoch, path: path}
}

func (b *Builder) onGC(objectID uint64) {
	obj, ok := b.objects[objectID]
	if !ok {
		b.unknownGC++
		return
	}
	delete(b.objects, objectID)
	b.release(obj)
}

func (b *Builder) release(obj liveObject) {
	c := b.classes[obj.classID]
	c.liveObjects--
	c.liveBytes -= obj.size
	if c.liveByEpoch[obj.epoch]--; c.liveByEpoch[obj.epoch] == 0 {
		delete(c.liveByEpoch, obj.epoch)
	}
	for _, n := range obj.path {
		n.LiveObjects--
		n.LiveBytes -= obj.size
	}
}

// SurvivingGenerations returns the number of distinct allocation epochs
// that still have live objects, summed over classes.
func (b *Builder) SurvivingGenerations() int {
	n := 0
	for _, c := range b.classes {
		n += len(c.liveByEpoch)
	}
	return n
}

// Snapshot freezes the per-class statistics, sorted by allocated bytes.
func (b *Builder) Snapshot(names ClassResolver) Snapshot {
	s := Snapshot{
		Mode:               b.mode,
		Epoch:              b.epoch,
		UntrackedCollected: b.unknownGC,
		Classes:            make([]ClassRow, 0, len(b.classes)),
	}
	for id, c := range b.classes {
		row := ClassRow{
			ClassID:              id,
			Allocs:               c.allocs,
			Bytes:                c.bytes,
			LiveObjects:          c.liveObjects,
			LiveBytes:            c.liveBytes,
			SurvivingGenerations: len(c.liveByEpoch),
			Sites:                c.sites.clone(),
		}
		if c.liveObjects > 0 {
			var age uint64
			for epoch, n := range c.liveByEpoch {
				age += uint64(b.epoch-epoch) * n
			}
			row.AverageAge = float64(age) / float64(c.liveObjects)
		}
		if names != nil {
			row.Name = names.ClassName(id)
		} else {
			row.Name = fmt.Sprintf("class#%d", id)
		}
		s.Classes = append(s.Classes, row)
	}
	return s.Sort(ColumnBytes)
}
