// Package export renders frozen results in formats understood by external
// tooling: pprof protobufs and folded stacks for flame graphs.
package export

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/pprof/profile"

	"github.com/coral-mesh/jvmprof/internal/cpu"
	"github.com/coral-mesh/jvmprof/internal/memory"
	"github.com/coral-mesh/jvmprof/internal/safe"
)

// pprofBuilder interns one function and one location per frame name.
type pprofBuilder struct {
	p    *profile.Profile
	locs map[string]*profile.Location
}

func newPprofBuilder(types ...*profile.ValueType) *pprofBuilder {
	return &pprofBuilder{
		p: &profile.Profile{
			SampleType: types,
			TimeNanos:  time.Now().UnixNano(),
		},
		locs: make(map[string]*profile.Location),
	}
}

func (b *pprofBuilder) location(name, file string) *profile.Location {
	if loc, ok := b.locs[name]; ok {
		return loc
	}
	fn := &profile.Function{
		ID:         uint64(len(b.p.Function) + 1),
		Name:       name,
		SystemName: name,
		Filename:   file,
	}
	loc := &profile.Location{
		ID:   uint64(len(b.p.Location) + 1),
		Line: []profile.Line{{Function: fn}},
	}
	b.p.Function = append(b.p.Function, fn)
	b.p.Location = append(b.p.Location, loc)
	b.locs[name] = loc
	return loc
}

// stack returns locations leaf first for a root-to-leaf method path.
func (b *pprofBuilder) stack(path []uint32, names cpu.Resolver) []*profile.Location {
	locs := make([]*profile.Location, 0, len(path)+1)
	for i := len(path) - 1; i >= 0; i-- {
		name := methodName(names, path[i])
		locs = append(locs, b.location(name, className(name)))
	}
	return locs
}

func (b *pprofBuilder) finish() (*profile.Profile, error) {
	if err := b.p.CheckValid(); err != nil {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}
	return b.p, nil
}

func methodName(names cpu.Resolver, id uint32) string {
	if names == nil {
		return fmt.Sprintf("method#%d", id)
	}
	return names.MethodName(id)
}

// className strips the method part of "pkg.Class.method".
func className(full string) string {
	if i := strings.LastIndexByte(full, '.'); i > 0 {
		return full[:i]
	}
	return ""
}

func toInt64(v uint64) int64 {
	n, _ := safe.Uint64ToInt64(v)
	return n
}

func threadLabel(t cpu.ThreadTree) string {
	if t.Name != "" {
		return t.Name
	}
	return fmt.Sprintf("thread-%d", t.ThreadID)
}

// ToPprof converts calling-context trees into a CPU profile. Each calling
// context becomes one sample carrying its invocation count and exclusive
// time, labelled with its thread.
func ToPprof(snap cpu.Snapshot, names cpu.Resolver, ticksPerSecond uint64) (*profile.Profile, error) {
	b := newPprofBuilder(
		&profile.ValueType{Type: "calls", Unit: "count"},
		&profile.ValueType{Type: "cpu", Unit: "nanoseconds"},
	)
	b.p.PeriodType = &profile.ValueType{Type: "cpu", Unit: "nanoseconds"}
	b.p.Period = 1
	b.p.DefaultSampleType = "cpu"

	var total uint64
	for _, th := range snap.Threads {
		label := threadLabel(th)
		th.Root.Walk(func(n *cpu.Node, path []uint32) bool {
			if n.IsRoot() || (n.Invocations == 0 && n.Exclusive == 0) {
				return true
			}
			nanos := toInt64(cpu.TicksToMicros(n.Exclusive, ticksPerSecond)) * 1000
			b.p.Sample = append(b.p.Sample, &profile.Sample{
				Location: b.stack(path, names),
				Value:    []int64{toInt64(n.Invocations), nanos},
				Label:    map[string][]string{"thread": {label}},
				NumLabel: map[string][]int64{"thread_id": {int64(th.ThreadID)}},
			})
			total += n.Exclusive
			return true
		})
	}
	b.p.DurationNanos = toInt64(cpu.TicksToMicros(total, ticksPerSecond)) * 1000
	return b.finish()
}

// MemoryToPprof converts per-class allocation site trees into a heap
// profile. The allocated class is the leaf frame of every sample.
func MemoryToPprof(snap memory.Snapshot, names cpu.Resolver) (*profile.Profile, error) {
	b := newPprofBuilder(
		&profile.ValueType{Type: "alloc_objects", Unit: "count"},
		&profile.ValueType{Type: "alloc_space", Unit: "bytes"},
		&profile.ValueType{Type: "inuse_objects", Unit: "count"},
		&profile.ValueType{Type: "inuse_space", Unit: "bytes"},
	)
	b.p.PeriodType = &profile.ValueType{Type: "space", Unit: "bytes"}
	b.p.DefaultSampleType = "alloc_space"

	for _, c := range snap.Classes {
		if c.Sites == nil {
			continue
		}
		classLoc := b.location("new "+c.Name, c.Name)
		var path []uint32
		var visit func(n *memory.SiteNode)
		visit = func(n *memory.SiteNode) {
			if n.MethodID != memory.SiteRoot {
				path = append(path, n.MethodID)
				defer func() { path = path[:len(path)-1] }()
			}
			self := [4]uint64{n.Allocs, n.Bytes, n.LiveObjects, n.LiveBytes}
			for _, ch := range n.Children {
				self[0] -= ch.Allocs
				self[1] -= ch.Bytes
				self[2] -= ch.LiveObjects
				self[3] -= ch.LiveBytes
			}
			if self[0] > 0 || self[2] > 0 {
				locs := append([]*profile.Location{classLoc}, b.stack(path, names)...)
				b.p.Sample = append(b.p.Sample, &profile.Sample{
					Location: locs,
					Value:    []int64{toInt64(self[0]), toInt64(self[1]), toInt64(self[2]), toInt64(self[3])},
					Label:    map[string][]string{"class": {c.Name}},
				})
			}
			for _, ch := range n.Children {
				visit(ch)
			}
		}
		visit(c.Sites)
	}
	return b.finish()
}

// WritePprof writes p in the gzipped protobuf encoding read by go tool pprof.
func WritePprof(w io.Writer, p *profile.Profile) error {
	if err := p.Write(w); err != nil {
		return fmt.Errorf("failed to write pprof profile: %w", err)
	}
	return nil
}
