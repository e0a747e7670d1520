package cpu

import (
	"fmt"
	"math"
	"math/bits"
	"slices"
	"strings"
)

// Row is one method's aggregate across every calling context.
type Row struct {
	MethodID        uint32  `json:"method_id"`
	Name            string  `json:"name" header:"Method"`
	Invocations     uint64  `json:"invocations" header:"Calls"`
	InclusiveMicros uint64  `json:"inclusive_us" header:"Total (us)"`
	ExclusiveMicros uint64  `json:"exclusive_us" header:"Self (us)"`
	Percent         float64 `json:"percent" header:"Self %"`

	InclusiveTicks uint64 `json:"inclusive_ticks"`
	ExclusiveTicks uint64 `json:"exclusive_ticks"`
}

// Profile is an immutable flat profile. Filter and Sort return new profiles
// and never modify the receiver.
type Profile struct {
	rows           []Row
	totalExclusive uint64
	ticksPerSecond uint64
}

// Flatten aggregates every thread tree of s by method. Invocations and
// exclusive time are summed over all contexts; inclusive time is only taken
// from the outermost activation on each path, so recursion is not counted
// twice. ticksPerSecond converts ticks to microseconds; zero means ticks are
// already microseconds.
func Flatten(s Snapshot, names Resolver, ticksPerSecond uint64) *Profile {
	roots := make([]*Node, 0, len(s.Threads))
	for _, t := range s.Threads {
		roots = append(roots, t.Root)
	}
	return flatten(roots, names, ticksPerSecond)
}

// FlattenThread aggregates a single thread's tree.
func FlattenThread(s Snapshot, threadID uint16, names Resolver, ticksPerSecond uint64) (*Profile, bool) {
	t, ok := s.Thread(threadID)
	if !ok {
		return nil, false
	}
	return flatten([]*Node{t.Root}, names, ticksPerSecond), true
}

func flatten(roots []*Node, names Resolver, tps uint64) *Profile {
	agg := make(map[uint32]*Row)
	active := make(map[uint32]int)

	var visit func(n *Node)
	visit = func(n *Node) {
		if !n.IsRoot() {
			r, ok := agg[n.MethodID]
			if !ok {
				r = &Row{MethodID: n.MethodID}
				agg[n.MethodID] = r
			}
			r.Invocations += n.Invocations
			r.ExclusiveTicks += n.Exclusive
			if active[n.MethodID] == 0 {
				r.InclusiveTicks += n.Inclusive
			}
			active[n.MethodID]++
			defer func() { active[n.MethodID]-- }()
		}
		for _, c := range n.children {
			visit(c)
		}
	}
	for _, root := range roots {
		if root != nil {
			visit(root)
		}
	}

	p := &Profile{rows: make([]Row, 0, len(agg)), ticksPerSecond: tps}
	for _, r := range agg {
		p.totalExclusive += r.ExclusiveTicks
	}
	for _, r := range agg {
		r.InclusiveMicros = TicksToMicros(r.InclusiveTicks, tps)
		r.ExclusiveMicros = TicksToMicros(r.ExclusiveTicks, tps)
		if p.totalExclusive > 0 {
			r.Percent = 100 * float64(r.ExclusiveTicks) / float64(p.totalExclusive)
		}
		if names != nil {
			r.Name = names.MethodName(r.MethodID)
		} else {
			r.Name = fmt.Sprintf("method#%d", r.MethodID)
		}
		p.rows = append(p.rows, *r)
	}
	p.sortInPlace(ColumnExclusive, true)
	return p
}

// TicksToMicros converts raw timer ticks to microseconds without
// intermediate overflow. Results that do not fit saturate.
func TicksToMicros(ticks, ticksPerSecond uint64) uint64 {
	if ticksPerSecond == 0 || ticksPerSecond == 1_000_000 {
		return ticks
	}
	hi, lo := bits.Mul64(ticks, 1_000_000)
	if hi >= ticksPerSecond {
		return math.MaxUint64
	}
	q, _ := bits.Div64(hi, lo, ticksPerSecond)
	return q
}

// Rows returns a copy of the rows.
func (p *Profile) Rows() []Row { return slices.Clone(p.rows) }

// Len returns the number of rows.
func (p *Profile) Len() int { return len(p.rows) }

// Row returns the i-th row.
func (p *Profile) Row(i int) Row { return p.rows[i] }

// Find returns the row of a method.
func (p *Profile) Find(methodID uint32) (Row, bool) {
	for _, r := range p.rows {
		if r.MethodID == methodID {
			return r, true
		}
	}
	return Row{}, false
}

// TotalExclusiveMicros returns the exclusive time over every method of the
// unfiltered profile this one derives from.
func (p *Profile) TotalExclusiveMicros() uint64 {
	return TicksToMicros(p.totalExclusive, p.ticksPerSecond)
}

func (p *Profile) derive(rows []Row) *Profile {
	return &Profile{rows: rows, totalExclusive: p.totalExclusive, ticksPerSecond: p.ticksPerSecond}
}

// Top returns a profile limited to the first n rows.
func (p *Profile) Top(n int) *Profile {
	if n <= 0 || n >= len(p.rows) {
		return p.derive(slices.Clone(p.rows))
	}
	return p.derive(slices.Clone(p.rows[:n]))
}

// Filter returns the rows matching f.
func (p *Profile) Filter(f Filter) (*Profile, error) {
	m, err := f.compile()
	if err != nil {
		return nil, err
	}
	out := make([]Row, 0, len(p.rows))
	for _, r := range p.rows {
		ok, err := m.match(r)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, r)
		}
	}
	return p.derive(out), nil
}

// Column identifies a sortable flat-profile column.
type Column uint8

const (
	ColumnName Column = iota
	ColumnInvocations
	ColumnInclusive
	ColumnExclusive
	ColumnPercent
)

var columnNames = map[string]Column{
	"name":        ColumnName,
	"method":      ColumnName,
	"invocations": ColumnInvocations,
	"calls":       ColumnInvocations,
	"inclusive":   ColumnInclusive,
	"total":       ColumnInclusive,
	"exclusive":   ColumnExclusive,
	"self":        ColumnExclusive,
	"percent":     ColumnPercent,
}

// ParseColumn resolves a column name.
func ParseColumn(s string) (Column, error) {
	c, ok := columnNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("unknown sort column %q", s)
	}
	return c, nil
}

// Sort returns the rows ordered by col. Ties are broken by method name,
// always ascending, then by method id.
func (p *Profile) Sort(col Column, descending bool) *Profile {
	q := p.derive(slices.Clone(p.rows))
	q.sortInPlace(col, descending)
	return q
}

func (p *Profile) sortInPlace(col Column, descending bool) {
	slices.SortStableFunc(p.rows, func(a, b Row) int {
		c := compareColumn(a, b, col)
		if descending {
			c = -c
		}
		if c != 0 {
			return c
		}
		if c = strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return cmpUint(uint64(a.MethodID), uint64(b.MethodID))
	})
}

func compareColumn(a, b Row, col Column) int {
	switch col {
	case ColumnName:
		return strings.Compare(a.Name, b.Name)
	case ColumnInvocations:
		return cmpUint(a.Invocations, b.Invocations)
	case ColumnInclusive:
		return cmpUint(a.InclusiveTicks, b.InclusiveTicks)
	case ColumnPercent, ColumnExclusive:
		return cmpUint(a.ExclusiveTicks, b.ExclusiveTicks)
	}
	return 0
}

func cmpUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
