package memory

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// SiteRoot is the method id of the per-class site tree root.
const SiteRoot = ^uint32(0)

// SiteNode is one allocation call path. Counts include every allocation
// made at or below this node.
type SiteNode struct {
	MethodID    uint32      `json:"method_id"`
	Allocs      uint64      `json:"allocs"`
	Bytes       uint64      `json:"bytes"`
	LiveObjects uint64      `json:"live_objects,omitempty"`
	LiveBytes   uint64      `json:"live_bytes,omitempty"`
	Children    []*SiteNode `json:"children,omitempty"`
}

func (n *SiteNode) child(methodID uint32) *SiteNode {
	for _, c := range n.Children {
		if c.MethodID == methodID {
			return c
		}
	}
	c := &SiteNode{MethodID: methodID}
	n.Children = append(n.Children, c)
	return c
}

func (n *SiteNode) clone() *SiteNode {
	c := *n
	c.Children = make([]*SiteNode, len(n.Children))
	for i, ch := range n.Children {
		c.Children[i] = ch.clone()
	}
	return &c
}

// ClassRow is one class's memory statistics.
type ClassRow struct {
	ClassID              uint16    `json:"class_id"`
	Name                 string    `json:"name" header:"Class"`
	Allocs               uint64    `json:"allocs" header:"Allocs"`
	Bytes                uint64    `json:"bytes" header:"Bytes"`
	LiveObjects          uint64    `json:"live_objects" header:"Live"`
	LiveBytes            uint64    `json:"live_bytes" header:"Live bytes"`
	AverageAge           float64   `json:"average_age" header:"Avg age"`
	SurvivingGenerations int       `json:"surviving_generations" header:"Gens"`
	Sites                *SiteNode `json:"sites,omitempty"`
}

// Column identifies a sortable memory column.
type Column uint8

const (
	ColumnBytes Column = iota
	ColumnAllocs
	ColumnLiveBytes
	ColumnName
)

// ParseColumn resolves a column name.
func ParseColumn(s string) (Column, error) {
	switch strings.ToLower(s) {
	case "", "bytes":
		return ColumnBytes, nil
	case "allocs", "count":
		return ColumnAllocs, nil
	case "live", "live_bytes":
		return ColumnLiveBytes, nil
	case "name", "class":
		return ColumnName, nil
	}
	return 0, fmt.Errorf("unknown memory column %q", s)
}

// Snapshot is an immutable copy of the memory results.
type Snapshot struct {
	Mode               Mode       `json:"-"`
	Epoch              uint32     `json:"epoch"`
	UntrackedCollected uint64     `json:"untracked_collected"`
	Classes            []ClassRow `json:"classes"`
}

// Sort returns a copy ordered by col, descending for numeric columns. Ties
// are broken by class name.
func (s Snapshot) Sort(col Column) Snapshot {
	out := s
	out.Classes = slices.Clone(s.Classes)
	slices.SortStableFunc(out.Classes, func(a, b ClassRow) int {
		var c int
		switch col {
		case ColumnAllocs:
			c = cmpDesc(a.Allocs, b.Allocs)
		case ColumnLiveBytes:
			c = cmpDesc(a.LiveBytes, b.LiveBytes)
		case ColumnBytes:
			c = cmpDesc(a.Bytes, b.Bytes)
		}
		if c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

// Class returns the row of one class.
func (s Snapshot) Class(id uint16) (ClassRow, bool) {
	for _, r := range s.Classes {
		if r.ClassID == id {
			return r, true
		}
	}
	return ClassRow{}, false
}

func cmpDesc(a, b uint64) int {
	switch {
	case a > b:
		return -1
	case a < b:
		return 1
	}
	return 0
}

// ClassResolver maps class ids to names.
type ClassResolver interface {
	ClassName(id uint16) string
}

// ClassInfo names an instrumented class.
type ClassInfo struct {
	ID   uint16 `json:"id"`
	Name string `json:"name"`
}

// ClassTable is a concurrent-safe class id to name mapping.
type ClassTable struct {
	mu    sync.RWMutex
	names map[uint16]string
}

// NewClassTable creates an empty table.
func NewClassTable() *ClassTable {
	return &ClassTable{names: make(map[uint16]string)}
}

// Add inserts or replaces entries.
func (t *ClassTable) Add(infos ...ClassInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range infos {
		t.names[c.ID] = c.Name
	}
}

// ClassName returns the class name or a placeholder.
func (t *ClassTable) ClassName(id uint16) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if n, ok := t.names[id]; ok {
		return n
	}
	return fmt.Sprintf("class#%d", id)
}

// Len returns the number of known classes.
func (t *ClassTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.names)
}
