package cpu

import (
	"encoding/binary"

	"github.com/zeebo/xxh3"
)

// RootMethodID marks the synthetic per-thread root node.
const RootMethodID = ^uint32(0)

// Node is one calling context: a distinct path from the thread root to a
// method activation. Times are raw timer ticks.
//
// Nodes reachable from a Snapshot are frozen and must not be modified.
type Node struct {
	MethodID    uint32 `json:"method_id"`
	Invocations uint64 `json:"invocations"`
	Inclusive   uint64 `json:"inclusive"`
	Exclusive   uint64 `json:"exclusive"`

	children []*Node
	index    map[uint32]int
}

// NewRoot creates a synthetic thread root.
func NewRoot() *Node {
	return &Node{MethodID: RootMethodID}
}

// IsRoot reports whether n is a synthetic thread root.
func (n *Node) IsRoot() bool { return n.MethodID == RootMethodID }

// Child returns the i-th child.
func (n *Node) Child(i int) *Node { return n.children[i] }

// ChildCount returns the number of children.
func (n *Node) ChildCount() int { return len(n.children) }

// IsLeaf reports whether n has no children.
func (n *Node) IsLeaf() bool { return len(n.children) == 0 }

// Children returns the child slice. Callers must not modify it.
func (n *Node) Children() []*Node { return n.children }

// FindChild returns the child for methodID, if any.
func (n *Node) FindChild(methodID uint32) (*Node, bool) {
	i, ok := n.index[methodID]
	if !ok {
		return nil, false
	}
	return n.children[i], true
}

// AddChild returns the child for methodID, creating it when absent.
func (n *Node) AddChild(methodID uint32) *Node {
	if c, ok := n.FindChild(methodID); ok {
		return c
	}
	if n.index == nil {
		n.index = make(map[uint32]int)
	}
	c := &Node{MethodID: methodID}
	n.index[methodID] = len(n.children)
	n.children = append(n.children, c)
	return c
}

// Clone deep-copies the subtree.
func (n *Node) Clone() *Node {
	c := &Node{
		MethodID:    n.MethodID,
		Invocations: n.Invocations,
		Inclusive:   n.Inclusive,
		Exclusive:   n.Exclusive,
	}
	if len(n.children) > 0 {
		c.children = make([]*Node, len(n.children))
		c.index = make(map[uint32]int, len(n.children))
		for i, ch := range n.children {
			c.children[i] = ch.Clone()
			c.index[ch.MethodID] = i
		}
	}
	return c
}

// Walk visits the subtree depth first. path holds the method ids from the
// first non-root ancestor down to n. Returning false skips n's children.
func (n *Node) Walk(fn func(n *Node, path []uint32) bool) {
	var path []uint32
	var visit func(*Node)
	visit = func(n *Node) {
		if !n.IsRoot() {
			path = append(path, n.MethodID)
			defer func() { path = path[:len(path)-1] }()
		}
		if !fn(n, path) {
			return
		}
		for _, c := range n.children {
			visit(c)
		}
	}
	visit(n)
}

// Count returns the number of nodes in the subtree, n included.
func (n *Node) Count() int {
	total := 1
	for _, c := range n.children {
		total += c.Count()
	}
	return total
}

// PathID hashes a calling-context path, as yielded by Walk. The empty path
// identifies the thread root.
func PathID(path []uint32) uint64 {
	buf := make([]byte, 0, 4*len(path))
	for _, id := range path {
		buf = binary.BigEndian.AppendUint32(buf, id)
	}
	return xxh3.Hash(buf)
}
