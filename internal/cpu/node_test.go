package cpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNode_WalkPathsAndPathID(t *testing.T) {
	root := NewRoot()
	a := root.AddChild(1)
	a.AddChild(2)
	a.AddChild(3).AddChild(2)
	assert.Same(t, a, root.AddChild(1))

	seen := make(map[uint64][]uint32)
	root.Walk(func(_ *Node, path []uint32) bool {
		id := PathID(path)
		_, dup := seen[id]
		assert.False(t, dup, "path %v hashes like %v", path, seen[id])
		seen[id] = append([]uint32(nil), path...)
		return true
	})
	assert.Len(t, seen, root.Count())
	assert.Equal(t, []uint32{1, 3, 2}, seen[PathID([]uint32{1, 3, 2})])
	assert.NotEqual(t, PathID([]uint32{1, 2}), PathID([]uint32{2, 1}))
}

func TestNode_WalkSkipsChildren(t *testing.T) {
	root := NewRoot()
	root.AddChild(1).AddChild(2)
	root.AddChild(3)

	var visited []uint32
	root.Walk(func(n *Node, _ []uint32) bool {
		visited = append(visited, n.MethodID)
		return n.MethodID != 1
	})
	assert.Equal(t, []uint32{RootMethodID, 1, 3}, visited)

	clone := root.Clone()
	clone.Child(0).Invocations = 7
	assert.Zero(t, root.Child(0).Invocations)
}
